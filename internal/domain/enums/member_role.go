package enums

import "strings"

type UserRole string

const (
	UserRoleUser  UserRole = "user"
	UserRoleAdmin UserRole = "admin"
)

type MemberRole string

const (
	MemberRoleOwner  MemberRole = "owner"
	MemberRoleAdmin  MemberRole = "admin"
	MemberRoleMember MemberRole = "member"
)

// ParseInvitableRole rejects owner: ownership is never handed out through an invitation.
func ParseInvitableRole(raw string) (MemberRole, bool) {
	switch MemberRole(strings.ToLower(strings.TrimSpace(raw))) {
	case MemberRoleAdmin:
		return MemberRoleAdmin, true
	case MemberRoleMember:
		return MemberRoleMember, true
	default:
		return "", false
	}
}

type InvitationStatus string

const (
	InvitationStatusPending  InvitationStatus = "pending"
	InvitationStatusAccepted InvitationStatus = "accepted"
	InvitationStatusRevoked  InvitationStatus = "revoked"
	InvitationStatusExpired  InvitationStatus = "expired"
)
