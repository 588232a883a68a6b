package enums

import "strings"

type WithdrawalStatus string

const (
	WithdrawalStatusPending   WithdrawalStatus = "pending"
	WithdrawalStatusApproved  WithdrawalStatus = "approved"
	WithdrawalStatusRejected  WithdrawalStatus = "rejected"
	WithdrawalStatusCompleted WithdrawalStatus = "completed"
)

func ParseWithdrawalStatus(raw string) (WithdrawalStatus, bool) {
	switch WithdrawalStatus(strings.ToLower(strings.TrimSpace(raw))) {
	case WithdrawalStatusPending:
		return WithdrawalStatusPending, true
	case WithdrawalStatusApproved:
		return WithdrawalStatusApproved, true
	case WithdrawalStatusRejected:
		return WithdrawalStatusRejected, true
	case WithdrawalStatusCompleted:
		return WithdrawalStatusCompleted, true
	default:
		return "", false
	}
}

func (s WithdrawalStatus) CanTransitionTo(next WithdrawalStatus) bool {
	switch s {
	case WithdrawalStatusPending:
		return next == WithdrawalStatusApproved || next == WithdrawalStatusRejected
	case WithdrawalStatusApproved:
		return next == WithdrawalStatusCompleted || next == WithdrawalStatusRejected
	default:
		return false
	}
}

// Holds reports whether the amount is still reserved against the wallet balance.
func (s WithdrawalStatus) Holds() bool {
	return s == WithdrawalStatusPending || s == WithdrawalStatusApproved || s == WithdrawalStatusCompleted
}
