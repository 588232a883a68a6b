package enums

import "strings"

type CouponType string

const (
	CouponTypePercentage CouponType = "percentage"
	CouponTypeFlat       CouponType = "flat"
)

func ParseCouponType(raw string) (CouponType, bool) {
	switch CouponType(strings.ToLower(strings.TrimSpace(raw))) {
	case CouponTypePercentage:
		return CouponTypePercentage, true
	case CouponTypeFlat:
		return CouponTypeFlat, true
	default:
		return "", false
	}
}

type MessageStatus string

const (
	MessageStatusSent MessageStatus = "sent"
	MessageStatusRead MessageStatus = "read"
)

type BillingInterval string

const (
	BillingIntervalMonthly   BillingInterval = "monthly"
	BillingIntervalQuarterly BillingInterval = "quarterly"
	BillingIntervalYearly    BillingInterval = "yearly"
)

type EventType string

const (
	EventTypePhysical EventType = "physical"
	EventTypeVirtual  EventType = "virtual"
)
