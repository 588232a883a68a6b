package enums

import "strings"

type PaymentStatus string

const (
	PaymentStatusPending PaymentStatus = "PENDING"
	PaymentStatusSuccess PaymentStatus = "SUCCESS"
	PaymentStatusFailed  PaymentStatus = "FAILED"
)

func ParsePaymentStatus(raw string) (PaymentStatus, bool) {
	switch PaymentStatus(strings.ToUpper(strings.TrimSpace(raw))) {
	case PaymentStatusPending:
		return PaymentStatusPending, true
	case PaymentStatusSuccess:
		return PaymentStatusSuccess, true
	case PaymentStatusFailed:
		return PaymentStatusFailed, true
	default:
		return "", false
	}
}

// CanTransitionTo allows a failed payment to still succeed: a late gateway capture means money
// moved and has to be recorded.
func (s PaymentStatus) CanTransitionTo(next PaymentStatus) bool {
	switch s {
	case PaymentStatusPending:
		return next == PaymentStatusSuccess || next == PaymentStatusFailed
	case PaymentStatusFailed:
		return next == PaymentStatusSuccess
	default:
		return false
	}
}

func (s PaymentStatus) String() string {
	return string(s)
}

type RefundStatus string

const (
	RefundStatusPending   RefundStatus = "pending"
	RefundStatusProcessed RefundStatus = "processed"
	RefundStatusFailed    RefundStatus = "failed"
)
