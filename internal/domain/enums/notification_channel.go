package enums

import "strings"

type NotificationChannel string

const (
	NotificationChannelInApp    NotificationChannel = "in_app"
	NotificationChannelEmail    NotificationChannel = "email"
	NotificationChannelTelegram NotificationChannel = "telegram"
)

func ParseNotificationChannel(raw string) (NotificationChannel, bool) {
	switch NotificationChannel(strings.ToLower(strings.TrimSpace(raw))) {
	case NotificationChannelInApp:
		return NotificationChannelInApp, true
	case NotificationChannelEmail:
		return NotificationChannelEmail, true
	case NotificationChannelTelegram:
		return NotificationChannelTelegram, true
	default:
		return "", false
	}
}

type DeliveryStatus string

const (
	DeliveryStatusPending DeliveryStatus = "pending"
	DeliveryStatusSent    DeliveryStatus = "sent"
	DeliveryStatusFailed  DeliveryStatus = "failed"
)
