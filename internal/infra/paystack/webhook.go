package paystack

import (
	"encoding/json"
	"fmt"
)

const (
	EventChargeSuccess = "charge.success"
	EventChargeFailed  = "charge.failed"
)

type WebhookEvent struct {
	Event string      `json:"event"`
	Data  Transaction `json:"data"`
}

func ParseWebhook(body []byte) (WebhookEvent, error) {
	var event WebhookEvent
	if err := json.Unmarshal(body, &event); err != nil {
		return WebhookEvent{}, fmt.Errorf("decode webhook: %w", err)
	}
	if event.Event == "" || event.Data.Reference == "" {
		return WebhookEvent{}, fmt.Errorf("webhook is missing event or reference")
	}
	return event, nil
}
