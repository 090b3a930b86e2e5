package models

import "time"

// PaymentEvent stores one received provider webhook, keyed by
// "{provider}:{provider_event_id}". The unique key is the idempotency gate
// for the whole webhook pipeline: rows are created once and never mutated.
type PaymentEvent struct {
	ID                  string    `gorm:"type:varchar(255);primaryKey" json:"id"`
	Provider            string    `gorm:"type:varchar(20);not null;index:ux_payment_events_provider_event,unique,priority:1" json:"provider"`
	ProviderEventID     string    `gorm:"type:varchar(191);not null;index:ux_payment_events_provider_event,unique,priority:2" json:"provider_event_id"`
	EventType           string    `gorm:"type:varchar(100);not null;index" json:"event_type"`
	Unmapped            bool      `gorm:"default:false;index" json:"unmapped"`
	UnmappedHint        string    `gorm:"type:varchar(255)" json:"unmapped_hint,omitempty"`
	PayloadJSON         string    `gorm:"type:longtext" json:"payload_json"`
	PayloadRedactedJSON string    `gorm:"type:longtext" json:"payload_redacted_json,omitempty"`
	PayloadKeysJSON     string    `gorm:"type:text" json:"payload_keys_json,omitempty"`
	ReceivedAt          time.Time `gorm:"autoCreateTime;index" json:"received_at"`
}
