package models

import "time"

const (
	SubscriptionStatusActive   = "active"
	SubscriptionStatusPastDue  = "past_due"
	SubscriptionStatusCanceled = "canceled"
	SubscriptionStatusExpired  = "expired"
)

// Subscription mirrors a recurring billing record at the provider. The ID is
// a pure function of (uid, provider, provider subscription id), or of the
// originating intent's provider ref before the provider has assigned one,
// which makes upserts naturally idempotent.
type Subscription struct {
	ID                     string     `gorm:"type:varchar(255);primaryKey" json:"id"`
	UID                    string     `gorm:"type:varchar(128);not null;index" json:"uid"`
	Provider               string     `gorm:"type:varchar(20);not null;index" json:"provider"`
	ProviderSubscriptionID string     `gorm:"type:varchar(191);not null" json:"provider_subscription_id"`
	Status                 string     `gorm:"type:varchar(32);not null;default:'active';index" json:"status"`
	CurrentPeriodEnd       *time.Time `gorm:"type:timestamp;default:null" json:"current_period_end,omitempty"`
	CreatedAt              time.Time  `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt              time.Time  `gorm:"autoUpdateTime" json:"updated_at"`
}
