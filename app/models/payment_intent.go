package models

import "time"

const (
	IntentKindOneTime      = "one_time"
	IntentKindSubscription = "subscription"
)

const (
	IntentScopeCourse     = "course"
	IntentScopeMembership = "membership"
)

const (
	IntentStatusPending   = "pending"
	IntentStatusSucceeded = "succeeded"
	IntentStatusFailed    = "failed"
)

// PaymentIntent represents a single checkout attempt. The provider ref is
// assigned once by the provider and is the join key webhooks use to find
// the intent again. It is a pointer so unassigned refs insert as NULL:
// empty strings would collide on the unique index once a second pending
// intent exists for the same provider.
type PaymentIntent struct {
	ID          string    `gorm:"type:varchar(64);primaryKey" json:"id"`
	UID         string    `gorm:"type:varchar(128);not null;index" json:"uid"`
	Kind        string    `gorm:"type:varchar(20);not null" json:"kind"`
	Scope       string    `gorm:"type:varchar(20);not null" json:"scope"`
	CourseID    string    `gorm:"type:varchar(128)" json:"course_id,omitempty"`
	Tier        string    `gorm:"type:varchar(64)" json:"tier,omitempty"`
	Status      string    `gorm:"type:varchar(20);not null;default:'pending';index" json:"status"`
	Provider    string    `gorm:"type:varchar(20);not null;index:ux_payment_intents_provider_ref,unique,priority:1" json:"provider"`
	ProviderRef *string   `gorm:"type:varchar(191);index:ux_payment_intents_provider_ref,unique,priority:2" json:"provider_ref,omitempty"`
	CreatedAt   time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt   time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

// Ref returns the assigned provider reference, or "" while the intent is
// still waiting for the provider to assign one.
func (p *PaymentIntent) Ref() string {
	if p.ProviderRef == nil {
		return ""
	}
	return *p.ProviderRef
}

// Terminal reports whether the intent reached a final state. Terminal
// intents must not transition again.
func (p *PaymentIntent) Terminal() bool {
	return p.Status == IntentStatusSucceeded || p.Status == IntentStatusFailed
}
