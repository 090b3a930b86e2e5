package models

import (
	"fmt"
	"time"
)

const (
	EntitlementKindCourse     = "course"
	EntitlementKindMembership = "membership"
)

const (
	EntitlementStatusActive   = "active"
	EntitlementStatusInactive = "inactive"
)

// Entitlement is a derived access grant written by the payments pipeline and
// read by the access-control path. IDs are deterministic so grants are plain
// upserts.
type Entitlement struct {
	ID                    string     `gorm:"type:varchar(255);primaryKey" json:"id"`
	UID                   string     `gorm:"type:varchar(128);not null;index" json:"uid"`
	Kind                  string     `gorm:"type:varchar(20);not null;index" json:"kind"`
	CourseID              string     `gorm:"type:varchar(128)" json:"course_id,omitempty"`
	Status                string     `gorm:"type:varchar(20);not null;default:'active';index" json:"status"`
	Source                string     `gorm:"type:varchar(32)" json:"source"`
	BillingProvider       string     `gorm:"type:varchar(20)" json:"billing_provider,omitempty"`
	BillingSubscriptionID string     `gorm:"type:varchar(191)" json:"billing_subscription_id,omitempty"`
	ExpiresAt             *time.Time `gorm:"type:timestamp;default:null" json:"expires_at,omitempty"`
	CreatedAt             time.Time  `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt             time.Time  `gorm:"autoUpdateTime" json:"updated_at"`
}

// CourseEntitlementID builds the deterministic document id for a course grant.
func CourseEntitlementID(uid, courseID string) string {
	return fmt.Sprintf("ent_course_%s_%s", uid, courseID)
}

// MembershipEntitlementID builds the deterministic document id for a
// membership grant. One membership entitlement exists per user.
func MembershipEntitlementID(uid string) string {
	return fmt.Sprintf("ent_membership_%s", uid)
}

// ActiveNow reports whether the entitlement currently grants access,
// honoring an optional expiry.
func (e *Entitlement) ActiveNow(now time.Time) bool {
	if e.Status != EntitlementStatusActive {
		return false
	}
	if e.ExpiresAt != nil && now.After(*e.ExpiresAt) {
		return false
	}
	return true
}
