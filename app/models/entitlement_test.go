package models

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestEntitlementIDs(t *testing.T) {
	assert.Equal(t, "ent_course_u1_go-basics", CourseEntitlementID("u1", "go-basics"))
	assert.Equal(t, "ent_membership_u1", MembershipEntitlementID("u1"))
}

func TestEntitlementActiveNow(t *testing.T) {
	now := time.Date(2026, 8, 28, 12, 0, 0, 0, time.UTC)
	past := now.Add(-time.Minute)
	future := now.Add(time.Minute)

	tests := []struct {
		name string
		ent  Entitlement
		want bool
	}{
		{"active without expiry", Entitlement{Status: EntitlementStatusActive}, true},
		{"active before expiry", Entitlement{Status: EntitlementStatusActive, ExpiresAt: &future}, true},
		{"active past expiry", Entitlement{Status: EntitlementStatusActive, ExpiresAt: &past}, false},
		{"inactive", Entitlement{Status: EntitlementStatusInactive}, false},
		{"inactive with future expiry", Entitlement{Status: EntitlementStatusInactive, ExpiresAt: &future}, false},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, tc.ent.ActiveNow(now))
		})
	}
}

func TestPaymentIntentTerminal(t *testing.T) {
	assert.False(t, (&PaymentIntent{Status: IntentStatusPending}).Terminal())
	assert.True(t, (&PaymentIntent{Status: IntentStatusSucceeded}).Terminal())
	assert.True(t, (&PaymentIntent{Status: IntentStatusFailed}).Terminal())
}
