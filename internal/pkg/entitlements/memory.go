package entitlements

import (
	"sync"
	"time"

	"github.com/mindloop/mindloop/app/models"
)

// MemoryStore is the in-memory Store used by tests. Mirrors the GORM
// backend's semantics without a database or cache.
type MemoryStore struct {
	mu   sync.Mutex
	ents map[string]models.Entitlement
}

func NewMemoryStore() *MemoryStore {
	s := &MemoryStore{}
	s.Reset()
	return s
}

// Reset clears the store. Called between tests.
func (s *MemoryStore) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ents = make(map[string]models.Entitlement)
}

func (s *MemoryStore) UpsertCourseEntitlement(uid, courseID, source string) error {
	s.put(models.Entitlement{
		ID:       models.CourseEntitlementID(uid, courseID),
		UID:      uid,
		Kind:     models.EntitlementKindCourse,
		CourseID: courseID,
		Status:   models.EntitlementStatusActive,
		Source:   source,
	})
	return nil
}

func (s *MemoryStore) UpsertMembershipEntitlement(in MembershipUpdate) error {
	s.put(models.Entitlement{
		ID:                    models.MembershipEntitlementID(in.UID),
		UID:                   in.UID,
		Kind:                  models.EntitlementKindMembership,
		Status:                in.Status,
		Source:                in.Source,
		BillingProvider:       in.Provider,
		BillingSubscriptionID: in.ProviderSubscriptionID,
		ExpiresAt:             in.ExpiresAt,
	})
	return nil
}

func (s *MemoryStore) put(ent models.Entitlement) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now().UTC()
	if existing, ok := s.ents[ent.ID]; ok {
		ent.CreatedAt = existing.CreatedAt
	} else {
		ent.CreatedAt = now
	}
	ent.UpdatedAt = now
	s.ents[ent.ID] = ent
}

func (s *MemoryStore) GetCourseEntitlement(uid, courseID string) (*models.Entitlement, error) {
	return s.get(models.CourseEntitlementID(uid, courseID)), nil
}

func (s *MemoryStore) GetMembershipEntitlement(uid string) (*models.Entitlement, error) {
	return s.get(models.MembershipEntitlementID(uid)), nil
}

func (s *MemoryStore) get(id string) *models.Entitlement {
	s.mu.Lock()
	defer s.mu.Unlock()
	ent, ok := s.ents[id]
	if !ok {
		return nil
	}
	return &ent
}

func (s *MemoryStore) ListEntitlements(uid string) ([]models.Entitlement, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.Entitlement
	for _, ent := range s.ents {
		if ent.UID == uid {
			out = append(out, ent)
		}
	}
	return out, nil
}

func (s *MemoryStore) CanAccess(uid, courseID string) (bool, error) {
	now := time.Now().UTC()
	if course := s.get(models.CourseEntitlementID(uid, courseID)); course != nil && course.ActiveNow(now) {
		return true, nil
	}
	membership := s.get(models.MembershipEntitlementID(uid))
	return membership != nil && membership.ActiveNow(now), nil
}
