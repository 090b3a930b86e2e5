package entitlements

import (
	"errors"
	"log"
	"time"

	"github.com/mindloop/mindloop/app/models"
	"github.com/mindloop/mindloop/internal/pkg/cache"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// MembershipUpdate carries the provider-neutral fields written to a
// membership entitlement.
type MembershipUpdate struct {
	UID                    string
	Status                 string
	ExpiresAt              *time.Time
	Source                 string
	Provider               string
	ProviderSubscriptionID string
}

// Store is the entitlement collaborator the payments pipeline writes to and
// the access-control path reads from. Grants are deterministic upserts:
// writing the same grant twice is a no-op.
type Store interface {
	UpsertCourseEntitlement(uid, courseID, source string) error
	UpsertMembershipEntitlement(in MembershipUpdate) error
	GetCourseEntitlement(uid, courseID string) (*models.Entitlement, error)
	GetMembershipEntitlement(uid string) (*models.Entitlement, error)
	ListEntitlements(uid string) ([]models.Entitlement, error)
	// CanAccess reports whether uid may access courseID, either through a
	// course grant or an unexpired membership.
	CanAccess(uid, courseID string) (bool, error)
}

const membershipCacheTTL = 60 * time.Second

type gormStore struct {
	db       *gorm.DB
	useCache bool
}

// NewStore creates an entitlement store backed by GORM. Membership lookups
// go through the shared cache when enabled.
func NewStore(db *gorm.DB, useCache bool) Store {
	return &gormStore{db: db, useCache: useCache}
}

func (s *gormStore) UpsertCourseEntitlement(uid, courseID, source string) error {
	ent := &models.Entitlement{
		ID:       models.CourseEntitlementID(uid, courseID),
		UID:      uid,
		Kind:     models.EntitlementKindCourse,
		CourseID: courseID,
		Status:   models.EntitlementStatusActive,
		Source:   source,
	}
	return s.upsert(ent)
}

func (s *gormStore) UpsertMembershipEntitlement(in MembershipUpdate) error {
	ent := &models.Entitlement{
		ID:                    models.MembershipEntitlementID(in.UID),
		UID:                   in.UID,
		Kind:                  models.EntitlementKindMembership,
		Status:                in.Status,
		Source:                in.Source,
		BillingProvider:       in.Provider,
		BillingSubscriptionID: in.ProviderSubscriptionID,
		ExpiresAt:             in.ExpiresAt,
	}
	if err := s.upsert(ent); err != nil {
		return err
	}
	if s.useCache {
		if err := cache.Delete(membershipCacheKey(in.UID)); err != nil {
			log.Printf("entitlements: cache invalidation failed for %s: %v", in.UID, err)
		}
	}
	return nil
}

func (s *gormStore) upsert(ent *models.Entitlement) error {
	return s.db.Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "id"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"status",
			"source",
			"billing_provider",
			"billing_subscription_id",
			"expires_at",
			"updated_at",
		}),
	}).Create(ent).Error
}

func (s *gormStore) GetCourseEntitlement(uid, courseID string) (*models.Entitlement, error) {
	return s.get(models.CourseEntitlementID(uid, courseID))
}

func (s *gormStore) GetMembershipEntitlement(uid string) (*models.Entitlement, error) {
	return s.get(models.MembershipEntitlementID(uid))
}

func (s *gormStore) get(id string) (*models.Entitlement, error) {
	var ent models.Entitlement
	err := s.db.Where("id = ?", id).First(&ent).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &ent, nil
}

func (s *gormStore) ListEntitlements(uid string) ([]models.Entitlement, error) {
	var ents []models.Entitlement
	err := s.db.Where("uid = ?", uid).Find(&ents).Error
	return ents, err
}

func (s *gormStore) CanAccess(uid, courseID string) (bool, error) {
	course, err := s.GetCourseEntitlement(uid, courseID)
	if err != nil {
		return false, err
	}
	now := time.Now().UTC()
	if course != nil && course.ActiveNow(now) {
		return true, nil
	}
	return s.membershipActive(uid, now)
}

func (s *gormStore) membershipActive(uid string, now time.Time) (bool, error) {
	key := membershipCacheKey(uid)
	if s.useCache {
		if cached, err := cache.Get(key); err == nil {
			return cached == "1", nil
		}
	}

	ent, err := s.GetMembershipEntitlement(uid)
	if err != nil {
		return false, err
	}
	active := ent != nil && ent.ActiveNow(now)

	if s.useCache {
		val := "0"
		if active {
			val = "1"
		}
		if err := cache.Set(key, val, membershipCacheTTL); err != nil {
			log.Printf("entitlements: cache write failed for %s: %v", uid, err)
		}
	}
	return active, nil
}

func membershipCacheKey(uid string) string {
	return "ent:membership:" + uid
}
