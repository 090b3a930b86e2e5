package payments

import (
	"errors"

	"github.com/mindloop/mindloop/app/models"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// ErrNotFound is returned by lookups targeting a record that does not exist.
var ErrNotFound = errors.New("payments: record not found")

// Repository provides the storage operations the payments service needs.
// Both backends (GORM and in-memory) satisfy identical semantics; in
// particular CreateEventIfAbsent must be atomic: a single check-and-set
// against the store, never a read followed by a separate write.
type Repository interface {
	CreateIntent(intent *models.PaymentIntent) error
	GetIntent(id string) (*models.PaymentIntent, error)
	UpdateIntent(id string, patch map[string]any) error
	FindIntentByProviderRef(provider, providerRef string) (*models.PaymentIntent, error)

	// CreateEventIfAbsent persists the event keyed by provider+event id and
	// reports whether it was created. false means a duplicate delivery.
	CreateEventIfAbsent(event *models.PaymentEvent) (bool, error)
	// DeleteEvent removes an event record so a provider retry can re-enter
	// routing after a mutation failure.
	DeleteEvent(id string) error

	UpsertSubscription(sub *models.Subscription) error
	ListIntents(uid, status string, limit int) ([]models.PaymentIntent, error)
}

type gormRepository struct {
	db *gorm.DB
}

// NewRepository creates a payments repository backed by GORM.
func NewRepository(db *gorm.DB) Repository {
	return &gormRepository{db: db}
}

func (r *gormRepository) CreateIntent(intent *models.PaymentIntent) error {
	return r.db.Create(intent).Error
}

func (r *gormRepository) GetIntent(id string) (*models.PaymentIntent, error) {
	var intent models.PaymentIntent
	err := r.db.Where("id = ?", id).First(&intent).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &intent, nil
}

func (r *gormRepository) UpdateIntent(id string, patch map[string]any) error {
	tx := r.db.Model(&models.PaymentIntent{}).Where("id = ?", id).Updates(patch)
	if tx.Error != nil {
		return tx.Error
	}
	if tx.RowsAffected == 0 {
		// Distinguish a missing row from a no-op patch.
		var count int64
		if err := r.db.Model(&models.PaymentIntent{}).Where("id = ?", id).Count(&count).Error; err != nil {
			return err
		}
		if count == 0 {
			return ErrNotFound
		}
	}
	return nil
}

func (r *gormRepository) FindIntentByProviderRef(provider, providerRef string) (*models.PaymentIntent, error) {
	var intent models.PaymentIntent
	err := r.db.Where("provider = ? AND provider_ref = ?", provider, providerRef).First(&intent).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &intent, nil
}

// CreateEventIfAbsent relies on the primary key conflict clause so the
// existence check and the insert are one statement.
func (r *gormRepository) CreateEventIfAbsent(event *models.PaymentEvent) (bool, error) {
	tx := r.db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "id"}},
		DoNothing: true,
	}).Create(event)
	if tx.Error != nil {
		return false, tx.Error
	}
	return tx.RowsAffected > 0, nil
}

func (r *gormRepository) DeleteEvent(id string) error {
	return r.db.Where("id = ?", id).Delete(&models.PaymentEvent{}).Error
}

func (r *gormRepository) UpsertSubscription(sub *models.Subscription) error {
	return r.db.Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "id"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"uid",
			"provider",
			"provider_subscription_id",
			"status",
			"current_period_end",
			"updated_at",
		}),
	}).Create(sub).Error
}

func (r *gormRepository) ListIntents(uid, status string, limit int) ([]models.PaymentIntent, error) {
	q := r.db.Model(&models.PaymentIntent{}).Order("created_at DESC")
	if uid != "" {
		q = q.Where("uid = ?", uid)
	}
	if status != "" {
		q = q.Where("status = ?", status)
	}
	if limit > 0 {
		q = q.Limit(limit)
	}
	var intents []models.PaymentIntent
	err := q.Find(&intents).Error
	return intents, err
}
