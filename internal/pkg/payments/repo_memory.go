package payments

import (
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/mindloop/mindloop/app/models"
)

// MemoryRepository is the in-memory Repository backend used by tests and
// local development. It is an explicit, constructed object with no package
// state, so concurrent tests never share stores by accident.
type MemoryRepository struct {
	mu            sync.Mutex
	intents       map[string]models.PaymentIntent
	events        map[string]models.PaymentEvent
	subscriptions map[string]models.Subscription
}

func NewMemoryRepository() *MemoryRepository {
	r := &MemoryRepository{}
	r.Reset()
	return r
}

// Reset clears all stores. Called between tests.
func (r *MemoryRepository) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.intents = make(map[string]models.PaymentIntent)
	r.events = make(map[string]models.PaymentEvent)
	r.subscriptions = make(map[string]models.Subscription)
}

func (r *MemoryRepository) CreateIntent(intent *models.PaymentIntent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := time.Now().UTC()
	if intent.CreatedAt.IsZero() {
		intent.CreatedAt = now
	}
	intent.UpdatedAt = now
	r.intents[intent.ID] = *intent
	return nil
}

func (r *MemoryRepository) GetIntent(id string) (*models.PaymentIntent, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	intent, ok := r.intents[id]
	if !ok {
		return nil, ErrNotFound
	}
	return &intent, nil
}

func (r *MemoryRepository) UpdateIntent(id string, patch map[string]any) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	intent, ok := r.intents[id]
	if !ok {
		return ErrNotFound
	}
	for k, v := range patch {
		switch k {
		case "status":
			intent.Status, _ = v.(string)
		case "provider_ref":
			if ref, ok := v.(string); ok {
				intent.ProviderRef = &ref
			}
		}
	}
	intent.UpdatedAt = time.Now().UTC()
	r.intents[id] = intent
	return nil
}

func (r *MemoryRepository) FindIntentByProviderRef(provider, providerRef string) (*models.PaymentIntent, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, intent := range r.intents {
		if intent.Provider == provider && providerRef != "" && intent.Ref() == providerRef {
			found := intent
			return &found, nil
		}
	}
	return nil, ErrNotFound
}

// CreateEventIfAbsent holds the lock across the existence check and the
// insert, matching the single-statement atomicity of the GORM backend.
func (r *MemoryRepository) CreateEventIfAbsent(event *models.PaymentEvent) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.events[event.ID]; exists {
		return false, nil
	}
	if event.ReceivedAt.IsZero() {
		event.ReceivedAt = time.Now().UTC()
	}
	r.events[event.ID] = *event
	return true, nil
}

func (r *MemoryRepository) DeleteEvent(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.events, id)
	return nil
}

func (r *MemoryRepository) UpsertSubscription(sub *models.Subscription) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := time.Now().UTC()
	if existing, ok := r.subscriptions[sub.ID]; ok {
		sub.CreatedAt = existing.CreatedAt
	} else if sub.CreatedAt.IsZero() {
		sub.CreatedAt = now
	}
	sub.UpdatedAt = now
	r.subscriptions[sub.ID] = *sub
	return nil
}

func (r *MemoryRepository) ListIntents(uid, status string, limit int) ([]models.PaymentIntent, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var intents []models.PaymentIntent
	for _, intent := range r.intents {
		if uid != "" && intent.UID != uid {
			continue
		}
		if status != "" && !strings.EqualFold(intent.Status, status) {
			continue
		}
		intents = append(intents, intent)
	}
	sort.Slice(intents, func(i, j int) bool {
		return intents[i].CreatedAt.After(intents[j].CreatedAt)
	})
	if limit > 0 && len(intents) > limit {
		intents = intents[:limit]
	}
	return intents, nil
}

// GetEvent returns a stored event. Test helper.
func (r *MemoryRepository) GetEvent(id string) (*models.PaymentEvent, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	event, ok := r.events[id]
	if !ok {
		return nil, false
	}
	return &event, true
}

// GetSubscription returns a stored subscription. Test helper.
func (r *MemoryRepository) GetSubscription(id string) (*models.Subscription, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	sub, ok := r.subscriptions[id]
	if !ok {
		return nil, false
	}
	return &sub, true
}

// EventCount reports the number of stored events. Test helper.
func (r *MemoryRepository) EventCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.events)
}
