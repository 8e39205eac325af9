package repository

import (
	"context"
	"fmt"
	"strings"
	"time"

	"app/internal/dynamo"
	"app/internal/model"
)

// SubscriptionRepository persists Subscription entities under their owning
// user's partition, with a reverse index keyed by the billing provider's
// subscription id.
type SubscriptionRepository interface {
	Create(ctx context.Context, userID, subscriptionID, planID, status string, currentPeriodEnd int64) (*model.Subscription, error)
	Get(ctx context.Context, userID, subscriptionID string) (*model.Subscription, error)
	// GetBySubscriptionID resolves the owning user through the reverse index
	// and re-fetches the primary row.
	GetBySubscriptionID(ctx context.Context, subscriptionID string) (*model.Subscription, error)
	ListForUser(ctx context.Context, userID string) ([]*model.Subscription, error)
	// GetActive returns the first subscription with status "active" in query
	// order. If the billing provider ever reports more than one, the first
	// encountered is authoritative.
	GetActive(ctx context.Context, userID string) (*model.Subscription, error)
	Save(ctx context.Context, sub *model.Subscription) error
}

type subscriptionRepo struct {
	store Store
	now   func() int64
}

// NewSubscriptionRepo creates a new SubscriptionRepository.
func NewSubscriptionRepo(store Store) SubscriptionRepository {
	return &subscriptionRepo{store: store, now: func() int64 { return time.Now().Unix() }}
}

func (r *subscriptionRepo) Create(ctx context.Context, userID, subscriptionID, planID, status string, currentPeriodEnd int64) (*model.Subscription, error) {
	now := r.now()
	sub := &model.Subscription{
		SubscriptionID:   subscriptionID,
		UserID:           userID,
		PlanID:           planID,
		Status:           status,
		CurrentPeriodEnd: currentPeriodEnd,
		CreatedAt:        now,
		UpdatedAt:        now,
	}

	item, err := itemFrom(sub, pkUser+userID, skSub+subscriptionID)
	if err != nil {
		return nil, err
	}
	if _, err := r.store.Put(ctx, item); err != nil {
		return nil, fmt.Errorf("create subscription %s: %w", subscriptionID, err)
	}

	reverseIndex := dynamo.Item{
		"pk": skSub + subscriptionID,
		"sk": pkUser + userID,
	}
	if _, err := r.store.Put(ctx, reverseIndex); err != nil {
		return nil, fmt.Errorf("create subscription index %s: %w", subscriptionID, err)
	}
	return sub, nil
}

func (r *subscriptionRepo) Get(ctx context.Context, userID, subscriptionID string) (*model.Subscription, error) {
	item, err := r.store.Get(ctx, pkUser+userID, skSub+subscriptionID)
	if err != nil {
		return nil, fmt.Errorf("get subscription %s: %w", subscriptionID, err)
	}
	if item == nil || deletedAt(item) {
		return nil, fmt.Errorf("subscription %s: %w", subscriptionID, ErrNotFound)
	}
	var sub model.Subscription
	if err := into(item, &sub); err != nil {
		return nil, err
	}
	return &sub, nil
}

func (r *subscriptionRepo) GetBySubscriptionID(ctx context.Context, subscriptionID string) (*model.Subscription, error) {
	items, _, err := r.store.Query(ctx, skSub+subscriptionID, "", 1, "")
	if err != nil {
		return nil, fmt.Errorf("lookup subscription %s: %w", subscriptionID, err)
	}
	if len(items) == 0 {
		return nil, fmt.Errorf("subscription %s: %w", subscriptionID, ErrNotFound)
	}
	sk, _ := items[0]["sk"].(string)
	userID := strings.TrimPrefix(sk, pkUser)
	if userID == "" || userID == sk {
		return nil, fmt.Errorf("subscription %s: %w", subscriptionID, ErrNotFound)
	}
	return r.Get(ctx, userID, subscriptionID)
}

func (r *subscriptionRepo) ListForUser(ctx context.Context, userID string) ([]*model.Subscription, error) {
	var subs []*model.Subscription
	cursor := ""
	for {
		items, next, err := r.store.Query(ctx, pkUser+userID, skSub, 0, cursor)
		if err != nil {
			return nil, fmt.Errorf("list subscriptions for user %s: %w", userID, err)
		}
		for _, item := range items {
			if deletedAt(item) {
				continue
			}
			// Index rows share the SUB# sk prefix but carry no
			// subscription_id payload.
			if id, _ := item["subscription_id"].(string); id == "" {
				continue
			}
			var sub model.Subscription
			if err := into(item, &sub); err != nil {
				return nil, err
			}
			subs = append(subs, &sub)
		}
		if next == "" {
			return subs, nil
		}
		cursor = next
	}
}

func (r *subscriptionRepo) GetActive(ctx context.Context, userID string) (*model.Subscription, error) {
	subs, err := r.ListForUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	for _, sub := range subs {
		if sub.Status == model.SubscriptionActive {
			return sub, nil
		}
	}
	return nil, fmt.Errorf("active subscription for user %s: %w", userID, ErrNotFound)
}

func (r *subscriptionRepo) Save(ctx context.Context, sub *model.Subscription) error {
	sub.UpdatedAt = r.now()
	item, err := itemFrom(sub, pkUser+sub.UserID, skSub+sub.SubscriptionID)
	if err != nil {
		return err
	}
	if _, err := r.store.Put(ctx, item); err != nil {
		return fmt.Errorf("save subscription %s: %w", sub.SubscriptionID, err)
	}
	return nil
}
