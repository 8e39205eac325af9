package repository

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"app/internal/dynamo"
	"app/internal/model"
)

// quotaRetries bounds the compare-and-swap loop on the quota counter.
const quotaRetries = 3

// QuotaExceededError rejects an admission request, citing how many images the
// user may still generate.
type QuotaExceededError struct {
	Remaining int64
}

func (e *QuotaExceededError) Error() string {
	return fmt.Sprintf("batch size exceeds available quota: you can generate up to %d images", e.Remaining)
}

// UserRepository persists User entities and their email index rows, and owns
// the quota ledger operations.
type UserRepository interface {
	Create(ctx context.Context, userID, email, username string) (*model.User, error)
	Get(ctx context.Context, userID string) (*model.User, error)
	GetByEmail(ctx context.Context, email string) (*model.User, error)
	Save(ctx context.Context, u *model.User) error
	SoftDelete(ctx context.Context, userID string) error
	// ReserveQuota increments quota_used by n iff the user has n images of
	// quota remaining, using a compare-and-swap on the counter. Returns
	// *QuotaExceededError when the batch does not fit.
	ReserveQuota(ctx context.Context, userID string, n int64) error
	// RefundQuota decrements quota_used by n, floored at zero. Compensating
	// action for failed jobs.
	RefundQuota(ctx context.Context, userID string, n int64) error
}

type userRepo struct {
	store Store
	now   func() int64
}

// NewUserRepo creates a new UserRepository.
func NewUserRepo(store Store) UserRepository {
	return &userRepo{store: store, now: func() int64 { return time.Now().Unix() }}
}

// Create writes the user row and then its email index row. The two writes are
// not atomic; a crash in between leaves a user without an email lookup path,
// which GetByEmail reports as not found.
func (r *userRepo) Create(ctx context.Context, userID, email, username string) (*model.User, error) {
	if username == "" {
		username = "user_" + shortID(userID)
	}
	u := &model.User{
		UserID:    userID,
		Email:     email,
		Username:  username,
		Role:      model.RoleUser,
		CreatedAt: r.now(),
	}

	item, err := itemFrom(u, pkUser+userID, skProfile)
	if err != nil {
		return nil, err
	}
	if _, err := r.store.Put(ctx, item); err != nil {
		return nil, fmt.Errorf("create user %s: %w", userID, err)
	}

	emailIndex := dynamo.Item{
		"pk": pkEmail + email,
		"sk": pkUser + userID,
	}
	if _, err := r.store.Put(ctx, emailIndex); err != nil {
		return nil, fmt.Errorf("create email index for user %s: %w", userID, err)
	}
	return u, nil
}

// Get fetches a user by id. Soft-deleted users are reported as not found.
func (r *userRepo) Get(ctx context.Context, userID string) (*model.User, error) {
	item, err := r.store.Get(ctx, pkUser+userID, skProfile)
	if err != nil {
		return nil, fmt.Errorf("get user %s: %w", userID, err)
	}
	if item == nil || deletedAt(item) {
		return nil, fmt.Errorf("user %s: %w", userID, ErrNotFound)
	}
	var u model.User
	if err := into(item, &u); err != nil {
		return nil, err
	}
	return &u, nil
}

// GetByEmail resolves the email index row and re-fetches the primary row. A
// stale or orphaned index row yields not found, never an error.
func (r *userRepo) GetByEmail(ctx context.Context, email string) (*model.User, error) {
	items, _, err := r.store.QueryIndex(ctx, indexByEmail, pkEmail+email, "", 1, "")
	if err != nil {
		return nil, fmt.Errorf("lookup email %s: %w", email, err)
	}
	if len(items) == 0 {
		return nil, fmt.Errorf("email %s: %w", email, ErrNotFound)
	}
	sk, _ := items[0]["sk"].(string)
	userID := strings.TrimPrefix(sk, pkUser)
	if userID == "" || userID == sk {
		return nil, fmt.Errorf("email %s: %w", email, ErrNotFound)
	}
	return r.Get(ctx, userID)
}

// Save writes the full user profile back. created_at is preserved from the
// entity.
func (r *userRepo) Save(ctx context.Context, u *model.User) error {
	item, err := itemFrom(u, pkUser+u.UserID, skProfile)
	if err != nil {
		return err
	}
	if _, err := r.store.Put(ctx, item); err != nil {
		return fmt.Errorf("save user %s: %w", u.UserID, err)
	}
	return nil
}

// SoftDelete flags the user deleted; the row is retained.
func (r *userRepo) SoftDelete(ctx context.Context, userID string) error {
	if err := r.store.SoftDelete(ctx, pkUser+userID, skProfile); err != nil {
		return fmt.Errorf("delete user %s: %w", userID, err)
	}
	return nil
}

func (r *userRepo) ReserveQuota(ctx context.Context, userID string, n int64) error {
	for attempt := 0; attempt < quotaRetries; attempt++ {
		u, err := r.Get(ctx, userID)
		if err != nil {
			return err
		}
		if u.QuotaUsed+n > u.QuotaLimit {
			return &QuotaExceededError{Remaining: u.QuotaRemaining()}
		}
		err = r.store.Update(ctx, pkUser+userID, skProfile,
			dynamo.Item{"quota_used": u.QuotaUsed + n},
			dynamo.Item{"quota_used": u.QuotaUsed})
		if err == nil {
			return nil
		}
		if !errors.Is(err, dynamo.ErrConditionFailed) {
			return fmt.Errorf("reserve quota for user %s: %w", userID, err)
		}
		// Another writer moved the counter; re-read and try again.
	}
	return fmt.Errorf("reserve quota for user %s: %w", userID, dynamo.ErrConditionFailed)
}

func (r *userRepo) RefundQuota(ctx context.Context, userID string, n int64) error {
	for attempt := 0; attempt < quotaRetries; attempt++ {
		u, err := r.Get(ctx, userID)
		if err != nil {
			return err
		}
		next := u.QuotaUsed - n
		if next < 0 {
			next = 0
		}
		if next == u.QuotaUsed {
			return nil
		}
		err = r.store.Update(ctx, pkUser+userID, skProfile,
			dynamo.Item{"quota_used": next},
			dynamo.Item{"quota_used": u.QuotaUsed})
		if err == nil {
			return nil
		}
		if !errors.Is(err, dynamo.ErrConditionFailed) {
			return fmt.Errorf("refund quota for user %s: %w", userID, err)
		}
	}
	return fmt.Errorf("refund quota for user %s: %w", userID, dynamo.ErrConditionFailed)
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
