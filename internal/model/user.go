package model

// Role values for User.Role.
const (
	RoleUser  = "user"
	RoleAdmin = "admin"
)

// User represents a user account. Timestamps are epoch seconds, matching the
// wire representation in the store.
type User struct {
	UserID           string `json:"user_id"`
	Email            string `json:"email"`
	Username         string `json:"username"`
	Role             string `json:"role"`
	QuotaUsed        int64  `json:"quota_used"`
	QuotaLimit       int64  `json:"quota_limit"`
	SubscriptionPlan string `json:"subscription_plan,omitempty"`
	StripeCustomerID string `json:"stripe_customer_id,omitempty"`
	QuotaResetAt     int64  `json:"quota_reset_at,omitempty"`
	CreatedAt        int64  `json:"created_at"`
	DeletedAt        int64  `json:"deleted_at,omitempty"`
}

// QuotaRemaining returns how many images the user may still generate in the
// current billing cycle.
func (u *User) QuotaRemaining() int64 {
	if u.QuotaUsed >= u.QuotaLimit {
		return 0
	}
	return u.QuotaLimit - u.QuotaUsed
}
