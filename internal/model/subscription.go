package model

// Subscription status values mirror the billing provider's.
const (
	SubscriptionActive   = "active"
	SubscriptionCanceled = "canceled"
	SubscriptionPastDue  = "past_due"
)

// Subscription represents a billing subscription. SubscriptionID is the
// billing provider's id; lifecycle is driven exclusively by webhook events.
type Subscription struct {
	SubscriptionID    string `json:"subscription_id"`
	UserID            string `json:"user_id"`
	PlanID            string `json:"plan_id"`
	Status            string `json:"status"`
	CurrentPeriodEnd  int64  `json:"current_period_end"`
	CancelAtPeriodEnd bool   `json:"cancel_at_period_end,omitempty"`
	CanceledAt        int64  `json:"canceled_at,omitempty"`
	CreatedAt         int64  `json:"created_at"`
	UpdatedAt         int64  `json:"updated_at"`
}
