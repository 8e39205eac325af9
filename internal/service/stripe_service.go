package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	appconfig "app/internal/config"
	"app/internal/model"
	"app/internal/repository"

	"github.com/rs/zerolog"
	"github.com/stripe/stripe-go/v82"
	billingsession "github.com/stripe/stripe-go/v82/billingportal/session"
	checkoutsession "github.com/stripe/stripe-go/v82/checkout/session"
	customerpkg "github.com/stripe/stripe-go/v82/customer"
	subscriptionpkg "github.com/stripe/stripe-go/v82/subscription"
	"github.com/stripe/stripe-go/v82/webhook"
)

// retrieveCustomer fetches a Stripe customer; overridable in tests.
var retrieveCustomer = func(customerID string) (*stripe.Customer, error) {
	return customerpkg.Get(customerID, nil)
}

// StripeService manages Stripe checkout, portal and webhook integration.
// Subscription state and quota limits change only through webhook events.
type StripeService struct {
	cfg    *appconfig.Config
	users  repository.UserRepository
	subs   repository.SubscriptionRepository
	logger zerolog.Logger
	now    func() int64
}

// NewStripeService initializes the Stripe key and returns the service with a
// scoped logger.
func NewStripeService(cfg *appconfig.Config, users repository.UserRepository, subs repository.SubscriptionRepository, logger zerolog.Logger) *StripeService {
	stripe.Key = cfg.StripeSecretKey
	return &StripeService{
		cfg:    cfg,
		users:  users,
		subs:   subs,
		logger: logger.With().Str("service", "StripeService").Logger(),
		now:    func() int64 { return time.Now().Unix() },
	}
}

// GetOrCreateCustomer ensures a Stripe customer exists for the user and
// returns its id.
func (s *StripeService) GetOrCreateCustomer(ctx context.Context, user *model.User) (string, error) {
	if user.StripeCustomerID != "" {
		return user.StripeCustomerID, nil
	}
	params := &stripe.CustomerParams{
		Email:    stripe.String(user.Email),
		Metadata: map[string]string{"user_id": user.UserID},
	}
	cust, err := customerpkg.New(params)
	if err != nil {
		s.logger.Error().Err(err).Str("user_id", user.UserID).Msg("Failed to create Stripe customer")
		return "", fmt.Errorf("create stripe customer: %w", err)
	}
	user.StripeCustomerID = cust.ID
	if err := s.users.Save(ctx, user); err != nil {
		return "", fmt.Errorf("store stripe customer id: %w", err)
	}
	return cust.ID, nil
}

// CreateCheckoutSession creates a subscription checkout session for a plan key
// and returns its URL.
func (s *StripeService) CreateCheckoutSession(ctx context.Context, userID, planKey string) (string, error) {
	plan, ok := model.Plans[planKey]
	if !ok {
		return "", fmt.Errorf("invalid plan: %s", planKey)
	}
	user, err := s.users.Get(ctx, userID)
	if err != nil {
		return "", err
	}
	customerID, err := s.GetOrCreateCustomer(ctx, user)
	if err != nil {
		return "", err
	}
	sessParams := &stripe.CheckoutSessionParams{
		Customer:           stripe.String(customerID),
		PaymentMethodTypes: stripe.StringSlice([]string{"card"}),
		LineItems:          []*stripe.CheckoutSessionLineItemParams{{Price: stripe.String(plan.PriceID), Quantity: stripe.Int64(1)}},
		Mode:               stripe.String(string(stripe.CheckoutSessionModeSubscription)),
		SuccessURL:         stripe.String(s.cfg.StripeSuccessURL),
		CancelURL:          stripe.String(s.cfg.StripeCancelURL),
		Metadata:           map[string]string{"user_id": userID},
		SubscriptionData: &stripe.CheckoutSessionSubscriptionDataParams{
			Metadata: map[string]string{"user_id": userID},
		},
	}
	sess, err := checkoutsession.New(sessParams)
	if err != nil {
		s.logger.Error().Err(err).Str("plan", planKey).Msg("Failed to create Stripe checkout session")
		return "", fmt.Errorf("create checkout session: %w", err)
	}
	return sess.URL, nil
}

// CreatePortalSession creates a customer portal session and returns its URL.
func (s *StripeService) CreatePortalSession(ctx context.Context, userID string) (string, error) {
	user, err := s.users.Get(ctx, userID)
	if err != nil {
		return "", err
	}
	if user.StripeCustomerID == "" {
		return "", fmt.Errorf("no stripe customer for user: %s", userID)
	}
	params := &stripe.BillingPortalSessionParams{
		Customer:  stripe.String(user.StripeCustomerID),
		ReturnURL: stripe.String(s.cfg.StripePortalReturnURL),
	}
	sess, err := billingsession.New(params)
	if err != nil {
		s.logger.Error().Err(err).Str("user_id", userID).Msg("Failed to create Stripe billing portal session")
		return "", fmt.Errorf("create billing portal session: %w", err)
	}
	return sess.URL, nil
}

// CancelSubscription flags the user's active subscription to cancel at period
// end. The downgrade itself lands later via customer.subscription.deleted.
func (s *StripeService) CancelSubscription(ctx context.Context, userID string) (*model.Subscription, error) {
	sub, err := s.subs.GetActive(ctx, userID)
	if err != nil {
		return nil, err
	}
	if _, err := subscriptionpkg.Update(sub.SubscriptionID, &stripe.SubscriptionParams{
		CancelAtPeriodEnd: stripe.Bool(true),
	}); err != nil {
		s.logger.Error().Err(err).Str("subscription_id", sub.SubscriptionID).Msg("Failed to cancel Stripe subscription")
		return nil, fmt.Errorf("cancel subscription: %w", err)
	}
	sub.CancelAtPeriodEnd = true
	if err := s.subs.Save(ctx, sub); err != nil {
		return nil, err
	}
	return sub, nil
}

// HandleWebhook verifies and processes Stripe webhook events.
func (s *StripeService) HandleWebhook(w http.ResponseWriter, r *http.Request) {
	payload, err := io.ReadAll(r.Body)
	if err != nil {
		s.logger.Error().Err(err).Msg("Failed to read Stripe webhook payload")
		http.Error(w, "failed to read payload", http.StatusBadRequest)
		return
	}
	sig := r.Header.Get("Stripe-Signature")
	event, err := webhook.ConstructEvent(payload, sig, s.cfg.StripeWebhookSecret)
	if err != nil {
		s.logger.Error().Err(err).Msg("Signature verification failed for Stripe webhook")
		http.Error(w, "signature verification failed", http.StatusBadRequest)
		return
	}
	s.logger.Info().Str("event_type", string(event.Type)).Msg("Stripe webhook received")

	result, err := s.handleEvent(r.Context(), event)
	if err != nil {
		s.logger.Error().Err(err).Str("event_type", string(event.Type)).Msg("Failed to process Stripe webhook event")
		http.Error(w, "failed to process event", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(result); err != nil {
		s.logger.Error().Err(err).Msg("Failed to write webhook response")
	}
}

// handleEvent dispatches a verified webhook event. Unrecognized event types
// are acknowledged as ignored so Stripe stops redelivering them.
func (s *StripeService) handleEvent(ctx context.Context, event stripe.Event) (map[string]any, error) {
	switch event.Type {
	case "checkout.session.completed":
		return s.handleCheckoutCompleted(ctx, event)
	case "customer.subscription.created", "customer.subscription.updated":
		return s.handleSubscriptionChanged(ctx, event)
	case "customer.subscription.deleted":
		return s.handleSubscriptionDeleted(ctx, event)
	case "invoice.payment_succeeded":
		return s.handlePaymentSucceeded(ctx, event)
	case "invoice.payment_failed":
		return s.handlePaymentFailed(ctx, event)
	default:
		return map[string]any{"status": "ignored", "event_type": string(event.Type)}, nil
	}
}

func (s *StripeService) handleCheckoutCompleted(ctx context.Context, event stripe.Event) (map[string]any, error) {
	var cs stripe.CheckoutSession
	if err := json.Unmarshal(event.Data.Raw, &cs); err != nil {
		return nil, fmt.Errorf("invalid checkout.session payload: %w", err)
	}
	userID := cs.Metadata["user_id"]
	if userID == "" {
		return nil, errors.New("missing user_id in checkout session metadata")
	}
	user, err := s.users.Get(ctx, userID)
	if err != nil {
		return nil, err
	}
	if cs.Customer != nil && user.StripeCustomerID == "" {
		user.StripeCustomerID = cs.Customer.ID
		if err := s.users.Save(ctx, user); err != nil {
			return nil, err
		}
	}
	// Plan and quota are applied by the customer.subscription.created event.
	return map[string]any{"status": "success", "user_id": userID}, nil
}

func (s *StripeService) handleSubscriptionChanged(ctx context.Context, event stripe.Event) (map[string]any, error) {
	var ss stripe.Subscription
	if err := json.Unmarshal(event.Data.Raw, &ss); err != nil {
		return nil, fmt.Errorf("invalid subscription payload: %w", err)
	}
	userID, err := s.userIDFromEvent(ctx, ss.Metadata, customerID(ss.Customer))
	if err != nil {
		return nil, err
	}
	if len(ss.Items.Data) == 0 || ss.Items.Data[0].Price == nil {
		return nil, fmt.Errorf("subscription %s has no priced items", ss.ID)
	}
	item := ss.Items.Data[0]
	plan, ok := model.PlanByPriceID(item.Price.ID)
	if !ok {
		return nil, fmt.Errorf("unknown price id %s on subscription %s", item.Price.ID, ss.ID)
	}

	sub, err := s.subs.GetBySubscriptionID(ctx, ss.ID)
	switch {
	case errors.Is(err, repository.ErrNotFound):
		sub, err = s.subs.Create(ctx, userID, ss.ID, plan.Key, string(ss.Status), item.CurrentPeriodEnd)
		if err != nil {
			return nil, err
		}
	case err != nil:
		return nil, err
	default:
		sub.PlanID = plan.Key
		sub.Status = string(ss.Status)
		sub.CurrentPeriodEnd = item.CurrentPeriodEnd
		sub.CancelAtPeriodEnd = ss.CancelAtPeriodEnd
		if err := s.subs.Save(ctx, sub); err != nil {
			return nil, err
		}
	}

	if err := s.applyPlan(ctx, userID, plan, string(ss.Status)); err != nil {
		return nil, err
	}
	s.logger.Info().Str("subscription_id", ss.ID).Str("user_id", userID).Str("plan", plan.Key).Str("status", string(ss.Status)).Msg("Subscription updated from webhook")
	return map[string]any{"status": "success", "subscription_id": sub.SubscriptionID, "plan": plan.Key}, nil
}

func (s *StripeService) handleSubscriptionDeleted(ctx context.Context, event stripe.Event) (map[string]any, error) {
	var ss stripe.Subscription
	if err := json.Unmarshal(event.Data.Raw, &ss); err != nil {
		return nil, fmt.Errorf("invalid subscription payload: %w", err)
	}
	userID, err := s.userIDFromEvent(ctx, ss.Metadata, customerID(ss.Customer))
	if err != nil {
		return nil, err
	}

	sub, err := s.subs.GetBySubscriptionID(ctx, ss.ID)
	if err != nil && !errors.Is(err, repository.ErrNotFound) {
		return nil, err
	}
	if sub != nil {
		sub.Status = model.SubscriptionCanceled
		sub.CanceledAt = s.now()
		if err := s.subs.Save(ctx, sub); err != nil {
			return nil, err
		}
	}

	user, err := s.users.Get(ctx, userID)
	if err != nil {
		return nil, err
	}
	user.SubscriptionPlan = ""
	user.QuotaLimit = 0
	if err := s.users.Save(ctx, user); err != nil {
		return nil, err
	}
	s.logger.Info().Str("subscription_id", ss.ID).Str("user_id", userID).Msg("Subscription canceled, user downgraded")
	return map[string]any{"status": "success", "subscription_id": ss.ID}, nil
}

// handlePaymentSucceeded resets the quota counter at the start of each billing
// cycle. Initial and off-cycle invoices leave the counter alone.
func (s *StripeService) handlePaymentSucceeded(ctx context.Context, event stripe.Event) (map[string]any, error) {
	var invoice stripe.Invoice
	if err := json.Unmarshal(event.Data.Raw, &invoice); err != nil {
		return nil, fmt.Errorf("invalid invoice payload: %w", err)
	}
	if invoice.BillingReason != stripe.InvoiceBillingReasonSubscriptionCycle {
		return map[string]any{"status": "success", "reset": false}, nil
	}
	userID, err := s.userIDFromEvent(ctx, invoice.Metadata, customerID(invoice.Customer))
	if err != nil {
		return nil, err
	}
	user, err := s.users.Get(ctx, userID)
	if err != nil {
		return nil, err
	}
	user.QuotaUsed = 0
	user.QuotaResetAt = s.now()
	if err := s.users.Save(ctx, user); err != nil {
		return nil, err
	}
	s.logger.Info().Str("user_id", userID).Msg("Quota reset on billing cycle renewal")
	return map[string]any{"status": "success", "reset": true}, nil
}

func (s *StripeService) handlePaymentFailed(ctx context.Context, event stripe.Event) (map[string]any, error) {
	var invoice stripe.Invoice
	if err := json.Unmarshal(event.Data.Raw, &invoice); err != nil {
		return nil, fmt.Errorf("invalid invoice payload: %w", err)
	}
	userID, err := s.userIDFromEvent(ctx, invoice.Metadata, customerID(invoice.Customer))
	if err != nil {
		return nil, err
	}
	sub, err := s.subs.GetActive(ctx, userID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return map[string]any{"status": "success"}, nil
		}
		return nil, err
	}
	sub.Status = model.SubscriptionPastDue
	if err := s.subs.Save(ctx, sub); err != nil {
		return nil, err
	}
	s.logger.Warn().Str("user_id", userID).Str("subscription_id", sub.SubscriptionID).Msg("Payment failed, subscription past due")
	return map[string]any{"status": "success", "subscription_id": sub.SubscriptionID}, nil
}

// applyPlan writes the plan's quota limit onto the user. An active
// subscription grants the plan quota; any other status leaves the limit as is
// until the subscription recovers or is deleted.
func (s *StripeService) applyPlan(ctx context.Context, userID string, plan model.Plan, status string) error {
	if status != model.SubscriptionActive {
		return nil
	}
	user, err := s.users.Get(ctx, userID)
	if err != nil {
		return err
	}
	user.SubscriptionPlan = plan.Key
	user.QuotaLimit = plan.Quota
	return s.users.Save(ctx, user)
}

// userIDFromEvent resolves the owning user from event metadata, falling back
// to the Stripe customer's metadata.
func (s *StripeService) userIDFromEvent(_ context.Context, metadata map[string]string, custID string) (string, error) {
	if userID := metadata["user_id"]; userID != "" {
		return userID, nil
	}
	if custID == "" {
		return "", errors.New("cannot determine user: missing metadata and customer id")
	}
	s.logger.Warn().Str("stripe_customer_id", custID).Msg("Missing user_id metadata; resolving through customer")
	cust, err := retrieveCustomer(custID)
	if err != nil {
		return "", fmt.Errorf("lookup stripe customer %s: %w", custID, err)
	}
	if userID := cust.Metadata["user_id"]; userID != "" {
		return userID, nil
	}
	return "", fmt.Errorf("no user mapped to stripe customer %s", custID)
}

func customerID(c *stripe.Customer) string {
	if c == nil {
		return ""
	}
	return c.ID
}
