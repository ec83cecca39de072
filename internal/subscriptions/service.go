package subscriptions

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/stripe/stripe-go/v84"
	"gorm.io/gorm"

	"github.com/irishbyblood/horizen-network-deploy/internal/billing"
	"github.com/irishbyblood/horizen-network-deploy/pkg/config"
	"github.com/irishbyblood/horizen-network-deploy/pkg/db/models"
	"github.com/irishbyblood/horizen-network-deploy/pkg/enums"
	pkgerrors "github.com/irishbyblood/horizen-network-deploy/pkg/errors"
	"github.com/irishbyblood/horizen-network-deploy/pkg/pagination"
)

type txRunner interface {
	WithTx(ctx context.Context, fn func(tx *gorm.DB) error) error
}

// Service defines the subscription lifecycle surface.
type Service interface {
	Create(ctx context.Context, userID uuid.UUID, input CreateSubscriptionInput) (*CreateResult, error)
	Cancel(ctx context.Context, userID uuid.UUID, immediate bool) (*models.Subscription, error)
	Reactivate(ctx context.Context, userID uuid.UUID) (*models.Subscription, error)
	ChangePlan(ctx context.Context, userID uuid.UUID, plan enums.PlanKey) (*models.Subscription, error)
	CheckAccess(ctx context.Context, userID uuid.UUID, required enums.PlanKey) (*AccessResult, error)
	Get(ctx context.Context, userID uuid.UUID) (*models.Subscription, error)
	PaymentHistory(ctx context.Context, userID uuid.UUID, params pagination.Params) ([]models.PaymentRecord, *pagination.Cursor, error)
	Sync(ctx context.Context, userID uuid.UUID) (*models.Subscription, error)
	CheckoutSession(ctx context.Context, userID uuid.UUID, input CheckoutSessionInput) (string, error)
	PortalSession(ctx context.Context, userID uuid.UUID) (string, error)
}

// ServiceParams groups dependencies for the subscription service.
type ServiceParams struct {
	BillingRepo       billing.Repository
	Catalog           *billing.Catalog
	StripeClient      StripeBillingClient
	TransactionRunner txRunner
	StripeConfig      config.StripeConfig
}

// CreateSubscriptionInput captures the data required to start a subscription.
type CreateSubscriptionInput struct {
	Plan      enums.PlanKey
	Email     string
	TrialDays int64
}

// CreateResult reports the stored row plus the client secret the frontend
// needs to confirm the initial payment.
type CreateResult struct {
	Subscription *models.Subscription
	ClientSecret string
	Created      bool
}

// AccessResult reports whether a user's subscription covers a required plan.
// Reason is set only on denial.
type AccessResult struct {
	HasAccess         bool
	Reason            string
	Plan              *enums.PlanKey
	Status            *enums.SubscriptionStatus
	CurrentPeriodEnd  *time.Time
	CancelAtPeriodEnd bool
}

// CheckoutSessionInput configures a hosted checkout redirect.
type CheckoutSessionInput struct {
	Plan      enums.PlanKey
	Email     string
	TrialDays int64
}

type service struct {
	billingRepo billing.Repository
	catalog     *billing.Catalog
	stripe      StripeBillingClient
	txRunner    txRunner
	cfg         config.StripeConfig
}

// NewService builds a subscription service with the required dependencies.
func NewService(params ServiceParams) (Service, error) {
	if params.BillingRepo == nil {
		return nil, fmt.Errorf("billing repo required")
	}
	if params.Catalog == nil {
		return nil, fmt.Errorf("plan catalog required")
	}
	if params.StripeClient == nil {
		return nil, fmt.Errorf("stripe client required")
	}
	if params.TransactionRunner == nil {
		return nil, fmt.Errorf("transaction runner required")
	}
	return &service{
		billingRepo: params.BillingRepo,
		catalog:     params.Catalog,
		stripe:      params.StripeClient,
		txRunner:    params.TransactionRunner,
		cfg:         params.StripeConfig,
	}, nil
}

// Create starts a subscription for the user on the requested plan.
//
// The remote subscription is created before any local row exists. If a
// concurrent request won the race inside the transaction, the fresh remote
// subscription is canceled and the existing row is returned.
func (s *service) Create(ctx context.Context, userID uuid.UUID, input CreateSubscriptionInput) (*CreateResult, error) {
	if userID == uuid.Nil {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "user id is required")
	}
	if _, err := s.catalog.Plan(input.Plan); err != nil {
		return nil, err
	}
	priceID, err := s.catalog.PriceID(input.Plan)
	if err != nil {
		return nil, err
	}

	if existing, err := s.findOpen(ctx, userID); err != nil {
		return nil, err
	} else if existing != nil {
		return nil, alreadySubscribed(existing)
	}

	customerID, err := s.resolveCustomer(ctx, userID, input.Email)
	if err != nil {
		return nil, err
	}

	params := &stripe.SubscriptionParams{
		Customer: stripe.String(customerID),
		Items: []*stripe.SubscriptionItemsParams{
			{Price: stripe.String(priceID)},
		},
		PaymentBehavior: stripe.String("default_incomplete"),
		PaymentSettings: &stripe.SubscriptionPaymentSettingsParams{
			SaveDefaultPaymentMethod: stripe.String("on_subscription"),
		},
		Expand: []*string{stripe.String("latest_invoice.confirmation_secret")},
	}
	if input.TrialDays > 0 {
		params.TrialPeriodDays = stripe.Int64(input.TrialDays)
	}
	params.Metadata = map[string]string{
		"user_id": userID.String(),
		"plan":    input.Plan.String(),
	}

	stripeSub, err := s.stripe.CreateSubscription(ctx, params)
	if err != nil {
		return nil, wrapStripeErr(err, "create stripe subscription")
	}

	update, err := ProviderUpdateFromStripe(stripeSub, false)
	if err != nil {
		return nil, err
	}
	update.StripeCustomerID = customerID

	var (
		createdSub    *models.Subscription
		existingAfter *models.Subscription
	)

	err = s.txRunner.WithTx(ctx, func(tx *gorm.DB) error {
		txRepo := s.billingRepo.WithTx(tx)

		open, err := txRepo.FindOpenSubscriptionByUser(ctx, userID)
		if err != nil {
			return err
		}
		if open != nil {
			existingAfter = open
			return nil
		}

		sub, err := BuildSubscriptionFromUpdate(update, userID, input.Plan, map[string]string{
			"stripe_customer_id": customerID,
		})
		if err != nil {
			return err
		}
		if err := txRepo.CreateSubscription(ctx, sub); err != nil {
			return err
		}
		createdSub = sub
		return nil
	})

	if err != nil {
		if cancelErr := s.cancelRemote(ctx, stripeSub.ID); cancelErr != nil {
			return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, cancelErr, "cancel stripe subscription after db error")
		}
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "persist subscription")
	}

	if existingAfter != nil {
		if cancelErr := s.cancelRemote(ctx, stripeSub.ID); cancelErr != nil {
			return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, cancelErr, "cancel stripe subscription due to race")
		}
		return nil, alreadySubscribed(existingAfter)
	}

	return &CreateResult{
		Subscription: createdSub,
		ClientSecret: clientSecretFrom(stripeSub),
		Created:      true,
	}, nil
}

// Cancel schedules the open subscription for end-of-period cancellation, or
// terminates it immediately when immediate is true.
func (s *service) Cancel(ctx context.Context, userID uuid.UUID, immediate bool) (*models.Subscription, error) {
	if userID == uuid.Nil {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "user id is required")
	}

	open, err := s.findOpen(ctx, userID)
	if err != nil {
		return nil, err
	}
	if open == nil {
		return nil, pkgerrors.New(pkgerrors.CodeNotFound, "no active subscription")
	}

	var stripeSub *stripe.Subscription
	terminal := false
	if immediate {
		stripeSub, err = s.stripe.CancelSubscription(ctx, open.StripeSubscriptionID, &stripe.SubscriptionCancelParams{})
		if err != nil {
			return nil, wrapStripeErr(err, "cancel stripe subscription")
		}
		terminal = true
	} else {
		stripeSub, err = s.stripe.UpdateSubscription(ctx, open.StripeSubscriptionID, &stripe.SubscriptionParams{
			CancelAtPeriodEnd: stripe.Bool(true),
		})
		if err != nil {
			return nil, wrapStripeErr(err, "schedule stripe cancellation")
		}
	}

	return s.persistProviderState(ctx, open.StripeSubscriptionID, stripeSub, terminal)
}

// Reactivate clears a scheduled end-of-period cancellation.
func (s *service) Reactivate(ctx context.Context, userID uuid.UUID) (*models.Subscription, error) {
	if userID == uuid.Nil {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "user id is required")
	}

	open, err := s.findOpen(ctx, userID)
	if err != nil {
		return nil, err
	}
	if open == nil {
		return nil, pkgerrors.New(pkgerrors.CodeNotFound, "no active subscription")
	}
	if !open.CancelAtPeriodEnd {
		return nil, pkgerrors.New(pkgerrors.CodeStateConflict, "subscription is not scheduled for cancellation")
	}

	stripeSub, err := s.stripe.UpdateSubscription(ctx, open.StripeSubscriptionID, &stripe.SubscriptionParams{
		CancelAtPeriodEnd: stripe.Bool(false),
	})
	if err != nil {
		return nil, wrapStripeErr(err, "reactivate stripe subscription")
	}

	return s.persistProviderState(ctx, open.StripeSubscriptionID, stripeSub, false)
}

// ChangePlan moves the open subscription to a different catalog plan with
// proration.
func (s *service) ChangePlan(ctx context.Context, userID uuid.UUID, plan enums.PlanKey) (*models.Subscription, error) {
	if userID == uuid.Nil {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "user id is required")
	}
	if _, err := s.catalog.Plan(plan); err != nil {
		return nil, err
	}

	open, err := s.findOpen(ctx, userID)
	if err != nil {
		return nil, err
	}
	if open == nil {
		return nil, pkgerrors.New(pkgerrors.CodeNotFound, "no active subscription")
	}
	if open.Plan == plan {
		return nil, pkgerrors.New(pkgerrors.CodeStateConflict, "subscription already on requested plan")
	}

	priceID, err := s.catalog.PriceID(plan)
	if err != nil {
		return nil, err
	}

	remote, err := s.stripe.GetSubscription(ctx, open.StripeSubscriptionID, &stripe.SubscriptionParams{})
	if err != nil {
		return nil, wrapStripeErr(err, "fetch stripe subscription")
	}
	if remote == nil || remote.Items == nil || len(remote.Items.Data) == 0 {
		return nil, pkgerrors.New(pkgerrors.CodeDependency, "stripe subscription has no items")
	}

	stripeSub, err := s.stripe.UpdateSubscription(ctx, open.StripeSubscriptionID, &stripe.SubscriptionParams{
		Items: []*stripe.SubscriptionItemsParams{
			{
				ID:    stripe.String(remote.Items.Data[0].ID),
				Price: stripe.String(priceID),
			},
		},
		ProrationBehavior: stripe.String("create_prorations"),
	})
	if err != nil {
		return nil, wrapStripeErr(err, "update stripe subscription plan")
	}

	updated, err := s.persistProviderStateWithPlan(ctx, open.StripeSubscriptionID, stripeSub, &plan)
	if err != nil {
		return nil, err
	}
	return updated, nil
}

// CheckAccess reports whether the user's subscription covers the required
// plan. The bundle tier satisfies the standalone tier.
func (s *service) CheckAccess(ctx context.Context, userID uuid.UUID, required enums.PlanKey) (*AccessResult, error) {
	if userID == uuid.Nil {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "user id is required")
	}
	if _, err := s.catalog.Plan(required); err != nil {
		return nil, err
	}

	open, err := s.findOpen(ctx, userID)
	if err != nil {
		return nil, err
	}
	if open == nil {
		return &AccessResult{HasAccess: false, Reason: "no subscription found"}, nil
	}

	result := &AccessResult{
		Plan:              &open.Plan,
		Status:            &open.Status,
		CancelAtPeriodEnd: open.CancelAtPeriodEnd,
	}
	if !open.CurrentPeriodEnd.IsZero() {
		end := open.CurrentPeriodEnd
		result.CurrentPeriodEnd = &end
	}

	switch {
	case !open.Status.IsActiveLike():
		result.Reason = fmt.Sprintf("subscription is %s", open.Status)
	case open.CurrentPeriodEnd.Before(time.Now().UTC()):
		// An open row can outlive its paid period when the final webhook
		// never landed; access ends with the period regardless.
		result.Reason = "subscription period has ended"
	case !open.Plan.Includes(required):
		result.Reason = fmt.Sprintf("plan %s required, user has %s", required, open.Plan)
	default:
		result.HasAccess = true
	}
	return result, nil
}

// Get returns the user's most recent subscription, open or not.
func (s *service) Get(ctx context.Context, userID uuid.UUID) (*models.Subscription, error) {
	if userID == uuid.Nil {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "user id is required")
	}
	sub, err := s.billingRepo.FindLatestSubscriptionByUser(ctx, userID)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "lookup subscription")
	}
	if sub == nil {
		return nil, pkgerrors.New(pkgerrors.CodeNotFound, "subscription not found")
	}
	return sub, nil
}

// PaymentHistory lists the user's settlement records, newest first.
func (s *service) PaymentHistory(ctx context.Context, userID uuid.UUID, params pagination.Params) ([]models.PaymentRecord, *pagination.Cursor, error) {
	if userID == uuid.Nil {
		return nil, nil, pkgerrors.New(pkgerrors.CodeValidation, "user id is required")
	}
	cursor, err := pagination.ParseCursor(params.Cursor)
	if err != nil {
		return nil, nil, pkgerrors.Wrap(pkgerrors.CodeValidation, err, "invalid cursor")
	}
	records, next, err := s.billingRepo.ListPaymentRecords(ctx, billing.ListPaymentRecordsQuery{
		UserID: userID,
		Limit:  params.Limit,
		Cursor: cursor,
	})
	if err != nil {
		return nil, nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "list payment records")
	}
	return records, next, nil
}

// Sync adopts the provider's current state verbatim, bypassing the
// staleness watermark. Used when a user reports drift or after an outage.
func (s *service) Sync(ctx context.Context, userID uuid.UUID) (*models.Subscription, error) {
	if userID == uuid.Nil {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "user id is required")
	}

	stored, err := s.billingRepo.FindLatestSubscriptionByUser(ctx, userID)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "lookup subscription")
	}
	if stored == nil {
		return nil, pkgerrors.New(pkgerrors.CodeNotFound, "subscription not found")
	}
	if strings.TrimSpace(stored.StripeSubscriptionID) == "" {
		return nil, pkgerrors.New(pkgerrors.CodeStateConflict, "stripe subscription id missing")
	}

	remote, err := s.stripe.GetSubscription(ctx, stored.StripeSubscriptionID, &stripe.SubscriptionParams{})
	if err != nil {
		return nil, wrapStripeErr(err, "fetch stripe subscription")
	}

	update, err := ProviderUpdateFromStripe(remote, false)
	if err != nil {
		return nil, err
	}
	if key, ok := s.catalog.PlanForPriceID(update.PriceID); ok {
		update.Plan = &key
	}

	var synced *models.Subscription
	err = s.txRunner.WithTx(ctx, func(tx *gorm.DB) error {
		txRepo := s.billingRepo.WithTx(tx)
		row, err := txRepo.FindSubscriptionByStripeID(ctx, stored.StripeSubscriptionID)
		if err != nil {
			return err
		}
		if row == nil {
			return pkgerrors.New(pkgerrors.CodeNotFound, "subscription not found")
		}
		changed, err := ApplyProviderState(row, update, true)
		if err != nil {
			return err
		}
		if changed {
			if err := txRepo.UpdateSubscription(ctx, row); err != nil {
				return err
			}
		}
		synced = row
		return nil
	})
	if err != nil {
		if typed := pkgerrors.As(err); typed != nil {
			return nil, typed
		}
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "persist synced subscription")
	}
	return synced, nil
}

// CheckoutSession creates a hosted checkout redirect for the requested plan.
func (s *service) CheckoutSession(ctx context.Context, userID uuid.UUID, input CheckoutSessionInput) (string, error) {
	if userID == uuid.Nil {
		return "", pkgerrors.New(pkgerrors.CodeValidation, "user id is required")
	}
	if _, err := s.catalog.Plan(input.Plan); err != nil {
		return "", err
	}
	priceID, err := s.catalog.PriceID(input.Plan)
	if err != nil {
		return "", err
	}

	if existing, err := s.findOpen(ctx, userID); err != nil {
		return "", err
	} else if existing != nil {
		return "", alreadySubscribed(existing)
	}

	customerID, err := s.resolveCustomer(ctx, userID, input.Email)
	if err != nil {
		return "", err
	}

	params := &stripe.CheckoutSessionParams{
		Mode:     stripe.String(string(stripe.CheckoutSessionModeSubscription)),
		Customer: stripe.String(customerID),
		LineItems: []*stripe.CheckoutSessionLineItemParams{
			{
				Price:    stripe.String(priceID),
				Quantity: stripe.Int64(1),
			},
		},
		SuccessURL: stripe.String(s.cfg.CheckoutSuccessURL),
		CancelURL:  stripe.String(s.cfg.CheckoutCancelURL),
	}
	if input.TrialDays > 0 {
		params.SubscriptionData = &stripe.CheckoutSessionSubscriptionDataParams{
			TrialPeriodDays: stripe.Int64(input.TrialDays),
			Metadata: map[string]string{
				"user_id": userID.String(),
				"plan":    input.Plan.String(),
			},
		}
	} else {
		params.SubscriptionData = &stripe.CheckoutSessionSubscriptionDataParams{
			Metadata: map[string]string{
				"user_id": userID.String(),
				"plan":    input.Plan.String(),
			},
		}
	}

	session, err := s.stripe.CreateCheckoutSession(ctx, params)
	if err != nil {
		return "", wrapStripeErr(err, "create checkout session")
	}
	return session.URL, nil
}

// PortalSession creates a billing portal redirect for the user's customer.
func (s *service) PortalSession(ctx context.Context, userID uuid.UUID) (string, error) {
	if userID == uuid.Nil {
		return "", pkgerrors.New(pkgerrors.CodeValidation, "user id is required")
	}

	stored, err := s.billingRepo.FindLatestSubscriptionByUser(ctx, userID)
	if err != nil {
		return "", pkgerrors.Wrap(pkgerrors.CodeDependency, err, "lookup subscription")
	}
	if stored == nil || strings.TrimSpace(stored.StripeCustomerID) == "" {
		return "", pkgerrors.New(pkgerrors.CodeNotFound, "no billing profile for user")
	}

	session, err := s.stripe.CreatePortalSession(ctx, &stripe.BillingPortalSessionParams{
		Customer:  stripe.String(stored.StripeCustomerID),
		ReturnURL: stripe.String(s.cfg.PortalReturnURL),
	})
	if err != nil {
		return "", wrapStripeErr(err, "create portal session")
	}
	return session.URL, nil
}

func (s *service) findOpen(ctx context.Context, userID uuid.UUID) (*models.Subscription, error) {
	sub, err := s.billingRepo.FindOpenSubscriptionByUser(ctx, userID)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "lookup open subscription")
	}
	return sub, nil
}

// resolveCustomer reuses the customer attached to the user's most recent
// subscription, creating a fresh one otherwise.
func (s *service) resolveCustomer(ctx context.Context, userID uuid.UUID, email string) (string, error) {
	latest, err := s.billingRepo.FindLatestSubscriptionByUser(ctx, userID)
	if err != nil {
		return "", pkgerrors.Wrap(pkgerrors.CodeDependency, err, "lookup billing profile")
	}
	if latest != nil && strings.TrimSpace(latest.StripeCustomerID) != "" {
		return latest.StripeCustomerID, nil
	}

	email = strings.TrimSpace(email)
	if email == "" {
		return "", pkgerrors.New(pkgerrors.CodeValidation, "email is required for a new billing profile")
	}

	params := &stripe.CustomerParams{
		Email: stripe.String(email),
	}
	params.Metadata = map[string]string{"user_id": userID.String()}

	cust, err := s.stripe.CreateCustomer(ctx, params)
	if err != nil {
		return "", wrapStripeErr(err, "create stripe customer")
	}
	return cust.ID, nil
}

// persistProviderState folds an authoritative Stripe response into the
// stored row inside a transaction.
func (s *service) persistProviderState(ctx context.Context, stripeSubID string, stripeSub *stripe.Subscription, terminal bool) (*models.Subscription, error) {
	return s.persistUpdate(ctx, stripeSubID, stripeSub, terminal, nil)
}

func (s *service) persistProviderStateWithPlan(ctx context.Context, stripeSubID string, stripeSub *stripe.Subscription, plan *enums.PlanKey) (*models.Subscription, error) {
	return s.persistUpdate(ctx, stripeSubID, stripeSub, false, plan)
}

func (s *service) persistUpdate(ctx context.Context, stripeSubID string, stripeSub *stripe.Subscription, terminal bool, plan *enums.PlanKey) (*models.Subscription, error) {
	update, err := ProviderUpdateFromStripe(stripeSub, terminal)
	if err != nil {
		return nil, err
	}
	if plan != nil {
		update.Plan = plan
	} else if key, ok := s.catalog.PlanForPriceID(update.PriceID); ok {
		update.Plan = &key
	}

	var persisted *models.Subscription
	err = s.txRunner.WithTx(ctx, func(tx *gorm.DB) error {
		txRepo := s.billingRepo.WithTx(tx)
		stored, err := txRepo.FindSubscriptionByStripeID(ctx, stripeSubID)
		if err != nil {
			return err
		}
		if stored == nil {
			return pkgerrors.New(pkgerrors.CodeNotFound, "subscription not found")
		}
		changed, err := ApplyProviderState(stored, update, true)
		if err != nil {
			return err
		}
		if changed {
			if err := txRepo.UpdateSubscription(ctx, stored); err != nil {
				return err
			}
		}
		persisted = stored
		return nil
	})
	if err != nil {
		if typed := pkgerrors.As(err); typed != nil {
			return nil, typed
		}
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "persist subscription update")
	}
	return persisted, nil
}

func (s *service) cancelRemote(ctx context.Context, id string) error {
	_, err := s.stripe.CancelSubscription(ctx, id, &stripe.SubscriptionCancelParams{})
	return err
}

func alreadySubscribed(existing *models.Subscription) error {
	return pkgerrors.New(pkgerrors.CodeConflict, "user already has an open subscription").
		WithDetails(map[string]string{
			"subscription_id": existing.ID.String(),
			"plan":            existing.Plan.String(),
			"status":          existing.Status.String(),
		})
}

func clientSecretFrom(sub *stripe.Subscription) string {
	if sub == nil || sub.LatestInvoice == nil || sub.LatestInvoice.ConfirmationSecret == nil {
		return ""
	}
	return sub.LatestInvoice.ConfirmationSecret.ClientSecret
}

// wrapStripeErr maps Stripe API failures onto the coded error taxonomy:
// card and request errors surface as provider rejections, transport and
// server errors as dependency failures.
func wrapStripeErr(err error, msg string) error {
	if err == nil {
		return nil
	}
	if stripeErr, ok := err.(*stripe.Error); ok {
		switch stripeErr.Type {
		case stripe.ErrorTypeCard, stripe.ErrorTypeInvalidRequest:
			return pkgerrors.Wrap(pkgerrors.CodeProviderRejected, err, msg).
				WithDetails(map[string]string{
					"stripe_code": string(stripeErr.Code),
				})
		}
	}
	return pkgerrors.Wrap(pkgerrors.CodeDependency, err, msg)
}
