package stripewebhook

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/stripe/stripe-go/v84"
	"gorm.io/gorm"

	"github.com/irishbyblood/horizen-network-deploy/internal/billing"
	"github.com/irishbyblood/horizen-network-deploy/internal/subscriptions"
	"github.com/irishbyblood/horizen-network-deploy/pkg/db/models"
	"github.com/irishbyblood/horizen-network-deploy/pkg/enums"
	pkgerrors "github.com/irishbyblood/horizen-network-deploy/pkg/errors"
	"github.com/irishbyblood/horizen-network-deploy/pkg/logger"
)

type txRunner interface {
	WithTx(ctx context.Context, fn func(tx *gorm.DB) error) error
}

type ServiceParams struct {
	BillingRepo       billing.Repository
	Catalog           *billing.Catalog
	TransactionRunner txRunner
	Logger            *logger.Logger
}

// Service applies Stripe webhook events to stored billing state.
type Service struct {
	billingRepo billing.Repository
	catalog     *billing.Catalog
	txRunner    txRunner
	logg        *logger.Logger
}

func NewService(params ServiceParams) (*Service, error) {
	if params.BillingRepo == nil {
		return nil, pkgerrors.New(pkgerrors.CodeInternal, "billing repo required")
	}
	if params.Catalog == nil {
		return nil, pkgerrors.New(pkgerrors.CodeInternal, "plan catalog required")
	}
	if params.TransactionRunner == nil {
		return nil, pkgerrors.New(pkgerrors.CodeInternal, "transaction runner required")
	}
	return &Service{
		billingRepo: params.BillingRepo,
		catalog:     params.Catalog,
		txRunner:    params.TransactionRunner,
		logg:        params.Logger,
	}, nil
}

// HandleEvent routes a verified Stripe event. Unrecognized event types are
// acknowledged without action so Stripe stops redelivering them.
func (s *Service) HandleEvent(ctx context.Context, event *stripe.Event) error {
	if event == nil || event.Data == nil {
		return pkgerrors.New(pkgerrors.CodeValidation, "stripe event data required")
	}

	switch event.Type {
	case stripe.EventTypeCustomerSubscriptionCreated,
		stripe.EventTypeCustomerSubscriptionUpdated:
		return s.handleSubscriptionEvent(ctx, event, false)
	case stripe.EventTypeCustomerSubscriptionDeleted:
		return s.handleSubscriptionEvent(ctx, event, true)
	case stripe.EventTypeInvoicePaid:
		return s.handleInvoiceEvent(ctx, event, enums.PaymentStatusSucceeded)
	case stripe.EventTypeInvoicePaymentFailed:
		return s.handleInvoiceEvent(ctx, event, enums.PaymentStatusFailed)
	case stripe.EventTypeCustomerSubscriptionTrialWillEnd:
		if s.logg != nil {
			s.logg.Info(s.logg.WithStripeEventID(ctx, event.ID), "trial ending soon")
		}
		return nil
	case stripe.EventTypePaymentIntentSucceeded,
		stripe.EventTypePaymentIntentPaymentFailed:
		// Settlement state lands through the invoice events; these are
		// acknowledged so Stripe stops redelivering them.
		if s.logg != nil {
			s.logg.Info(s.logg.WithStripeEventID(ctx, event.ID), "payment intent event acknowledged")
		}
		return nil
	default:
		return nil
	}
}

func (s *Service) handleSubscriptionEvent(ctx context.Context, event *stripe.Event, terminal bool) error {
	var stripeSub stripe.Subscription
	if err := json.Unmarshal(event.Data.Raw, &stripeSub); err != nil {
		return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "decode subscription event")
	}

	update, err := subscriptions.ProviderUpdateFromStripe(&stripeSub, terminal)
	if err != nil {
		return err
	}
	if key, ok := s.catalog.PlanForPriceID(update.PriceID); ok {
		update.Plan = &key
	}

	return s.txRunner.WithTx(ctx, func(tx *gorm.DB) error {
		repo := s.billingRepo.WithTx(tx)
		stored, err := repo.FindSubscriptionByStripeID(ctx, stripeSub.ID)
		if err != nil {
			return err
		}

		if stored == nil {
			// Rows are created only by the command path; a notification
			// carries no identity to synthesize one from.
			if s.logg != nil {
				s.logg.Warn(s.logg.WithStripeEventID(ctx, event.ID), "subscription event for unknown row")
			}
			return nil
		}

		changed, err := subscriptions.ApplyProviderState(stored, update, false)
		if err != nil {
			return err
		}
		if !changed {
			return nil
		}
		return repo.UpdateSubscription(ctx, stored)
	})
}

func (s *Service) handleInvoiceEvent(ctx context.Context, event *stripe.Event, status enums.PaymentStatus) error {
	invoiceID := event.GetObjectValue("id")
	if invoiceID == "" {
		return pkgerrors.New(pkgerrors.CodeValidation, "invoice id missing")
	}

	subscriptionID := invoiceSubscriptionID(event)
	if subscriptionID == "" {
		// One-off invoices carry no subscription reference; there is no row
		// to attribute the payment to.
		if s.logg != nil {
			s.logg.Warn(s.logg.WithStripeEventID(ctx, event.ID), "invoice event without subscription reference")
		}
		return nil
	}

	paymentIntentID := strings.TrimSpace(event.GetObjectValue("payment_intent"))
	if paymentIntentID == "" {
		// Some invoice payloads omit the intent; the invoice ID is still
		// unique per billing attempt and keeps the dedupe constraint honest.
		paymentIntentID = "invoice:" + invoiceID
	}

	amount := event.GetObjectValue("amount_paid")
	if status == enums.PaymentStatusFailed {
		amount = event.GetObjectValue("amount_due")
	}
	amountCents := parseCents(amount)

	currency := strings.ToLower(strings.TrimSpace(event.GetObjectValue("currency")))
	if currency == "" {
		currency = "usd"
	}

	var failureMessage *string
	if status == enums.PaymentStatusFailed {
		if msg := nestedObjectString(event.Data.Object, "last_finalization_error", "message"); msg != "" {
			failureMessage = &msg
		}
	}

	err := s.txRunner.WithTx(ctx, func(tx *gorm.DB) error {
		repo := s.billingRepo.WithTx(tx)

		stored, err := repo.FindSubscriptionByStripeID(ctx, subscriptionID)
		if err != nil {
			return err
		}
		if stored == nil {
			if s.logg != nil {
				s.logg.Warn(s.logg.WithStripeEventID(ctx, event.ID), "invoice event for unknown subscription")
			}
			return nil
		}

		record := &models.PaymentRecord{
			ID:                    uuid.New(),
			UserID:                stored.UserID,
			SubscriptionID:        &stored.ID,
			StripeInvoiceID:       invoiceID,
			StripePaymentIntentID: paymentIntentID,
			AmountCents:           amountCents,
			Currency:              currency,
			Status:                status,
			FailureMessage:        failureMessage,
			OccurredAt:            eventTime(event),
		}
		inserted, err := repo.CreatePaymentRecord(ctx, record)
		if err != nil {
			return err
		}
		if !inserted && s.logg != nil {
			s.logg.Info(s.logg.WithStripeEventID(ctx, event.ID), "payment already recorded")
		}

		if status == enums.PaymentStatusFailed && stored.Status != enums.SubscriptionStatusCanceled {
			if stored.Status != enums.SubscriptionStatusPastDue {
				stored.Status = enums.SubscriptionStatusPastDue
				return repo.UpdateSubscription(ctx, stored)
			}
		}
		return nil
	})
	return err
}

// invoiceSubscriptionID handles both the flat subscription reference and
// the nested parent form newer API versions emit. One-off invoices carry
// neither, so every step of the descent must tolerate a missing key.
func invoiceSubscriptionID(event *stripe.Event) string {
	if id, ok := event.Data.Object["subscription"].(string); ok && id != "" {
		return id
	}
	return nestedObjectString(event.Data.Object, "parent", "subscription_details", "subscription")
}

// nestedObjectString walks nested maps in a raw event payload, returning ""
// when any intermediate key is absent or not an object.
func nestedObjectString(obj map[string]interface{}, keys ...string) string {
	for i, key := range keys {
		if i == len(keys)-1 {
			value, _ := obj[key].(string)
			return value
		}
		next, ok := obj[key].(map[string]interface{})
		if !ok {
			return ""
		}
		obj = next
	}
	return ""
}

func eventTime(event *stripe.Event) time.Time {
	if event != nil && event.Created > 0 {
		return time.Unix(event.Created, 0).UTC()
	}
	return time.Now().UTC()
}

func parseCents(raw string) int64 {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0
	}
	var cents int64
	for _, r := range raw {
		if r < '0' || r > '9' {
			return 0
		}
		cents = cents*10 + int64(r-'0')
	}
	return cents
}
