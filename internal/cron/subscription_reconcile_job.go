package cron

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/stripe/stripe-go/v84"
	"go.uber.org/multierr"
	"gorm.io/gorm"

	"github.com/irishbyblood/horizen-network-deploy/internal/billing"
	"github.com/irishbyblood/horizen-network-deploy/internal/subscriptions"
	"github.com/irishbyblood/horizen-network-deploy/pkg/db/models"
	"github.com/irishbyblood/horizen-network-deploy/pkg/enums"
	"github.com/irishbyblood/horizen-network-deploy/pkg/logger"
	"github.com/irishbyblood/horizen-network-deploy/pkg/metrics"
)

const (
	defaultReconcileLimit    = 250
	defaultReconcileLookback = 7 * 24 * time.Hour
)

type txRunner interface {
	WithTx(ctx context.Context, fn func(tx *gorm.DB) error) error
}

// SubscriptionReconcileJobParams configures the subscription sweep.
type SubscriptionReconcileJobParams struct {
	Logger       *logger.Logger
	DB           txRunner
	BillingRepo  billing.Repository
	Catalog      *billing.Catalog
	StripeClient subscriptions.StripeBillingClient
	Metrics      *metrics.ReconcileMetrics
	Limit        int
	Lookback     time.Duration
	Now          func() time.Time
}

// NewSubscriptionReconcileJob builds the drift-correction cron job. It
// treats Stripe as the source of truth: every candidate row is compared
// against the provider and rewritten when they disagree.
func NewSubscriptionReconcileJob(params SubscriptionReconcileJobParams) (Job, error) {
	if params.Logger == nil {
		return nil, fmt.Errorf("logger required")
	}
	if params.DB == nil {
		return nil, fmt.Errorf("db runner required")
	}
	if params.BillingRepo == nil {
		return nil, fmt.Errorf("billing repository required")
	}
	if params.Catalog == nil {
		return nil, fmt.Errorf("plan catalog required")
	}
	if params.StripeClient == nil {
		return nil, fmt.Errorf("stripe client required")
	}
	now := params.Now
	if now == nil {
		now = time.Now
	}
	lookback := params.Lookback
	if lookback <= 0 {
		lookback = defaultReconcileLookback
	}
	limit := params.Limit
	if limit <= 0 {
		limit = defaultReconcileLimit
	}
	return &subscriptionReconcileJob{
		logg:        params.Logger,
		db:          params.DB,
		billingRepo: params.BillingRepo,
		catalog:     params.Catalog,
		stripe:      params.StripeClient,
		metrics:     params.Metrics,
		now:         now,
		limit:       limit,
		lookback:    lookback,
	}, nil
}

type subscriptionReconcileJob struct {
	logg        *logger.Logger
	db          txRunner
	billingRepo billing.Repository
	catalog     *billing.Catalog
	stripe      subscriptions.StripeBillingClient
	metrics     *metrics.ReconcileMetrics
	now         func() time.Time
	limit       int
	lookback    time.Duration
}

func (j *subscriptionReconcileJob) Name() string { return "subscription-reconcile" }

func (j *subscriptionReconcileJob) Run(ctx context.Context) error {
	logCtx := j.logg.WithField(ctx, "job", j.Name())
	snapshot, err := j.billingRepo.ListSubscriptionsForReconciliation(logCtx, j.limit, j.lookback)
	if err != nil {
		return fmt.Errorf("list subscriptions for reconciliation: %w", err)
	}

	var errs error
	scanned := len(snapshot)
	corrected := 0
	for i := range snapshot {
		j.metrics.IncChecked(j.Name())
		changed, err := j.reconcileSubscription(logCtx, &snapshot[i])
		if err != nil {
			j.metrics.IncError(j.Name())
			errs = multierr.Append(errs, err)
			continue
		}
		if changed {
			j.metrics.IncDrift(j.Name())
			corrected++
		}
	}

	reportCtx := j.logg.WithFields(logCtx, map[string]any{
		"candidates": scanned,
		"corrected":  corrected,
	})
	j.logg.Info(reportCtx, "subscription reconcile sweep complete")
	return errs
}

func (j *subscriptionReconcileJob) reconcileSubscription(ctx context.Context, sub *models.Subscription) (bool, error) {
	logCtx := j.logg.WithFields(ctx, map[string]any{
		"subscription_id":        sub.ID,
		"user_id":                sub.UserID,
		"stripe_subscription_id": sub.StripeSubscriptionID,
	})
	if strings.TrimSpace(sub.StripeSubscriptionID) == "" {
		j.logg.Info(logCtx, "subscription missing stripe id; skipping")
		return false, nil
	}

	remote, err := j.stripe.GetSubscription(logCtx, sub.StripeSubscriptionID, &stripe.SubscriptionParams{})
	if err != nil {
		if isStripeMissing(err) {
			// The provider no longer knows this subscription, treat it
			// like a deletion event.
			return j.persistMissingRemote(logCtx, sub.StripeSubscriptionID)
		}
		return false, fmt.Errorf("fetch stripe subscription %s: %w", sub.StripeSubscriptionID, err)
	}
	if remote == nil {
		j.logg.Info(logCtx, "stripe subscription not found; skipping")
		return false, nil
	}

	update, err := subscriptions.ProviderUpdateFromStripe(remote, false)
	if err != nil {
		return false, err
	}
	if key, ok := j.catalog.PlanForPriceID(update.PriceID); ok {
		update.Plan = &key
	}

	changed := false
	if err := j.db.WithTx(logCtx, func(tx *gorm.DB) error {
		repo := j.billingRepo.WithTx(tx)
		stored, err := repo.FindSubscriptionByStripeID(logCtx, sub.StripeSubscriptionID)
		if err != nil {
			return err
		}
		if stored == nil {
			j.logg.Info(logCtx, "subscription removed from db; skipping")
			return nil
		}
		applied, err := subscriptions.ApplyProviderState(stored, update, true)
		if err != nil {
			return err
		}
		if !applied {
			return nil
		}
		if err := repo.UpdateSubscription(logCtx, stored); err != nil {
			return err
		}
		changed = true
		successCtx := j.logg.WithField(logCtx, "stripe_status", string(remote.Status))
		j.logg.Info(successCtx, "subscription drift corrected")
		return nil
	}); err != nil {
		return false, fmt.Errorf("persist subscription reconciliation: %w", err)
	}
	return changed, nil
}

// persistMissingRemote cancels a stored row whose provider subscription is
// gone entirely.
func (j *subscriptionReconcileJob) persistMissingRemote(ctx context.Context, stripeSubscriptionID string) (bool, error) {
	changed := false
	err := j.db.WithTx(ctx, func(tx *gorm.DB) error {
		repo := j.billingRepo.WithTx(tx)
		stored, err := repo.FindSubscriptionByStripeID(ctx, stripeSubscriptionID)
		if err != nil {
			return err
		}
		if stored == nil || stored.Status == enums.SubscriptionStatusCanceled {
			return nil
		}
		canceledAt := j.now().UTC()
		update := &subscriptions.ProviderUpdate{
			StripeSubscriptionID: stripeSubscriptionID,
			Status:               enums.SubscriptionStatusCanceled,
			CanceledAt:           &canceledAt,
			Terminal:             true,
		}
		applied, err := subscriptions.ApplyProviderState(stored, update, true)
		if err != nil {
			return err
		}
		if !applied {
			return nil
		}
		if err := repo.UpdateSubscription(ctx, stored); err != nil {
			return err
		}
		changed = true
		j.logg.Warn(ctx, "subscription missing at provider; marked canceled")
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("persist missing remote: %w", err)
	}
	return changed, nil
}

func isStripeMissing(err error) bool {
	var stripeErr *stripe.Error
	if errors.As(err, &stripeErr) {
		return stripeErr.Code == stripe.ErrorCodeResourceMissing
	}
	return false
}
