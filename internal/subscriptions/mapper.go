package subscriptions

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/stripe/stripe-go/v84"

	"github.com/irishbyblood/horizen-network-deploy/pkg/db/models"
	"github.com/irishbyblood/horizen-network-deploy/pkg/enums"
	pkgerrors "github.com/irishbyblood/horizen-network-deploy/pkg/errors"
)

// ProviderUpdate is the normalized view of a Stripe subscription used to
// mutate stored state. Terminal marks deletion events, which always win
// over whatever is stored.
type ProviderUpdate struct {
	StripeSubscriptionID string
	StripeCustomerID     string
	Status               enums.SubscriptionStatus
	PriceID              string
	Plan                 *enums.PlanKey
	CurrentPeriodStart   *time.Time
	CurrentPeriodEnd     time.Time
	CancelAtPeriodEnd    bool
	CanceledAt           *time.Time
	Terminal             bool
}

// ProviderUpdateFromStripe normalizes a Stripe subscription payload.
func ProviderUpdateFromStripe(stripeSub *stripe.Subscription, terminal bool) (*ProviderUpdate, error) {
	if stripeSub == nil {
		return nil, pkgerrors.New(pkgerrors.CodeDependency, "stripe subscription is nil")
	}
	status, err := mapStripeStatus(stripeSub.Status, terminal)
	if err != nil {
		return nil, err
	}

	update := &ProviderUpdate{
		StripeSubscriptionID: stripeSub.ID,
		Status:               status,
		PriceID:              determinePriceID(stripeSub),
		CancelAtPeriodEnd:    stripeSub.CancelAtPeriodEnd,
		CanceledAt:           toTimePtr(stripeSub.CanceledAt),
		Terminal:             terminal,
	}
	if stripeSub.Customer != nil {
		update.StripeCustomerID = stripeSub.Customer.ID
	}

	start, end := periodFromSubscription(stripeSub)
	update.CurrentPeriodStart = toTimePtr(start)
	update.CurrentPeriodEnd = toTime(end)
	return update, nil
}

// BuildSubscriptionFromUpdate creates a new stored row from provider state.
// Only the command path calls this; webhook handlers never create rows.
func BuildSubscriptionFromUpdate(update *ProviderUpdate, userID uuid.UUID, plan enums.PlanKey, metadata map[string]string) (*models.Subscription, error) {
	if update == nil {
		return nil, pkgerrors.New(pkgerrors.CodeInternal, "provider update is nil")
	}
	if userID == uuid.Nil {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "user id is required")
	}

	meta, err := marshalMetadata(metadata)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeInternal, err, "marshal metadata")
	}

	sub := &models.Subscription{
		UserID:               userID,
		StripeCustomerID:     update.StripeCustomerID,
		StripeSubscriptionID: update.StripeSubscriptionID,
		Plan:                 plan,
		Status:               update.Status,
		PriceID:              trimmedPtr(update.PriceID),
		CurrentPeriodStart:   update.CurrentPeriodStart,
		CurrentPeriodEnd:     update.CurrentPeriodEnd,
		CancelAtPeriodEnd:    update.CancelAtPeriodEnd,
		CanceledAt:           update.CanceledAt,
		Metadata:             meta,
	}
	normalizeCancelMarker(sub)
	return sub, nil
}

// ApplyProviderState folds provider state into the stored row and reports
// whether anything changed.
//
// Non-terminal updates whose period end is older than the stored watermark
// are dropped: webhook delivery is unordered and a stale event must not
// roll the row backwards. Terminal (deletion) updates always apply.
// Explicit sync paths pass force=true to adopt provider state verbatim.
func ApplyProviderState(stored *models.Subscription, update *ProviderUpdate, force bool) (bool, error) {
	if stored == nil {
		return false, pkgerrors.New(pkgerrors.CodeInternal, "target subscription is nil")
	}
	if update == nil {
		return false, pkgerrors.New(pkgerrors.CodeInternal, "provider update is nil")
	}

	if !force && !update.Terminal && isStale(stored, update) {
		return false, nil
	}

	changed := false

	if update.Terminal {
		if stored.Status != enums.SubscriptionStatusCanceled {
			stored.Status = enums.SubscriptionStatusCanceled
			changed = true
		}
		if stored.CanceledAt == nil {
			canceledAt := update.CanceledAt
			if canceledAt == nil {
				now := time.Now().UTC()
				canceledAt = &now
			}
			stored.CanceledAt = canceledAt
			changed = true
		}
		if stored.CancelAtPeriodEnd {
			stored.CancelAtPeriodEnd = false
			changed = true
		}
		if !update.CurrentPeriodEnd.IsZero() && !update.CurrentPeriodEnd.Equal(stored.CurrentPeriodEnd) {
			stored.CurrentPeriodEnd = update.CurrentPeriodEnd
			changed = true
		}
		return changed, nil
	}

	if stored.Status != update.Status {
		stored.Status = update.Status
		changed = true
	}
	if update.PriceID != "" && (stored.PriceID == nil || *stored.PriceID != update.PriceID) {
		stored.PriceID = trimmedPtr(update.PriceID)
		changed = true
	}
	if update.Plan != nil && stored.Plan != *update.Plan {
		stored.Plan = *update.Plan
		changed = true
	}
	if !equalTimePtr(stored.CurrentPeriodStart, update.CurrentPeriodStart) {
		stored.CurrentPeriodStart = update.CurrentPeriodStart
		changed = true
	}
	if !update.CurrentPeriodEnd.IsZero() && !update.CurrentPeriodEnd.Equal(stored.CurrentPeriodEnd) {
		stored.CurrentPeriodEnd = update.CurrentPeriodEnd
		changed = true
	}
	if stored.CancelAtPeriodEnd != update.CancelAtPeriodEnd {
		stored.CancelAtPeriodEnd = update.CancelAtPeriodEnd
		changed = true
	}
	if !equalTimePtr(stored.CanceledAt, update.CanceledAt) {
		stored.CanceledAt = update.CanceledAt
		changed = true
	}
	if normalizeCancelMarker(stored) {
		changed = true
	}
	return changed, nil
}

// isStale reports whether the update's period end is behind the watermark.
func isStale(stored *models.Subscription, update *ProviderUpdate) bool {
	if stored.CurrentPeriodEnd.IsZero() || update.CurrentPeriodEnd.IsZero() {
		return false
	}
	return update.CurrentPeriodEnd.Before(stored.CurrentPeriodEnd)
}

// normalizeCancelMarker keeps the scheduled-cancellation marker coherent:
// a row flagged cancel_at_period_end always carries a canceled_at stamp.
func normalizeCancelMarker(sub *models.Subscription) bool {
	if sub.CancelAtPeriodEnd && sub.CanceledAt == nil {
		now := time.Now().UTC()
		sub.CanceledAt = &now
		return true
	}
	return false
}

func determinePriceID(sub *stripe.Subscription) string {
	if sub == nil || sub.Items == nil || len(sub.Items.Data) == 0 {
		return ""
	}
	if sub.Items.Data[0].Price != nil {
		return sub.Items.Data[0].Price.ID
	}
	return ""
}

func periodFromSubscription(sub *stripe.Subscription) (int64, int64) {
	if sub == nil || sub.Items == nil || len(sub.Items.Data) == 0 {
		return 0, 0
	}
	item := sub.Items.Data[0]
	return item.CurrentPeriodStart, item.CurrentPeriodEnd
}

func mapStripeStatus(raw stripe.SubscriptionStatus, terminal bool) (enums.SubscriptionStatus, error) {
	if terminal {
		return enums.SubscriptionStatusCanceled, nil
	}
	normalized := strings.ToLower(strings.TrimSpace(string(raw)))
	if normalized == "" {
		return enums.SubscriptionStatusIncomplete, nil
	}
	if mapped, ok := stripeStatusAliases[normalized]; ok {
		return mapped, nil
	}
	if parsed, err := enums.ParseSubscriptionStatus(normalized); err == nil {
		return parsed, nil
	}
	return "", pkgerrors.New(pkgerrors.CodeDependency, "unrecognized stripe subscription status").
		WithDetails(map[string]string{"status": normalized})
}

// Statuses Stripe reports that our model collapses into its five states.
var stripeStatusAliases = map[string]enums.SubscriptionStatus{
	"incomplete_expired": enums.SubscriptionStatusCanceled,
	"unpaid":             enums.SubscriptionStatusPastDue,
	"paused":             enums.SubscriptionStatusPastDue,
}

func marshalMetadata(metadata map[string]string) (json.RawMessage, error) {
	if len(metadata) == 0 {
		return json.RawMessage("{}"), nil
	}
	data, err := json.Marshal(metadata)
	if err != nil {
		return nil, err
	}
	return json.RawMessage(data), nil
}

func toTime(ts int64) time.Time {
	if ts == 0 {
		return time.Time{}
	}
	return time.Unix(ts, 0).UTC()
}

func toTimePtr(ts int64) *time.Time {
	if ts == 0 {
		return nil
	}
	t := time.Unix(ts, 0).UTC()
	return &t
}

func equalTimePtr(a, b *time.Time) bool {
	if a == nil && b == nil {
		return true
	}
	if a == nil || b == nil {
		return false
	}
	return a.Equal(*b)
}

func trimmedPtr(value string) *string {
	if s := strings.TrimSpace(value); s != "" {
		return &s
	}
	return nil
}
