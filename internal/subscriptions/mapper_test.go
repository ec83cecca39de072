package subscriptions

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stripe/stripe-go/v84"

	"github.com/irishbyblood/horizen-network-deploy/pkg/db/models"
	"github.com/irishbyblood/horizen-network-deploy/pkg/enums"
	pkgerrors "github.com/irishbyblood/horizen-network-deploy/pkg/errors"
)

func stripeSubFixture(id string, status stripe.SubscriptionStatus, periodEnd time.Time) *stripe.Subscription {
	return &stripe.Subscription{
		ID:       id,
		Status:   status,
		Customer: &stripe.Customer{ID: "cus_123"},
		Items: &stripe.SubscriptionItemList{
			Data: []*stripe.SubscriptionItem{
				{
					ID:                 "si_123",
					CurrentPeriodStart: periodEnd.Add(-30 * 24 * time.Hour).Unix(),
					CurrentPeriodEnd:   periodEnd.Unix(),
					Price:              &stripe.Price{ID: "price_entity"},
				},
			},
		},
	}
}

func storedSubFixture(periodEnd time.Time) *models.Subscription {
	priceID := "price_entity"
	return &models.Subscription{
		ID:                   uuid.New(),
		UserID:               uuid.New(),
		StripeCustomerID:     "cus_123",
		StripeSubscriptionID: "sub_123",
		Plan:                 enums.PlanEntity,
		Status:               enums.SubscriptionStatusActive,
		PriceID:              &priceID,
		CurrentPeriodEnd:     periodEnd,
	}
}

func TestProviderUpdateFromStripe(t *testing.T) {
	periodEnd := time.Now().UTC().Add(30 * 24 * time.Hour).Truncate(time.Second)

	update, err := ProviderUpdateFromStripe(stripeSubFixture("sub_123", stripe.SubscriptionStatusActive, periodEnd), false)
	require.NoError(t, err)

	assert.Equal(t, "sub_123", update.StripeSubscriptionID)
	assert.Equal(t, "cus_123", update.StripeCustomerID)
	assert.Equal(t, enums.SubscriptionStatusActive, update.Status)
	assert.Equal(t, "price_entity", update.PriceID)
	assert.True(t, update.CurrentPeriodEnd.Equal(periodEnd))
	require.NotNil(t, update.CurrentPeriodStart)
	assert.False(t, update.Terminal)
}

func TestProviderUpdateFromStripeNil(t *testing.T) {
	_, err := ProviderUpdateFromStripe(nil, false)
	require.Error(t, err)
	assert.Equal(t, pkgerrors.CodeDependency, pkgerrors.As(err).Code())
}

func TestMapStripeStatusAliases(t *testing.T) {
	cases := map[stripe.SubscriptionStatus]enums.SubscriptionStatus{
		stripe.SubscriptionStatusActive:            enums.SubscriptionStatusActive,
		stripe.SubscriptionStatusTrialing:          enums.SubscriptionStatusTrialing,
		stripe.SubscriptionStatusPastDue:           enums.SubscriptionStatusPastDue,
		stripe.SubscriptionStatusIncomplete:        enums.SubscriptionStatusIncomplete,
		stripe.SubscriptionStatusCanceled:          enums.SubscriptionStatusCanceled,
		stripe.SubscriptionStatusIncompleteExpired: enums.SubscriptionStatusCanceled,
		stripe.SubscriptionStatusUnpaid:            enums.SubscriptionStatusPastDue,
		stripe.SubscriptionStatusPaused:            enums.SubscriptionStatusPastDue,
	}
	for raw, want := range cases {
		got, err := mapStripeStatus(raw, false)
		require.NoError(t, err, "status %s", raw)
		assert.Equal(t, want, got, "status %s", raw)
	}

	_, err := mapStripeStatus("definitely_new_status", false)
	require.Error(t, err)
	assert.Equal(t, pkgerrors.CodeDependency, pkgerrors.As(err).Code())

	got, err := mapStripeStatus(stripe.SubscriptionStatusActive, true)
	require.NoError(t, err)
	assert.Equal(t, enums.SubscriptionStatusCanceled, got, "terminal events force canceled")
}

func TestApplyProviderStateDropsStaleUpdate(t *testing.T) {
	periodEnd := time.Now().UTC().Add(30 * 24 * time.Hour)
	stored := storedSubFixture(periodEnd)

	stale := &ProviderUpdate{
		StripeSubscriptionID: stored.StripeSubscriptionID,
		Status:               enums.SubscriptionStatusPastDue,
		CurrentPeriodEnd:     periodEnd.Add(-30 * 24 * time.Hour),
	}

	changed, err := ApplyProviderState(stored, stale, false)
	require.NoError(t, err)
	assert.False(t, changed)
	assert.Equal(t, enums.SubscriptionStatusActive, stored.Status, "stale update must not roll status back")
}

func TestApplyProviderStateForceBypassesWatermark(t *testing.T) {
	periodEnd := time.Now().UTC().Add(30 * 24 * time.Hour)
	stored := storedSubFixture(periodEnd)

	older := &ProviderUpdate{
		StripeSubscriptionID: stored.StripeSubscriptionID,
		Status:               enums.SubscriptionStatusPastDue,
		CurrentPeriodEnd:     periodEnd.Add(-24 * time.Hour),
	}

	changed, err := ApplyProviderState(stored, older, true)
	require.NoError(t, err)
	assert.True(t, changed)
	assert.Equal(t, enums.SubscriptionStatusPastDue, stored.Status)
	assert.True(t, stored.CurrentPeriodEnd.Equal(older.CurrentPeriodEnd))
}

func TestApplyProviderStateTerminalAlwaysWins(t *testing.T) {
	periodEnd := time.Now().UTC().Add(30 * 24 * time.Hour)
	stored := storedSubFixture(periodEnd)
	stored.CancelAtPeriodEnd = true
	now := time.Now().UTC()
	stored.CanceledAt = &now

	terminal := &ProviderUpdate{
		StripeSubscriptionID: stored.StripeSubscriptionID,
		Status:               enums.SubscriptionStatusCanceled,
		CurrentPeriodEnd:     periodEnd.Add(-60 * 24 * time.Hour),
		Terminal:             true,
	}

	changed, err := ApplyProviderState(stored, terminal, false)
	require.NoError(t, err)
	assert.True(t, changed)
	assert.Equal(t, enums.SubscriptionStatusCanceled, stored.Status)
	assert.False(t, stored.CancelAtPeriodEnd)
	require.NotNil(t, stored.CanceledAt)
}

func TestApplyProviderStateTerminalStampsCanceledAt(t *testing.T) {
	stored := storedSubFixture(time.Now().UTC().Add(24 * time.Hour))

	changed, err := ApplyProviderState(stored, &ProviderUpdate{
		StripeSubscriptionID: stored.StripeSubscriptionID,
		Status:               enums.SubscriptionStatusCanceled,
		Terminal:             true,
	}, false)
	require.NoError(t, err)
	assert.True(t, changed)
	require.NotNil(t, stored.CanceledAt, "terminal updates without a timestamp still stamp canceled_at")
}

func TestApplyProviderStateCancelMarkerInvariant(t *testing.T) {
	periodEnd := time.Now().UTC().Add(30 * 24 * time.Hour)
	stored := storedSubFixture(periodEnd)

	update := &ProviderUpdate{
		StripeSubscriptionID: stored.StripeSubscriptionID,
		Status:               enums.SubscriptionStatusActive,
		CurrentPeriodEnd:     periodEnd,
		CancelAtPeriodEnd:    true,
	}

	changed, err := ApplyProviderState(stored, update, false)
	require.NoError(t, err)
	assert.True(t, changed)
	assert.True(t, stored.CancelAtPeriodEnd)
	require.NotNil(t, stored.CanceledAt, "cancel_at_period_end rows always carry canceled_at")
}

func TestApplyProviderStateNoChanges(t *testing.T) {
	periodEnd := time.Now().UTC().Add(30 * 24 * time.Hour)
	stored := storedSubFixture(periodEnd)

	update := &ProviderUpdate{
		StripeSubscriptionID: stored.StripeSubscriptionID,
		Status:               stored.Status,
		PriceID:              *stored.PriceID,
		CurrentPeriodEnd:     periodEnd,
	}

	changed, err := ApplyProviderState(stored, update, false)
	require.NoError(t, err)
	assert.False(t, changed)
}

func TestBuildSubscriptionFromUpdate(t *testing.T) {
	periodEnd := time.Now().UTC().Add(30 * 24 * time.Hour)
	userID := uuid.New()

	update := &ProviderUpdate{
		StripeSubscriptionID: "sub_new",
		StripeCustomerID:     "cus_new",
		Status:               enums.SubscriptionStatusTrialing,
		PriceID:              "price_druid",
		CurrentPeriodEnd:     periodEnd,
	}

	sub, err := BuildSubscriptionFromUpdate(update, userID, enums.PlanDruidGeniess, map[string]string{"stripe_customer_id": "cus_new"})
	require.NoError(t, err)
	assert.Equal(t, userID, sub.UserID)
	assert.Equal(t, "sub_new", sub.StripeSubscriptionID)
	assert.Equal(t, enums.PlanDruidGeniess, sub.Plan)
	assert.Equal(t, enums.SubscriptionStatusTrialing, sub.Status)
	require.NotNil(t, sub.PriceID)
	assert.Equal(t, "price_druid", *sub.PriceID)

	_, err = BuildSubscriptionFromUpdate(update, uuid.Nil, enums.PlanEntity, nil)
	require.Error(t, err)
	assert.Equal(t, pkgerrors.CodeValidation, pkgerrors.As(err).Code())
}
