package billing

import (
	"strings"

	"github.com/shopspring/decimal"

	"github.com/irishbyblood/horizen-network-deploy/pkg/config"
	"github.com/irishbyblood/horizen-network-deploy/pkg/enums"
	pkgerrors "github.com/irishbyblood/horizen-network-deploy/pkg/errors"
)

// Plan describes a purchasable tier in the fixed catalog.
type Plan struct {
	Key         enums.PlanKey
	Name        string
	AmountCents int64
	Currency    string
	Interval    enums.BillingInterval
}

// Amount returns the plan price in major currency units.
func (p Plan) Amount() decimal.Decimal {
	return decimal.NewFromInt(p.AmountCents).Div(decimal.NewFromInt(100))
}

var plans = map[enums.PlanKey]Plan{
	enums.PlanDruidGeniess: {
		Key:         enums.PlanDruidGeniess,
		Name:        "Druid Geniess",
		AmountCents: 1500,
		Currency:    "usd",
		Interval:    enums.BillingIntervalMonth,
	},
	enums.PlanEntity: {
		Key:         enums.PlanEntity,
		Name:        "Entity",
		AmountCents: 500,
		Currency:    "usd",
		Interval:    enums.BillingIntervalMonth,
	},
}

// Catalog resolves plan keys to catalog entries and Stripe price IDs.
type Catalog struct {
	priceIDs  map[enums.PlanKey]string
	byPriceID map[string]enums.PlanKey
}

// NewCatalog binds the fixed plan set to the configured Stripe price IDs.
func NewCatalog(cfg config.StripeConfig) *Catalog {
	priceIDs := map[enums.PlanKey]string{}
	if id := strings.TrimSpace(cfg.DruidGeniessPriceID); id != "" {
		priceIDs[enums.PlanDruidGeniess] = id
	}
	if id := strings.TrimSpace(cfg.EntityPriceID); id != "" {
		priceIDs[enums.PlanEntity] = id
	}

	byPriceID := make(map[string]enums.PlanKey, len(priceIDs))
	for key, id := range priceIDs {
		byPriceID[id] = key
	}

	return &Catalog{
		priceIDs:  priceIDs,
		byPriceID: byPriceID,
	}
}

// Plan returns the catalog entry for the given key.
func (c *Catalog) Plan(key enums.PlanKey) (Plan, error) {
	plan, ok := plans[key]
	if !ok {
		return Plan{}, pkgerrors.New(pkgerrors.CodeValidation, "unknown plan").
			WithDetails(map[string]string{"plan": key.String()})
	}
	return plan, nil
}

// Plans returns every catalog entry in a stable order.
func (c *Catalog) Plans() []Plan {
	out := make([]Plan, 0, len(plans))
	for _, key := range []enums.PlanKey{enums.PlanDruidGeniess, enums.PlanEntity} {
		out = append(out, plans[key])
	}
	return out
}

// PriceID resolves the Stripe price for the given plan.
func (c *Catalog) PriceID(key enums.PlanKey) (string, error) {
	if _, err := c.Plan(key); err != nil {
		return "", err
	}
	id, ok := c.priceIDs[key]
	if !ok {
		return "", pkgerrors.New(pkgerrors.CodeInternal, "plan has no configured price").
			WithDetails(map[string]string{"plan": key.String()})
	}
	return id, nil
}

// PlanForPriceID maps a Stripe price back to a catalog key.
func (c *Catalog) PlanForPriceID(priceID string) (enums.PlanKey, bool) {
	key, ok := c.byPriceID[strings.TrimSpace(priceID)]
	return key, ok
}
