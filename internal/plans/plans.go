// Package plans holds the static plan reference data: quota sizes per
// plan and the mapping between Stripe price IDs and plans.
package plans

import "slideforge/internal/models"

// Unlimited is the sentinel quota value for an unbounded pool. It must be
// checked before any arithmetic against a consumed counter.
const Unlimited int64 = -1

// Quota is the per-period pool sizes granted by a plan.
type Quota struct {
	Credits   int64 `json:"credits"`
	AICredits int64 `json:"ai_credits"`
}

var quotas = map[models.Plan]Quota{
	models.PlanStarter:   {Credits: 50, AICredits: 10},
	models.PlanGrowth:    {Credits: 100, AICredits: 25},
	models.PlanScale:     {Credits: 400, AICredits: 100},
	models.PlanUnlimited: {Credits: Unlimited, AICredits: Unlimited},
}

// QuotaFor returns the quota pair for a plan. Unknown plans get a zero
// quota, the same treatment as no subscription at all.
func QuotaFor(plan models.Plan) Quota {
	return quotas[plan]
}

// Pool selects the named pool from a quota pair.
func (q Quota) Pool(pool models.Pool) int64 {
	switch pool {
	case models.PoolCredits:
		return q.Credits
	case models.PoolAICredits:
		return q.AICredits
	default:
		return 0
	}
}

// PriceTable is the fixed bidirectional mapping between Stripe price IDs
// and plans. It is built once from config; price IDs are provider-side
// configuration, never derived at runtime.
type PriceTable struct {
	byPrice map[string]models.Plan
	byPlan  map[models.Plan]string
}

func NewPriceTable(starter, growth, scale, unlimited string) *PriceTable {
	t := &PriceTable{
		byPrice: make(map[string]models.Plan, 4),
		byPlan:  make(map[models.Plan]string, 4),
	}
	for plan, price := range map[models.Plan]string{
		models.PlanStarter:   starter,
		models.PlanGrowth:    growth,
		models.PlanScale:     scale,
		models.PlanUnlimited: unlimited,
	} {
		if price == "" {
			continue
		}
		t.byPrice[price] = plan
		t.byPlan[plan] = price
	}
	return t
}

// PlanForPrice maps a Stripe price ID to its plan.
func (t *PriceTable) PlanForPrice(priceID string) (models.Plan, bool) {
	plan, ok := t.byPrice[priceID]
	return plan, ok
}

// PriceForPlan maps a plan to its configured Stripe price ID.
func (t *PriceTable) PriceForPlan(plan models.Plan) (string, bool) {
	price, ok := t.byPlan[plan]
	return price, ok
}
