package models

import "time"

type User struct {
	ID               int64
	Email            string
	PasswordHash     string `json:"-"`
	Role             string
	StripeCustomerID string
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

const (
	UserRoleUser  = "user"
	UserRoleAdmin = "admin"
)

// Plan is immutable reference data; each plan maps to a fixed quota pair.
type Plan string

const (
	PlanStarter   Plan = "starter"
	PlanGrowth    Plan = "growth"
	PlanScale     Plan = "scale"
	PlanUnlimited Plan = "unlimited"
)

// Pool is an independently metered resource category.
type Pool string

const (
	PoolCredits   Pool = "credits"
	PoolAICredits Pool = "ai_credits"
)

func ValidPool(p Pool) bool {
	return p == PoolCredits || p == PoolAICredits
}

// Subscription mirrors the provider's state; rows are never hard-deleted,
// so a user accumulates rows across plan changes and retried payments.
type Subscription struct {
	ID                   int64
	UserID               int64
	StripeCustomerID     string
	StripeSubscriptionID string
	StripePriceID        string
	Status               string
	CancelAtPeriodEnd    bool
	CurrentPeriodEnd     *time.Time
	CreatedAt            time.Time
	UpdatedAt            time.Time
}

const (
	SubscriptionActive   = "active"
	SubscriptionTrialing = "trialing"
	SubscriptionPastDue  = "past_due"
	SubscriptionCanceled = "canceled"
)

// EffectiveStatuses are the subscription states that still grant quota.
// Past-due keeps access while the provider retries payment.
var EffectiveStatuses = []string{
	SubscriptionActive,
	SubscriptionTrialing,
	SubscriptionPastDue,
}

// UsageLedgerEntry holds the consumption counter for one user, billing
// period and pool. Consumed only ever increases outside of explicit
// administrative corrections.
type UsageLedgerEntry struct {
	ID        int64
	UserID    int64
	Period    string
	Pool      Pool
	Consumed  int64
	CreatedAt time.Time
	UpdatedAt time.Time
}
