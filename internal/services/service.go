package services

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"golang.org/x/crypto/bcrypt"

	"slideforge/internal/models"
	"slideforge/internal/plans"
)

var (
	ErrNotFound           = errors.New("not found")
	ErrInvalidRequest     = errors.New("invalid request")
	ErrInvalidCredentials = errors.New("invalid email or password")
	ErrEmailTaken         = errors.New("email already registered")
	ErrNoSubscription     = errors.New("no effective subscription")
	ErrUnknownPrice       = errors.New("subscription price not in plan table")
)

type Service struct {
	pool   *pgxpool.Pool
	prices *plans.PriceTable
}

func New(pool *pgxpool.Pool, prices *plans.PriceTable) *Service {
	return &Service{pool: pool, prices: prices}
}

func (s *Service) CreateUser(ctx context.Context, email, password string) (models.User, error) {
	if email == "" || password == "" {
		return models.User{}, ErrInvalidRequest
	}
	passwordHash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return models.User{}, err
	}
	var user models.User
	err = s.pool.QueryRow(ctx, `
		INSERT INTO users (email, password_hash, role)
		VALUES ($1, $2, $3)
		RETURNING id, email, password_hash, role, COALESCE(stripe_customer_id, ''), created_at, updated_at`,
		email, string(passwordHash), models.UserRoleUser,
	).Scan(&user.ID, &user.Email, &user.PasswordHash, &user.Role, &user.StripeCustomerID, &user.CreatedAt, &user.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return models.User{}, ErrEmailTaken
		}
		return models.User{}, err
	}
	return user, nil
}

func (s *Service) GetUserByID(ctx context.Context, id int64) (models.User, error) {
	var user models.User
	err := s.pool.QueryRow(ctx, `
		SELECT id, email, password_hash, role, COALESCE(stripe_customer_id, ''), created_at, updated_at
		FROM users WHERE id = $1`, id,
	).Scan(&user.ID, &user.Email, &user.PasswordHash, &user.Role, &user.StripeCustomerID, &user.CreatedAt, &user.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.User{}, ErrNotFound
	}
	return user, err
}

func (s *Service) GetUserByEmail(ctx context.Context, email string) (models.User, error) {
	var user models.User
	err := s.pool.QueryRow(ctx, `
		SELECT id, email, password_hash, role, COALESCE(stripe_customer_id, ''), created_at, updated_at
		FROM users WHERE email = $1`, email,
	).Scan(&user.ID, &user.Email, &user.PasswordHash, &user.Role, &user.StripeCustomerID, &user.CreatedAt, &user.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.User{}, ErrNotFound
	}
	return user, err
}

func (s *Service) AuthenticateUser(ctx context.Context, email, password string) (models.User, error) {
	if email == "" || password == "" {
		return models.User{}, ErrInvalidCredentials
	}
	user, err := s.GetUserByEmail(ctx, email)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return models.User{}, ErrInvalidCredentials
		}
		return models.User{}, err
	}
	if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(password)); err != nil {
		return models.User{}, ErrInvalidCredentials
	}
	return user, nil
}

func (s *Service) SetStripeCustomerID(ctx context.Context, userID int64, customerID string) error {
	ct, err := s.pool.Exec(ctx, `
		UPDATE users SET stripe_customer_id = $1, updated_at = NOW()
		WHERE id = $2`, customerID, userID)
	if err != nil {
		return err
	}
	if ct.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// EffectiveSubscription returns the single subscription row that grants
// quota right now: the most recently updated row in an effective status.
// Ties on updated_at (clock coarseness) break on the higher row id so the
// choice never depends on query ordering.
func (s *Service) EffectiveSubscription(ctx context.Context, userID int64) (models.Subscription, error) {
	var sub models.Subscription
	err := s.pool.QueryRow(ctx, `
		SELECT id, user_id, stripe_customer_id, stripe_subscription_id, stripe_price_id,
			status, cancel_at_period_end, current_period_end, created_at, updated_at
		FROM subscriptions
		WHERE user_id = $1 AND status = ANY($2)
		ORDER BY updated_at DESC, id DESC
		LIMIT 1`, userID, models.EffectiveStatuses,
	).Scan(&sub.ID, &sub.UserID, &sub.StripeCustomerID, &sub.StripeSubscriptionID, &sub.StripePriceID,
		&sub.Status, &sub.CancelAtPeriodEnd, &sub.CurrentPeriodEnd, &sub.CreatedAt, &sub.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Subscription{}, ErrNoSubscription
	}
	return sub, err
}

// ResolveEffectivePlan maps the effective subscription's price to a plan.
// ok is false when the user has no effective subscription; callers must
// treat that as zero quota, never as unlimited.
func (s *Service) ResolveEffectivePlan(ctx context.Context, userID int64) (models.Plan, bool, error) {
	sub, err := s.EffectiveSubscription(ctx, userID)
	if errors.Is(err, ErrNoSubscription) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	plan, ok := s.prices.PlanForPrice(sub.StripePriceID)
	if !ok {
		// A row exists but its price is not in the table; configuration
		// drift from the provider. Treat as not subscribed rather than
		// guessing a plan.
		return "", false, fmt.Errorf("%w: price %q", ErrUnknownPrice, sub.StripePriceID)
	}
	return plan, true, nil
}

func (s *Service) GetSubscriptionByStripeID(ctx context.Context, stripeSubscriptionID string) (models.Subscription, error) {
	var sub models.Subscription
	err := s.pool.QueryRow(ctx, `
		SELECT id, user_id, stripe_customer_id, stripe_subscription_id, stripe_price_id,
			status, cancel_at_period_end, current_period_end, created_at, updated_at
		FROM subscriptions WHERE stripe_subscription_id = $1`, stripeSubscriptionID,
	).Scan(&sub.ID, &sub.UserID, &sub.StripeCustomerID, &sub.StripeSubscriptionID, &sub.StripePriceID,
		&sub.Status, &sub.CancelAtPeriodEnd, &sub.CurrentPeriodEnd, &sub.CreatedAt, &sub.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Subscription{}, ErrNotFound
	}
	return sub, err
}

// UpsertSubscription applies a provider-driven state transition, keyed by
// the Stripe subscription ID. Rows are never hard-deleted; cancellations
// arrive as status updates.
func (s *Service) UpsertSubscription(ctx context.Context, sub models.Subscription) (models.Subscription, error) {
	if sub.UserID == 0 || sub.StripeSubscriptionID == "" {
		return models.Subscription{}, ErrInvalidRequest
	}
	var out models.Subscription
	err := s.pool.QueryRow(ctx, `
		INSERT INTO subscriptions (user_id, stripe_customer_id, stripe_subscription_id,
			stripe_price_id, status, cancel_at_period_end, current_period_end)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (stripe_subscription_id)
		DO UPDATE SET stripe_price_id = EXCLUDED.stripe_price_id,
			status = EXCLUDED.status,
			cancel_at_period_end = EXCLUDED.cancel_at_period_end,
			current_period_end = EXCLUDED.current_period_end,
			updated_at = NOW()
		RETURNING id, user_id, stripe_customer_id, stripe_subscription_id, stripe_price_id,
			status, cancel_at_period_end, current_period_end, created_at, updated_at`,
		sub.UserID, sub.StripeCustomerID, sub.StripeSubscriptionID, sub.StripePriceID,
		sub.Status, sub.CancelAtPeriodEnd, sub.CurrentPeriodEnd,
	).Scan(&out.ID, &out.UserID, &out.StripeCustomerID, &out.StripeSubscriptionID, &out.StripePriceID,
		&out.Status, &out.CancelAtPeriodEnd, &out.CurrentPeriodEnd, &out.CreatedAt, &out.UpdatedAt)
	return out, err
}

func (s *Service) UserIDForStripeCustomer(ctx context.Context, customerID string) (int64, error) {
	var userID int64
	err := s.pool.QueryRow(ctx, `
		SELECT id FROM users WHERE stripe_customer_id = $1`, customerID).Scan(&userID)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, ErrNotFound
	}
	return userID, err
}

func (s *Service) ListSubscriptions(ctx context.Context, userID int64) ([]models.Subscription, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, user_id, stripe_customer_id, stripe_subscription_id, stripe_price_id,
			status, cancel_at_period_end, current_period_end, created_at, updated_at
		FROM subscriptions
		WHERE user_id = $1
		ORDER BY updated_at DESC, id DESC`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var subs []models.Subscription
	for rows.Next() {
		var sub models.Subscription
		if err := rows.Scan(&sub.ID, &sub.UserID, &sub.StripeCustomerID, &sub.StripeSubscriptionID, &sub.StripePriceID,
			&sub.Status, &sub.CancelAtPeriodEnd, &sub.CurrentPeriodEnd, &sub.CreatedAt, &sub.UpdatedAt); err != nil {
			return nil, err
		}
		subs = append(subs, sub)
	}
	return subs, rows.Err()
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	return false
}
