package httpapi

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"runtime/debug"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/stripe/stripe-go/v76"
	portalsession "github.com/stripe/stripe-go/v76/billingportal/session"
	"github.com/stripe/stripe-go/v76/checkout/session"
	"github.com/stripe/stripe-go/v76/customer"
	stripesub "github.com/stripe/stripe-go/v76/subscription"
	"github.com/stripe/stripe-go/v76/webhook"

	"slideforge/internal/config"
	"slideforge/internal/ledger"
	"slideforge/internal/lock"
	"slideforge/internal/models"
	"slideforge/internal/plans"
	"slideforge/internal/quota"
	"slideforge/internal/services"
)

type Server struct {
	svc     *services.Service
	gateway *quota.Gateway
	locker  *lock.Locker
	ledg    *ledger.Ledger
	prices  *plans.PriceTable
	cfg     config.Config
}

func NewServer(svc *services.Service, gateway *quota.Gateway, locker *lock.Locker, ledg *ledger.Ledger, prices *plans.PriceTable, cfg config.Config) *Server {
	return &Server{svc: svc, gateway: gateway, locker: locker, ledg: ledg, prices: prices, cfg: cfg}
}

// loggingRecoverer records panics with the request ID before answering 500.
func loggingRecoverer(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rvr := recover(); rvr != nil {
				reqID := middleware.GetReqID(r.Context())
				log.Printf("[ERROR] [%s] Panic recovered in %s %s: %v\n%s",
					reqID, r.Method, r.URL.Path, rvr, debug.Stack())

				if r.Header.Get("Connection") != "Upgrade" {
					w.Header().Set("Content-Type", "application/json")
					w.WriteHeader(http.StatusInternalServerError)
					errMsg := fmt.Sprintf("internal server error: %v", rvr)
					_ = json.NewEncoder(w).Encode(ErrorResponse{Error: errMsg})
				}
			}
		}()
		next.ServeHTTP(w, r)
	})
}

func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		defer func() {
			reqID := middleware.GetReqID(r.Context())
			log.Printf("[%s] %s %s %d %s",
				reqID, r.Method, r.URL.Path, ww.Status(), time.Since(start))
		}()
		next.ServeHTTP(ww, r)
	})
}

func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(loggingRecoverer)
	r.Use(requestLogger)
	r.Use(s.corsMiddleware)

	r.Route("/api", func(r chi.Router) {
		r.Post("/auth/register", s.handleRegister)
		r.Post("/auth/login", s.handleLogin)
		r.Get("/plans", s.handleListPlans)
		r.Post("/webhooks/stripe", s.handleStripeWebhook)

		// Metered call sites (other services) spend credits here.
		r.Post("/consume", s.handleConsume)

		r.Group(func(r chi.Router) {
			r.Use(s.jwtMiddleware)

			r.Get("/usage", s.handleUsageSummary)
			r.Get("/subscriptions", s.handleListSubscriptions)
			r.Get("/users/{userID}/usage", s.handleUsageHistory)

			r.Post("/billing/checkout", s.handleCreateCheckout)
			r.Post("/billing/portal", s.handleCreatePortalSession)
			r.Post("/billing/cancel", s.handleCancelAtPeriodEnd)
			r.Post("/billing/resume", s.handleResumeSubscription)
			r.Post("/billing/change-plan", s.handleChangePlan)
		})

		r.Route("/admin", func(r chi.Router) {
			r.Use(s.jwtMiddleware)
			r.Use(s.adminMiddleware)

			r.Get("/locks", s.handleAdminListLocks)
			r.Post("/locks/sweep", s.handleAdminSweepLocks)
			r.Post("/usage/adjust", s.handleAdminAdjustUsage)
		})
	})

	return r
}

func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET,POST,PATCH,PUT,DELETE,OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Authorization,Content-Type,X-API-Key")
		w.Header().Set("Access-Control-Max-Age", "86400")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

type registerRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, err)
		return
	}
	if req.Email == "" || req.Password == "" {
		respondError(w, http.StatusBadRequest, errors.New("email and password are required"))
		return
	}
	user, err := s.svc.CreateUser(r.Context(), req.Email, req.Password)
	if err != nil {
		s.respondServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusCreated, user)
}

type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, err)
		return
	}
	if req.Email == "" || req.Password == "" {
		respondError(w, http.StatusBadRequest, errors.New("email and password are required"))
		return
	}

	user, err := s.svc.AuthenticateUser(r.Context(), req.Email, req.Password)
	if err != nil {
		if errors.Is(err, services.ErrInvalidCredentials) {
			respondError(w, http.StatusUnauthorized, err)
		} else {
			s.respondServiceError(w, err)
		}
		return
	}

	token, err := s.generateJWT(user.ID, user.Email, user.Role)
	if err != nil {
		respondError(w, http.StatusInternalServerError, err)
		return
	}

	respondJSON(w, http.StatusOK, map[string]any{
		"token": token,
		"user": map[string]any{
			"id":    user.ID,
			"email": user.Email,
			"role":  user.Role,
		},
	})
}

func (s *Server) handleListPlans(w http.ResponseWriter, r *http.Request) {
	out := make([]map[string]any, 0, 4)
	for _, plan := range []models.Plan{models.PlanStarter, models.PlanGrowth, models.PlanScale, models.PlanUnlimited} {
		entry := map[string]any{
			"plan":  plan,
			"quota": plans.QuotaFor(plan),
		}
		if price, ok := s.prices.PriceForPlan(plan); ok {
			entry["stripe_price_id"] = price
		}
		out = append(out, entry)
	}
	respondJSON(w, http.StatusOK, out)
}

type consumeRequest struct {
	UserID int64       `json:"user_id"`
	Pool   models.Pool `json:"pool"`
	Amount int64       `json:"amount"`
}

// handleConsume is the service-to-service gate for metered operations:
// "may I spend N units from pool P for user U?".
func (s *Server) handleConsume(w http.ResponseWriter, r *http.Request) {
	if s.cfg.ConsumeAPIKey == "" {
		respondError(w, http.StatusServiceUnavailable, errors.New("consume API key not configured"))
		return
	}
	apiKey := r.Header.Get("X-API-Key")
	if apiKey == "" {
		respondError(w, http.StatusUnauthorized, errors.New("missing X-API-Key header"))
		return
	}
	if subtle.ConstantTimeCompare([]byte(apiKey), []byte(s.cfg.ConsumeAPIKey)) != 1 {
		respondError(w, http.StatusUnauthorized, errors.New("invalid API key"))
		return
	}

	var req consumeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, err)
		return
	}
	result, err := s.gateway.TryConsume(r.Context(), req.UserID, req.Pool, req.Amount)
	if err != nil {
		s.respondQuotaError(w, result, err)
		return
	}
	respondJSON(w, http.StatusOK, result)
}

// respondQuotaError maps gateway outcomes to statuses. All four are
// expected outcomes the caller branches on, never generic failures.
func (s *Server) respondQuotaError(w http.ResponseWriter, result quota.Result, err error) {
	switch {
	case errors.Is(err, quota.ErrInvalidRequest):
		respondError(w, http.StatusBadRequest, err)
	case errors.Is(err, quota.ErrNotSubscribed):
		respondJSON(w, http.StatusPaymentRequired, map[string]any{
			"error":  err.Error(),
			"reason": "not_subscribed",
		})
	case errors.Is(err, quota.ErrQuotaExceeded):
		respondJSON(w, http.StatusPaymentRequired, map[string]any{
			"error":     err.Error(),
			"reason":    "quota_exceeded",
			"remaining": result.Remaining,
			"plan":      result.Plan,
		})
	case errors.Is(err, quota.ErrLockBusy):
		respondJSON(w, http.StatusConflict, map[string]any{
			"error":  err.Error(),
			"reason": "busy",
		})
	case errors.Is(err, quota.ErrStoreUnavailable):
		respondError(w, http.StatusServiceUnavailable, err)
	default:
		respondError(w, http.StatusInternalServerError, err)
	}
}

func (s *Server) handleUsageSummary(w http.ResponseWriter, r *http.Request) {
	userID := getUserIDFromContext(r.Context())
	if userID == 0 {
		respondError(w, http.StatusUnauthorized, errors.New("unauthenticated"))
		return
	}
	summary, plan, err := s.gateway.Summary(r.Context(), userID)
	if err != nil {
		s.respondQuotaError(w, quota.Result{}, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"plan":  plan,
		"pools": summary,
	})
}

func (s *Server) handleListSubscriptions(w http.ResponseWriter, r *http.Request) {
	userID := getUserIDFromContext(r.Context())
	subs, err := s.svc.ListSubscriptions(r.Context(), userID)
	if err != nil {
		s.respondServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, subs)
}

// handleUsageHistory returns the raw ledger rows for a user across all
// billing periods. Users may read their own history; admins anyone's.
func (s *Server) handleUsageHistory(w http.ResponseWriter, r *http.Request) {
	targetID, err := parseID(chi.URLParam(r, "userID"))
	if err != nil {
		respondError(w, http.StatusBadRequest, err)
		return
	}
	if !canAccessUser(r.Context(), targetID) {
		respondError(w, http.StatusForbidden, errors.New("access denied"))
		return
	}
	entries, err := s.ledg.Entries(r.Context(), targetID)
	if err != nil {
		respondError(w, http.StatusInternalServerError, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"user_id": targetID,
		"entries": entries,
	})
}

type checkoutRequest struct {
	Plan       models.Plan `json:"plan"`
	SuccessURL string      `json:"success_url"`
	CancelURL  string      `json:"cancel_url"`
}

func (s *Server) handleCreateCheckout(w http.ResponseWriter, r *http.Request) {
	reqID := middleware.GetReqID(r.Context())
	if s.cfg.StripeSecretKey == "" {
		respondError(w, http.StatusServiceUnavailable, errors.New("stripe not configured"))
		return
	}
	var req checkoutRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondErrorWithLog(w, r, http.StatusBadRequest, err, "decode_request")
		return
	}
	if req.Plan == "" || req.SuccessURL == "" || req.CancelURL == "" {
		respondErrorWithLog(w, r, http.StatusBadRequest, errors.New("plan, success_url, cancel_url are required"), "validation")
		return
	}
	priceID, ok := s.prices.PriceForPlan(req.Plan)
	if !ok {
		respondErrorWithLog(w, r, http.StatusBadRequest, fmt.Errorf("unknown plan %q", req.Plan), "price_lookup")
		return
	}

	userID := getUserIDFromContext(r.Context())
	user, err := s.svc.GetUserByID(r.Context(), userID)
	if err != nil {
		s.respondServiceError(w, err)
		return
	}
	customerID, err := s.ensureStripeCustomer(r.Context(), user)
	if err != nil {
		respondErrorWithLog(w, r, http.StatusInternalServerError, err, "ensure_customer")
		return
	}

	stripe.Key = s.cfg.StripeSecretKey
	params := &stripe.CheckoutSessionParams{
		Mode:              stripe.String(string(stripe.CheckoutSessionModeSubscription)),
		Customer:          stripe.String(customerID),
		SuccessURL:        stripe.String(req.SuccessURL),
		CancelURL:         stripe.String(req.CancelURL),
		ClientReferenceID: stripe.String(strconv.FormatInt(userID, 10)),
		LineItems: []*stripe.CheckoutSessionLineItemParams{
			{
				Price:    stripe.String(priceID),
				Quantity: stripe.Int64(1),
			},
		},
		Metadata: map[string]string{
			"user_id": strconv.FormatInt(userID, 10),
			"plan":    string(req.Plan),
		},
	}

	sess, err := session.New(params)
	if err != nil {
		s.respondStripeError(w, r, err)
		return
	}
	log.Printf("[INFO] [%s] Stripe checkout session created: id=%s user=%d plan=%s", reqID, sess.ID, userID, req.Plan)

	respondJSON(w, http.StatusCreated, map[string]any{
		"stripe_session": sess.ID,
		"checkout_url":   sess.URL,
	})
}

type portalRequest struct {
	ReturnURL string `json:"return_url"`
}

func (s *Server) handleCreatePortalSession(w http.ResponseWriter, r *http.Request) {
	if s.cfg.StripeSecretKey == "" {
		respondError(w, http.StatusServiceUnavailable, errors.New("stripe not configured"))
		return
	}
	var req portalRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, err)
		return
	}
	if req.ReturnURL == "" {
		respondError(w, http.StatusBadRequest, errors.New("return_url is required"))
		return
	}
	user, err := s.svc.GetUserByID(r.Context(), getUserIDFromContext(r.Context()))
	if err != nil {
		s.respondServiceError(w, err)
		return
	}
	if user.StripeCustomerID == "" {
		respondError(w, http.StatusBadRequest, errors.New("no billing account for user"))
		return
	}

	stripe.Key = s.cfg.StripeSecretKey
	sess, err := portalsession.New(&stripe.BillingPortalSessionParams{
		Customer:  stripe.String(user.StripeCustomerID),
		ReturnURL: stripe.String(req.ReturnURL),
	})
	if err != nil {
		s.respondStripeError(w, r, err)
		return
	}
	respondJSON(w, http.StatusCreated, map[string]any{"portal_url": sess.URL})
}

func (s *Server) handleCancelAtPeriodEnd(w http.ResponseWriter, r *http.Request) {
	s.updateStripeSubscription(w, r, func(sub models.Subscription) *stripe.SubscriptionParams {
		return &stripe.SubscriptionParams{CancelAtPeriodEnd: stripe.Bool(true)}
	})
}

func (s *Server) handleResumeSubscription(w http.ResponseWriter, r *http.Request) {
	s.updateStripeSubscription(w, r, func(sub models.Subscription) *stripe.SubscriptionParams {
		return &stripe.SubscriptionParams{CancelAtPeriodEnd: stripe.Bool(false)}
	})
}

type changePlanRequest struct {
	Plan models.Plan `json:"plan"`
}

func (s *Server) handleChangePlan(w http.ResponseWriter, r *http.Request) {
	var req changePlanRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, err)
		return
	}
	priceID, ok := s.prices.PriceForPlan(req.Plan)
	if !ok {
		respondError(w, http.StatusBadRequest, fmt.Errorf("unknown plan %q", req.Plan))
		return
	}
	s.updateStripeSubscription(w, r, func(sub models.Subscription) *stripe.SubscriptionParams {
		return &stripe.SubscriptionParams{
			ProrationBehavior: stripe.String("create_prorations"),
			Items: []*stripe.SubscriptionItemsParams{
				{Price: stripe.String(priceID)},
			},
		}
	})
}

// updateStripeSubscription applies a provider-side change to the caller's
// effective subscription and syncs the returned state into our row
// immediately rather than waiting for the webhook.
func (s *Server) updateStripeSubscription(w http.ResponseWriter, r *http.Request, buildParams func(models.Subscription) *stripe.SubscriptionParams) {
	if s.cfg.StripeSecretKey == "" {
		respondError(w, http.StatusServiceUnavailable, errors.New("stripe not configured"))
		return
	}
	userID := getUserIDFromContext(r.Context())
	sub, err := s.svc.EffectiveSubscription(r.Context(), userID)
	if err != nil {
		s.respondServiceError(w, err)
		return
	}

	stripe.Key = s.cfg.StripeSecretKey
	params := buildParams(sub)
	if len(params.Items) > 0 {
		// A price change replaces the existing item in place.
		current, err := stripesub.Get(sub.StripeSubscriptionID, nil)
		if err != nil {
			s.respondStripeError(w, r, err)
			return
		}
		if len(current.Items.Data) == 0 {
			respondError(w, http.StatusInternalServerError, errors.New("subscription has no items"))
			return
		}
		params.Items[0].ID = stripe.String(current.Items.Data[0].ID)
	}
	updated, err := stripesub.Update(sub.StripeSubscriptionID, params)
	if err != nil {
		s.respondStripeError(w, r, err)
		return
	}

	synced, err := s.syncStripeSubscription(r.Context(), updated)
	if err != nil {
		s.respondServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, synced)
}

func (s *Server) handleStripeWebhook(w http.ResponseWriter, r *http.Request) {
	if s.cfg.StripeWebhookSecret == "" {
		respondError(w, http.StatusServiceUnavailable, errors.New("stripe not configured"))
		return
	}
	payload, err := io.ReadAll(r.Body)
	if err != nil {
		respondError(w, http.StatusBadRequest, err)
		return
	}
	sigHeader := r.Header.Get("Stripe-Signature")
	event, err := webhook.ConstructEvent(payload, sigHeader, s.cfg.StripeWebhookSecret)
	if err != nil {
		respondError(w, http.StatusBadRequest, err)
		return
	}

	switch event.Type {
	case "checkout.session.completed":
		var sess stripe.CheckoutSession
		if err := json.Unmarshal(event.Data.Raw, &sess); err != nil {
			respondError(w, http.StatusBadRequest, err)
			return
		}
		if err := s.processCheckoutCompleted(r.Context(), &sess); err != nil {
			s.respondServiceError(w, err)
			return
		}
	case "customer.subscription.created", "customer.subscription.updated", "customer.subscription.deleted":
		var sub stripe.Subscription
		if err := json.Unmarshal(event.Data.Raw, &sub); err != nil {
			respondError(w, http.StatusBadRequest, err)
			return
		}
		if _, err := s.syncStripeSubscription(r.Context(), &sub); err != nil {
			if errors.Is(err, services.ErrNotFound) {
				// Customer unknown to us; acknowledge so Stripe stops
				// retrying, the row will reconcile on the next event
				// after checkout completion lands.
				log.Printf("[INFO] webhook: no user for stripe customer, event=%s", event.Type)
				break
			}
			s.respondServiceError(w, err)
			return
		}
	default:
	}
	respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) processCheckoutCompleted(ctx context.Context, sess *stripe.CheckoutSession) error {
	if sess.ClientReferenceID == "" || sess.Customer == nil {
		return nil
	}
	userID, err := strconv.ParseInt(sess.ClientReferenceID, 10, 64)
	if err != nil {
		return fmt.Errorf("bad client_reference_id %q: %w", sess.ClientReferenceID, err)
	}
	if err := s.svc.SetStripeCustomerID(ctx, userID, sess.Customer.ID); err != nil {
		return err
	}
	log.Printf("[INFO] checkout completed: user=%d customer=%s", userID, sess.Customer.ID)
	return nil
}

// syncStripeSubscription upserts our subscription row from provider
// state. The billing provider owns this table's contents; the quota
// subsystem only ever reads it.
func (s *Server) syncStripeSubscription(ctx context.Context, sub *stripe.Subscription) (models.Subscription, error) {
	if sub.Customer == nil {
		return models.Subscription{}, errors.New("subscription event without customer")
	}
	userID, err := s.svc.UserIDForStripeCustomer(ctx, sub.Customer.ID)
	if err != nil {
		return models.Subscription{}, err
	}

	priceID := ""
	if sub.Items != nil && len(sub.Items.Data) > 0 && sub.Items.Data[0].Price != nil {
		priceID = sub.Items.Data[0].Price.ID
	}
	var periodEnd *time.Time
	if sub.CurrentPeriodEnd > 0 {
		t := time.Unix(sub.CurrentPeriodEnd, 0).UTC()
		periodEnd = &t
	}

	return s.svc.UpsertSubscription(ctx, models.Subscription{
		UserID:               userID,
		StripeCustomerID:     sub.Customer.ID,
		StripeSubscriptionID: sub.ID,
		StripePriceID:        priceID,
		Status:               string(sub.Status),
		CancelAtPeriodEnd:    sub.CancelAtPeriodEnd,
		CurrentPeriodEnd:     periodEnd,
	})
}

func (s *Server) ensureStripeCustomer(ctx context.Context, user models.User) (string, error) {
	if user.StripeCustomerID != "" {
		return user.StripeCustomerID, nil
	}
	stripe.Key = s.cfg.StripeSecretKey
	params := &stripe.CustomerParams{Email: stripe.String(user.Email)}
	params.AddMetadata("user_id", strconv.FormatInt(user.ID, 10))
	cust, err := customer.New(params)
	if err != nil {
		return "", err
	}
	if err := s.svc.SetStripeCustomerID(ctx, user.ID, cust.ID); err != nil {
		return "", err
	}
	return cust.ID, nil
}

type sweepRequest struct {
	Reason string `json:"reason"`
}

// handleAdminSweepLocks force-clears every held credit lock. Operator
// recovery only, for confirmed stuck locks after a crash; it is audited
// and throttled because it opens a window of unsynchronized access.
func (s *Server) handleAdminSweepLocks(w http.ResponseWriter, r *http.Request) {
	var req sweepRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		respondError(w, http.StatusBadRequest, err)
		return
	}
	if req.Reason == "" {
		respondError(w, http.StatusBadRequest, errors.New("reason is required"))
		return
	}
	reqID := middleware.GetReqID(r.Context())
	log.Printf("[INFO] [%s] lock sweep requested by user %d: %s", reqID, getUserIDFromContext(r.Context()), req.Reason)

	removed, err := s.locker.Sweep(r.Context(), req.Reason)
	if err != nil {
		if errors.Is(err, lock.ErrSweepThrottled) {
			respondError(w, http.StatusTooManyRequests, err)
			return
		}
		respondError(w, http.StatusInternalServerError, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"removed": len(removed),
		"keys":    removed,
	})
}

func (s *Server) handleAdminListLocks(w http.ResponseWriter, r *http.Request) {
	held, err := s.locker.List(r.Context())
	if err != nil {
		respondError(w, http.StatusInternalServerError, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"count": len(held),
		"locks": held,
	})
}

type adjustUsageRequest struct {
	UserID int64  `json:"user_id"`
	Pool   string `json:"pool"`
	Delta  int64  `json:"delta"`
	Reason string `json:"reason"`
}

// handleAdminAdjustUsage applies a manual correction to a user's counter
// for the current period, typically a refund after a failed generation.
// This is the only write path that can decrease a counter.
func (s *Server) handleAdminAdjustUsage(w http.ResponseWriter, r *http.Request) {
	var req adjustUsageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, err)
		return
	}
	if req.UserID <= 0 || req.Delta == 0 || req.Reason == "" {
		respondError(w, http.StatusBadRequest, errors.New("user_id, delta and reason are required"))
		return
	}
	pool := models.Pool(req.Pool)
	if !models.ValidPool(pool) {
		respondError(w, http.StatusBadRequest, fmt.Errorf("unknown pool %q", req.Pool))
		return
	}
	reqID := middleware.GetReqID(r.Context())
	log.Printf("[INFO] [%s] usage adjust by admin %d: user %d pool %s delta %d: %s",
		reqID, getUserIDFromContext(r.Context()), req.UserID, pool, req.Delta, req.Reason)

	if err := s.ledg.AdminAdjust(r.Context(), req.UserID, pool, req.Delta); err != nil {
		respondError(w, http.StatusInternalServerError, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"status": "adjusted"})
}

func (s *Server) respondServiceError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, services.ErrNotFound):
		respondError(w, http.StatusNotFound, err)
	case errors.Is(err, services.ErrNoSubscription):
		respondError(w, http.StatusPaymentRequired, err)
	case errors.Is(err, services.ErrInvalidRequest):
		respondError(w, http.StatusBadRequest, err)
	case errors.Is(err, services.ErrEmailTaken):
		respondError(w, http.StatusConflict, err)
	case errors.Is(err, services.ErrUnknownPrice):
		respondError(w, http.StatusConflict, err)
	default:
		log.Printf("[ERROR] Internal server error: %v", err)
		respondError(w, http.StatusInternalServerError, err)
	}
}

func (s *Server) respondStripeError(w http.ResponseWriter, r *http.Request, err error) {
	var stripeErr *stripe.Error
	if errors.As(err, &stripeErr) {
		respondErrorWithLog(w, r, http.StatusBadRequest,
			fmt.Errorf("stripe error: %s - %s", stripeErr.Code, stripeErr.Msg), "stripe_api")
		return
	}
	respondErrorWithLog(w, r, http.StatusInternalServerError, err, "stripe_api")
}

func parseID(raw string) (int64, error) {
	if raw == "" {
		return 0, errors.New("id is required")
	}
	return strconv.ParseInt(raw, 10, 64)
}
