package subscriptions

import (
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/irishbyblood/horizen-network-deploy/api/responses"
	"github.com/irishbyblood/horizen-network-deploy/api/validators"
	"github.com/irishbyblood/horizen-network-deploy/internal/billing"
	subsvc "github.com/irishbyblood/horizen-network-deploy/internal/subscriptions"
	"github.com/irishbyblood/horizen-network-deploy/pkg/db/models"
	"github.com/irishbyblood/horizen-network-deploy/pkg/enums"
	pkgerrors "github.com/irishbyblood/horizen-network-deploy/pkg/errors"
	"github.com/irishbyblood/horizen-network-deploy/pkg/logger"
	"github.com/irishbyblood/horizen-network-deploy/pkg/pagination"
)

type createRequest struct {
	UserID    string `json:"user_id" validate:"required,uuid"`
	Plan      string `json:"plan" validate:"required"`
	Email     string `json:"email" validate:"omitempty,email"`
	TrialDays int64  `json:"trial_days" validate:"omitempty,min=0,max=365"`
}

type cancelRequest struct {
	UserID    string `json:"user_id" validate:"required,uuid"`
	Immediate bool   `json:"immediate"`
}

type userRequest struct {
	UserID string `json:"user_id" validate:"required,uuid"`
}

type changePlanRequest struct {
	UserID string `json:"user_id" validate:"required,uuid"`
	Plan   string `json:"plan" validate:"required"`
}

type subscriptionResponse struct {
	ID                   uuid.UUID  `json:"id"`
	UserID               uuid.UUID  `json:"user_id"`
	StripeSubscriptionID string     `json:"stripe_subscription_id"`
	Plan                 string     `json:"plan"`
	Status               string     `json:"status"`
	PriceID              *string    `json:"price_id,omitempty"`
	CurrentPeriodStart   *time.Time `json:"current_period_start,omitempty"`
	CurrentPeriodEnd     time.Time  `json:"current_period_end"`
	CancelAtPeriodEnd    bool       `json:"cancel_at_period_end"`
	CanceledAt           *time.Time `json:"canceled_at,omitempty"`
}

type createResponse struct {
	Subscription *subscriptionResponse `json:"subscription"`
	ClientSecret string                `json:"client_secret,omitempty"`
}

type accessResponse struct {
	HasAccess         bool       `json:"has_access"`
	Reason            string     `json:"reason,omitempty"`
	Plan              *string    `json:"plan,omitempty"`
	Status            *string    `json:"status,omitempty"`
	CurrentPeriodEnd  *time.Time `json:"current_period_end,omitempty"`
	CancelAtPeriodEnd bool       `json:"cancel_at_period_end"`
}

type planResponse struct {
	Key         string `json:"key"`
	Name        string `json:"name"`
	AmountCents int64  `json:"amount_cents"`
	Currency    string `json:"currency"`
	Interval    string `json:"interval"`
}

type paymentResponse struct {
	ID              uuid.UUID  `json:"id"`
	SubscriptionID  *uuid.UUID `json:"subscription_id,omitempty"`
	StripeInvoiceID string     `json:"stripe_invoice_id"`
	AmountCents     int64      `json:"amount_cents"`
	Currency        string     `json:"currency"`
	Status          string     `json:"status"`
	FailureMessage  *string    `json:"failure_message,omitempty"`
	OccurredAt      time.Time  `json:"occurred_at"`
}

type paymentHistoryResponse struct {
	Payments   []paymentResponse `json:"payments"`
	NextCursor string            `json:"next_cursor,omitempty"`
}

type sessionResponse struct {
	URL string `json:"url"`
}

func Create(svc subsvc.Service, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if svc == nil {
			responses.WriteError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeInternal, "subscription service unavailable"))
			return
		}

		var payload createRequest
		if err := validators.DecodeJSONBody(r, &payload); err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		userID := uuid.MustParse(payload.UserID)

		result, err := svc.Create(r.Context(), userID, subsvc.CreateSubscriptionInput{
			Plan:      enums.PlanKey(payload.Plan),
			Email:     payload.Email,
			TrialDays: payload.TrialDays,
		})
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		responses.WriteSuccessStatus(w, http.StatusCreated, createResponse{
			Subscription: newSubscriptionResponse(result.Subscription),
			ClientSecret: result.ClientSecret,
		})
	}
}

func Cancel(svc subsvc.Service, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if svc == nil {
			responses.WriteError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeInternal, "subscription service unavailable"))
			return
		}

		var payload cancelRequest
		if err := validators.DecodeJSONBody(r, &payload); err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		sub, err := svc.Cancel(r.Context(), uuid.MustParse(payload.UserID), payload.Immediate)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		responses.WriteSuccess(w, newSubscriptionResponse(sub))
	}
}

func Reactivate(svc subsvc.Service, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if svc == nil {
			responses.WriteError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeInternal, "subscription service unavailable"))
			return
		}

		var payload userRequest
		if err := validators.DecodeJSONBody(r, &payload); err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		sub, err := svc.Reactivate(r.Context(), uuid.MustParse(payload.UserID))
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		responses.WriteSuccess(w, newSubscriptionResponse(sub))
	}
}

func ChangePlan(svc subsvc.Service, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if svc == nil {
			responses.WriteError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeInternal, "subscription service unavailable"))
			return
		}

		var payload changePlanRequest
		if err := validators.DecodeJSONBody(r, &payload); err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		sub, err := svc.ChangePlan(r.Context(), uuid.MustParse(payload.UserID), enums.PlanKey(payload.Plan))
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		responses.WriteSuccess(w, newSubscriptionResponse(sub))
	}
}

func Sync(svc subsvc.Service, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if svc == nil {
			responses.WriteError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeInternal, "subscription service unavailable"))
			return
		}

		var payload userRequest
		if err := validators.DecodeJSONBody(r, &payload); err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		sub, err := svc.Sync(r.Context(), uuid.MustParse(payload.UserID))
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		responses.WriteSuccess(w, newSubscriptionResponse(sub))
	}
}

func Fetch(svc subsvc.Service, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if svc == nil {
			responses.WriteError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeInternal, "subscription service unavailable"))
			return
		}

		userID, err := validators.ParseQueryUUID(r, "user_id")
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		sub, err := svc.Get(r.Context(), userID)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		responses.WriteSuccess(w, newSubscriptionResponse(sub))
	}
}

func Access(svc subsvc.Service, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if svc == nil {
			responses.WriteError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeInternal, "subscription service unavailable"))
			return
		}

		userID, err := validators.ParseQueryUUID(r, "user_id")
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		plan := enums.PlanKey(r.URL.Query().Get("plan"))
		if plan == "" {
			plan = enums.PlanEntity
		}

		result, err := svc.CheckAccess(r.Context(), userID, plan)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		resp := accessResponse{
			HasAccess:         result.HasAccess,
			Reason:            result.Reason,
			CurrentPeriodEnd:  result.CurrentPeriodEnd,
			CancelAtPeriodEnd: result.CancelAtPeriodEnd,
		}
		if result.Plan != nil {
			value := result.Plan.String()
			resp.Plan = &value
		}
		if result.Status != nil {
			value := result.Status.String()
			resp.Status = &value
		}
		responses.WriteSuccess(w, resp)
	}
}

func PaymentHistory(svc subsvc.Service, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if svc == nil {
			responses.WriteError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeInternal, "subscription service unavailable"))
			return
		}

		userID, err := validators.ParseQueryUUID(r, "user_id")
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		limit, err := validators.ParseQueryInt(r, "limit", pagination.DefaultLimit, 1, pagination.MaxLimit)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		records, next, err := svc.PaymentHistory(r.Context(), userID, pagination.Params{
			Limit:  limit,
			Cursor: r.URL.Query().Get("cursor"),
		})
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		resp := paymentHistoryResponse{Payments: make([]paymentResponse, 0, len(records))}
		for _, record := range records {
			resp.Payments = append(resp.Payments, paymentResponse{
				ID:              record.ID,
				SubscriptionID:  record.SubscriptionID,
				StripeInvoiceID: record.StripeInvoiceID,
				AmountCents:     record.AmountCents,
				Currency:        record.Currency,
				Status:          record.Status.String(),
				FailureMessage:  record.FailureMessage,
				OccurredAt:      record.OccurredAt,
			})
		}
		if next != nil {
			resp.NextCursor = pagination.EncodeCursor(*next)
		}
		responses.WriteSuccess(w, resp)
	}
}

func Plans(catalog *billing.Catalog, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if catalog == nil {
			responses.WriteError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeInternal, "plan catalog unavailable"))
			return
		}

		plans := catalog.Plans()
		resp := make([]planResponse, 0, len(plans))
		for _, plan := range plans {
			resp = append(resp, planResponse{
				Key:         plan.Key.String(),
				Name:        plan.Name,
				AmountCents: plan.AmountCents,
				Currency:    plan.Currency,
				Interval:    string(plan.Interval),
			})
		}
		responses.WriteSuccess(w, resp)
	}
}

func CheckoutSession(svc subsvc.Service, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if svc == nil {
			responses.WriteError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeInternal, "subscription service unavailable"))
			return
		}

		var payload createRequest
		if err := validators.DecodeJSONBody(r, &payload); err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		url, err := svc.CheckoutSession(r.Context(), uuid.MustParse(payload.UserID), subsvc.CheckoutSessionInput{
			Plan:      enums.PlanKey(payload.Plan),
			Email:     payload.Email,
			TrialDays: payload.TrialDays,
		})
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		responses.WriteSuccessStatus(w, http.StatusCreated, sessionResponse{URL: url})
	}
}

func PortalSession(svc subsvc.Service, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if svc == nil {
			responses.WriteError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeInternal, "subscription service unavailable"))
			return
		}

		var payload userRequest
		if err := validators.DecodeJSONBody(r, &payload); err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		url, err := svc.PortalSession(r.Context(), uuid.MustParse(payload.UserID))
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		responses.WriteSuccessStatus(w, http.StatusCreated, sessionResponse{URL: url})
	}
}

func newSubscriptionResponse(sub *models.Subscription) *subscriptionResponse {
	if sub == nil {
		return nil
	}
	return &subscriptionResponse{
		ID:                   sub.ID,
		UserID:               sub.UserID,
		StripeSubscriptionID: sub.StripeSubscriptionID,
		Plan:                 sub.Plan.String(),
		Status:               sub.Status.String(),
		PriceID:              sub.PriceID,
		CurrentPeriodStart:   sub.CurrentPeriodStart,
		CurrentPeriodEnd:     sub.CurrentPeriodEnd,
		CancelAtPeriodEnd:    sub.CancelAtPeriodEnd,
		CanceledAt:           sub.CanceledAt,
	}
}
