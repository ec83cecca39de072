package subscriptions

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/irishbyblood/horizen-network-deploy/internal/billing"
	subsvc "github.com/irishbyblood/horizen-network-deploy/internal/subscriptions"
	"github.com/irishbyblood/horizen-network-deploy/pkg/config"
	"github.com/irishbyblood/horizen-network-deploy/pkg/db/models"
	"github.com/irishbyblood/horizen-network-deploy/pkg/enums"
	pkgerrors "github.com/irishbyblood/horizen-network-deploy/pkg/errors"
	"github.com/irishbyblood/horizen-network-deploy/pkg/pagination"
)

type testSubscriptionService struct {
	createInput   subsvc.CreateSubscriptionInput
	createResult  *subsvc.CreateResult
	createErr     error
	cancelUser    uuid.UUID
	cancelNow     bool
	changePlanKey enums.PlanKey
	accessKey     enums.PlanKey
	accessResult  *subsvc.AccessResult
	historyParams pagination.Params
	payments      []models.PaymentRecord
	nextCursor    *pagination.Cursor
	sub           *models.Subscription
	sessionURL    string
	err           error
}

func (s *testSubscriptionService) Create(ctx context.Context, userID uuid.UUID, input subsvc.CreateSubscriptionInput) (*subsvc.CreateResult, error) {
	s.createInput = input
	return s.createResult, s.createErr
}

func (s *testSubscriptionService) Cancel(ctx context.Context, userID uuid.UUID, immediate bool) (*models.Subscription, error) {
	s.cancelUser = userID
	s.cancelNow = immediate
	return s.sub, s.err
}

func (s *testSubscriptionService) Reactivate(ctx context.Context, userID uuid.UUID) (*models.Subscription, error) {
	return s.sub, s.err
}

func (s *testSubscriptionService) ChangePlan(ctx context.Context, userID uuid.UUID, plan enums.PlanKey) (*models.Subscription, error) {
	s.changePlanKey = plan
	return s.sub, s.err
}

func (s *testSubscriptionService) CheckAccess(ctx context.Context, userID uuid.UUID, required enums.PlanKey) (*subsvc.AccessResult, error) {
	s.accessKey = required
	return s.accessResult, s.err
}

func (s *testSubscriptionService) Get(ctx context.Context, userID uuid.UUID) (*models.Subscription, error) {
	return s.sub, s.err
}

func (s *testSubscriptionService) PaymentHistory(ctx context.Context, userID uuid.UUID, params pagination.Params) ([]models.PaymentRecord, *pagination.Cursor, error) {
	s.historyParams = params
	return s.payments, s.nextCursor, s.err
}

func (s *testSubscriptionService) Sync(ctx context.Context, userID uuid.UUID) (*models.Subscription, error) {
	return s.sub, s.err
}

func (s *testSubscriptionService) CheckoutSession(ctx context.Context, userID uuid.UUID, input subsvc.CheckoutSessionInput) (string, error) {
	return s.sessionURL, s.err
}

func (s *testSubscriptionService) PortalSession(ctx context.Context, userID uuid.UUID) (string, error) {
	return s.sessionURL, s.err
}

func subscriptionFixture(userID uuid.UUID) *models.Subscription {
	end := time.Now().Add(30 * 24 * time.Hour).UTC().Truncate(time.Second)
	priceID := "price_druid"
	return &models.Subscription{
		ID:                   uuid.New(),
		UserID:               userID,
		StripeSubscriptionID: "sub_123",
		StripeCustomerID:     "cus_123",
		Plan:                 enums.PlanDruidGeniess,
		Status:               enums.SubscriptionStatusActive,
		PriceID:              &priceID,
		CurrentPeriodEnd:     end,
	}
}

func TestCreateReturnsClientSecret(t *testing.T) {
	userID := uuid.New()
	service := &testSubscriptionService{
		createResult: &subsvc.CreateResult{
			Subscription: subscriptionFixture(userID),
			ClientSecret: "pi_secret_abc",
			Created:      true,
		},
	}

	body := `{"user_id":"` + userID.String() + `","plan":"druid_geniess","email":"u@example.com"}`
	req := httptest.NewRequest(http.MethodPost, "/api/v1/subscriptions", strings.NewReader(body))
	resp := httptest.NewRecorder()
	Create(service, nil)(resp, req)

	if resp.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", resp.Code, resp.Body.String())
	}

	var envelope struct {
		Data createResponse `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&envelope); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if envelope.Data.ClientSecret != "pi_secret_abc" {
		t.Fatalf("expected client secret forwarded, got %q", envelope.Data.ClientSecret)
	}
	if envelope.Data.Subscription == nil || envelope.Data.Subscription.Plan != "druid_geniess" {
		t.Fatalf("unexpected subscription payload: %+v", envelope.Data.Subscription)
	}
	if service.createInput.Plan != enums.PlanDruidGeniess {
		t.Fatalf("expected plan forwarded, got %s", service.createInput.Plan)
	}
}

func TestCreateRejectsMalformedBody(t *testing.T) {
	req := httptest.NewRequest(http.MethodPost, "/api/v1/subscriptions", strings.NewReader(`{"user_id":"not-a-uuid","plan":"entity"}`))
	resp := httptest.NewRecorder()
	Create(&testSubscriptionService{}, nil)(resp, req)

	if resp.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", resp.Code)
	}
}

func TestCreateSurfacesConflict(t *testing.T) {
	userID := uuid.New()
	service := &testSubscriptionService{
		createErr: pkgerrors.New(pkgerrors.CodeConflict, "user already has an open subscription"),
	}

	body := `{"user_id":"` + userID.String() + `","plan":"entity","email":"u@example.com"}`
	req := httptest.NewRequest(http.MethodPost, "/api/v1/subscriptions", strings.NewReader(body))
	resp := httptest.NewRecorder()
	Create(service, nil)(resp, req)

	if resp.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d", resp.Code)
	}
}

func TestCancelForwardsImmediateFlag(t *testing.T) {
	userID := uuid.New()
	service := &testSubscriptionService{sub: subscriptionFixture(userID)}

	body := `{"user_id":"` + userID.String() + `","immediate":true}`
	req := httptest.NewRequest(http.MethodPost, "/api/v1/subscriptions/cancel", strings.NewReader(body))
	resp := httptest.NewRecorder()
	Cancel(service, nil)(resp, req)

	if resp.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", resp.Code, resp.Body.String())
	}
	if service.cancelUser != userID {
		t.Fatalf("expected user id %s, got %s", userID, service.cancelUser)
	}
	if !service.cancelNow {
		t.Fatalf("expected immediate flag forwarded")
	}
}

func TestChangePlanForwardsPlanKey(t *testing.T) {
	userID := uuid.New()
	service := &testSubscriptionService{sub: subscriptionFixture(userID)}

	body := `{"user_id":"` + userID.String() + `","plan":"entity"}`
	req := httptest.NewRequest(http.MethodPost, "/api/v1/subscriptions/plan", strings.NewReader(body))
	resp := httptest.NewRecorder()
	ChangePlan(service, nil)(resp, req)

	if resp.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.Code)
	}
	if service.changePlanKey != enums.PlanEntity {
		t.Fatalf("expected plan forwarded, got %s", service.changePlanKey)
	}
}

func TestFetchRequiresUserID(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/api/v1/subscriptions", nil)
	resp := httptest.NewRecorder()
	Fetch(&testSubscriptionService{}, nil)(resp, req)

	if resp.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 without user_id, got %d", resp.Code)
	}
}

func TestFetchReturnsSubscription(t *testing.T) {
	userID := uuid.New()
	service := &testSubscriptionService{sub: subscriptionFixture(userID)}

	req := httptest.NewRequest(http.MethodGet, "/api/v1/subscriptions?user_id="+userID.String(), nil)
	resp := httptest.NewRecorder()
	Fetch(service, nil)(resp, req)

	if resp.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.Code)
	}

	var envelope struct {
		Data subscriptionResponse `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&envelope); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if envelope.Data.StripeSubscriptionID != "sub_123" {
		t.Fatalf("unexpected subscription id %q", envelope.Data.StripeSubscriptionID)
	}
	if envelope.Data.Status != "active" {
		t.Fatalf("unexpected status %q", envelope.Data.Status)
	}
}

func TestAccessDefaultsToEntityPlan(t *testing.T) {
	userID := uuid.New()
	plan := enums.PlanDruidGeniess
	status := enums.SubscriptionStatusActive
	service := &testSubscriptionService{
		accessResult: &subsvc.AccessResult{HasAccess: true, Plan: &plan, Status: &status},
	}

	req := httptest.NewRequest(http.MethodGet, "/api/v1/subscriptions/access?user_id="+userID.String(), nil)
	resp := httptest.NewRecorder()
	Access(service, nil)(resp, req)

	if resp.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.Code)
	}
	if service.accessKey != enums.PlanEntity {
		t.Fatalf("expected entity default, got %s", service.accessKey)
	}

	var envelope struct {
		Data accessResponse `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&envelope); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if !envelope.Data.HasAccess {
		t.Fatalf("expected access granted")
	}
	if envelope.Data.Plan == nil || *envelope.Data.Plan != "druid_geniess" {
		t.Fatalf("expected plan in payload")
	}
	if envelope.Data.Reason != "" {
		t.Fatalf("granted access must not carry a reason, got %q", envelope.Data.Reason)
	}
}

func TestAccessDenialCarriesReason(t *testing.T) {
	userID := uuid.New()
	plan := enums.PlanEntity
	status := enums.SubscriptionStatusActive
	service := &testSubscriptionService{
		accessResult: &subsvc.AccessResult{
			HasAccess: false,
			Reason:    "subscription period has ended",
			Plan:      &plan,
			Status:    &status,
		},
	}

	req := httptest.NewRequest(http.MethodGet, "/api/v1/subscriptions/access?user_id="+userID.String(), nil)
	resp := httptest.NewRecorder()
	Access(service, nil)(resp, req)

	if resp.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.Code)
	}

	var envelope struct {
		Data accessResponse `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&envelope); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if envelope.Data.HasAccess {
		t.Fatalf("expected access denied")
	}
	if envelope.Data.Reason != "subscription period has ended" {
		t.Fatalf("expected denial reason in payload, got %q", envelope.Data.Reason)
	}
}

func TestPaymentHistoryForwardsPagination(t *testing.T) {
	userID := uuid.New()
	next := pagination.Cursor{CreatedAt: time.Now().UTC(), ID: uuid.New()}
	service := &testSubscriptionService{
		payments: []models.PaymentRecord{
			{
				ID:              uuid.New(),
				UserID:          userID,
				StripeInvoiceID: "in_123",
				AmountCents:     1500,
				Currency:        "usd",
				Status:          enums.PaymentStatusSucceeded,
				OccurredAt:      time.Now().UTC(),
			},
		},
		nextCursor: &next,
	}

	req := httptest.NewRequest(http.MethodGet, "/api/v1/subscriptions/payments?user_id="+userID.String()+"&limit=5&cursor=abc", nil)
	resp := httptest.NewRecorder()
	PaymentHistory(service, nil)(resp, req)

	if resp.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", resp.Code, resp.Body.String())
	}
	if service.historyParams.Limit != 5 {
		t.Fatalf("expected limit 5, got %d", service.historyParams.Limit)
	}
	if service.historyParams.Cursor != "abc" {
		t.Fatalf("expected cursor forwarded, got %q", service.historyParams.Cursor)
	}

	var envelope struct {
		Data paymentHistoryResponse `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&envelope); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if len(envelope.Data.Payments) != 1 {
		t.Fatalf("expected 1 payment, got %d", len(envelope.Data.Payments))
	}
	if envelope.Data.Payments[0].AmountCents != 1500 {
		t.Fatalf("unexpected amount %d", envelope.Data.Payments[0].AmountCents)
	}
	if envelope.Data.NextCursor == "" {
		t.Fatalf("expected next cursor encoded")
	}
}

func TestPlansListsCatalog(t *testing.T) {
	catalog := billing.NewCatalog(config.StripeConfig{
		DruidGeniessPriceID: "price_druid",
		EntityPriceID:       "price_entity",
	})

	req := httptest.NewRequest(http.MethodGet, "/api/v1/subscriptions/plans", nil)
	resp := httptest.NewRecorder()
	Plans(catalog, nil)(resp, req)

	if resp.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.Code)
	}

	var envelope struct {
		Data []planResponse `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&envelope); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if len(envelope.Data) != 2 {
		t.Fatalf("expected 2 plans, got %d", len(envelope.Data))
	}
	if envelope.Data[0].Key != "druid_geniess" || envelope.Data[0].AmountCents != 1500 {
		t.Fatalf("unexpected first plan %+v", envelope.Data[0])
	}
	if envelope.Data[1].Key != "entity" || envelope.Data[1].AmountCents != 500 {
		t.Fatalf("unexpected second plan %+v", envelope.Data[1])
	}
}

func TestCheckoutSessionReturnsURL(t *testing.T) {
	userID := uuid.New()
	service := &testSubscriptionService{sessionURL: "https://checkout.stripe.com/c/pay/cs_123"}

	body := `{"user_id":"` + userID.String() + `","plan":"entity","email":"u@example.com"}`
	req := httptest.NewRequest(http.MethodPost, "/api/v1/subscriptions/checkout-session", strings.NewReader(body))
	resp := httptest.NewRecorder()
	CheckoutSession(service, nil)(resp, req)

	if resp.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d", resp.Code)
	}

	var envelope struct {
		Data sessionResponse `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&envelope); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if envelope.Data.URL != service.sessionURL {
		t.Fatalf("expected session url forwarded, got %q", envelope.Data.URL)
	}
}

func TestPortalSessionSurfacesNotFound(t *testing.T) {
	userID := uuid.New()
	service := &testSubscriptionService{
		err: pkgerrors.New(pkgerrors.CodeNotFound, "no billing profile for user"),
	}

	body := `{"user_id":"` + userID.String() + `"}`
	req := httptest.NewRequest(http.MethodPost, "/api/v1/subscriptions/portal-session", strings.NewReader(body))
	resp := httptest.NewRecorder()
	PortalSession(service, nil)(resp, req)

	if resp.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", resp.Code)
	}
}
