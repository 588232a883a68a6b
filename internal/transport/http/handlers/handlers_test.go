package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/doexcess/business-api/internal/domain/enums"
	"github.com/doexcess/business-api/internal/domain/model"
	"github.com/doexcess/business-api/internal/infra/paystack"
	pgrepo "github.com/doexcess/business-api/internal/repo/postgres"
	authsvc "github.com/doexcess/business-api/internal/services/auth"
	cartsvc "github.com/doexcess/business-api/internal/services/cart"
	catalogsvc "github.com/doexcess/business-api/internal/services/catalog"
	couponsvc "github.com/doexcess/business-api/internal/services/coupons"
	orgsvc "github.com/doexcess/business-api/internal/services/orgs"
	paymentsvc "github.com/doexcess/business-api/internal/services/payments"
)

func TestCouponCreateReportsEveryMissingField(t *testing.T) {
	h := NewCouponHandler(couponsvc.NewService(nil))

	rr := serve(h.Create, http.MethodPost, "/coupon-management", `{}`, scopedAs(uuid.New(), uuid.New(), enums.MemberRoleOwner))

	if rr.Code != http.StatusBadRequest {
		t.Fatalf("unexpected status: got %d want %d", rr.Code, http.StatusBadRequest)
	}
	var payload struct {
		Code   string            `json:"code"`
		Fields map[string]string `json:"fields"`
	}
	if err := json.Unmarshal(rr.Body.Bytes(), &payload); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if payload.Code != "VALIDATION_ERROR" {
		t.Fatalf("unexpected code: %s", payload.Code)
	}
	for _, field := range []string{"code", "type", "value", "start_date", "end_date", "usage_limit", "user_limit", "min_purchase"} {
		if payload.Fields[field] == "" {
			t.Fatalf("expected field error for %s, got %v", field, payload.Fields)
		}
	}
}

func TestTicketCreateWithoutLocationIsRejected(t *testing.T) {
	h := NewTicketHandler(catalogsvc.NewService(catalogsvc.Dependencies{}))

	body := `{
		"title": "Go Meetup",
		"event_type": "physical",
		"start_date": "2026-05-01T10:00:00Z",
		"one_day": true,
		"tiers": [{"name": "Regular", "price": "5000", "quantity": 50}]
	}`
	rr := serve(h.Create, http.MethodPost, "/ticket", body, scopedAs(uuid.New(), uuid.New(), enums.MemberRoleOwner))

	if rr.Code != http.StatusBadRequest {
		t.Fatalf("unexpected status: got %d want %d body=%s", rr.Code, http.StatusBadRequest, rr.Body.String())
	}
	if !strings.Contains(rr.Body.String(), `"event_location"`) {
		t.Fatalf("expected event_location field error, got %s", rr.Body.String())
	}
}

func TestScopedRouteWithoutBusinessIsRejected(t *testing.T) {
	h := NewCouponHandler(couponsvc.NewService(nil))

	rr := serve(h.List, http.MethodGet, "/coupon-management", "", func(ctx context.Context) context.Context { return ctx })

	if rr.Code != http.StatusBadRequest {
		t.Fatalf("unexpected status: got %d want %d", rr.Code, http.StatusBadRequest)
	}
	if !strings.Contains(rr.Body.String(), "BUSINESS_REQUIRED") {
		t.Fatalf("unexpected body: %s", rr.Body.String())
	}
}

func TestUnknownFieldsAreRejected(t *testing.T) {
	h := NewCouponHandler(couponsvc.NewService(nil))

	rr := serve(h.Create, http.MethodPost, "/coupon-management", `{"surprise": true}`, scopedAs(uuid.New(), uuid.New(), enums.MemberRoleOwner))

	if rr.Code != http.StatusBadRequest || !strings.Contains(rr.Body.String(), "INVALID_REQUEST") {
		t.Fatalf("unexpected response: %d %s", rr.Code, rr.Body.String())
	}
}

func TestCartRemoveThenFetchNeverShowsRemovedItem(t *testing.T) {
	businessID, userID := uuid.New(), uuid.New()
	keep := model.CartItem{ID: uuid.New(), ProductID: uuid.New(), Title: "Course", PriceAtTime: decimal.NewFromInt(5000), Quantity: 2}
	drop := model.CartItem{ID: uuid.New(), ProductID: uuid.New(), Title: "Ebook", PriceAtTime: decimal.NewFromInt(1500), Quantity: 1}
	store := &cartStoreStub{cart: model.Cart{BusinessID: businessID, UserID: userID, Items: []model.CartItem{keep, drop}}}
	h := NewCartHandler(cartsvc.NewService(cartsvc.Dependencies{Store: store}))

	ctxFn := scopedAs(businessID, userID, "")
	rr := serveRoute(http.MethodDelete, "/cart/items/{id}", h.RemoveItem, "/cart/items/"+drop.ID.String(), "", ctxFn)
	if rr.Code != http.StatusOK {
		t.Fatalf("remove: unexpected status %d body=%s", rr.Code, rr.Body.String())
	}

	rr = serve(h.Get, http.MethodGet, "/cart", "", ctxFn)
	if rr.Code != http.StatusOK {
		t.Fatalf("get: unexpected status %d", rr.Code)
	}
	var view struct {
		Items []struct {
			ID uuid.UUID `json:"id"`
		} `json:"items"`
		TotalDisplay string `json:"total_display"`
	}
	if err := json.Unmarshal(rr.Body.Bytes(), &view); err != nil {
		t.Fatalf("decode cart: %v", err)
	}
	for _, item := range view.Items {
		if item.ID == drop.ID {
			t.Fatalf("removed item came back")
		}
	}
	if view.TotalDisplay != "₦10,000.00" {
		t.Fatalf("unexpected total display: %s", view.TotalDisplay)
	}

	rr = serveRoute(http.MethodDelete, "/cart/items/{id}", h.RemoveItem, "/cart/items/"+drop.ID.String(), "", ctxFn)
	if rr.Code != http.StatusNotFound {
		t.Fatalf("second remove: unexpected status %d", rr.Code)
	}
}

func TestPaymentWebhookRejectsBadSignature(t *testing.T) {
	svc := paymentsvc.NewService(paymentsvc.Dependencies{
		Gateway: paystack.NewClient(paystack.Config{SecretKey: "sk_test_secret"}),
	})
	h := NewPaymentsHandler(svc, nil)

	req := httptest.NewRequest(http.MethodPost, "/payments/webhook", strings.NewReader(`{"event":"charge.success"}`))
	req.Header.Set(paystackSignatureHeader, "deadbeef")
	rr := httptest.NewRecorder()
	h.Webhook(rr, req)

	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("unexpected status: got %d want %d", rr.Code, http.StatusUnauthorized)
	}
}

func TestAuthRoutesRequireIdentity(t *testing.T) {
	h := NewAuthHandler(nil, "")

	rr := serve(h.Me, http.MethodGet, "/auth/me", "", func(ctx context.Context) context.Context { return ctx })
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("unexpected status: got %d want %d", rr.Code, http.StatusUnauthorized)
	}
}

func TestHealthReportsFailingDependency(t *testing.T) {
	h := NewHealthHandler(map[string]Pinger{"postgres": failingPinger{}})

	rr := serve(h.Get, http.MethodGet, "/healthz", "", func(ctx context.Context) context.Context { return ctx })
	if rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("unexpected status: got %d want %d", rr.Code, http.StatusServiceUnavailable)
	}

	rr = serve(NewHealthHandler(nil).Get, http.MethodGet, "/healthz", "", func(ctx context.Context) context.Context { return ctx })
	if rr.Code != http.StatusOK {
		t.Fatalf("unexpected status without checks: %d", rr.Code)
	}
}

func scopedAs(businessID, userID uuid.UUID, role enums.MemberRole) func(context.Context) context.Context {
	return func(ctx context.Context) context.Context {
		ctx = authsvc.WithIdentity(ctx, authsvc.Identity{UserID: userID, SID: "sid", Role: "user"})
		return orgsvc.WithScope(ctx, orgsvc.Scope{BusinessID: businessID, Role: role})
	}
}

func serve(handler http.HandlerFunc, method, target, body string, ctxFn func(context.Context) context.Context) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, target, bytes.NewBufferString(body))
	req = req.WithContext(ctxFn(req.Context()))
	rr := httptest.NewRecorder()
	handler(rr, req)
	return rr
}

func serveRoute(method, pattern string, handler http.HandlerFunc, target, body string, ctxFn func(context.Context) context.Context) *httptest.ResponseRecorder {
	r := chi.NewRouter()
	r.Method(method, pattern, handler)

	req := httptest.NewRequest(method, target, bytes.NewBufferString(body))
	req = req.WithContext(ctxFn(req.Context()))
	rr := httptest.NewRecorder()
	r.ServeHTTP(rr, req)
	return rr
}

type failingPinger struct{}

func (failingPinger) Ping(context.Context) error { return context.DeadlineExceeded }

type cartStoreStub struct {
	cart model.Cart
}

func (s *cartStoreStub) Get(context.Context, uuid.UUID, uuid.UUID) (model.Cart, error) {
	c := s.cart
	c.Items = append([]model.CartItem(nil), s.cart.Items...)
	c.UpdatedAt = time.Now().UTC()
	return c, nil
}

func (s *cartStoreStub) AddItem(_ context.Context, _, _ uuid.UUID, item model.CartItem) (model.CartItem, error) {
	item.ID = uuid.New()
	s.cart.Items = append(s.cart.Items, item)
	return item, nil
}

func (s *cartStoreStub) UpdateQuantity(_ context.Context, _, _, itemID uuid.UUID, quantity int) (model.CartItem, error) {
	for i := range s.cart.Items {
		if s.cart.Items[i].ID == itemID {
			s.cart.Items[i].Quantity = quantity
			return s.cart.Items[i], nil
		}
	}
	return model.CartItem{}, pgrepo.ErrCartItemNotFound
}

func (s *cartStoreStub) GetItem(_ context.Context, _, _, itemID uuid.UUID) (model.CartItem, error) {
	for _, item := range s.cart.Items {
		if item.ID == itemID {
			return item, nil
		}
	}
	return model.CartItem{}, pgrepo.ErrCartItemNotFound
}

func (s *cartStoreStub) RemoveItem(_ context.Context, _, _, itemID uuid.UUID) error {
	for i, item := range s.cart.Items {
		if item.ID == itemID {
			s.cart.Items = append(s.cart.Items[:i], s.cart.Items[i+1:]...)
			return nil
		}
	}
	return pgrepo.ErrCartItemNotFound
}

func (s *cartStoreStub) Clear(context.Context, uuid.UUID, uuid.UUID) error {
	s.cart.Items = nil
	return nil
}
