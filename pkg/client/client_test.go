package client

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	jwt "github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

func TestRemoveCartItemRefetchesCart(t *testing.T) {
	businessID, kept, removed := uuid.New(), uuid.New(), uuid.New()
	sess := Session{AccessToken: testToken(t, uuid.New()), BusinessID: businessID}

	var (
		mu    sync.Mutex
		calls []string
		gone  bool
	)
	mux := http.NewServeMux()
	mux.HandleFunc("DELETE /cart/items/{id}", func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		defer mu.Unlock()
		calls = append(calls, "DELETE "+r.PathValue("id"))
		if r.Header.Get("Business-Id") != businessID.String() {
			t.Errorf("missing business header, got %q", r.Header.Get("Business-Id"))
		}
		gone = true
		writeTestJSON(w, http.StatusOK, map[string]any{"items": []any{}})
	})
	mux.HandleFunc("GET /cart", func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		defer mu.Unlock()
		calls = append(calls, "GET")
		if r.Header.Get("Authorization") != "Bearer "+sess.AccessToken {
			t.Errorf("missing bearer token")
		}
		items := []map[string]any{{"id": kept, "title": "Course", "price_at_time": "5000", "quantity": 2}}
		if !gone {
			items = append(items, map[string]any{"id": removed, "title": "Ticket", "price_at_time": "1500", "quantity": 1})
		}
		writeTestJSON(w, http.StatusOK, map[string]any{"items": items, "total": "10000", "total_display": "₦10,000.00", "item_count": 2})
	})
	server := httptest.NewServer(mux)
	defer server.Close()

	c := New(Config{BaseURL: server.URL})
	cart, err := c.RemoveCartItem(context.Background(), sess, removed)
	if err != nil {
		t.Fatalf("remove cart item: %v", err)
	}

	if len(calls) != 2 || calls[0] != "DELETE "+removed.String() || calls[1] != "GET" {
		t.Fatalf("unexpected call sequence %v", calls)
	}
	if cart.Has(removed) {
		t.Fatalf("removed item %s is still in the cart", removed)
	}
	if !cart.ComputedTotal().Equal(decimal.NewFromInt(10000)) {
		t.Fatalf("unexpected total %s", cart.ComputedTotal())
	}
	if got := cart.Display(); got != "₦10,000.00" {
		t.Fatalf("unexpected display %q", got)
	}
}

func TestServerErrorsAreAPIErrors(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		writeTestJSON(w, http.StatusUnprocessableEntity, map[string]any{
			"code":    "NOT_AVAILABLE",
			"message": "not enough tickets left",
		})
	}))

	sess := Session{AccessToken: testToken(t, uuid.New()), BusinessID: uuid.New()}
	c := New(Config{BaseURL: server.URL})

	_, err := c.AddCartItem(context.Background(), sess, AddCartItem{ProductID: uuid.New(), Quantity: 3})
	apiErr, ok := AsAPIError(err)
	if !ok {
		t.Fatalf("expected api error, got %v", err)
	}
	if apiErr.StatusCode != http.StatusUnprocessableEntity || apiErr.Code != "NOT_AVAILABLE" || apiErr.Message != "not enough tickets left" {
		t.Fatalf("unexpected api error %+v", apiErr)
	}

	server.Close()
	_, err = c.FetchCart(context.Background(), sess)
	if err == nil {
		t.Fatalf("expected transport error against a closed server")
	}
	if _, ok := AsAPIError(err); ok {
		t.Fatalf("transport failure must not look like a server error: %v", err)
	}
}

func TestCallsWithoutSessionFailLocally(t *testing.T) {
	c := New(Config{BaseURL: "http://127.0.0.1:1"})
	if _, err := c.FetchCart(context.Background(), Session{}); !errors.Is(err, ErrNoSession) {
		t.Fatalf("expected ErrNoSession, got %v", err)
	}
}

func TestCreateCouponValidatesBeforeDispatch(t *testing.T) {
	var hits int
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		hits++
		w.WriteHeader(http.StatusCreated)
	}))
	defer server.Close()

	c := New(Config{BaseURL: server.URL})
	_, err := c.CreateCoupon(context.Background(), Session{AccessToken: "token", BusinessID: uuid.New()}, CouponForm{})

	var verr *ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("expected validation error, got %v", err)
	}
	for _, field := range []string{"code", "type", "value", "start_date", "end_date", "usage_limit", "user_limit", "min_purchase"} {
		if _, ok := verr.Fields[field]; !ok {
			t.Fatalf("expected %s to be reported, got %v", field, verr.Fields)
		}
	}
	if hits != 0 {
		t.Fatalf("invalid form reached the server %d times", hits)
	}
}

func TestCreateCouponPostsValidForm(t *testing.T) {
	var got map[string]any
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/coupon-management" {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		_ = json.NewDecoder(r.Body).Decode(&got)
		writeTestJSON(w, http.StatusCreated, map[string]any{"code": "SAVE10", "type": "percentage", "value": "10"})
	}))
	defer server.Close()

	start := time.Date(2026, 11, 1, 0, 0, 0, 0, time.UTC)
	minPurchase := decimal.NewFromInt(2000)
	form := CouponForm{
		Code:        "save10",
		Type:        "percentage",
		Value:       decimal.NewFromInt(10),
		StartDate:   start,
		EndDate:     start.AddDate(0, 1, 0),
		UsageLimit:  50,
		UserLimit:   1,
		MinPurchase: &minPurchase,
	}

	c := New(Config{BaseURL: server.URL})
	coupon, err := c.CreateCoupon(context.Background(), Session{AccessToken: "token", BusinessID: uuid.New()}, form)
	if err != nil {
		t.Fatalf("create coupon: %v", err)
	}
	if coupon.Code != "SAVE10" {
		t.Fatalf("unexpected coupon %+v", coupon)
	}
	if got["code"] != "save10" || got["usage_limit"] != float64(50) {
		t.Fatalf("unexpected payload %v", got)
	}
}

func TestCouponFormCrossFieldRules(t *testing.T) {
	start := time.Date(2026, 11, 1, 0, 0, 0, 0, time.UTC)
	minPurchase := decimal.Zero
	form := CouponForm{
		Code:        "HALFOFF",
		Type:        "percentage",
		Value:       decimal.NewFromInt(150),
		StartDate:   start,
		EndDate:     start.AddDate(0, 1, 0),
		UsageLimit:  5,
		UserLimit:   6,
		MinPurchase: &minPurchase,
	}

	var verr *ValidationError
	if err := form.Validate(); !errors.As(err, &verr) {
		t.Fatalf("expected validation error, got %v", err)
	}
	if verr.Fields["value"] == "" || verr.Fields["user_limit"] == "" {
		t.Fatalf("expected value and user_limit to be reported, got %v", verr.Fields)
	}

	form.Type = "flat"
	form.UserLimit = 5
	if err := form.Validate(); err != nil {
		t.Fatalf("a flat coupon may exceed 100, got %v", err)
	}
}

func TestTicketFormMultiDayAndTierRules(t *testing.T) {
	form := TicketForm{
		Title:         "Launch weekend",
		EventLocation: "Lagos",
		EventType:     "physical",
		StartDate:     time.Date(2026, 12, 5, 18, 0, 0, 0, time.UTC),
		Tiers: []TicketTierForm{
			{Name: "Regular", Price: decimal.NewFromInt(5000), Quantity: 100},
			{Name: " regular ", Price: decimal.NewFromInt(7000), Quantity: 10},
		},
	}

	var verr *ValidationError
	if err := form.Validate(); !errors.As(err, &verr) {
		t.Fatalf("expected validation error, got %v", err)
	}
	if verr.Fields["end_date"] == "" || verr.Fields["tiers"] == "" {
		t.Fatalf("expected end_date and tiers to be reported, got %v", verr.Fields)
	}

	end := form.StartDate.AddDate(0, 0, 1)
	form.EndDate = &end
	form.Tiers[1].Name = "VIP"
	if err := form.Validate(); err != nil {
		t.Fatalf("valid multi-day ticket rejected: %v", err)
	}

	before := form.StartDate.AddDate(0, 0, -1)
	form.EndDate = &before
	if err := form.Validate(); !errors.As(err, &verr) || verr.Fields["end_date"] == "" {
		t.Fatalf("end before start must be reported, got %v", err)
	}
}

func TestCreateTicketWithoutLocationNeverDispatches(t *testing.T) {
	var hits int
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		hits++
		w.WriteHeader(http.StatusCreated)
	}))
	defer server.Close()

	form := TicketForm{
		Title:     "Launch night",
		EventType: "physical",
		Tiers:     []TicketTierForm{{Name: "Regular", Price: decimal.NewFromInt(5000), Quantity: 100}},
	}
	form.SetStartDate(time.Date(2026, 12, 5, 18, 0, 0, 0, time.UTC))
	form.SetOneDay(true)

	c := New(Config{BaseURL: server.URL})
	_, err := c.CreateTicket(context.Background(), Session{AccessToken: "token", BusinessID: uuid.New()}, form)

	var verr *ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("expected validation error, got %v", err)
	}
	if _, ok := verr.Fields["event_location"]; !ok {
		t.Fatalf("expected event_location to be reported, got %v", verr.Fields)
	}
	if hits != 0 {
		t.Fatalf("invalid ticket reached the server %d times", hits)
	}
}

func TestTicketFormOneDayTracksStartDate(t *testing.T) {
	var form TicketForm
	form.SetOneDay(true)

	start := time.Date(2026, 12, 5, 18, 0, 0, 0, time.UTC)
	form.SetStartDate(start)
	if form.EndDate == nil || !form.EndDate.Equal(start) {
		t.Fatalf("one-day event must end on its start date, got %v", form.EndDate)
	}

	moved := start.AddDate(0, 0, 2)
	form.SetStartDate(moved)
	if !form.EndDate.Equal(moved) {
		t.Fatalf("end date did not follow start date, got %v", form.EndDate)
	}

	form.SetOneDay(false)
	form.SetStartDate(moved.AddDate(0, 0, 1))
	if !form.EndDate.Equal(moved) {
		t.Fatalf("multi-day event end date must stay put, got %v", form.EndDate)
	}
}

func TestRefreshKeepsBusiness(t *testing.T) {
	businessID := uuid.New()
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]string
		_ = json.NewDecoder(r.Body).Decode(&body)
		if r.URL.Path != "/auth/refresh" || body["refresh_token"] != "refresh-1" {
			t.Errorf("unexpected refresh request %s %v", r.URL.Path, body)
		}
		writeTestJSON(w, http.StatusOK, map[string]any{"access_token": "access-2", "refresh_token": "refresh-2", "expires_in_sec": 900})
	}))
	defer server.Close()

	c := New(Config{BaseURL: server.URL})
	sess, err := c.Refresh(context.Background(), Session{AccessToken: "access-1", RefreshToken: "refresh-1", BusinessID: businessID})
	if err != nil {
		t.Fatalf("refresh: %v", err)
	}
	if sess.AccessToken != "access-2" || sess.RefreshToken != "refresh-2" || sess.BusinessID != businessID {
		t.Fatalf("unexpected session %+v", sess)
	}
}

func TestListNotificationsSendsBracketPagination(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		if q.Get("pagination[page]") != "2" || q.Get("pagination[limit]") != "5" {
			t.Errorf("unexpected query %s", r.URL.RawQuery)
		}
		writeTestJSON(w, http.StatusOK, map[string]any{
			"data": []map[string]any{{"id": uuid.New(), "title": "Sale", "body": "20% off"}},
			"meta": map[string]any{"page": 2, "limit": 5, "total": 6, "total_pages": 2},
		})
	}))
	defer server.Close()

	c := New(Config{BaseURL: server.URL})
	page, err := c.ListNotifications(context.Background(), Session{AccessToken: "token"}, 2, 5)
	if err != nil {
		t.Fatalf("list notifications: %v", err)
	}
	if len(page.Data) != 1 || page.Data[0].Title != "Sale" || page.Data[0].Read() {
		t.Fatalf("unexpected page %+v", page)
	}
	if page.Meta.TotalPages != 2 || page.Meta.Total != 6 {
		t.Fatalf("unexpected meta %+v", page.Meta)
	}
}

func TestCheckoutAlwaysSendsIdempotencyKey(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body CheckoutRequest
		_ = json.NewDecoder(r.Body).Decode(&body)
		if body.IdempotencyKey == "" {
			t.Errorf("checkout without idempotency key")
		}
		writeTestJSON(w, http.StatusCreated, map[string]any{"reference": "PAY-20261018-ABCDEFGH", "status": PaymentPending, "amount": "10000"})
	}))
	defer server.Close()

	c := New(Config{BaseURL: server.URL})
	payment, err := c.Checkout(context.Background(), Session{AccessToken: "token", BusinessID: uuid.New()}, CheckoutRequest{Email: "buyer@example.com"})
	if err != nil {
		t.Fatalf("checkout: %v", err)
	}
	if payment.Status != PaymentPending || !payment.Amount.Equal(decimal.NewFromInt(10000)) {
		t.Fatalf("unexpected payment %+v", payment)
	}
}

func TestSessionUserIDReadsTokenSubject(t *testing.T) {
	userID := uuid.New()
	sess := Session{AccessToken: testToken(t, userID)}

	got, err := sess.UserID()
	if err != nil {
		t.Fatalf("user id: %v", err)
	}
	if got != userID {
		t.Fatalf("unexpected user id: got %s want %s", got, userID)
	}

	if _, err := (Session{}).UserID(); !errors.Is(err, ErrNoSession) {
		t.Fatalf("expected ErrNoSession, got %v", err)
	}
}

func TestSubmissionStates(t *testing.T) {
	var s Submission
	if state, _ := s.State(); state != SubmitIdle {
		t.Fatalf("zero submission should be idle, got %s", state)
	}

	release := make(chan struct{})
	started := make(chan struct{})
	go func() {
		_ = s.Submit(context.Background(), func(context.Context) error {
			close(started)
			<-release
			return nil
		})
	}()
	<-started

	if state, _ := s.State(); state != SubmitSubmitting {
		t.Fatalf("expected submitting, got %s", state)
	}
	if err := s.Submit(context.Background(), func(context.Context) error { return nil }); !errors.Is(err, ErrSubmitting) {
		t.Fatalf("expected ErrSubmitting for a double submit, got %v", err)
	}
	close(release)

	deadline := time.Now().Add(2 * time.Second)
	for {
		if state, _ := s.State(); state == SubmitSuccess {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("submission never reached success")
		}
		time.Sleep(5 * time.Millisecond)
	}

	boom := errors.New("boom")
	if err := s.Submit(context.Background(), func(context.Context) error { return boom }); !errors.Is(err, boom) {
		t.Fatalf("expected submit error, got %v", err)
	}
	if state, err := s.State(); state != SubmitError || !errors.Is(err, boom) {
		t.Fatalf("expected error state, got %s %v", state, err)
	}
}

func testToken(t *testing.T, userID uuid.UUID) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Subject:   userID.String(),
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	})
	signed, err := token.SignedString([]byte("test-secret"))
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return signed
}

func writeTestJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
