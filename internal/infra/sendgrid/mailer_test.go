package sendgrid

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestSendPostsV3Mail(t *testing.T) {
	var body map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != endpoint {
			t.Fatalf("unexpected path: %s", r.URL.Path)
		}
		if r.Header.Get("Authorization") != "Bearer SG.test" {
			t.Fatalf("unexpected auth header: %s", r.Header.Get("Authorization"))
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Fatalf("decode body: %v", err)
		}
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	mailer := NewMailer("SG.test", "Doexcess", "no-reply@doexcess.com")
	mailer.host = srv.URL

	err := mailer.Send(context.Background(), Message{
		ToName:  "Ada",
		ToEmail: "ada@example.com",
		Subject: "Payment received",
		Text:    "Thanks",
	})
	if err != nil {
		t.Fatalf("send: %v", err)
	}

	personalizations, _ := body["personalizations"].([]any)
	if len(personalizations) != 1 {
		t.Fatalf("expected one personalization, got %v", body["personalizations"])
	}
	first, _ := personalizations[0].(map[string]any)
	if first["subject"] != "[Doexcess] Payment received" {
		t.Fatalf("unexpected subject: %v", first["subject"])
	}
}

func TestSendFailsOnErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	mailer := NewMailer("SG.bad", "Doexcess", "no-reply@doexcess.com")
	mailer.host = srv.URL

	if err := mailer.Send(context.Background(), Message{ToEmail: "ada@example.com", Subject: "x"}); err == nil {
		t.Fatalf("expected error on 401")
	}
}

func TestSendRequiresKey(t *testing.T) {
	mailer := NewMailer("", "Doexcess", "no-reply@doexcess.com")
	if mailer.Enabled() {
		t.Fatalf("mailer without key must be disabled")
	}
	if err := mailer.Send(context.Background(), Message{ToEmail: "ada@example.com"}); err == nil {
		t.Fatalf("expected error without key")
	}
}
