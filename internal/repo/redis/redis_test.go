package redis

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	goredis "github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"

	"github.com/doexcess/business-api/internal/domain/model"
	authsvc "github.com/doexcess/business-api/internal/services/auth"
)

func newTestClient(t *testing.T) (*miniredis.Miniredis, *goredis.Client) {
	t.Helper()

	mini, err := miniredis.Run()
	if err != nil {
		t.Fatalf("start miniredis: %v", err)
	}
	client := goredis.NewClient(&goredis.Options{Addr: mini.Addr()})
	t.Cleanup(func() {
		_ = client.Close()
		mini.Close()
	})
	return mini, client
}

func TestSessionRepoDeleteAllForUser(t *testing.T) {
	_, client := newTestClient(t)
	repo := NewSessionRepo(client)
	ctx := context.Background()
	userID := uuid.New()
	expires := time.Now().Add(time.Hour)

	for _, sid := range []string{"sid-a", "sid-b"} {
		err := repo.Create(ctx, authsvc.SessionRecord{SID: sid, UserID: userID, Role: "user", ExpiresAt: expires}, "refresh-"+sid)
		if err != nil {
			t.Fatalf("create session %s: %v", sid, err)
		}
	}

	got, err := repo.GetByRefreshToken(ctx, "refresh-sid-a")
	if err != nil {
		t.Fatalf("get by refresh: %v", err)
	}
	if got.UserID != userID || got.SID != "sid-a" {
		t.Fatalf("unexpected session: %+v", got)
	}

	if err := repo.DeleteAllForUser(ctx, userID); err != nil {
		t.Fatalf("delete all: %v", err)
	}
	for _, sid := range []string{"sid-a", "sid-b"} {
		if _, err := repo.GetSession(ctx, sid); !errors.Is(err, authsvc.ErrSessionNotFound) {
			t.Fatalf("session %s should be gone, got %v", sid, err)
		}
		if _, err := repo.GetByRefreshToken(ctx, "refresh-"+sid); !errors.Is(err, authsvc.ErrRefreshNotFound) {
			t.Fatalf("refresh for %s should be gone, got %v", sid, err)
		}
	}
}

func TestSessionRepoRejectsNilUser(t *testing.T) {
	_, client := newTestClient(t)
	repo := NewSessionRepo(client)

	err := repo.Create(context.Background(), authsvc.SessionRecord{SID: "sid", ExpiresAt: time.Now().Add(time.Hour)}, "refresh")
	if !errors.Is(err, authsvc.ErrInvalidInput) {
		t.Fatalf("expected invalid input, got %v", err)
	}
}

func TestRateRepoWindowExpires(t *testing.T) {
	mini, client := newTestClient(t)
	repo := NewRateRepo(client)
	ctx := context.Background()

	for i := 1; i <= 3; i++ {
		count, ttl, err := repo.IncrementWindow(ctx, "rl:login:a@b.c", time.Minute)
		if err != nil {
			t.Fatalf("increment: %v", err)
		}
		if count != int64(i) {
			t.Fatalf("unexpected count %d at step %d", count, i)
		}
		if ttl <= 0 || ttl > time.Minute {
			t.Fatalf("unexpected ttl %s", ttl)
		}
	}

	mini.FastForward(61 * time.Second)

	count, _, err := repo.WindowState(ctx, "rl:login:a@b.c")
	if err != nil {
		t.Fatalf("window state: %v", err)
	}
	if count != 0 {
		t.Fatalf("window should have expired, count=%d", count)
	}
}

func TestRateRepoReset(t *testing.T) {
	_, client := newTestClient(t)
	repo := NewRateRepo(client)
	ctx := context.Background()

	if _, _, err := repo.IncrementWindow(ctx, "rl:k", time.Minute); err != nil {
		t.Fatalf("increment: %v", err)
	}
	if err := repo.Reset(ctx, "rl:k"); err != nil {
		t.Fatalf("reset: %v", err)
	}
	count, _, err := repo.WindowState(ctx, "rl:k")
	if err != nil || count != 0 {
		t.Fatalf("expected empty window, count=%d err=%v", count, err)
	}
}

func TestCartCacheRoundTripAndInvalidate(t *testing.T) {
	_, client := newTestClient(t)
	cache := NewCartCache(client, time.Minute)
	ctx := context.Background()

	cart := model.Cart{
		ID:         uuid.New(),
		BusinessID: uuid.New(),
		UserID:     uuid.New(),
		Items: []model.CartItem{{
			ID:          uuid.New(),
			ProductID:   uuid.New(),
			Title:       "Go course",
			PriceAtTime: decimal.NewFromInt(5000),
			Quantity:    2,
		}},
	}

	if _, ok, err := cache.Get(ctx, cart.BusinessID, cart.UserID); err != nil || ok {
		t.Fatalf("expected miss, ok=%v err=%v", ok, err)
	}
	if err := cache.Set(ctx, cart); err != nil {
		t.Fatalf("set: %v", err)
	}

	got, ok, err := cache.Get(ctx, cart.BusinessID, cart.UserID)
	if err != nil || !ok {
		t.Fatalf("expected hit, ok=%v err=%v", ok, err)
	}
	if !got.Total().Equal(decimal.NewFromInt(10000)) {
		t.Fatalf("unexpected cached total: %s", got.Total())
	}

	if err := cache.Invalidate(ctx, cart.BusinessID, cart.UserID); err != nil {
		t.Fatalf("invalidate: %v", err)
	}
	if _, ok, _ := cache.Get(ctx, cart.BusinessID, cart.UserID); ok {
		t.Fatalf("cart should be gone after invalidate")
	}
}

func TestCartCacheTreatsGarbageAsMiss(t *testing.T) {
	mini, client := newTestClient(t)
	cache := NewCartCache(client, time.Minute)
	businessID, userID := uuid.New(), uuid.New()

	if err := mini.Set(cartKey(businessID, userID), "{not json"); err != nil {
		t.Fatalf("seed: %v", err)
	}
	if _, ok, err := cache.Get(context.Background(), businessID, userID); ok || err != nil {
		t.Fatalf("expected miss, ok=%v err=%v", ok, err)
	}
}

func TestPresenceFirstAndLastConnection(t *testing.T) {
	_, client := newTestClient(t)
	repo := NewPresenceRepo(client)
	ctx := context.Background()
	userID := uuid.New()

	first, err := repo.Connect(ctx, userID)
	if err != nil || !first {
		t.Fatalf("first connect should report first, got %v err=%v", first, err)
	}
	second, err := repo.Connect(ctx, userID)
	if err != nil || second {
		t.Fatalf("second connect should not report first, got %v err=%v", second, err)
	}

	last, err := repo.Disconnect(ctx, userID)
	if err != nil || last {
		t.Fatalf("closing one of two tabs should keep user online, got %v err=%v", last, err)
	}
	online, err := repo.IsOnline(ctx, userID)
	if err != nil || !online {
		t.Fatalf("user should still be online, got %v err=%v", online, err)
	}

	last, err = repo.Disconnect(ctx, userID)
	if err != nil || !last {
		t.Fatalf("final disconnect should report last, got %v err=%v", last, err)
	}
	users, err := repo.Online(ctx)
	if err != nil {
		t.Fatalf("online: %v", err)
	}
	if len(users) != 0 {
		t.Fatalf("expected nobody online, got %v", users)
	}
}

func TestLinkTokenSingleUse(t *testing.T) {
	mini, client := newTestClient(t)
	repo := NewLinkTokenRepo(client)
	ctx := context.Background()
	userID := uuid.New()

	if err := repo.Save(ctx, "tok", userID, time.Minute); err != nil {
		t.Fatalf("save: %v", err)
	}
	got, err := repo.Consume(ctx, "tok")
	if err != nil || got != userID {
		t.Fatalf("consume: got %s err=%v", got, err)
	}
	if _, err := repo.Consume(ctx, "tok"); !errors.Is(err, authsvc.ErrLinkTokenNotFound) {
		t.Fatalf("second consume should fail, got %v", err)
	}

	if err := repo.Save(ctx, "late", userID, time.Minute); err != nil {
		t.Fatalf("save: %v", err)
	}
	mini.FastForward(2 * time.Minute)
	if _, err := repo.Consume(ctx, "late"); !errors.Is(err, authsvc.ErrLinkTokenNotFound) {
		t.Fatalf("expired token should fail, got %v", err)
	}
}

type recordedFrame struct {
	userID uuid.UUID
	event  string
	data   string
}

type localEmitterStub struct {
	mu     sync.Mutex
	frames []recordedFrame
	got    chan struct{}
}

func newLocalEmitterStub() *localEmitterStub {
	return &localEmitterStub{got: make(chan struct{}, 16)}
}

func (s *localEmitterStub) record(userID uuid.UUID, event string, data any) {
	raw, _ := json.Marshal(data)
	s.mu.Lock()
	s.frames = append(s.frames, recordedFrame{userID: userID, event: event, data: string(raw)})
	s.mu.Unlock()
	s.got <- struct{}{}
}

func (s *localEmitterStub) Emit(userID uuid.UUID, event string, data any) {
	s.record(userID, event, data)
}

func (s *localEmitterStub) Broadcast(event string, data any) { s.record(uuid.Nil, event, data) }

func (s *localEmitterStub) snapshot() []recordedFrame {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]recordedFrame(nil), s.frames...)
}

func (s *localEmitterStub) wait(t *testing.T) {
	t.Helper()
	select {
	case <-s.got:
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for a relayed frame")
	}
}

func TestChatRelayReachesOtherNodes(t *testing.T) {
	_, client := newTestClient(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	localA, localB := newLocalEmitterStub(), newLocalEmitterStub()
	nodeA := NewChatRelay(client, localA, nil)
	nodeB := NewChatRelay(client, localB, nil)
	go func() { _ = nodeB.Run(ctx) }()
	select {
	case <-nodeB.Ready():
	case <-time.After(5 * time.Second):
		t.Fatal("relay never subscribed")
	}

	userID := uuid.New()
	nodeA.Emit(userID, "messageSent:chat", map[string]string{"text": "hi"})
	localA.wait(t)
	localB.wait(t)

	got := localB.snapshot()
	if len(got) != 1 || got[0].userID != userID || got[0].event != "messageSent:chat" || got[0].data != `{"text":"hi"}` {
		t.Fatalf("unexpected relayed frames %+v", got)
	}

	nodeA.Broadcast("userOnline", nil)
	localA.wait(t)
	localB.wait(t)
	got = localB.snapshot()
	if last := got[len(got)-1]; last.userID != uuid.Nil || last.event != "userOnline" || last.data != "null" {
		t.Fatalf("unexpected broadcast %+v", last)
	}
}

func TestChatRelaySkipsOwnEnvelopes(t *testing.T) {
	local := newLocalEmitterStub()
	relay := NewChatRelay(nil, local, nil)
	userID := uuid.New()

	own, _ := json.Marshal(relayEnvelope{Node: relay.node, UserID: &userID, Event: "messageSent:chat"})
	relay.deliver(string(own))
	relay.deliver("not json")
	if frames := local.snapshot(); len(frames) != 0 {
		t.Fatalf("own envelope delivered twice: %+v", frames)
	}

	other, _ := json.Marshal(relayEnvelope{Node: "other", UserID: &userID, Event: "messageSent:chat", Data: json.RawMessage(`{"a":1}`)})
	relay.deliver(string(other))
	if frames := local.snapshot(); len(frames) != 1 || frames[0].data != `{"a":1}` {
		t.Fatalf("unexpected frames %+v", frames)
	}

	if err := relay.Run(context.Background()); !errors.Is(err, errNilClient) {
		t.Fatalf("expected nil client error, got %v", err)
	}
}
