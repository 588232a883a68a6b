package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	goredis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const (
	chatFanoutChannel   = "chat:fanout"
	relayPublishTimeout = 2 * time.Second
)

// LocalEmitter delivers frames to the sockets open on this node.
type LocalEmitter interface {
	Emit(userID uuid.UUID, event string, data any)
	Broadcast(event string, data any)
}

type relayEnvelope struct {
	Node   string          `json:"node"`
	UserID *uuid.UUID      `json:"user_id,omitempty"`
	Event  string          `json:"event"`
	Data   json.RawMessage `json:"data,omitempty"`
}

// ChatRelay lets several API nodes share the chat. Frames go to local sockets directly and are
// published for the other nodes, which skip envelopes they sent themselves.
type ChatRelay struct {
	client *goredis.Client
	local  LocalEmitter
	node   string
	log    *zap.Logger
	ready  chan struct{}
}

func NewChatRelay(client *goredis.Client, local LocalEmitter, log *zap.Logger) *ChatRelay {
	if log == nil {
		log = zap.NewNop()
	}
	return &ChatRelay{
		client: client,
		local:  local,
		node:   uuid.NewString(),
		log:    log,
		ready:  make(chan struct{}),
	}
}

func (r *ChatRelay) Emit(userID uuid.UUID, event string, data any) {
	r.local.Emit(userID, event, data)
	r.publish(relayEnvelope{UserID: &userID, Event: event}, data)
}

func (r *ChatRelay) Broadcast(event string, data any) {
	r.local.Broadcast(event, data)
	r.publish(relayEnvelope{Event: event}, data)
}

// Ready is closed once Run holds the subscription.
func (r *ChatRelay) Ready() <-chan struct{} { return r.ready }

// Run delivers frames published by other nodes until ctx is done.
func (r *ChatRelay) Run(ctx context.Context) error {
	if r.client == nil {
		return errNilClient
	}

	sub := r.client.Subscribe(ctx, chatFanoutChannel)
	defer sub.Close()
	if _, err := sub.Receive(ctx); err != nil {
		return fmt.Errorf("subscribe %s: %w", chatFanoutChannel, err)
	}
	close(r.ready)

	messages := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-messages:
			if !ok {
				return nil
			}
			r.deliver(msg.Payload)
		}
	}
}

func (r *ChatRelay) publish(env relayEnvelope, data any) {
	if r.client == nil {
		return
	}
	if data != nil {
		raw, err := json.Marshal(data)
		if err != nil {
			r.log.Error("encode relayed chat frame", zap.String("event", env.Event), zap.Error(err))
			return
		}
		env.Data = raw
	}
	env.Node = r.node

	payload, err := json.Marshal(env)
	if err != nil {
		r.log.Error("encode chat relay envelope", zap.String("event", env.Event), zap.Error(err))
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), relayPublishTimeout)
	defer cancel()
	if err := r.client.Publish(ctx, chatFanoutChannel, payload).Err(); err != nil {
		r.log.Warn("publish chat frame", zap.String("event", env.Event), zap.Error(err))
	}
}

func (r *ChatRelay) deliver(payload string) {
	var env relayEnvelope
	if err := json.Unmarshal([]byte(payload), &env); err != nil {
		r.log.Warn("drop malformed chat relay envelope", zap.Error(err))
		return
	}
	if env.Node == r.node {
		return
	}

	var data any
	if len(env.Data) > 0 {
		data = env.Data
	}
	if env.UserID != nil {
		r.local.Emit(*env.UserID, env.Event, data)
		return
	}
	r.local.Broadcast(env.Event, data)
}
