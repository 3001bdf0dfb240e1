// File: internal/bus/bus.go
//
// Package bus is the cross-context signalling channel between the main page
// workflow and the captcha iframe solver. Browser contexts cannot share
// memory across origins, so every coordination step travels as an explicit
// typed message rather than a speculative direct property read.
package bus

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	jsoniter "github.com/json-iterator/go"
	"go.uber.org/zap"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Type discriminates message kinds on the wire.
type Type string

const (
	TypeCredentialsReady   Type = "credentials_ready"
	TypeCredentialsRequest Type = "credentials_request"
	TypeCaptchaSolved      Type = "captcha_solved"
	TypeReloadRequired     Type = "reload_required"
)

// Message is the tagged union exchanged between contexts. ID correlates a
// reply to its request via InReplyTo.
type Message struct {
	ID        string            `json:"id"`
	InReplyTo string            `json:"in_reply_to,omitempty"`
	Type      Type              `json:"type"`
	Origin    string            `json:"origin"`
	Payload   map[string]string `json:"payload,omitempty"`
	SentAt    time.Time         `json:"sent_at"`
}

// Encode serializes a message to its wire form.
func (m Message) Encode() ([]byte, error) {
	return json.Marshal(m)
}

// Decode parses a wire-form message and validates its shape. Receivers must
// not trust a payload whose type or origin is missing.
func Decode(data []byte) (Message, error) {
	var m Message
	if err := json.Unmarshal(data, &m); err != nil {
		return Message{}, fmt.Errorf("malformed bus message: %w", err)
	}
	if m.Type == "" {
		return Message{}, fmt.Errorf("bus message missing type discriminator")
	}
	if m.Origin == "" {
		return Message{}, fmt.Errorf("bus message missing origin")
	}
	return m, nil
}

type subscriber struct {
	ch    chan Message
	types map[Type]bool
}

func (s *subscriber) wants(t Type) bool {
	return len(s.types) == 0 || s.types[t]
}

// Bus fans published messages out to all interested subscribers.
type Bus struct {
	mu     sync.RWMutex
	subs   map[int]*subscriber
	nextID int
	log    *zap.Logger
}

// New creates an empty bus.
func New(logger *zap.Logger) *Bus {
	return &Bus{
		subs: make(map[int]*subscriber),
		log:  logger.Named("bus"),
	}
}

// Subscribe registers interest in the given message types (all types when
// none are listed). The returned cancel function must be called to release
// the subscription.
func (b *Bus) Subscribe(types ...Type) (<-chan Message, func()) {
	sub := &subscriber{
		ch:    make(chan Message, 16),
		types: make(map[Type]bool, len(types)),
	}
	for _, t := range types {
		sub.types[t] = true
	}

	b.mu.Lock()
	id := b.nextID
	b.nextID++
	b.subs[id] = sub
	b.mu.Unlock()

	cancel := func() {
		b.mu.Lock()
		if _, ok := b.subs[id]; ok {
			delete(b.subs, id)
			close(sub.ch)
		}
		b.mu.Unlock()
	}
	return sub.ch, cancel
}

// Publish stamps the message with an ID and timestamp and delivers it to every
// matching subscriber. Delivery never blocks the publisher; a subscriber that
// has fallen behind loses the message.
func (b *Bus) Publish(msg Message) Message {
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	if msg.SentAt.IsZero() {
		msg.SentAt = time.Now()
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, sub := range b.subs {
		if !sub.wants(msg.Type) {
			continue
		}
		select {
		case sub.ch <- msg:
		default:
			b.log.Warn("Dropping bus message for slow subscriber",
				zap.String("type", string(msg.Type)))
		}
	}
	return msg
}

// Request publishes msg and waits for a reply whose InReplyTo matches the
// message ID, or until the context expires.
func (b *Bus) Request(ctx context.Context, msg Message) (Message, error) {
	replies, cancel := b.Subscribe()
	defer cancel()

	sent := b.Publish(msg)
	for {
		select {
		case <-ctx.Done():
			return Message{}, ctx.Err()
		case reply, ok := <-replies:
			if !ok {
				return Message{}, fmt.Errorf("bus subscription closed")
			}
			if reply.InReplyTo == sent.ID {
				return reply, nil
			}
		}
	}
}
