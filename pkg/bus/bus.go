package bus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
)

// Envelope is a chat message as it travels between services. Properties is a
// flat string map; structured attachment state is JSON-encoded into it.
type Envelope struct {
	ID             uuid.UUID         `json:"id"`
	ConversationID string            `json:"conversation_id"`
	Sender         string            `json:"sender"`
	Text           string            `json:"text,omitempty"`
	Properties     map[string]string `json:"properties,omitempty"`
	SentAt         time.Time         `json:"sent_at"`
}

// Handler processes one delivered envelope. Returning an error requests redelivery.
type Handler func(ctx context.Context, env Envelope) error

// Bus wraps a NATS JetStream connection for publishing and consuming envelopes.
type Bus struct {
	conn *nats.Conn
	js   nats.JetStreamContext
}

// New creates a Bus connected to the provided NATS endpoint.
func New(url string, opts ...nats.Option) (*Bus, error) {
	nc, err := nats.Connect(url, opts...)
	if err != nil {
		return nil, err
	}

	js, err := nc.JetStream()
	if err != nil {
		nc.Close()
		return nil, err
	}

	return &Bus{conn: nc, js: js}, nil
}

// EnsureStream creates the named stream over subjects unless it already exists.
func (b *Bus) EnsureStream(name string, subjects ...string) error {
	if b == nil {
		return errors.New("nil bus")
	}
	if _, err := b.js.StreamInfo(name); err == nil {
		return nil
	} else if !errors.Is(err, nats.ErrStreamNotFound) {
		return fmt.Errorf("stream info %s: %w", name, err)
	}
	_, err := b.js.AddStream(&nats.StreamConfig{
		Name:     name,
		Subjects: subjects,
		Storage:  nats.FileStorage,
	})
	if err != nil {
		return fmt.Errorf("add stream %s: %w", name, err)
	}
	return nil
}

// Close shuts down the underlying NATS connection.
func (b *Bus) Close() {
	if b == nil {
		return
	}
	if err := b.conn.Drain(); err != nil {
		b.conn.Close()
	}
}

// Publish encodes env as JSON and publishes it to subj. Repeated publishes of
// the same envelope to the same subject are dropped by JetStream; the same
// envelope may still move on to other subjects of the stream.
func (b *Bus) Publish(ctx context.Context, subj string, env Envelope) error {
	if b == nil {
		return errors.New("nil bus")
	}

	msg, err := encodeMsg(subj, env)
	if err != nil {
		return err
	}

	_, err = b.js.PublishMsg(msg, nats.Context(ctx))
	return err
}

func encodeMsg(subj string, env Envelope) (*nats.Msg, error) {
	if env.ID == uuid.Nil {
		env.ID = uuid.New()
	}
	if env.SentAt.IsZero() {
		env.SentAt = time.Now().UTC()
	}
	data, err := json.Marshal(env)
	if err != nil {
		return nil, err
	}
	msg := nats.NewMsg(subj)
	msg.Data = data
	msg.Header.Set(nats.MsgIdHdr, MsgID(subj, env.ID))
	return msg, nil
}

// MsgID is the JetStream dedupe id for env id published on subj. Dedupe is
// per stream, so the subject is part of the id.
func MsgID(subj string, id uuid.UUID) string {
	return subj + "/" + id.String()
}

type subscription struct {
	sub    *nats.Subscription
	mu     sync.Mutex
	closed bool
}

func (s *subscription) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.sub.Drain()
}

type ackAction int

const (
	ack ackAction = iota
	nak
	term
)

// dispatch decodes data and runs fn. Payloads that are not envelopes are
// terminated rather than redelivered.
func dispatch(ctx context.Context, data []byte, fn Handler) ackAction {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return term
	}
	if err := fn(ctx, env); err != nil {
		return nak
	}
	return ack
}

// Subscribe creates a durable consumer on subj and invokes fn for each envelope.
func (b *Bus) Subscribe(ctx context.Context, subj, durable string, fn Handler) (io.Closer, error) {
	if b == nil {
		return nil, errors.New("nil bus")
	}
	if fn == nil {
		return nil, errors.New("nil handler")
	}

	handler := func(msg *nats.Msg) {
		handlerCtx, cancel := context.WithCancel(ctx)
		defer cancel()

		switch dispatch(handlerCtx, msg.Data, fn) {
		case ack:
			_ = msg.Ack()
		case nak:
			_ = msg.Nak()
		case term:
			_ = msg.Term()
		}
	}

	sub, err := b.js.Subscribe(subj, handler, nats.Durable(durable), nats.ManualAck(), nats.AckExplicit())
	if err != nil {
		return nil, err
	}

	s := &subscription{sub: sub}

	go func() {
		<-ctx.Done()
		_ = s.Close()
	}()

	return s, nil
}
