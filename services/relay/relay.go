// Package relay attaches pending files to outbound chat envelopes and
// forwards them for delivery.
package relay

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"maps"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"

	"attachd/pkg/ams"
	"attachd/pkg/bus"
)

// PropertyPending carries a JSON array of attachment requests on an outbound envelope.
const PropertyPending = "pendingAttachments"

const (
	DefaultInboundSubject  = "attachd.messages.outbound"
	DefaultOutboundSubject = "attachd.messages.delivered"
	DefaultDurable         = "relay-outbound"
)

// Transport publishes and consumes envelopes. *bus.Bus satisfies it.
type Transport interface {
	Publish(ctx context.Context, subj string, env bus.Envelope) error
	Subscribe(ctx context.Context, subj, durable string, fn bus.Handler) (io.Closer, error)
}

// Options names the subjects the relay works between.
type Options struct {
	InboundSubject  string
	OutboundSubject string
	Durable         string
}

// Relay consumes outbound envelopes, uploads their pending attachments and
// republishes them with encoded references.
type Relay struct {
	manager   *ams.Manager
	transport Transport
	opts      Options
	logger    zerolog.Logger

	files     *prometheus.CounterVec
	envelopes *prometheus.CounterVec

	subMu sync.Mutex
	sub   io.Closer
}

// New constructs a Relay. A nil registerer uses the Prometheus default registry.
func New(manager *ams.Manager, transport Transport, opts Options, logger zerolog.Logger, reg prometheus.Registerer) (*Relay, error) {
	if manager == nil {
		return nil, errors.New("manager is required")
	}
	if transport == nil {
		return nil, errors.New("bus is required")
	}
	if opts.InboundSubject == "" {
		opts.InboundSubject = DefaultInboundSubject
	}
	if opts.OutboundSubject == "" {
		opts.OutboundSubject = DefaultOutboundSubject
	}
	if opts.Durable == "" {
		opts.Durable = DefaultDurable
	}
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	return &Relay{
		manager:   manager,
		transport: transport,
		opts:      opts,
		logger:    logger,
		files: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "attachd_relay_files_total",
			Help: "Pending attachments processed by the relay, by result.",
		}, []string{"result"}),
		envelopes: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "attachd_relay_envelopes_total",
			Help: "Envelopes forwarded by the relay, by outcome.",
		}, []string{"outcome"}),
	}, nil
}

// Start subscribes to the inbound subject until ctx is cancelled.
func (r *Relay) Start(ctx context.Context) error {
	if r == nil {
		return errors.New("nil relay")
	}

	sub, err := r.transport.Subscribe(ctx, r.opts.InboundSubject, r.opts.Durable, r.handle)
	if err != nil {
		return err
	}

	r.subMu.Lock()
	r.sub = sub
	r.subMu.Unlock()
	return nil
}

// Close stops the subscription if one was created.
func (r *Relay) Close() error {
	if r == nil {
		return nil
	}

	r.subMu.Lock()
	defer r.subMu.Unlock()

	if r.sub == nil {
		return nil
	}
	err := r.sub.Close()
	r.sub = nil
	return err
}

func (r *Relay) handle(ctx context.Context, env bus.Envelope) error {
	out := r.attach(ctx, env)
	if err := r.transport.Publish(ctx, r.opts.OutboundSubject, out); err != nil {
		r.envelopes.WithLabelValues("publish_failed").Inc()
		return err
	}
	r.envelopes.WithLabelValues("forwarded").Inc()
	return nil
}

// attach rewrites env so that pending attachments become encoded references.
// Envelopes without pending attachments pass through untouched.
func (r *Relay) attach(ctx context.Context, env bus.Envelope) bus.Envelope {
	raw, ok := env.Properties[PropertyPending]
	if !ok {
		return env
	}

	props := maps.Clone(env.Properties)
	delete(props, PropertyPending)
	env.Properties = props

	log := r.logger.With().
		Str("envelope_id", env.ID.String()).
		Str("conversation_id", env.ConversationID).
		Logger()

	var requests []ams.AttachmentRequest
	if err := json.Unmarshal([]byte(raw), &requests); err != nil {
		log.Warn().Err(err).Msg("malformed pending attachments; delivering without them")
		return env
	}

	refs := ams.Present(r.manager.UploadFiles(ctx, requests))
	r.files.WithLabelValues("attached").Add(float64(len(refs)))
	r.files.WithLabelValues("dropped").Add(float64(len(requests) - len(refs)))

	if len(refs) == 0 {
		log.Warn().Int("requested", len(requests)).Msg("no attachments uploaded")
		return env
	}

	bag, ok := r.manager.EncodeReferences(ctx, refs)
	if !ok {
		log.Warn().Int("uploaded", len(refs)).Msg("could not encode attachment references")
		return env
	}
	env.Properties = ams.Properties(props).Merge(bag)

	log.Info().
		Int("requested", len(requests)).
		Int("attached", len(refs)).
		Msg("attachments relayed")
	return env
}
