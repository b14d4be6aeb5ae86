package relay

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
	"github.com/sethvargo/go-envconfig"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"attachd/pkg/ams"
	"attachd/pkg/bus"
	"attachd/pkg/bus/bustest"
)

type stubClient struct {
	mu      sync.Mutex
	next    int
	missing map[string]bool
}

func (s *stubClient) FetchBlob(_ context.Context, url string) ([]byte, error) {
	if s.missing[url] {
		return nil, errors.New("404")
	}
	return []byte("data:" + url), nil
}

func (s *stubClient) CreateObject(_ context.Context, _ string, obj ams.FileObject) (ams.ObjectHandle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.next++
	return ams.ObjectHandle{ID: obj.Name + "-id"}, nil
}

func (s *stubClient) UploadDocument(context.Context, string, ams.FileObject) error { return nil }

func (s *stubClient) GetViewStatus(context.Context, ams.ViewRef) (ams.ViewStatus, error) {
	return ams.ViewStatus{}, errors.New("not used")
}

func (s *stubClient) GetView(context.Context, ams.ViewRef, string) ([]byte, error) {
	return nil, errors.New("not used")
}

type fakeTransport struct {
	mu         sync.Mutex
	published  []bus.Envelope
	subjects   []string
	handler    bus.Handler
	publishErr error
	closed     bool
}

func (f *fakeTransport) Publish(_ context.Context, subj string, env bus.Envelope) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.publishErr != nil {
		return f.publishErr
	}
	f.subjects = append(f.subjects, subj)
	f.published = append(f.published, env)
	return nil
}

func (f *fakeTransport) Subscribe(_ context.Context, subj, durable string, fn bus.Handler) (io.Closer, error) {
	f.handler = fn
	return closerFunc(func() error { f.closed = true; return nil }), nil
}

type closerFunc func() error

func (c closerFunc) Close() error { return c() }

func newRelay(t *testing.T, client ams.Client) (*Relay, *fakeTransport) {
	t.Helper()
	manager, err := ams.NewManager(client, ams.WithSessionToken("relay"))
	require.NoError(t, err)
	transport := &fakeTransport{}
	r, err := New(manager, transport, Options{}, zerolog.Nop(), prometheus.NewRegistry())
	require.NoError(t, err)
	return r, transport
}

func pending(t *testing.T, reqs ...ams.AttachmentRequest) string {
	t.Helper()
	data, err := json.Marshal(reqs)
	require.NoError(t, err)
	return string(data)
}

func TestRelay_AttachesAndDropsFailed(t *testing.T) {
	client := &stubClient{missing: map[string]bool{"https://files/b": true}}
	r, transport := newRelay(t, client)
	require.NoError(t, r.Start(context.Background()))

	env := bus.Envelope{
		ID:             uuid.New(),
		ConversationID: "conv-1",
		Text:           "see attached",
		Properties: map[string]string{
			"priority": "high",
			PropertyPending: pending(t,
				ams.AttachmentRequest{Name: "a.txt", ContentType: "text/plain", ContentURL: "https://files/a"},
				ams.AttachmentRequest{Name: "b.txt", ContentType: "text/plain", ContentURL: "https://files/b"},
				ams.AttachmentRequest{Name: "c.txt", ContentType: "text/plain", ContentURL: "https://files/c"},
			),
		},
	}
	require.NoError(t, transport.handler(context.Background(), env))

	require.Len(t, transport.published, 1)
	assert.Equal(t, DefaultOutboundSubject, transport.subjects[0])
	out := transport.published[0]
	assert.Equal(t, env.ID, out.ID)
	assert.Equal(t, "see attached", out.Text)
	assert.Equal(t, "high", out.Properties["priority"])
	assert.NotContains(t, out.Properties, PropertyPending)
	assert.JSONEq(t, `["a.txt-id","c.txt-id"]`, out.Properties[ams.PropertyReferences])
	assert.JSONEq(t, `[{"contentType":"text/plain","fileName":"a.txt"},{"contentType":"text/plain","fileName":"c.txt"}]`, out.Properties[ams.PropertyMetadata])

	assert.Contains(t, env.Properties, PropertyPending, "input envelope must not be mutated")

	assert.Equal(t, 2.0, testutil.ToFloat64(r.files.WithLabelValues("attached")))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.files.WithLabelValues("dropped")))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.envelopes.WithLabelValues("forwarded")))

	require.NoError(t, r.Close())
	assert.True(t, transport.closed)
}

func TestRelay_PassThrough(t *testing.T) {
	r, transport := newRelay(t, &stubClient{})

	env := bus.Envelope{ID: uuid.New(), Text: "plain", Properties: map[string]string{"k": "v"}}
	require.NoError(t, r.handle(context.Background(), env))
	require.Len(t, transport.published, 1)
	assert.Equal(t, env, transport.published[0])
}

func TestRelay_MalformedPendingDegrades(t *testing.T) {
	r, transport := newRelay(t, &stubClient{})

	env := bus.Envelope{ID: uuid.New(), Properties: map[string]string{PropertyPending: "{not json"}}
	require.NoError(t, r.handle(context.Background(), env))
	require.Len(t, transport.published, 1)
	assert.Empty(t, transport.published[0].Properties)
}

func TestRelay_AllDropped(t *testing.T) {
	client := &stubClient{missing: map[string]bool{"https://files/x": true}}
	r, transport := newRelay(t, client)

	env := bus.Envelope{ID: uuid.New(), Properties: map[string]string{
		PropertyPending: pending(t,
			ams.AttachmentRequest{Name: "x", ContentURL: "https://files/x"},
			ams.AttachmentRequest{Name: "", ContentURL: "https://files/skip"},
		),
	}}
	require.NoError(t, r.handle(context.Background(), env))
	out := transport.published[0]
	assert.NotContains(t, out.Properties, ams.PropertyReferences)
	assert.NotContains(t, out.Properties, PropertyPending)
	assert.Equal(t, 2.0, testutil.ToFloat64(r.files.WithLabelValues("dropped")))
}

func TestRelay_PublishErrorRequestsRedelivery(t *testing.T) {
	r, transport := newRelay(t, &stubClient{})
	transport.publishErr = errors.New("nats down")

	err := r.handle(context.Background(), bus.Envelope{ID: uuid.New()})
	assert.Error(t, err)
	assert.Equal(t, 1.0, testutil.ToFloat64(r.envelopes.WithLabelValues("publish_failed")))
}

func TestRelay_ForwardsThroughJetStream(t *testing.T) {
	b, err := bus.New(bustest.RunJetStream(t))
	require.NoError(t, err)
	t.Cleanup(b.Close)
	require.NoError(t, b.EnsureStream("ATTACHD_MESSAGES", "attachd.messages.>"))

	manager, err := ams.NewManager(&stubClient{}, ams.WithSessionToken("relay"))
	require.NoError(t, err)
	r, err := New(manager, b, Options{}, zerolog.Nop(), prometheus.NewRegistry())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	require.NoError(t, r.Start(ctx))
	t.Cleanup(func() { _ = r.Close() })

	delivered := make(chan bus.Envelope, 4)
	_, err = b.Subscribe(ctx, DefaultOutboundSubject, "test-delivered", func(_ context.Context, env bus.Envelope) error {
		delivered <- env
		return nil
	})
	require.NoError(t, err)

	plain := bus.Envelope{ID: uuid.New(), Text: "plain"}
	withFile := bus.Envelope{ID: uuid.New(), Text: "file", Properties: map[string]string{
		PropertyPending: pending(t, ams.AttachmentRequest{Name: "a.txt", ContentType: "text/plain", ContentURL: "https://files/a"}),
	}}
	require.NoError(t, b.Publish(ctx, DefaultInboundSubject, plain))
	require.NoError(t, b.Publish(ctx, DefaultInboundSubject, withFile))

	got := map[uuid.UUID]bus.Envelope{}
	for len(got) < 2 {
		select {
		case env := <-delivered:
			got[env.ID] = env
		case <-time.After(10 * time.Second):
			t.Fatalf("relay delivered %d of 2 envelopes", len(got))
		}
	}

	assert.Equal(t, "plain", got[plain.ID].Text)
	out := got[withFile.ID]
	assert.NotContains(t, out.Properties, PropertyPending)
	assert.JSONEq(t, `["a.txt-id"]`, out.Properties[ams.PropertyReferences])
}

func TestNew_Validation(t *testing.T) {
	manager, err := ams.NewManager(&stubClient{})
	require.NoError(t, err)

	_, err = New(nil, &fakeTransport{}, Options{}, zerolog.Nop(), prometheus.NewRegistry())
	assert.Error(t, err)
	_, err = New(manager, nil, Options{}, zerolog.Nop(), prometheus.NewRegistry())
	assert.Error(t, err)

	r, err := New(manager, &fakeTransport{}, Options{OutboundSubject: "custom"}, zerolog.Nop(), prometheus.NewRegistry())
	require.NoError(t, err)
	assert.Equal(t, DefaultInboundSubject, r.opts.InboundSubject)
	assert.Equal(t, "custom", r.opts.OutboundSubject)
	assert.Equal(t, DefaultDurable, r.opts.Durable)
}

func TestLoadConfig(t *testing.T) {
	cfg, err := loadConfig(context.Background(), envconfig.MapLookuper(map[string]string{
		"AMS_GATEWAY_URL":       "http://ams-gw:8080",
		"AMS_SESSION_TOKEN":     "relay-token",
		"RELAY_MAX_CONCURRENCY": "4",
	}))
	require.NoError(t, err)
	assert.Equal(t, 4, cfg.MaxConcurrency)
	assert.Equal(t, []string{"attachd.messages.>"}, cfg.StreamSubjects)
	assert.Equal(t, Options{
		InboundSubject:  DefaultInboundSubject,
		OutboundSubject: DefaultOutboundSubject,
		Durable:         DefaultDurable,
	}, cfg.Options())

	_, err = loadConfig(context.Background(), envconfig.MapLookuper(map[string]string{"AMS_GATEWAY_URL": "x"}))
	require.Error(t, err)
	assert.True(t, strings.Contains(err.Error(), "AMS_SESSION_TOKEN"))
}
