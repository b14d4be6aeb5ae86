// Package ams orchestrates attachment transfers between a chat session and a
// remote attachment media store. It uploads batches of attachment requests,
// downloads batches of stored references, and flattens reference lists into
// the string property bag that rides inside a message envelope.
//
// Failures never propagate as errors. Each file either yields a value or an
// absent slot, and every failure is reported through a ScenarioLogger.
package ams

import (
	"context"
	"errors"

	"golang.org/x/sync/errgroup"
)

// Manager coordinates per-file transfers against a Client.
type Manager struct {
	client         Client
	sessionToken   string
	logger         ScenarioLogger
	codec          PropertyCodec
	maxConcurrency int
}

// ManagerOption configures a Manager.
type ManagerOption func(*Manager)

// WithSessionToken sets the chat session token objects are created under.
func WithSessionToken(token string) ManagerOption {
	return func(m *Manager) { m.sessionToken = token }
}

// WithScenarioLogger routes scenario signals to logger.
func WithScenarioLogger(logger ScenarioLogger) ManagerOption {
	return func(m *Manager) { m.logger = logger }
}

// WithCodec replaces the JSON property codec.
func WithCodec(codec PropertyCodec) ManagerOption {
	return func(m *Manager) { m.codec = codec }
}

// WithMaxConcurrency bounds the number of in-flight per-file transfers.
// Zero or a negative value leaves it unbounded.
func WithMaxConcurrency(n int) ManagerOption {
	return func(m *Manager) { m.maxConcurrency = n }
}

// NewManager builds a Manager around client.
func NewManager(client Client, opts ...ManagerOption) (*Manager, error) {
	if client == nil {
		return nil, errors.New("ams client is required")
	}
	m := &Manager{client: client}
	for _, opt := range opts {
		opt(m)
	}
	if m.logger == nil {
		m.logger = NopScenarioLogger{}
	}
	if m.codec == nil {
		m.codec = NewJSONCodec(m.logger)
	}
	return m, nil
}

// UploadFiles uploads every request concurrently. The result has one entry
// per request, in input order; an absent entry marks a skipped or failed file.
func (m *Manager) UploadFiles(ctx context.Context, requests []AttachmentRequest) []Option[StoredFileReference] {
	results := make([]Option[StoredFileReference], len(requests))
	m.fanOut(len(requests), func(i int) {
		results[i] = m.uploadOne(ctx, requests[i])
	})
	return results
}

// DownloadFiles downloads every reference concurrently, preserving order.
func (m *Manager) DownloadFiles(ctx context.Context, refs []StoredFileReference) []Option[MaterializedFile] {
	results := make([]Option[MaterializedFile], len(refs))
	m.fanOut(len(refs), func(i int) {
		results[i] = m.downloadOne(ctx, refs[i])
	})
	return results
}

// UpdatePermissions is a placeholder for applying PermissionsSpec; it has no effect.
func (m *Manager) UpdatePermissions(context.Context) error {
	return nil
}

func (m *Manager) DecodeFileIDs(ctx context.Context, bag Properties) ([]string, bool) {
	return m.codec.DecodeFileIDs(ctx, bag)
}

func (m *Manager) EncodeFileIDs(ctx context.Context, ids []string) (Properties, bool) {
	return m.codec.EncodeFileIDs(ctx, ids)
}

func (m *Manager) DecodeMetadata(ctx context.Context, bag Properties) ([]map[string]string, bool) {
	return m.codec.DecodeMetadata(ctx, bag)
}

func (m *Manager) EncodeMetadata(ctx context.Context, records []map[string]string) (Properties, bool) {
	return m.codec.EncodeMetadata(ctx, records)
}

// EncodeReferences encodes refs as the parallel amsReferences/amsMetadata pair.
func (m *Manager) EncodeReferences(ctx context.Context, refs []StoredFileReference) (Properties, bool) {
	ids := make([]string, len(refs))
	records := make([]map[string]string, len(refs))
	for i, ref := range refs {
		ids[i] = ref.FileID
		records[i] = ref.Metadata
		if records[i] == nil {
			records[i] = map[string]string{}
		}
	}

	idBag, ok := m.codec.EncodeFileIDs(ctx, ids)
	if !ok {
		return nil, false
	}
	metaBag, ok := m.codec.EncodeMetadata(ctx, records)
	if !ok {
		return nil, false
	}
	return idBag.Merge(metaBag), true
}

// DecodeReferences rebuilds stored references from a bag. Metadata is
// optional; when present but shorter than the id list, the missing entries
// stay empty.
func (m *Manager) DecodeReferences(ctx context.Context, bag Properties) ([]StoredFileReference, bool) {
	ids, ok := m.codec.DecodeFileIDs(ctx, bag)
	if !ok {
		return nil, false
	}

	var records []map[string]string
	if _, present := bag[PropertyMetadata]; present {
		records, _ = m.codec.DecodeMetadata(ctx, bag)
	}

	refs := make([]StoredFileReference, len(ids))
	for i, id := range ids {
		refs[i] = StoredFileReference{FileID: id}
		if i < len(records) {
			refs[i].Metadata = records[i]
		}
	}
	return refs, true
}

func (m *Manager) fanOut(n int, fn func(i int)) {
	var g errgroup.Group
	if m.maxConcurrency > 0 {
		g.SetLimit(m.maxConcurrency)
	}
	for i := 0; i < n; i++ {
		g.Go(func() error {
			fn(i)
			return nil
		})
	}
	_ = g.Wait()
}
