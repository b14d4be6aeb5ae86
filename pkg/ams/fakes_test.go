package ams

import (
	"context"
	"sync"
)

type fakeClient struct {
	fetchBlob      func(ctx context.Context, url string) ([]byte, error)
	createObject   func(ctx context.Context, token string, obj FileObject) (ObjectHandle, error)
	uploadDocument func(ctx context.Context, id string, obj FileObject) error
	getViewStatus  func(ctx context.Context, ref ViewRef) (ViewStatus, error)
	getView        func(ctx context.Context, ref ViewRef, location string) ([]byte, error)

	mu    sync.Mutex
	calls []string
}

func (f *fakeClient) record(call string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, call)
}

func (f *fakeClient) FetchBlob(ctx context.Context, url string) ([]byte, error) {
	f.record("FetchBlob " + url)
	if f.fetchBlob == nil {
		return []byte("data:" + url), nil
	}
	return f.fetchBlob(ctx, url)
}

func (f *fakeClient) CreateObject(ctx context.Context, token string, obj FileObject) (ObjectHandle, error) {
	f.record("CreateObject " + obj.Name)
	if f.createObject == nil {
		return ObjectHandle{ID: "id-" + obj.Name}, nil
	}
	return f.createObject(ctx, token, obj)
}

func (f *fakeClient) UploadDocument(ctx context.Context, id string, obj FileObject) error {
	f.record("UploadDocument " + id)
	if f.uploadDocument == nil {
		return nil
	}
	return f.uploadDocument(ctx, id, obj)
}

func (f *fakeClient) GetViewStatus(ctx context.Context, ref ViewRef) (ViewStatus, error) {
	f.record("GetViewStatus " + ref.ID + " " + ref.Type)
	if f.getViewStatus == nil {
		return ViewStatus{ViewLocation: "https://views.example/" + ref.ID}, nil
	}
	return f.getViewStatus(ctx, ref)
}

func (f *fakeClient) GetView(ctx context.Context, ref ViewRef, location string) ([]byte, error) {
	f.record("GetView " + location)
	if f.getView == nil {
		return []byte("view:" + ref.ID), nil
	}
	return f.getView(ctx, ref, location)
}

func (f *fakeClient) callCount(prefix string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.calls {
		if len(c) >= len(prefix) && c[:len(prefix)] == prefix {
			n++
		}
	}
	return n
}

type scenarioEvent struct {
	kind     string
	scenario string
	diag     Diagnostic
}

type scenarioKey struct{}

// recordingLogger tracks every signal and tags each started scenario with a
// unique id so tests can check start/end pairing under concurrency.
type recordingLogger struct {
	mu     sync.Mutex
	nextID int
	events []scenarioEvent
	open   map[int]string
	ended  map[int]int
}

func newRecordingLogger() *recordingLogger {
	return &recordingLogger{open: map[int]string{}, ended: map[int]int{}}
}

func (r *recordingLogger) Start(ctx context.Context, scenario string) context.Context {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.nextID++
	r.open[r.nextID] = scenario
	r.events = append(r.events, scenarioEvent{kind: "start", scenario: scenario})
	return context.WithValue(ctx, scenarioKey{}, r.nextID)
}

func (r *recordingLogger) Complete(ctx context.Context, scenario string) {
	r.end(ctx, scenarioEvent{kind: "complete", scenario: scenario})
}

func (r *recordingLogger) Fail(ctx context.Context, scenario string, diag Diagnostic) {
	r.end(ctx, scenarioEvent{kind: "fail", scenario: scenario, diag: diag})
}

func (r *recordingLogger) end(ctx context.Context, evt scenarioEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	id, _ := ctx.Value(scenarioKey{}).(int)
	r.ended[id]++
	r.events = append(r.events, evt)
}

func (r *recordingLogger) byKind(kind string) []scenarioEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []scenarioEvent
	for _, e := range r.events {
		if e.kind == kind {
			out = append(out, e)
		}
	}
	return out
}

// unpaired returns the started scenarios that did not end exactly once.
func (r *recordingLogger) unpaired() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var bad []string
	for id, name := range r.open {
		if r.ended[id] != 1 {
			bad = append(bad, name)
		}
	}
	if r.ended[0] > 0 {
		bad = append(bad, "<end without start>")
	}
	return bad
}
