package transfers

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"filippo.io/age"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"attachd/pkg/ams"
)

// memClient stores uploads in memory and serves them back as views.
type memClient struct {
	mu      sync.Mutex
	objects map[string][]byte
	broken  map[string]bool
}

func newMemClient() *memClient {
	return &memClient{objects: map[string][]byte{}, broken: map[string]bool{}}
}

func (c *memClient) FetchBlob(_ context.Context, raw string) ([]byte, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return nil, err
	}
	if u.Scheme != "file" {
		return nil, errors.New("only file urls in tests")
	}
	return os.ReadFile(u.Path)
}

func (c *memClient) CreateObject(_ context.Context, _ string, obj ams.FileObject) (ams.ObjectHandle, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return ams.ObjectHandle{ID: fmt.Sprintf("obj-%s-%d", obj.Name, len(obj.Data))}, nil
}

func (c *memClient) UploadDocument(_ context.Context, id string, obj ams.FileObject) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.objects[id] = obj.Data
	return nil
}

func (c *memClient) GetViewStatus(_ context.Context, view ams.ViewRef) (ams.ViewStatus, error) {
	if c.broken[view.ID] {
		return ams.ViewStatus{}, errors.New("view unavailable")
	}
	return ams.ViewStatus{ViewLocation: "mem://" + view.ID}, nil
}

func (c *memClient) GetView(_ context.Context, view ams.ViewRef, _ string) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	data, ok := c.objects[view.ID]
	if !ok {
		return nil, errors.New("missing")
	}
	return data, nil
}

func newManager(t *testing.T, client ams.Client) *ams.Manager {
	t.Helper()
	m, err := ams.NewManager(client, ams.WithSessionToken("cli"))
	require.NoError(t, err)
	return m
}

func newTestSigner(t *testing.T) *Signer {
	t.Helper()
	identity, err := age.GenerateX25519Identity()
	require.NoError(t, err)
	s, err := NewSigner(Keys{SecretKey: identity.String()})
	require.NoError(t, err)
	return s
}

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	p := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(p, []byte(content), 0o600))
	return p
}

func TestSanitizeName(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{in: "report.pdf", want: "report.pdf"},
		{in: "../../etc/passwd", want: "passwd"},
		{in: `C:\Users\me\notes.txt`, want: "notes.txt"},
		{in: "what?.txt", want: "what_.txt"},
		{in: "tab\tname", want: "tabname"},
		{in: "..", want: fallbackName},
		{in: "", want: fallbackName},
		{in: " . ", want: fallbackName},
		{in: "dir/", want: "dir"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, sanitizeName(tt.in), tt.in)
	}
}

func TestNameSet_Collisions(t *testing.T) {
	names := newNameSet(manifestFileName)
	assert.Equal(t, "a.txt", names.claim("a.txt"))
	assert.Equal(t, "a-1.txt", names.claim("a.txt"))
	assert.Equal(t, "A-2.TXT", names.claim("A.TXT"))
	assert.Equal(t, "manifest-1.yaml", names.claim("manifest.yaml"))
	assert.Equal(t, ".env", names.claim("sub/.env"))
	assert.Equal(t, ".env-1", names.claim(".env"))
}

func TestRequestFor(t *testing.T) {
	req, err := requestFor("https://files.example/docs/q3.pdf?sig=1")
	require.NoError(t, err)
	assert.Equal(t, "q3.pdf", req.Name)
	assert.Equal(t, "https://files.example/docs/q3.pdf?sig=1", req.ContentURL)

	dir := t.TempDir()
	p := writeFile(t, dir, "local file.txt", "x")
	req, err = requestFor(p)
	require.NoError(t, err)
	assert.Equal(t, "local file.txt", req.Name)
	u, err := url.Parse(req.ContentURL)
	require.NoError(t, err)
	assert.Equal(t, "file", u.Scheme)
	assert.Equal(t, filepath.ToSlash(p), u.Path)
}

func TestUploadThenDownloadArchive(t *testing.T) {
	client := newMemClient()
	manager := newManager(t, client)
	src := t.TempDir()

	a := writeFile(t, src, "notes.txt", "first notes")
	sub := filepath.Join(src, "sub")
	require.NoError(t, os.Mkdir(sub, 0o755))
	b := writeFile(t, sub, "notes.txt", "second notes")

	var stdout bytes.Buffer
	res, err := Upload(context.Background(), UploadConfig{
		Manager: manager,
		Sources: []string{a, filepath.Join(src, "missing.txt"), b},
		Stdout:  &stdout,
		Logger:  zerolog.Nop(),
	})
	require.NoError(t, err)
	assert.Equal(t, 2, res.Uploaded)
	assert.Equal(t, 1, res.Dropped)

	bag, err := ReadBag(&stdout)
	require.NoError(t, err)
	assert.Equal(t, res.Bag, bag)

	out := filepath.Join(t.TempDir(), "out")
	archive := filepath.Join(t.TempDir(), "download.tar.zst")
	signer := newTestSigner(t)
	now := time.Date(2026, 10, 18, 9, 30, 0, 0, time.UTC)

	manifest, err := Download(context.Background(), DownloadConfig{
		Manager: manager,
		Bag:     bag,
		OutDir:  out,
		Archive: archive,
		Signer:  signer,
		Now:     func() time.Time { return now },
		Stdout:  &bytes.Buffer{},
		Logger:  zerolog.Nop(),
	})
	require.NoError(t, err)
	require.Len(t, manifest.Files, 2)
	assert.Equal(t, 2, manifest.Requested)
	assert.True(t, manifest.Signed())
	assert.Equal(t, now, manifest.CreatedAt)
	assert.Equal(t, "notes.txt", manifest.Files[0].Name)
	assert.Equal(t, "notes-1.txt", manifest.Files[1].Name)
	assert.Equal(t, "notes.txt", manifest.Files[1].OriginalName)
	assert.Equal(t, "obj-notes.txt-11", manifest.Files[0].FileID)
	assert.Equal(t, "obj-notes.txt-12", manifest.Files[1].FileID)

	data, err := os.ReadFile(filepath.Join(out, "notes-1.txt"))
	require.NoError(t, err)
	assert.Equal(t, "second notes", string(data))

	raw, err := os.ReadFile(filepath.Join(out, manifestFileName))
	require.NoError(t, err)
	var onDisk Manifest
	require.NoError(t, yaml.Unmarshal(raw, &onDisk))
	assert.Equal(t, manifest.Signature, onDisk.Signature)

	verified, err := Verify(context.Background(), VerifyConfig{
		Archive:          archive,
		Signer:           signer,
		RequireSignature: true,
		Stdout:           &bytes.Buffer{},
	})
	require.NoError(t, err)
	assert.Len(t, verified.Files, 2)

	other := newTestSigner(t)
	_, err = Verify(context.Background(), VerifyConfig{Archive: archive, Signer: other, Stdout: &bytes.Buffer{}})
	assert.Error(t, err)
}

func TestDownload_SkipsFailedFiles(t *testing.T) {
	client := newMemClient()
	client.objects["obj-ok"] = []byte("ok")
	client.broken["obj-bad"] = true
	manager := newManager(t, client)

	bag, ok := manager.EncodeReferences(context.Background(), []ams.StoredFileReference{
		{FileID: "obj-ok", Metadata: map[string]string{ams.MetadataFileName: "ok.txt", ams.MetadataContentType: "text/plain"}},
		{FileID: "obj-bad", Metadata: map[string]string{ams.MetadataFileName: "bad.txt"}},
		{FileID: "obj-noname", Metadata: map[string]string{}},
	})
	require.True(t, ok)

	out := t.TempDir()
	manifest, err := Download(context.Background(), DownloadConfig{
		Manager: manager,
		Bag:     bag,
		OutDir:  out,
		Stdout:  &bytes.Buffer{},
		Logger:  zerolog.Nop(),
	})
	require.NoError(t, err)
	assert.Equal(t, 3, manifest.Requested)
	require.Len(t, manifest.Files, 1)
	assert.Equal(t, "ok.txt", manifest.Files[0].Name)
	assert.Equal(t, "text/plain", manifest.Files[0].ContentType)
	assert.False(t, manifest.Signed())

	_, err = os.Stat(filepath.Join(out, "bad.txt"))
	assert.True(t, os.IsNotExist(err))
}

func TestDownload_Validation(t *testing.T) {
	manager := newManager(t, newMemClient())

	_, err := Download(context.Background(), DownloadConfig{Bag: ams.Properties{}, OutDir: t.TempDir()})
	assert.Error(t, err)

	_, err = Download(context.Background(), DownloadConfig{Manager: manager, Bag: ams.Properties{}})
	assert.Error(t, err)

	_, err = Download(context.Background(), DownloadConfig{Manager: manager, Bag: ams.Properties{"amsReferences": "oops"}, OutDir: t.TempDir()})
	assert.Error(t, err)

	verifyOnly, err := NewSigner(Keys{PublicKey: newTestSigner(t).PublicKeyBase64()})
	require.NoError(t, err)
	_, err = Download(context.Background(), DownloadConfig{Manager: manager, Bag: ams.Properties{"amsReferences": "[]"}, OutDir: t.TempDir(), Signer: verifyOnly})
	assert.Error(t, err)
}

func TestVerify_DetectsTampering(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "a.txt", "hello")
	manifest := Manifest{
		Version: manifestVersion,
		Files:   []ManifestFile{{Name: "a.txt", FileID: "x", Size: 5, SHA256: strings.Repeat("0", 64)}},
	}
	raw, err := yaml.Marshal(manifest)
	require.NoError(t, err)

	archive := filepath.Join(dir, "bad.tar.zst")
	require.NoError(t, writeArchive(archive, raw, dir, manifest.Files))

	_, err = Verify(context.Background(), VerifyConfig{Archive: archive, Stdout: &bytes.Buffer{}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "sha256 mismatch")

	_, err = Verify(context.Background(), VerifyConfig{Archive: archive, RequireSignature: true, Stdout: &bytes.Buffer{}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not signed")
}

func TestWriteArchive_FailureLeavesNoArchive(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "present.txt", "here")
	files := []ManifestFile{{Name: "present.txt"}, {Name: "missing.txt"}}

	archive := filepath.Join(dir, "out", "partial.tar.zst")
	err := writeArchive(archive, []byte("version: \"1\"\n"), dir, files)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "missing.txt")

	_, statErr := os.Stat(archive)
	assert.True(t, os.IsNotExist(statErr))
}

func TestSigner(t *testing.T) {
	_, err := NewSigner(Keys{})
	assert.Error(t, err)

	_, err = NewSigner(Keys{SecretKey: "not-a-key"})
	assert.Error(t, err)

	s := newTestSigner(t)
	assert.True(t, strings.HasPrefix(s.Recipient(), "age1"))

	sig, err := s.Sign([]byte("payload"))
	require.NoError(t, err)
	require.NoError(t, s.Verify([]byte("payload"), sig, s.PublicKeyBase64()))
	assert.Error(t, s.Verify([]byte("tampered"), sig, ""))

	verifier, err := NewSigner(Keys{PublicKey: s.PublicKeyBase64()})
	require.NoError(t, err)
	assert.False(t, verifier.CanSign())
	assert.NoError(t, verifier.Verify([]byte("payload"), sig, ""))
	_, err = verifier.Sign([]byte("payload"))
	assert.Error(t, err)

	_, err = NewSigner(Keys{SecretKey: newTestSignerSecret(t), PublicKey: s.PublicKeyBase64()})
	assert.Error(t, err)
}

func newTestSignerSecret(t *testing.T) string {
	t.Helper()
	identity, err := age.GenerateX25519Identity()
	require.NoError(t, err)
	return identity.String()
}
