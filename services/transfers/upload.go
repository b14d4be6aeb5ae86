package transfers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog"

	"attachd/pkg/ams"
)

// UploadConfig configures an upload run.
type UploadConfig struct {
	Manager *ams.Manager
	// Sources are local paths or http(s)/file URLs.
	Sources []string
	// ContentType overrides sniffing for every source when set.
	ContentType string
	Stdout      io.Writer
	Logger      zerolog.Logger
}

// UploadResult summarises an upload run.
type UploadResult struct {
	Bag      ams.Properties
	Uploaded int
	Dropped  int
}

// Upload stores every source and prints the encoded property bag as JSON.
// Sources that fail are dropped; the run only errors when nothing could be
// encoded.
func Upload(ctx context.Context, cfg UploadConfig) (*UploadResult, error) {
	if cfg.Manager == nil {
		return nil, errors.New("manager is required")
	}
	if len(cfg.Sources) == 0 {
		return nil, errors.New("at least one file or url is required")
	}
	if cfg.Stdout == nil {
		cfg.Stdout = os.Stdout
	}

	requests := make([]ams.AttachmentRequest, 0, len(cfg.Sources))
	for _, src := range cfg.Sources {
		req, err := requestFor(src)
		if err != nil {
			return nil, err
		}
		req.ContentType = cfg.ContentType
		requests = append(requests, req)
	}

	results := cfg.Manager.UploadFiles(ctx, requests)
	refs := make([]ams.StoredFileReference, 0, len(results))
	for i, res := range results {
		ref, ok := res.Get()
		if !ok {
			cfg.Logger.Warn().Str("source", cfg.Sources[i]).Msg("upload failed; dropped")
			continue
		}
		cfg.Logger.Info().Str("source", cfg.Sources[i]).Str("file_id", ref.FileID).Msg("uploaded")
		refs = append(refs, ref)
	}

	bag, ok := cfg.Manager.EncodeReferences(ctx, refs)
	if !ok {
		return nil, errors.New("could not encode file references")
	}

	enc := json.NewEncoder(cfg.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(bag); err != nil {
		return nil, fmt.Errorf("write bag: %w", err)
	}

	return &UploadResult{
		Bag:      bag,
		Uploaded: len(refs),
		Dropped:  len(requests) - len(refs),
	}, nil
}

// requestFor turns a CLI argument into an attachment request.
func requestFor(src string) (ams.AttachmentRequest, error) {
	if u, err := url.Parse(src); err == nil {
		switch u.Scheme {
		case "http", "https", "file":
			return ams.AttachmentRequest{Name: nameFromURL(u), ContentURL: u.String()}, nil
		}
	}

	abs, err := filepath.Abs(src)
	if err != nil {
		return ams.AttachmentRequest{}, fmt.Errorf("resolve %s: %w", src, err)
	}
	fileURL := url.URL{Scheme: "file", Path: filepath.ToSlash(abs)}
	return ams.AttachmentRequest{Name: filepath.Base(abs), ContentURL: fileURL.String()}, nil
}

func nameFromURL(u *url.URL) string {
	p := strings.TrimRight(u.Path, "/")
	if p == "" {
		return u.Host
	}
	return path.Base(p)
}

// ReadBag decodes a JSON property bag.
func ReadBag(r io.Reader) (ams.Properties, error) {
	var bag ams.Properties
	if err := json.NewDecoder(r).Decode(&bag); err != nil {
		return nil, fmt.Errorf("decode property bag: %w", err)
	}
	return bag, nil
}
