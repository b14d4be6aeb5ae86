package transfers

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"

	"attachd/pkg/ams"
)

// DownloadConfig configures a download run.
type DownloadConfig struct {
	Manager *ams.Manager
	Bag     ams.Properties
	OutDir  string
	// Archive, when set, receives a tar.zst of the files and manifest.
	Archive string
	// Signer, when set, signs the manifest.
	Signer *Signer
	Now    func() time.Time
	Stdout io.Writer
	Logger zerolog.Logger
}

// Download decodes bag, fetches every referenced file into OutDir and writes
// manifest.yaml beside them. Files that fail are left out of the manifest.
func Download(ctx context.Context, cfg DownloadConfig) (*Manifest, error) {
	if cfg.Manager == nil {
		return nil, errors.New("manager is required")
	}
	if cfg.OutDir == "" {
		return nil, errors.New("output directory is required")
	}
	if cfg.Signer != nil && !cfg.Signer.CanSign() {
		return nil, errors.New("signing requires AGE_SECRET_KEY")
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Stdout == nil {
		cfg.Stdout = os.Stdout
	}

	refs, ok := cfg.Manager.DecodeReferences(ctx, cfg.Bag)
	if !ok {
		return nil, errors.New("property bag carries no decodable file references")
	}

	if err := os.MkdirAll(cfg.OutDir, 0o755); err != nil {
		return nil, fmt.Errorf("create output dir: %w", err)
	}

	results := cfg.Manager.DownloadFiles(ctx, refs)

	names := newNameSet(manifestFileName)
	manifest := &Manifest{
		Version:   manifestVersion,
		CreatedAt: cfg.Now().UTC().Truncate(time.Second),
		Requested: len(refs),
		Files:     []ManifestFile{},
	}

	for i, res := range results {
		file, ok := res.Get()
		if !ok {
			cfg.Logger.Warn().Str("file_id", refs[i].FileID).Msg("download failed; skipped")
			continue
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		name := names.claim(file.Name)
		if err := os.WriteFile(filepath.Join(cfg.OutDir, name), file.Data, 0o644); err != nil {
			return nil, fmt.Errorf("write %s: %w", name, err)
		}

		sum := sha256.Sum256(file.Data)
		entry := ManifestFile{
			Name:        name,
			FileID:      refs[i].FileID,
			ContentType: file.ContentType,
			Size:        file.Size(),
			SHA256:      hex.EncodeToString(sum[:]),
		}
		if name != file.Name {
			entry.OriginalName = file.Name
		}
		manifest.Files = append(manifest.Files, entry)
	}

	if cfg.Signer != nil {
		if err := signManifest(manifest, cfg.Signer); err != nil {
			return nil, err
		}
	}

	manifestBytes, err := yaml.Marshal(manifest)
	if err != nil {
		return nil, fmt.Errorf("marshal manifest: %w", err)
	}
	if err := os.WriteFile(filepath.Join(cfg.OutDir, manifestFileName), manifestBytes, 0o644); err != nil {
		return nil, fmt.Errorf("write manifest: %w", err)
	}

	if cfg.Archive != "" {
		if err := writeArchive(cfg.Archive, manifestBytes, cfg.OutDir, manifest.Files); err != nil {
			return nil, err
		}
		fmt.Fprintf(cfg.Stdout, "wrote archive %s (%d of %d files)\n", cfg.Archive, len(manifest.Files), manifest.Requested)
	} else {
		fmt.Fprintf(cfg.Stdout, "downloaded %d of %d files into %s\n", len(manifest.Files), manifest.Requested, cfg.OutDir)
	}

	return manifest, nil
}

func signManifest(m *Manifest, signer *Signer) error {
	m.Signer = signer.Recipient()
	m.SigningPublicKey = signer.PublicKeyBase64()

	payload, err := m.SigningBytes()
	if err != nil {
		return fmt.Errorf("marshal manifest for signing: %w", err)
	}
	sig, err := signer.Sign(payload)
	if err != nil {
		return fmt.Errorf("sign manifest: %w", err)
	}
	m.Signature = sig
	return nil
}
