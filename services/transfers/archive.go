package transfers

import (
	"archive/tar"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/klauspost/compress/zstd"
	"gopkg.in/yaml.v3"
)

func writeArchive(output string, manifest []byte, dir string, files []ManifestFile) (err error) {
	if parent := filepath.Dir(output); parent != "." {
		if err := os.MkdirAll(parent, 0o755); err != nil {
			return fmt.Errorf("create archive dir: %w", err)
		}
	}

	out, err := os.Create(output)
	if err != nil {
		return fmt.Errorf("create archive: %w", err)
	}
	defer func() {
		if err != nil {
			_ = os.Remove(output)
		}
	}()
	defer func() {
		if cerr := out.Close(); err == nil && cerr != nil {
			err = cerr
		}
	}()

	encoder, err := zstd.NewWriter(out)
	if err != nil {
		return fmt.Errorf("zstd writer: %w", err)
	}
	defer func() {
		if cerr := encoder.Close(); err == nil && cerr != nil {
			err = fmt.Errorf("close zstd: %w", cerr)
		}
	}()
	tw := tar.NewWriter(encoder)

	if err := writeTarEntry(tw, manifestFileName, manifest); err != nil {
		return err
	}
	for _, f := range files {
		data, err := os.ReadFile(filepath.Join(dir, f.Name))
		if err != nil {
			return fmt.Errorf("read %s: %w", f.Name, err)
		}
		if err := writeTarEntry(tw, path.Join(filesTarPrefix, f.Name), data); err != nil {
			return err
		}
	}

	if err := tw.Close(); err != nil {
		return fmt.Errorf("close tar: %w", err)
	}
	return nil
}

func writeTarEntry(tw *tar.Writer, name string, data []byte) error {
	header := &tar.Header{
		Name:     name,
		Mode:     0o644,
		Size:     int64(len(data)),
		ModTime:  time.Now().UTC(),
		Typeflag: tar.TypeReg,
	}
	if err := tw.WriteHeader(header); err != nil {
		return fmt.Errorf("write header for %s: %w", name, err)
	}
	if _, err := tw.Write(data); err != nil {
		return fmt.Errorf("write %s: %w", name, err)
	}
	return nil
}

// VerifyConfig configures archive verification.
type VerifyConfig struct {
	Archive string
	// Signer checks the manifest signature. Required when RequireSignature is set.
	Signer           *Signer
	RequireSignature bool
	Stdout           io.Writer
}

// Verify reads a download archive and checks every file against the manifest
// digests and, when possible, the manifest signature.
func Verify(ctx context.Context, cfg VerifyConfig) (*Manifest, error) {
	if cfg.Archive == "" {
		return nil, errors.New("archive path is required")
	}
	if cfg.Stdout == nil {
		cfg.Stdout = os.Stdout
	}

	manifestBytes, files, err := readArchive(ctx, cfg.Archive)
	if err != nil {
		return nil, err
	}
	if len(manifestBytes) == 0 {
		return nil, errors.New("archive missing manifest.yaml")
	}

	var manifest Manifest
	if err := yaml.Unmarshal(manifestBytes, &manifest); err != nil {
		return nil, fmt.Errorf("unmarshal manifest: %w", err)
	}
	if manifest.Version != manifestVersion {
		return nil, fmt.Errorf("unsupported manifest version %q", manifest.Version)
	}

	switch {
	case manifest.Signed() && cfg.Signer != nil:
		payload, err := manifest.SigningBytes()
		if err != nil {
			return nil, fmt.Errorf("marshal manifest for verification: %w", err)
		}
		if err := cfg.Signer.Verify(payload, manifest.Signature, manifest.SigningPublicKey); err != nil {
			return nil, fmt.Errorf("verify manifest signature: %w", err)
		}
		fmt.Fprintf(cfg.Stdout, "verified manifest signature (%s)\n", manifest.SigningPublicKey)
	case cfg.RequireSignature && !manifest.Signed():
		return nil, errors.New("manifest is not signed")
	case cfg.RequireSignature:
		return nil, errors.New("signature check requires AGE_PUBLIC_KEY or AGE_SECRET_KEY")
	case manifest.Signed():
		fmt.Fprintln(cfg.Stdout, "manifest is signed but no key is configured; signature not checked")
	}

	for _, f := range manifest.Files {
		data, ok := files[path.Join(filesTarPrefix, f.Name)]
		if !ok {
			return nil, fmt.Errorf("file %q missing from archive", f.Name)
		}
		if int64(len(data)) != f.Size {
			return nil, fmt.Errorf("size mismatch for %q: expected %d got %d", f.Name, f.Size, len(data))
		}
		sum := sha256.Sum256(data)
		if !strings.EqualFold(hex.EncodeToString(sum[:]), f.SHA256) {
			return nil, fmt.Errorf("sha256 mismatch for %q", f.Name)
		}
	}

	fmt.Fprintf(cfg.Stdout, "verified %d files\n", len(manifest.Files))
	return &manifest, nil
}

func readArchive(ctx context.Context, archive string) ([]byte, map[string][]byte, error) {
	in, err := os.Open(archive)
	if err != nil {
		return nil, nil, fmt.Errorf("open archive: %w", err)
	}
	defer in.Close()

	decoder, err := zstd.NewReader(in)
	if err != nil {
		return nil, nil, fmt.Errorf("zstd reader: %w", err)
	}
	defer decoder.Close()

	var (
		manifest []byte
		files    = map[string][]byte{}
		tr       = tar.NewReader(decoder)
	)
	for {
		if err := ctx.Err(); err != nil {
			return nil, nil, err
		}
		header, err := tr.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, nil, fmt.Errorf("read tar entry: %w", err)
		}
		if header.Typeflag != tar.TypeReg {
			continue
		}

		name := path.Clean(header.Name)
		if strings.HasPrefix(name, "../") || path.IsAbs(name) {
			return nil, nil, fmt.Errorf("invalid entry path %q", header.Name)
		}
		data, err := io.ReadAll(tr)
		if err != nil {
			return nil, nil, fmt.Errorf("read %s: %w", name, err)
		}
		if name == manifestFileName {
			manifest = data
			continue
		}
		files[name] = data
	}
	return manifest, files, nil
}
