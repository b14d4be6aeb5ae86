package transfers

import (
	"time"

	"gopkg.in/yaml.v3"
)

const (
	manifestFileName = "manifest.yaml"
	manifestVersion  = "1"
	filesTarPrefix   = "files"
)

// Manifest lists the files written by a download.
type Manifest struct {
	Version          string         `yaml:"version"`
	CreatedAt        time.Time      `yaml:"created_at"`
	Signer           string         `yaml:"signer,omitempty"`
	SigningPublicKey string         `yaml:"signing_public_key,omitempty"`
	Signature        string         `yaml:"signature,omitempty"`
	Requested        int            `yaml:"requested"`
	Files            []ManifestFile `yaml:"files"`
}

// ManifestFile describes one downloaded attachment.
type ManifestFile struct {
	Name         string `yaml:"name"`
	OriginalName string `yaml:"original_name,omitempty"`
	FileID       string `yaml:"file_id"`
	ContentType  string `yaml:"content_type,omitempty"`
	Size         int64  `yaml:"size"`
	SHA256       string `yaml:"sha256"`
}

// SigningBytes marshals the manifest without its signature.
func (m Manifest) SigningBytes() ([]byte, error) {
	clone := m
	clone.Signature = ""
	return yaml.Marshal(clone)
}

// Signed reports whether the manifest carries a signature.
func (m Manifest) Signed() bool {
	return m.Signature != ""
}
