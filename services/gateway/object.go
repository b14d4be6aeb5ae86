package gateway

import (
	"crypto/subtle"
	"time"

	"github.com/google/uuid"
)

const (
	statusPending  = "pending"
	statusUploaded = "uploaded"

	// originalView always resolves to the stored bytes regardless of type tag.
	originalView = "original"
)

// Object is the API view of a registered attachment.
type Object struct {
	ID          uuid.UUID      `json:"id"`
	Type        string         `json:"type"`
	Name        string         `json:"name"`
	ContentType string         `json:"content_type"`
	Status      string         `json:"status"`
	Size        int64          `json:"size"`
	SHA256      string         `json:"sha256,omitempty"`
	Permissions map[string]any `json:"permissions,omitempty"`
	CreatedAt   time.Time      `json:"created_at"`
	UpdatedAt   time.Time      `json:"updated_at"`

	sessionHash string
	storageKey  string
}

func (o Object) hasView(view string) bool {
	return view == originalView || (o.Type != "" && view == o.Type)
}

func (o Object) ownedBy(session string) bool {
	return subtle.ConstantTimeCompare([]byte(o.sessionHash), []byte(hashSession(session))) == 1
}

func storageKey(id uuid.UUID) string {
	return "objects/" + id.String()
}
