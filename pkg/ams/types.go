package ams

import (
	"bytes"
	"io"
)

// Permission is the access level requested for an attachment's recipients.
type Permission string

const (
	PermissionRead  Permission = "READ"
	PermissionWrite Permission = "WRITE"
)

// PermissionsSpec lists the identities an attachment should be shared with.
// It is forwarded to the remote store with the object but not applied by the
// manager.
type PermissionsSpec struct {
	Users      []string   `json:"users"`
	Permission Permission `json:"permission"`
}

// AttachmentRequest describes one file a caller wants to upload.
type AttachmentRequest struct {
	Name         string           `json:"name"`
	ContentType  string           `json:"contentType"`
	ContentURL   string           `json:"contentUrl"`
	ThumbnailURL string           `json:"thumbnailUrl,omitempty"`
	Permissions  *PermissionsSpec `json:"permissions,omitempty"`
}

// StoredFileReference is the durable result of a successful upload.
type StoredFileReference struct {
	FileID   string            `json:"fileId"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// FileName returns the fileName metadata entry, if any.
func (r StoredFileReference) FileName() string {
	return r.Metadata[MetadataFileName]
}

// ContentType returns the contentType metadata entry, if any.
func (r StoredFileReference) ContentType() string {
	return r.Metadata[MetadataContentType]
}

// MaterializedFile is a downloaded payload bound to its name and content type.
type MaterializedFile struct {
	Name        string
	ContentType string
	Data        []byte
}

func (f MaterializedFile) Size() int64 { return int64(len(f.Data)) }

// Reader returns a fresh reader over the file contents.
func (f MaterializedFile) Reader() io.Reader { return bytes.NewReader(f.Data) }

// FileObject wraps fetched bytes with the name, content type and sharing
// request they are stored under.
type FileObject struct {
	Name        string
	ContentType string
	Permissions *PermissionsSpec
	Data        []byte
}

// ObjectHandle identifies an object registered with the remote store.
type ObjectHandle struct {
	ID string `json:"id"`
}

// ViewRef addresses one rendition of a stored object.
type ViewRef struct {
	ID   string `json:"id"`
	Type string `json:"type"`
}

// ViewStatus reports where a view can be fetched from.
type ViewStatus struct {
	ViewLocation string `json:"view_location"`
}

const (
	MetadataContentType = "contentType"
	MetadataFileName    = "fileName"
)
