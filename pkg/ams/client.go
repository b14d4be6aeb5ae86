package ams

import "context"

// Client is the blob-transfer collaborator the manager drives. Each call is a
// single attempt; retries and timeouts belong to the implementation.
type Client interface {
	FetchBlob(ctx context.Context, url string) ([]byte, error)
	CreateObject(ctx context.Context, sessionToken string, obj FileObject) (ObjectHandle, error)
	UploadDocument(ctx context.Context, id string, obj FileObject) error
	GetViewStatus(ctx context.Context, ref ViewRef) (ViewStatus, error)
	GetView(ctx context.Context, ref ViewRef, location string) ([]byte, error)
}
