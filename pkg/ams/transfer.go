package ams

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/gabriel-vasile/mimetype"
)

var (
	errEmptyObjectID     = errors.New("remote store returned an empty object id")
	errEmptyViewLocation = errors.New("remote store returned an empty view location")
)

// uploadOne runs fetch, create and upload for a single request. A missing
// name or content URL is a skip and reports nothing.
func (m *Manager) uploadOne(ctx context.Context, req AttachmentRequest) Option[StoredFileReference] {
	if req.Name == "" || req.ContentURL == "" {
		return None[StoredFileReference]()
	}

	sc := startScenario(ctx, m.logger, ScenarioUpload)
	ctx = sc.Context()

	data, err := m.client.FetchBlob(ctx, req.ContentURL)
	if err != nil {
		sc.fail(StepFetchBlob, describeRequest(req), err)
		return None[StoredFileReference]()
	}

	obj := FileObject{
		Name:        req.Name,
		ContentType: req.ContentType,
		Permissions: req.Permissions,
		Data:        data,
	}
	if obj.ContentType == "" {
		obj.ContentType = detectContentType(data)
	}

	handle, err := m.client.CreateObject(ctx, m.sessionToken, obj)
	if err == nil && handle.ID == "" {
		err = errEmptyObjectID
	}
	if err != nil {
		sc.fail(StepCreateObject, describeObject(obj), err)
		return None[StoredFileReference]()
	}

	if err := m.client.UploadDocument(ctx, handle.ID, obj); err != nil {
		sc.fail(StepUploadDocument, fmt.Sprintf("id=%s %s", handle.ID, describeObject(obj)), err)
		return None[StoredFileReference]()
	}

	sc.complete()
	return Some(StoredFileReference{
		FileID: handle.ID,
		Metadata: map[string]string{
			MetadataContentType: obj.ContentType,
			MetadataFileName:    req.Name,
		},
	})
}

// downloadOne resolves the view location for ref and fetches its bytes.
func (m *Manager) downloadOne(ctx context.Context, ref StoredFileReference) Option[MaterializedFile] {
	name := ref.FileName()
	if ref.FileID == "" || name == "" {
		return None[MaterializedFile]()
	}

	sc := startScenario(ctx, m.logger, ScenarioDownload)
	ctx = sc.Context()

	contentType := ref.ContentType()
	view := ViewRef{ID: ref.FileID, Type: TypeTag(contentType)}

	status, err := m.client.GetViewStatus(ctx, view)
	if err == nil && status.ViewLocation == "" {
		err = errEmptyViewLocation
	}
	if err != nil {
		sc.fail(StepGetViewStatus, view, err)
		return None[MaterializedFile]()
	}

	data, err := m.client.GetView(ctx, view, status.ViewLocation)
	if err != nil {
		sc.fail(StepGetView, fmt.Sprintf("%+v location=%s", view, status.ViewLocation), err)
		return None[MaterializedFile]()
	}

	sc.complete()
	return Some(MaterializedFile{
		Name:        name,
		ContentType: contentType,
		Data:        data,
	})
}

// TypeTag derives the view type from a content type: the part after the last
// slash, or the whole value when there is none.
func TypeTag(contentType string) string {
	if i := strings.LastIndex(contentType, "/"); i >= 0 {
		return contentType[i+1:]
	}
	return contentType
}

// detectContentType sniffs data and drops any media type parameters.
func detectContentType(data []byte) string {
	detected := mimetype.Detect(data).String()
	if i := strings.Index(detected, ";"); i >= 0 {
		detected = strings.TrimSpace(detected[:i])
	}
	return detected
}

func describeRequest(req AttachmentRequest) string {
	return fmt.Sprintf("name=%s contentType=%s contentUrl=%s", req.Name, req.ContentType, req.ContentURL)
}

func describeObject(obj FileObject) string {
	return fmt.Sprintf("name=%s contentType=%s size=%d", obj.Name, obj.ContentType, len(obj.Data))
}
