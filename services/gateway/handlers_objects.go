package gateway

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"attachd/pkg/ams"
)

type createObjectRequest struct {
	Type        string               `json:"type"`
	Name        string               `json:"name"`
	ContentType string               `json:"content_type"`
	Permissions *ams.PermissionsSpec `json:"permissions,omitempty"`
}

type listObjectsResponse struct {
	Objects []Object `json:"objects"`
}

func (s *Server) handleCreateObject(w http.ResponseWriter, r *http.Request) {
	session, ok := requireSession(w, r)
	if !ok {
		return
	}

	var req createObjectRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, err)
		return
	}
	req.Name = strings.TrimSpace(req.Name)
	if req.Name == "" {
		respondError(w, http.StatusBadRequest, errors.New("name is required"))
		return
	}
	if req.Type == "" {
		req.Type = ams.TypeTag(req.ContentType)
	}

	id := uuid.New()
	now := time.Now().UTC()
	obj := Object{
		ID:          id,
		Type:        req.Type,
		Name:        req.Name,
		ContentType: req.ContentType,
		Status:      statusPending,
		Permissions: permissionsMap(req.Permissions),
		CreatedAt:   now,
		UpdatedAt:   now,
		sessionHash: hashSession(session),
		storageKey:  storageKey(id),
	}

	if err := s.store.Create(r.Context(), obj); err != nil {
		s.logger.Error().Err(err).Str("object_id", id.String()).Msg("create object")
		respondError(w, http.StatusInternalServerError, err)
		return
	}
	s.objects.WithLabelValues(statusPending).Inc()

	respondJSON(w, http.StatusCreated, ams.ObjectHandle{ID: id.String()})
}

func (s *Server) handleListObjects(w http.ResponseWriter, r *http.Request) {
	session, ok := requireSession(w, r)
	if !ok {
		return
	}
	objects, err := s.store.ListBySession(r.Context(), hashSession(session))
	if err != nil {
		respondError(w, http.StatusInternalServerError, err)
		return
	}
	if objects == nil {
		objects = []Object{}
	}
	respondJSON(w, http.StatusOK, listObjectsResponse{Objects: objects})
}

// handleGetObject returns an object to the session that created it. Other
// sessions see 404.
func (s *Server) handleGetObject(w http.ResponseWriter, r *http.Request) {
	session, ok := requireSession(w, r)
	if !ok {
		return
	}
	obj, ok := s.lookup(w, r)
	if !ok {
		return
	}
	if !obj.ownedBy(session) {
		respondError(w, http.StatusNotFound, ErrObjectNotFound)
		return
	}
	respondJSON(w, http.StatusOK, obj)
}

func (s *Server) handleUploadContent(w http.ResponseWriter, r *http.Request) {
	obj, ok := s.lookup(w, r)
	if !ok {
		return
	}

	body := http.MaxBytesReader(w, r.Body, s.config.MaxUploadBytes)
	defer body.Close()

	data, err := io.ReadAll(body)
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			respondError(w, http.StatusRequestEntityTooLarge, fmt.Errorf("content exceeds %d bytes", tooLarge.Limit))
			return
		}
		respondError(w, http.StatusBadRequest, err)
		return
	}

	sum := sha256.Sum256(data)
	digest := hex.EncodeToString(sum[:])
	contentType := obj.ContentType
	if contentType == "" {
		contentType = r.Header.Get("Content-Type")
	}

	if err := s.blobs.PutObject(r.Context(), s.config.Bucket, obj.storageKey, bytes.NewReader(data), int64(len(data)), digest, contentType); err != nil {
		s.logger.Error().Err(err).Str("object_id", obj.ID.String()).Msg("store content")
		respondError(w, http.StatusBadGateway, fmt.Errorf("store content: %w", err))
		return
	}

	if err := s.store.MarkUploaded(r.Context(), obj.ID, int64(len(data)), digest); err != nil {
		if errors.Is(err, ErrObjectNotFound) {
			respondError(w, http.StatusNotFound, err)
			return
		}
		respondError(w, http.StatusInternalServerError, err)
		return
	}
	s.uploadedBytes.Add(float64(len(data)))
	s.objects.WithLabelValues(statusUploaded).Inc()

	s.logger.Info().
		Str("object_id", obj.ID.String()).
		Int("size", len(data)).
		Str("sha256", digest).
		Msg("content uploaded")

	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleViewStatus(w http.ResponseWriter, r *http.Request) {
	obj, ok := s.lookup(w, r)
	if !ok {
		return
	}

	view := chi.URLParam(r, "view")
	if !obj.hasView(view) {
		respondError(w, http.StatusNotFound, fmt.Errorf("object %s has no %q view", obj.ID, view))
		return
	}
	if obj.Status != statusUploaded {
		respondError(w, http.StatusConflict, fmt.Errorf("object %s is %s", obj.ID, obj.Status))
		return
	}

	if _, err := s.blobs.HeadObject(r.Context(), s.config.Bucket, obj.storageKey); err != nil {
		s.logger.Error().Err(err).Str("object_id", obj.ID.String()).Msg("head content")
		respondError(w, http.StatusBadGateway, fmt.Errorf("content for %s unavailable: %w", obj.ID, err))
		return
	}

	if s.config.ProxyViews {
		location := "/v1/objects/" + obj.ID.String() + "/views/" + view + "/content"
		respondJSON(w, http.StatusOK, ams.ViewStatus{ViewLocation: location})
		return
	}

	location, err := s.blobs.PresignGet(r.Context(), s.config.Bucket, obj.storageKey, s.config.ViewTTL)
	if err != nil {
		respondError(w, http.StatusInternalServerError, fmt.Errorf("presign view: %w", err))
		return
	}

	respondJSON(w, http.StatusOK, ams.ViewStatus{ViewLocation: location})
}

// handleViewContent streams stored content through the gateway for
// deployments where clients cannot reach object storage directly.
func (s *Server) handleViewContent(w http.ResponseWriter, r *http.Request) {
	obj, ok := s.lookup(w, r)
	if !ok {
		return
	}

	view := chi.URLParam(r, "view")
	if !obj.hasView(view) {
		respondError(w, http.StatusNotFound, fmt.Errorf("object %s has no %q view", obj.ID, view))
		return
	}
	if obj.Status != statusUploaded {
		respondError(w, http.StatusConflict, fmt.Errorf("object %s is %s", obj.ID, obj.Status))
		return
	}

	body, info, err := s.blobs.GetObject(r.Context(), s.config.Bucket, obj.storageKey)
	if err != nil {
		respondError(w, http.StatusBadGateway, fmt.Errorf("read content: %w", err))
		return
	}
	defer body.Close()

	contentType := info.ContentType
	if contentType == "" {
		contentType = obj.ContentType
	}
	if contentType != "" {
		w.Header().Set("Content-Type", contentType)
	}
	if info.Size > 0 {
		w.Header().Set("Content-Length", strconv.FormatInt(info.Size, 10))
	}
	w.WriteHeader(http.StatusOK)
	if _, err := io.Copy(w, body); err != nil {
		s.logger.Warn().Err(err).Str("object_id", obj.ID.String()).Msg("stream content")
	}
}

func (s *Server) lookup(w http.ResponseWriter, r *http.Request) (Object, bool) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		respondError(w, http.StatusNotFound, ErrObjectNotFound)
		return Object{}, false
	}

	obj, err := s.store.Get(r.Context(), id)
	if err != nil {
		if errors.Is(err, ErrObjectNotFound) {
			respondError(w, http.StatusNotFound, err)
			return Object{}, false
		}
		respondError(w, http.StatusInternalServerError, err)
		return Object{}, false
	}
	return obj, true
}

func requireSession(w http.ResponseWriter, r *http.Request) (string, bool) {
	session, ok := bearerToken(r)
	if !ok {
		w.Header().Set("WWW-Authenticate", "Bearer")
		respondError(w, http.StatusUnauthorized, errors.New("session token required"))
	}
	return session, ok
}

func bearerToken(r *http.Request) (string, bool) {
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	scheme, token, found := strings.Cut(header, " ")
	if !found || !strings.EqualFold(scheme, "Bearer") {
		return "", false
	}
	token = strings.TrimSpace(token)
	return token, token != ""
}

func hashSession(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}

func permissionsMap(spec *ams.PermissionsSpec) map[string]any {
	if spec == nil {
		return nil
	}
	users := make([]any, len(spec.Users))
	for i, u := range spec.Users {
		users[i] = u
	}
	return map[string]any{
		"users":      users,
		"permission": string(spec.Permission),
	}
}
