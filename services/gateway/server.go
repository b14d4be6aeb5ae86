// Package gateway implements ams-gw, the HTTP object service that backs
// attachment uploads and view lookups.
package gateway

import (
	"context"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-chi/httprate"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	gos3 "attachd/pkg/s3"
)

const (
	defaultViewTTL        = 5 * time.Minute
	defaultMaxUploadBytes = 64 << 20
)

// BlobStore is the object storage the gateway streams content into.
type BlobStore interface {
	PutObject(ctx context.Context, bucket, key string, r io.Reader, size int64, sha256, contentType string) error
	GetObject(ctx context.Context, bucket, key string) (io.ReadCloser, gos3.ObjectInfo, error)
	HeadObject(ctx context.Context, bucket, key string) (gos3.ObjectInfo, error)
	PresignGet(ctx context.Context, bucket, key string, ttl time.Duration) (string, error)
}

var _ BlobStore = (*gos3.Client)(nil)

// Server serves the object registry API.
type Server struct {
	store  ObjectStore
	blobs  BlobStore
	config Config
	logger zerolog.Logger

	uploadedBytes prometheus.Counter
	objects       *prometheus.CounterVec
}

// NewServer validates dependencies and applies defaults to cfg. A nil
// registerer uses the Prometheus default registry.
func NewServer(store ObjectStore, blobs BlobStore, cfg Config, logger zerolog.Logger, reg prometheus.Registerer) (*Server, error) {
	if store == nil {
		return nil, errors.New("object store is required")
	}
	if blobs == nil {
		return nil, errors.New("blob store is required")
	}
	if cfg.Bucket == "" {
		return nil, errors.New("bucket is required")
	}
	if cfg.ViewTTL <= 0 {
		cfg.ViewTTL = defaultViewTTL
	}
	if cfg.MaxUploadBytes <= 0 {
		cfg.MaxUploadBytes = defaultMaxUploadBytes
	}
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	return &Server{
		store:  store,
		blobs:  blobs,
		config: cfg,
		logger: logger,
		uploadedBytes: factory.NewCounter(prometheus.CounterOpts{
			Name: "attachd_gateway_uploaded_bytes_total",
			Help: "Bytes of attachment content written to object storage.",
		}),
		objects: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "attachd_gateway_objects_total",
			Help: "Object registry transitions by status.",
		}, []string{"status"}),
	}, nil
}

// Routes builds the chi router for the gateway.
func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	allowed := s.config.AllowedOrigins
	if len(allowed) == 0 {
		allowed = []string{"*"}
	}
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: allowed,
		AllowedMethods: []string{"GET", "POST", "PUT", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type"},
		MaxAge:         int((10 * time.Minute).Seconds()),
	}))
	if s.config.RateLimit > 0 {
		r.Use(httprate.LimitByIP(s.config.RateLimit, time.Minute))
	}

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Get("/readyz", s.handleReady)
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())

	r.Route("/v1/objects", func(r chi.Router) {
		if s.config.RequestTimeout > 0 {
			r.Use(middleware.Timeout(s.config.RequestTimeout))
		}
		r.Post("/", s.handleCreateObject)
		r.Get("/", s.handleListObjects)
		r.Get("/{id}", s.handleGetObject)
		r.Put("/{id}/content", s.handleUploadContent)
		r.Get("/{id}/views/{view}/status", s.handleViewStatus)
		r.Get("/{id}/views/{view}/content", s.handleViewContent)
	})

	return r
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	if err := s.store.Ping(ctx); err != nil {
		respondError(w, http.StatusServiceUnavailable, err)
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ready"))
}
