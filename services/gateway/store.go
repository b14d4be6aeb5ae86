package gateway

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"gorm.io/gorm"

	"attachd/pkg/db"
)

// ErrObjectNotFound is returned when no object matches the requested id.
var ErrObjectNotFound = errors.New("object not found")

// ObjectStore persists the object registry.
type ObjectStore interface {
	Create(ctx context.Context, obj Object) error
	Get(ctx context.Context, id uuid.UUID) (Object, error)
	ListBySession(ctx context.Context, sessionHash string) ([]Object, error)
	MarkUploaded(ctx context.Context, id uuid.UUID, size int64, sha256 string) error
	Ping(ctx context.Context) error
}

// PostgresStore inserts through gorm and runs everything else on the pgx pool.
type PostgresStore struct {
	orm  *gorm.DB
	pool *pgxpool.Pool
}

var _ ObjectStore = (*PostgresStore)(nil)

// NewPostgresStore wires a store over an existing gorm session and pool.
func NewPostgresStore(orm *gorm.DB, pool *pgxpool.Pool) (*PostgresStore, error) {
	if orm == nil {
		return nil, errors.New("orm is required")
	}
	if pool == nil {
		return nil, errors.New("pool is required")
	}
	return &PostgresStore{orm: orm, pool: pool}, nil
}

func (s *PostgresStore) Create(ctx context.Context, obj Object) error {
	model := objectModelFrom(obj)
	if err := s.orm.WithContext(ctx).Create(&model).Error; err != nil {
		return fmt.Errorf("insert object: %w", err)
	}
	return nil
}

const objectColumns = `id, session_hash, type, name, content_type, status, size, sha256, storage_key, permissions, created_at, updated_at`

const (
	selectObject           = `SELECT ` + objectColumns + ` FROM objects WHERE id = $1`
	selectObjectsBySession = `SELECT ` + objectColumns + ` FROM objects WHERE session_hash = $1 ORDER BY created_at DESC`
	updateObjectUploaded   = `UPDATE objects SET status = $2, size = $3, sha256 = $4, updated_at = $5 WHERE id = $1`
)

func (s *PostgresStore) Get(ctx context.Context, id uuid.UUID) (Object, error) {
	var model objectModel
	if err := db.Get(ctx, s.pool, &model, selectObject, id); err != nil {
		if errors.Is(err, db.ErrNotFound) {
			return Object{}, ErrObjectNotFound
		}
		return Object{}, fmt.Errorf("select object: %w", err)
	}
	return model.toAPI(), nil
}

// ListBySession returns the objects created under a session, newest first.
func (s *PostgresStore) ListBySession(ctx context.Context, sessionHash string) ([]Object, error) {
	var models []objectModel
	if err := db.Select(ctx, s.pool, &models, selectObjectsBySession, sessionHash); err != nil {
		return nil, fmt.Errorf("select objects: %w", err)
	}
	out := make([]Object, len(models))
	for i, m := range models {
		out[i] = m.toAPI()
	}
	return out, nil
}

func (s *PostgresStore) MarkUploaded(ctx context.Context, id uuid.UUID, size int64, sha256 string) error {
	tag, err := db.Exec(ctx, s.pool, updateObjectUploaded, id, statusUploaded, size, sha256, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("update object: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrObjectNotFound
	}
	return nil
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return db.Ping(ctx, s.pool)
}
