package gateway

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
)

type objectModel struct {
	ID          uuid.UUID         `gorm:"type:uuid;primaryKey" db:"id"`
	SessionHash string            `gorm:"type:text;not null;index" db:"session_hash"`
	Type        string            `gorm:"type:text;not null" db:"type"`
	Name        string            `gorm:"type:text;not null" db:"name"`
	ContentType string            `gorm:"type:text;not null" db:"content_type"`
	Status      string            `gorm:"type:text;not null" db:"status"`
	Size        int64             `gorm:"type:bigint;not null" db:"size"`
	SHA256      string            `gorm:"column:sha256;type:text;not null" db:"sha256"`
	StorageKey  string            `gorm:"type:text;not null" db:"storage_key"`
	Permissions datatypes.JSONMap `gorm:"type:jsonb" db:"permissions"`
	CreatedAt   time.Time         `gorm:"type:timestamptz;not null;default:now();autoCreateTime" db:"created_at"`
	UpdatedAt   time.Time         `gorm:"type:timestamptz;not null;default:now();autoUpdateTime" db:"updated_at"`
}

func (objectModel) TableName() string { return "objects" }

func (m objectModel) toAPI() Object {
	var perms map[string]any
	if len(m.Permissions) > 0 {
		perms = map[string]any(m.Permissions)
	}
	return Object{
		ID:          m.ID,
		Type:        m.Type,
		Name:        m.Name,
		ContentType: m.ContentType,
		Status:      m.Status,
		Size:        m.Size,
		SHA256:      m.SHA256,
		Permissions: perms,
		CreatedAt:   m.CreatedAt,
		UpdatedAt:   m.UpdatedAt,
		sessionHash: m.SessionHash,
		storageKey:  m.StorageKey,
	}
}

func objectModelFrom(o Object) objectModel {
	var perms datatypes.JSONMap
	if len(o.Permissions) > 0 {
		perms = datatypes.JSONMap(o.Permissions)
	}
	return objectModel{
		ID:          o.ID,
		SessionHash: o.sessionHash,
		Type:        o.Type,
		Name:        o.Name,
		ContentType: o.ContentType,
		Status:      o.Status,
		Size:        o.Size,
		SHA256:      o.SHA256,
		StorageKey:  o.storageKey,
		Permissions: perms,
		CreatedAt:   o.CreatedAt,
		UpdatedAt:   o.UpdatedAt,
	}
}
