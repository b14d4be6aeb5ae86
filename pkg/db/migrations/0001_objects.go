package migrations

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"
	"github.com/pressly/goose/v3"
	"gorm.io/datatypes"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
	"gorm.io/gorm/schema"
)

func init() {
	goose.AddMigrationContext(upObjects, downObjects)
}

// Object is the registry row behind every stored attachment.
type Object struct {
	ID          uuid.UUID         `gorm:"type:uuid;primaryKey"`
	SessionHash string            `gorm:"type:text;not null;index"`
	Type        string            `gorm:"type:text;not null;default:''"`
	Name        string            `gorm:"type:text;not null"`
	ContentType string            `gorm:"type:text;not null;default:''"`
	Status      string            `gorm:"type:text;not null;default:'pending'"`
	Size        int64             `gorm:"type:bigint;not null;default:0"`
	SHA256      string            `gorm:"column:sha256;type:text;not null;default:''"`
	StorageKey  string            `gorm:"type:text;not null;default:''"`
	Permissions datatypes.JSONMap `gorm:"type:jsonb"`
	CreatedAt   time.Time         `gorm:"type:timestamptz;not null;default:now();autoCreateTime"`
	UpdatedAt   time.Time         `gorm:"type:timestamptz;not null;default:now();autoUpdateTime"`
}

func openTx(tx *sql.Tx) (*gorm.DB, error) {
	return gorm.Open(postgres.New(postgres.Config{Conn: tx, PreferSimpleProtocol: true}), &gorm.Config{
		NamingStrategy: schema.NamingStrategy{SingularTable: false},
		Logger:         logger.Default.LogMode(logger.Silent),
	})
}

func upObjects(ctx context.Context, tx *sql.Tx) error {
	gormDB, err := openTx(tx)
	if err != nil {
		return err
	}
	return gormDB.WithContext(ctx).AutoMigrate(&Object{})
}

func downObjects(ctx context.Context, tx *sql.Tx) error {
	gormDB, err := openTx(tx)
	if err != nil {
		return err
	}
	return gormDB.WithContext(ctx).Migrator().DropTable(&Object{})
}
