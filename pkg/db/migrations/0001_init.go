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
	goose.AddMigrationContext(upInit, downInit)
}

// Delivery is one dispatched session archive.
type Delivery struct {
	ID                uuid.UUID         `gorm:"type:uuid;primaryKey"`
	SessionID         string            `gorm:"type:text;not null;index"`
	DeliveryID        string            `gorm:"type:text;not null;default:''"`
	Email             string            `gorm:"type:text;not null"`
	Link              string            `gorm:"type:text"`
	Uploaded          bool              `gorm:"not null;default:false"`
	Emailed           bool              `gorm:"not null;default:false"`
	Notified          bool              `gorm:"not null;default:false"`
	Files             datatypes.JSON    `gorm:"type:jsonb"`
	DuplicatesDropped int               `gorm:"not null;default:0"`
	Degraded          datatypes.JSON    `gorm:"type:jsonb"`
	Metadata          datatypes.JSONMap `gorm:"type:jsonb"`
	DeliveredAt       time.Time         `gorm:"type:timestamptz;not null"`
	ExpiresAt         *time.Time        `gorm:"type:timestamptz"`
	CreatedAt         time.Time         `gorm:"type:timestamptz;not null;default:now();autoCreateTime"`
}

// SessionEvent is one status transition.
type SessionEvent struct {
	ID         uuid.UUID `gorm:"type:uuid;primaryKey"`
	SessionID  string    `gorm:"type:text;not null;index"`
	FromStatus string    `gorm:"type:text;not null"`
	ToStatus   string    `gorm:"type:text;not null"`
	Detail     string    `gorm:"type:text"`
	CreatedAt  time.Time `gorm:"type:timestamptz;not null;default:now();autoCreateTime"`
}

func openTx(tx *sql.Tx) (*gorm.DB, error) {
	return gorm.Open(postgres.New(postgres.Config{Conn: tx, PreferSimpleProtocol: true}), &gorm.Config{
		NamingStrategy: schema.NamingStrategy{SingularTable: false},
		Logger:         logger.Default.LogMode(logger.Silent),
	})
}

func upInit(ctx context.Context, tx *sql.Tx) error {
	gormDB, err := openTx(tx)
	if err != nil {
		return err
	}
	return gormDB.WithContext(ctx).AutoMigrate(&Delivery{}, &SessionEvent{})
}

func downInit(ctx context.Context, tx *sql.Tx) error {
	gormDB, err := openTx(tx)
	if err != nil {
		return err
	}
	return gormDB.WithContext(ctx).Migrator().DropTable(&SessionEvent{}, &Delivery{})
}
