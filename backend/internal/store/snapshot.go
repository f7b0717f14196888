package store

import (
	"context"
	"errors"
	"time"

	"gorm.io/driver/mysql"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/fyfrey/AppFlowy-Cloud/backend/internal/collab"
)

// CollabSnapshot 每个 object id 一行，Put 即 upsert。
type CollabSnapshot struct {
	ObjectID  string `gorm:"column:object_id;primaryKey;size:64"`
	Blob      []byte `gorm:"column:blob;type:longblob"`
	UpdatedAt time.Time
}

func (CollabSnapshot) TableName() string { return "collab_snapshots" }

func InitMySQL(dsn string) (*gorm.DB, error) {
	db, err := gorm.Open(mysql.Open(dsn), &gorm.Config{})
	if err != nil {
		return nil, err
	}
	if err := db.AutoMigrate(&CollabSnapshot{}); err != nil {
		return nil, err
	}
	return db, nil
}

// SnapshotStore implements collab.SnapshotStore on MySQL.
type SnapshotStore struct{ db *gorm.DB }

func NewSnapshotStore(db *gorm.DB) *SnapshotStore {
	return &SnapshotStore{db: db}
}

func (s *SnapshotStore) Get(ctx context.Context, objectID string) ([]byte, error) {
	var row CollabSnapshot
	err := s.db.WithContext(ctx).First(&row, "object_id = ?", objectID).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, collab.ErrRecordNotFound
		}
		return nil, err
	}
	return row.Blob, nil
}

func (s *SnapshotStore) Put(ctx context.Context, objectID string, snapshot []byte) error {
	row := CollabSnapshot{ObjectID: objectID, Blob: snapshot, UpdatedAt: time.Now()}
	return s.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "object_id"}},
			DoUpdates: clause.AssignmentColumns([]string{"blob", "updated_at"}),
		}).
		Create(&row).Error
}
