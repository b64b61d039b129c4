// Package database is the sqlite-backed bookkeeping store: work status
// transitions, upload dedup records, and live recording rows. The pipeline
// consumes it through the narrow ledger contracts in the root package; the
// schema is owned by the embedded migrations, not by the pipeline.
package database

import (
	"context"
	"embed"
	"errors"
	"time"

	"github.com/golang-migrate/migrate/v4"
	migratesqlite "github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"go.uber.org/zap"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"moul.io/zapgorm2"

	douk "github.com/madou1217/douk-downloader"
)

//go:embed migrations/*.sql
var embedMigrations embed.FS

type Store struct {
	db  *gorm.DB
	log *zap.SugaredLogger
}

func Open(path string, logger *zap.Logger) (*Store, error) {
	gormLogger := zapgorm2.New(logger.Named("gorm"))
	gormLogger.IgnoreRecordNotFoundError = true
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{Logger: gormLogger})
	if err != nil {
		return nil, err
	}
	return &Store{db: db, log: logger.Sugar().Named("database")}, nil
}

// Migrate brings the schema up to date from the embedded migration files.
func (s *Store) Migrate() error {
	src, err := iofs.New(embedMigrations, "migrations")
	if err != nil {
		return err
	}
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	driver, err := migratesqlite.WithInstance(sqlDB, &migratesqlite.Config{})
	if err != nil {
		return err
	}
	m, err := migrate.NewWithInstance("iofs", src, "sqlite3", driver)
	if err != nil {
		return err
	}
	err = m.Up()
	switch {
	case err == nil:
		s.log.Info("database migration complete")
	case errors.Is(err, migrate.ErrNoChange):
		s.log.Debug("no database migration required")
	default:
		return err
	}
	return nil
}

func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// WorkStatus is the UI-facing status row for one work.
type WorkStatus struct {
	WorkID    string `gorm:"primaryKey;column:work_id"`
	Status    string
	Progress  int
	Reason    string
	LocalPath string `gorm:"column:local_path"`
	UpdatedAt time.Time
}

func (WorkStatus) TableName() string { return "work_status" }

func (s *Store) setWorkStatus(ctx context.Context, row WorkStatus) error {
	row.UpdatedAt = time.Now()
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "work_id"}},
		UpdateAll: true,
	}).Create(&row).Error
}

func (s *Store) MarkWorkDownloading(ctx context.Context, id string) error {
	return s.setWorkStatus(ctx, WorkStatus{WorkID: id, Status: "downloading"})
}

func (s *Store) MarkWorkDownloadProgress(ctx context.Context, id string, percent int) error {
	return s.db.WithContext(ctx).Model(&WorkStatus{}).
		Where("work_id = ?", id).
		Updates(map[string]any{"progress": percent, "updated_at": time.Now()}).Error
}

func (s *Store) MarkWorkDownloaded(ctx context.Context, id string, localPath string) error {
	return s.setWorkStatus(ctx, WorkStatus{WorkID: id, Status: "downloaded", Progress: 100, LocalPath: localPath})
}

func (s *Store) MarkWorkUploading(ctx context.Context, id string, localPath string) error {
	return s.setWorkStatus(ctx, WorkStatus{WorkID: id, Status: "uploading", Progress: 100, LocalPath: localPath})
}

func (s *Store) MarkWorkUploadFailed(ctx context.Context, id string, reason string, localPath string) error {
	return s.setWorkStatus(ctx, WorkStatus{WorkID: id, Status: "upload_failed", Reason: reason, LocalPath: localPath})
}

// GetWorkStatus returns (nil, nil) if no such row exists.
func (s *Store) GetWorkStatus(ctx context.Context, id string) (*WorkStatus, error) {
	var row WorkStatus
	err := s.db.WithContext(ctx).Where("work_id = ?", id).First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &row, nil
}

// UploadRecord is the dedup row for one completed upload, keyed by
// (hash, provider, destination).
type UploadRecord struct {
	Hash              string `gorm:"primaryKey"`
	Provider          string `gorm:"primaryKey"`
	Destination       string `gorm:"primaryKey"`
	OriginDestination string `gorm:"column:origin_destination"`
	LocalPath         string `gorm:"column:local_path"`
	LocalSize         int64  `gorm:"column:local_size"`
	WorkID            string `gorm:"column:work_id"`
	UploadedAt        time.Time
}

func (UploadRecord) TableName() string { return "upload_record" }

func (s *Store) HasUpload(ctx context.Context, hash, provider, destination string) (bool, error) {
	var count int64
	err := s.db.WithContext(ctx).Model(&UploadRecord{}).
		Where("hash = ? AND provider = ? AND destination = ?", hash, provider, destination).
		Count(&count).Error
	return count > 0, err
}

// UpdateUpload writes or refreshes the dedup row; repeated writes for the
// same key are harmless.
func (s *Store) UpdateUpload(ctx context.Context, record douk.UploadRecord) error {
	row := UploadRecord{
		Hash:              record.Hash,
		Provider:          record.Provider,
		Destination:       record.Destination,
		OriginDestination: record.OriginDestination,
		LocalPath:         record.LocalPath,
		LocalSize:         record.LocalSize,
		WorkID:            record.WorkID,
		UploadedAt:        time.Now(),
	}
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "hash"}, {Name: "provider"}, {Name: "destination"}},
		UpdateAll: true,
	}).Create(&row).Error
}
