package database

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	douk "github.com/madou1217/douk-downloader"
)

// LiveRecord is one recording session of one stream. A new row is created
// each time capture starts; retries within the session bump RetryCount on
// the same row.
type LiveRecord struct {
	ID                int64  `gorm:"primaryKey;autoIncrement"`
	SourceID          string `gorm:"column:source_id"`
	RoomID            string `gorm:"column:room_id"`
	WebRID            string `gorm:"column:web_rid"`
	Nickname          string
	Title             string
	StreamURL         string `gorm:"column:stream_url"`
	SegmentDir        string `gorm:"column:segment_dir"`
	OutputFile        string `gorm:"column:output_file"`
	Status            string
	RetryCount        int    `gorm:"column:retry_count"`
	LastError         string `gorm:"column:last_error"`
	Destination       string
	OriginDestination string `gorm:"column:origin_destination"`
	WorkID            string `gorm:"column:work_id"`
	CreatedAt         time.Time
	FinishedAt        *time.Time
}

func (LiveRecord) TableName() string { return "live_record" }

// LiveWorkRow is the persisted form of a finished live recording promoted
// to a work, so it shows up alongside downloaded works.
type LiveWorkRow struct {
	WorkID            string `gorm:"primaryKey;column:work_id"`
	SourceID          string `gorm:"column:source_id"`
	Description       string
	CreateTS          int64  `gorm:"column:create_ts"`
	CreateDate        string `gorm:"column:create_date"`
	CoverURL          string `gorm:"column:cover_url"`
	Width             int
	Height            int
	LocalPath         string `gorm:"column:local_path"`
	UploadStatus      string `gorm:"column:upload_status"`
	UploadProvider    string `gorm:"column:upload_provider"`
	Destination       string
	OriginDestination string `gorm:"column:origin_destination"`
	UploadedAt        *time.Time
	CreatedAt         time.Time
}

func (LiveWorkRow) TableName() string { return "live_work" }

// CreateLiveRecord inserts the row and fills rec.ID.
func (s *Store) CreateLiveRecord(ctx context.Context, rec *LiveRecord) error {
	rec.CreatedAt = time.Now()
	if rec.Status == "" {
		rec.Status = "recording"
	}
	return s.db.WithContext(ctx).Create(rec).Error
}

func (s *Store) UpdateLiveRetry(ctx context.Context, id int64, retries int, lastError string) error {
	return s.db.WithContext(ctx).Model(&LiveRecord{}).
		Where("id = ?", id).
		Updates(map[string]any{"retry_count": retries, "last_error": lastError}).Error
}

// FinishLiveRecord moves the session row to a terminal status.
func (s *Store) FinishLiveRecord(ctx context.Context, id int64, status, outputFile, destination, originDestination, workID, lastError string) error {
	now := time.Now()
	return s.db.WithContext(ctx).Model(&LiveRecord{}).
		Where("id = ?", id).
		Updates(map[string]any{
			"status":             status,
			"output_file":        outputFile,
			"destination":        destination,
			"origin_destination": originDestination,
			"work_id":            workID,
			"last_error":         lastError,
			"finished_at":        &now,
		}).Error
}

func (s *Store) InsertLiveWork(ctx context.Context, work douk.LiveWork) error {
	row := LiveWorkRow{
		WorkID:            work.WorkID,
		SourceID:          work.SourceID,
		Description:       work.Description,
		CreateTS:          work.CreateTS,
		CreateDate:        work.CreateDate,
		CoverURL:          work.CoverURL,
		Width:             work.Width,
		Height:            work.Height,
		LocalPath:         work.LocalPath,
		UploadStatus:      work.UploadStatus,
		UploadProvider:    work.UploadProvider,
		Destination:       work.Destination,
		OriginDestination: work.OriginDestination,
		CreatedAt:         time.Now(),
	}
	if !work.UploadedAt.IsZero() {
		t := work.UploadedAt
		row.UploadedAt = &t
	}
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "work_id"}},
		UpdateAll: true,
	}).Create(&row).Error
}

// LinkLiveWorkOutput repairs a live work row whose local file was moved or
// restored after the fact. It refuses to invent rows: linking an unknown
// work is an error.
func (s *Store) LinkLiveWorkOutput(ctx context.Context, workID, localPath string) error {
	result := s.db.WithContext(ctx).Model(&LiveWorkRow{}).
		Where("work_id = ?", workID).
		Update("local_path", localPath)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrNoSuchLiveWork
	}
	return nil
}

var ErrNoSuchLiveWork = errors.New("no such live work")

// ActiveLiveRecords returns sessions not yet in a terminal status, used at
// startup to report capture sessions that were cut off by a crash.
func (s *Store) ActiveLiveRecords(ctx context.Context) ([]LiveRecord, error) {
	var rows []LiveRecord
	err := s.db.WithContext(ctx).
		Where("status NOT IN ?", []string{"uploaded", "upload_failed", "finished", "failed"}).
		Find(&rows).Error
	return rows, err
}

// GetLiveWork returns (nil, nil) if no such row exists.
func (s *Store) GetLiveWork(ctx context.Context, workID string) (*LiveWorkRow, error) {
	var row LiveWorkRow
	err := s.db.WithContext(ctx).Where("work_id = ?", workID).First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &row, nil
}
