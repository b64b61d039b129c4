package douk_downloader

import "context"

// The pipeline never owns durable bookkeeping; it consumes the narrow
// contracts below. Reference implementations live in internal/boltdb
// (DownloadLedger) and database (UploadLedger + WorkTracker).

// DownloadLedger tracks completed discrete downloads by work id. Writes must
// be idempotent: recording the same id twice is harmless.
type DownloadLedger interface {
	HasID(ctx context.Context, id string) (bool, error)
	UpdateID(ctx context.Context, id string) error
	DeleteID(ctx context.Context, id string) error
}

// UploadRecord is the ledger entity for one completed upload, keyed by
// (Hash, Provider, Destination). Write-once-then-idempotent.
type UploadRecord struct {
	Hash              string
	Provider          string
	Destination       string
	OriginDestination string
	LocalPath         string
	LocalSize         int64
	WorkID            string
}

// UploadLedger tracks uploads for content-addressed deduplication.
type UploadLedger interface {
	HasUpload(ctx context.Context, hash, provider, destination string) (bool, error)
	UpdateUpload(ctx context.Context, record UploadRecord) error
}

// WorkTracker is the UI/status side channel. The pipeline only ever calls
// these transition methods; it never mutates storage directly.
type WorkTracker interface {
	MarkWorkDownloading(ctx context.Context, id string) error
	MarkWorkDownloadProgress(ctx context.Context, id string, percent int) error
	MarkWorkDownloaded(ctx context.Context, id string, localPath string) error
	MarkWorkUploading(ctx context.Context, id string, localPath string) error
	MarkWorkUploadFailed(ctx context.Context, id string, reason string, localPath string) error
}

// UploadOutcome is returned synchronously from every upload call. Local
// deletion policy must require Attempted && Success.
type UploadOutcome struct {
	Attempted   bool
	Success     bool
	Destination string
	// OriginDestination is an alternate/direct URL alias for the same
	// resource, e.g. a LAN-local address.
	OriginDestination string
	// Skipped means the object was already present (ledger hit or remote
	// size match) and no bytes were sent.
	Skipped bool
	Reason  string
}
