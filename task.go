package douk_downloader

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrCacheCorrupt indicates the server rejected our resume offset (HTTP 416),
	// i.e. the partially-downloaded temp file no longer matches the remote object.
	ErrCacheCorrupt = errors.New("cached partial file does not match remote object")
	// ErrEmptyResponse indicates the server declared no content length for a task
	// that did not opt in to unknown-size downloads.
	ErrEmptyResponse = errors.New("response declared no content")
	// ErrIncomplete indicates the byte count written disagrees with the declared length.
	ErrIncomplete = errors.New("downloaded size does not match declared size")
)

// TaskKind classifies a TransferTask for batch accounting and integrity rules:
// only video-typed tasks get the remote-size integrity re-check on skip.
type TaskKind string

const (
	TaskVideo     TaskKind = "video"
	TaskImage     TaskKind = "image"
	TaskLivePhoto TaskKind = "live_photo"
	TaskMusic     TaskKind = "music"
	TaskCover     TaskKind = "cover"
)

// IsVideo reports whether skip decisions for this kind must verify remote size.
func (k TaskKind) IsVideo() bool {
	return k == TaskVideo || k == TaskLivePhoto
}

// TransferTask is one file to fetch. Tasks are created when a batch is planned
// and discarded once terminal; they are never persisted.
type TransferTask struct {
	// WorkID is the owning work identifier. Work-status tracking only happens
	// when it is numeric and the suffix is upload-eligible.
	WorkID string
	Kind   TaskKind
	// URLs are ranked candidate sources; the first non-empty one is used.
	URLs      []string
	TempPath  string
	FinalPath string
	// Suffix is the declared file suffix; Content-Type sniffing may override it.
	Suffix string
	// Label is the human-readable name used in log lines.
	Label string
	// UnknownSize permits a response with no declared Content-Length.
	UnknownSize bool
}

// URL returns the first usable candidate URL, or "".
func (t *TransferTask) URL() string {
	for _, u := range t.URLs {
		if u != "" {
			return u
		}
	}
	return ""
}

func (t *TransferTask) String() string {
	return fmt.Sprintf("TransferTask{Work:%q, Kind:%q, Label:%q}", t.WorkID, t.Kind, t.Label)
}

type OutcomeStatus string

const (
	OutcomeSuccess OutcomeStatus = "success"
	OutcomeSkip    OutcomeStatus = "skip"
	OutcomeFail    OutcomeStatus = "fail"
)

// TransferOutcome is produced exactly once per TransferTask.
type TransferOutcome struct {
	Status OutcomeStatus
	// Bytes is how many bytes this call actually transferred (zero on skip).
	Bytes int64
	// Path is the terminal local path when Status is success or skip.
	Path string
	// Reason carries a human-readable explanation on failure.
	Reason string
}

func (o TransferOutcome) OK() bool { return o.Status != OutcomeFail }

// WorkKind classifies a Work for batch planning.
type WorkKind string

const (
	WorkVideo     WorkKind = "video"
	WorkGallery   WorkKind = "gallery"
	WorkLivePhoto WorkKind = "live_photo"
)

// Work describes one piece of content tracked end-to-end by an id. The caller
// (scraper, API layer) supplies these; the pipeline only reacts to them.
type Work struct {
	ID          string
	Kind        WorkKind
	Description string
	Nickname    string
	// PublishDate is whatever the source reported; parsed leniently when
	// deriving remote upload paths.
	PublishDate string
	// DownloadURLs: for WorkVideo, ranked candidates for one file; for
	// WorkGallery/WorkLivePhoto, one entry per image.
	DownloadURLs    []string
	MusicURL        string
	StaticCoverURL  string
	DynamicCoverURL string
}

// WorkMetadata is what the Upload Service needs to derive a remote path.
type WorkMetadata struct {
	Title       string
	Author      string
	PublishDate string
}

// MetadataResolver looks up upload metadata for a work id. A nil resolver or
// a false return falls back to path-relative naming.
type MetadataResolver func(workID string) (WorkMetadata, bool)

// StreamDescriptor describes a live source's available renditions. Adaptive
// playlist URLs are preferred over raw stream URLs.
type StreamDescriptor struct {
	RoomID   string
	WebRID   string
	Nickname string
	Title    string
	CoverURL string
	Width    int
	Height   int
	// HLSURLs maps rendition name to adaptive-playlist URL.
	HLSURLs map[string]string
	// FLVURLs maps rendition name to raw stream URL.
	FLVURLs map[string]string
}

// LiveWork is the synthetic work record written for a finished live recording.
type LiveWork struct {
	SourceID          string
	WorkID            string
	Description       string
	CreateTS          int64
	CreateDate        string
	CoverURL          string
	Width             int
	Height            int
	UploadStatus      string
	UploadProvider    string
	Destination       string
	OriginDestination string
	LocalPath         string
	UploadedAt        time.Time
}
