package douk_downloader

import (
	"errors"
	"strings"
	"time"
)

var (
	ErrNoRoot = errors.New("storage root not configured")
)

// Config is the pipeline-wide configuration. Callers populate it (config file
// parsing is out of scope) and must call Normalize before use.
type Config struct {
	// Root is the storage root for finished media.
	Root string
	// CacheDir holds in-progress temp files; resume offsets are derived from
	// the sizes of files found here.
	CacheDir string

	ChunkSize int
	// MaxSize skips (without error) any download whose declared length
	// exceeds it. Zero disables the limit.
	MaxSize int64
	// MaxWorkers bounds concurrent downloads within a batch.
	MaxWorkers int64
	// MaxRetry bounds per-task fetch attempts.
	MaxRetry int
	// ReadIdleTimeout aborts a transfer when no bytes arrive for this long.
	ReadIdleTimeout time.Duration
	RequestTimeout  time.Duration

	UserAgent string
	Proxy     string

	// Music / DynamicCover / StaticCover toggle the optional sibling tasks
	// planned alongside each work.
	Music        bool
	StaticCover  bool
	DynamicCover bool

	// NameLength caps generated file name stems.
	NameLength int

	Upload UploadConfig
	Live   LiveConfig
}

type UploadConfig struct {
	Enabled                bool
	DeleteLocalAfterUpload bool
	// VideoSuffixes is the upload-eligible suffix allow-list, normalized by
	// Normalize (lower-cased, leading dots stripped).
	VideoSuffixes []string
	WebDAV        WebDAVConfig
}

type WebDAVConfig struct {
	Enabled       bool
	BaseURL       string
	OriginBaseURL string
	Username      string
	Password      string
	RemoteRoot    string
	Timeout       time.Duration
}

type LiveConfig struct {
	FFmpegPath  string
	FFprobePath string
	// SegmentSeconds is the fixed duration of each raw capture segment.
	SegmentSeconds int
	// OfflineThreshold is how many consecutive offline signals stop a session.
	OfflineThreshold int
	SaveFolder       string
	ProbeTimeout     time.Duration
	// TerminateGrace bounds how long a stopped capture process may take to
	// exit before it is killed.
	TerminateGrace time.Duration
}

func DefaultConfig() Config {
	return Config{
		ChunkSize:       1024 * 1024,
		MaxWorkers:      4,
		MaxRetry:        5,
		ReadIdleTimeout: 10 * time.Second,
		RequestTimeout:  10 * time.Second,
		StaticCover:     false,
		DynamicCover:    false,
		NameLength:      128,
		Upload: UploadConfig{
			VideoSuffixes: []string{"mp4", "mov"},
			WebDAV: WebDAVConfig{
				RemoteRoot: "/DouK-Downloader",
				Timeout:    30 * time.Second,
			},
		},
		Live: LiveConfig{
			SegmentSeconds:   30,
			OfflineThreshold: 3,
			SaveFolder:       "LiveRecord",
			ProbeTimeout:     15 * time.Second,
			TerminateGrace:   20 * time.Second,
		},
	}
}

// Normalize fills defaults, normalizes the suffix allow-list and WebDAV URLs,
// and disables upload channels that are enabled but unusable.
func (c *Config) Normalize() error {
	if c.Root == "" {
		return ErrNoRoot
	}
	d := DefaultConfig()
	if c.ChunkSize <= 0 {
		c.ChunkSize = d.ChunkSize
	}
	if c.MaxWorkers <= 0 {
		c.MaxWorkers = d.MaxWorkers
	}
	if c.MaxRetry <= 0 {
		c.MaxRetry = d.MaxRetry
	}
	if c.ReadIdleTimeout <= 0 {
		c.ReadIdleTimeout = d.ReadIdleTimeout
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = d.RequestTimeout
	}
	if c.NameLength <= 0 {
		c.NameLength = d.NameLength
	}
	if c.Live.SegmentSeconds <= 0 {
		c.Live.SegmentSeconds = d.Live.SegmentSeconds
	}
	if c.Live.OfflineThreshold <= 0 {
		c.Live.OfflineThreshold = d.Live.OfflineThreshold
	}
	if c.Live.SaveFolder == "" {
		c.Live.SaveFolder = d.Live.SaveFolder
	}
	if c.Live.ProbeTimeout <= 0 {
		c.Live.ProbeTimeout = d.Live.ProbeTimeout
	}
	if c.Live.TerminateGrace <= 0 {
		c.Live.TerminateGrace = d.Live.TerminateGrace
	}

	suffixes := make([]string, 0, len(c.Upload.VideoSuffixes))
	for _, s := range c.Upload.VideoSuffixes {
		if s = NormalizeSuffix(s); s != "" {
			suffixes = append(suffixes, s)
		}
	}
	if len(suffixes) == 0 {
		suffixes = d.Upload.VideoSuffixes
	}
	c.Upload.VideoSuffixes = suffixes

	w := &c.Upload.WebDAV
	w.BaseURL = strings.TrimRight(strings.TrimSpace(w.BaseURL), "/")
	w.OriginBaseURL = strings.TrimRight(strings.TrimSpace(w.OriginBaseURL), "/")
	if w.OriginBaseURL == "" {
		w.OriginBaseURL = w.BaseURL
	}
	if w.Timeout <= 0 {
		w.Timeout = d.Upload.WebDAV.Timeout
	}
	if w.Enabled && w.BaseURL == "" {
		// Enabled but unreachable; treat as disabled rather than failing
		// every upload later.
		w.Enabled = false
	}
	return nil
}

// SuffixSet returns the normalized upload-eligible suffixes as a set.
func (c *UploadConfig) SuffixSet() map[string]struct{} {
	set := make(map[string]struct{}, len(c.VideoSuffixes))
	for _, s := range c.VideoSuffixes {
		set[NormalizeSuffix(s)] = struct{}{}
	}
	return set
}

// NormalizeSuffix lower-cases a file suffix and strips whitespace and leading dots.
func NormalizeSuffix(s string) string {
	return strings.TrimLeft(strings.ToLower(strings.TrimSpace(s)), ".")
}
