// Package live drives one external capture process per watched stream,
// writing fixed-duration numbered segments and merging them into a single
// file once the stream ends. The Supervisor never decides liveness itself;
// an external monitor calls EnsureRecording and MarkOffline.
package live

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/hashicorp/go-multierror"
	"go.uber.org/zap"

	douk "github.com/madou1217/douk-downloader"
	"github.com/madou1217/douk-downloader/database"
	"github.com/madou1217/douk-downloader/internal/proc"
	"github.com/madou1217/douk-downloader/internal/pubsub"
	"github.com/madou1217/douk-downloader/internal/sync_"
	"github.com/madou1217/douk-downloader/util"
)

var ErrNoStreamURL = errors.New("stream descriptor has no usable URL")

const (
	unknownStreamer = "UnknownStreamer"

	sessionStamp = "20060102150405"

	// Unexpected-exit restarts back off linearly, capped.
	backoffStep = 3 * time.Second
	backoffMax  = 15 * time.Second
)

// RecordStore is the durable side of a recording session. database.Store
// satisfies it.
type RecordStore interface {
	CreateLiveRecord(ctx context.Context, rec *database.LiveRecord) error
	UpdateLiveRetry(ctx context.Context, id int64, retries int, lastError string) error
	FinishLiveRecord(ctx context.Context, id int64, status, outputFile, destination, originDestination, workID, lastError string) error
	InsertLiveWork(ctx context.Context, work douk.LiveWork) error
}

// Uploader is the post-merge handoff target. upload.Service satisfies it.
type Uploader interface {
	Upload(ctx context.Context, localFile, suffix, workID string) douk.UploadOutcome
}

// SessionEvent reports a session lifecycle transition for observers.
type SessionEvent struct {
	SourceID string
	Status   string
	Output   string
}

type session struct {
	sourceID   string
	desc       douk.StreamDescriptor
	streamURL  string
	stamp      string
	segmentDir string
	outputPath string
	coverPath  string
	recordID   int64
	retries    int
	offline    int
	stop       *sync_.Event
	done       chan struct{}
}

type Supervisor struct {
	cfg      douk.Config
	runner   proc.Runner
	store    RecordStore
	uploader Uploader
	http     *http.Client
	log      *zap.SugaredLogger
	events   *pubsub.Publisher[SessionEvent]

	backoffStep time.Duration
	backoffMax  time.Duration

	mu       sync.Mutex
	sessions map[string]*session
}

type Options struct {
	// Runner overrides the os/exec-backed process runner (tests).
	Runner   proc.Runner
	Store    RecordStore
	Uploader Uploader
	Logger   *zap.Logger
}

func NewSupervisor(cfg douk.Config, opts Options) (*Supervisor, error) {
	if err := cfg.Normalize(); err != nil {
		return nil, err
	}
	if cfg.Live.FFmpegPath == "" {
		cfg.Live.FFmpegPath = "ffmpeg"
	}
	if cfg.Live.FFprobePath == "" {
		cfg.Live.FFprobePath = "ffprobe"
	}
	runner := opts.Runner
	if runner == nil {
		runner = proc.NewRunner()
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.L()
	}
	return &Supervisor{
		cfg:         cfg,
		runner:      runner,
		store:       opts.Store,
		uploader:    opts.Uploader,
		http:        &http.Client{Timeout: cfg.RequestTimeout},
		log:         logger.Sugar().Named("live"),
		events:      pubsub.NewPublisher[SessionEvent](),
		backoffStep: backoffStep,
		backoffMax:  backoffMax,
		sessions:    make(map[string]*session),
	}, nil
}

// Events exposes session lifecycle events. Slow subscribers lose events
// rather than blocking sessions.
func (sup *Supervisor) Events() (*pubsub.Subscription[SessionEvent], error) {
	return sup.events.Subscribe()
}

// EnsureRecording starts capturing sourceID if it is not already being
// captured. Calling it for an active session only resets the offline
// counter, so a source reported live again never flaps its own recording.
func (sup *Supervisor) EnsureRecording(ctx context.Context, sourceID string, desc douk.StreamDescriptor) error {
	sup.mu.Lock()
	if s, ok := sup.sessions[sourceID]; ok {
		s.offline = 0
		sup.mu.Unlock()
		return nil
	}
	sup.mu.Unlock()

	streamURL := pickStreamURL(desc)
	if streamURL == "" {
		return ErrNoStreamURL
	}

	s, err := sup.newSession(ctx, sourceID, desc, streamURL)
	if err != nil {
		return err
	}

	sup.mu.Lock()
	if _, ok := sup.sessions[sourceID]; ok {
		// Lost the race with a concurrent EnsureRecording for the same id.
		sup.mu.Unlock()
		_ = os.RemoveAll(s.segmentDir)
		return nil
	}
	sup.sessions[sourceID] = s
	sup.mu.Unlock()

	sup.log.Infow("recording started",
		"source_id", sourceID, "nickname", desc.Nickname, "output", s.outputPath)
	sup.events.Send(SessionEvent{SourceID: sourceID, Status: "recording"})
	go sup.run(s)
	return nil
}

// pickStreamURL prefers adaptive-playlist renditions over raw streams.
func pickStreamURL(desc douk.StreamDescriptor) string {
	for _, urls := range []map[string]string{desc.HLSURLs, desc.FLVURLs} {
		for _, u := range urls {
			if u != "" {
				return u
			}
		}
	}
	return ""
}

func (sup *Supervisor) newSession(ctx context.Context, sourceID string, desc douk.StreamDescriptor, streamURL string) (*session, error) {
	now := time.Now()
	stamp := now.Format(sessionStamp)
	nick := util.SanitizeText(desc.Nickname, unknownStreamer)
	title := util.SanitizeText(desc.Title, stamp)
	title = util.TruncateRunes(title, sup.cfg.NameLength)

	dir := filepath.Join(sup.cfg.Root, sup.cfg.Live.SaveFolder, nick, now.Format("2006"))
	stem := fmt.Sprintf("%s-%s", title, stamp)
	s := &session{
		sourceID:   sourceID,
		desc:       desc,
		streamURL:  streamURL,
		stamp:      stamp,
		segmentDir: filepath.Join(dir, fmt.Sprintf(".segments_%s_%s", util.SanitizeText(sourceID, "src"), stamp)),
		outputPath: filepath.Join(dir, stem+".mp4"),
		coverPath:  filepath.Join(dir, stem+".jpeg"),
		stop:       sync_.NewEvent(),
		done:       make(chan struct{}),
	}
	if err := os.MkdirAll(s.segmentDir, 0o755); err != nil {
		return nil, err
	}

	if sup.store != nil {
		rec := &database.LiveRecord{
			SourceID:   sourceID,
			RoomID:     desc.RoomID,
			WebRID:     desc.WebRID,
			Nickname:   desc.Nickname,
			Title:      desc.Title,
			StreamURL:  streamURL,
			SegmentDir: s.segmentDir,
			OutputFile: s.outputPath,
			Status:     "recording",
		}
		if err := sup.store.CreateLiveRecord(ctx, rec); err != nil {
			_ = os.RemoveAll(s.segmentDir)
			return nil, fmt.Errorf("create live record: %w", err)
		}
		s.recordID = rec.ID
	}
	return s, nil
}

// MarkOffline signals that sourceID was observed offline. The session only
// stops after the configured number of consecutive signals; force stops it
// on the first call.
func (sup *Supervisor) MarkOffline(sourceID string, force bool) {
	sup.mu.Lock()
	s, ok := sup.sessions[sourceID]
	if !ok {
		sup.mu.Unlock()
		return
	}
	s.offline++
	offline := s.offline
	sup.mu.Unlock()

	if !force && offline < sup.cfg.Live.OfflineThreshold {
		sup.log.Debugw("offline signal below threshold",
			"source_id", sourceID, "count", offline, "threshold", sup.cfg.Live.OfflineThreshold)
		return
	}
	sup.log.Infow("stopping session", "source_id", sourceID, "forced", force)
	s.stop.Set()
}

// PruneSessions force-stops every session whose source id is not in
// activeIDs, used when the caller's liveness view changes.
func (sup *Supervisor) PruneSessions(activeIDs []string) {
	active := make(map[string]struct{}, len(activeIDs))
	for _, id := range activeIDs {
		active[id] = struct{}{}
	}
	sup.mu.Lock()
	var stale []string
	for id := range sup.sessions {
		if _, ok := active[id]; !ok {
			stale = append(stale, id)
		}
	}
	sup.mu.Unlock()
	for _, id := range stale {
		sup.MarkOffline(id, true)
	}
}

// Shutdown stops every session and waits for each to drain its merge and
// upload steps, bounded by ctx.
func (sup *Supervisor) Shutdown(ctx context.Context) error {
	sup.mu.Lock()
	sessions := make([]*session, 0, len(sup.sessions))
	for _, s := range sup.sessions {
		sessions = append(sessions, s)
	}
	sup.mu.Unlock()

	var result error
	for _, s := range sessions {
		s.stop.Set()
	}
	for _, s := range sessions {
		select {
		case <-s.done:
		case <-ctx.Done():
			result = multierror.Append(result, fmt.Errorf("session %s: %w", s.sourceID, ctx.Err()))
		}
	}
	sup.events.Close()
	return result
}

// ActiveSessions returns the currently recording source ids.
func (sup *Supervisor) ActiveSessions() []string {
	sup.mu.Lock()
	defer sup.mu.Unlock()
	ids := make([]string, 0, len(sup.sessions))
	for id := range sup.sessions {
		ids = append(ids, id)
	}
	return ids
}

func (sup *Supervisor) remove(s *session) {
	sup.mu.Lock()
	delete(sup.sessions, s.sourceID)
	sup.mu.Unlock()
}
