// Package download implements resumable ranged downloads of discrete media
// files. The Engine is transport only; durable state lives behind the ledger
// and tracker contracts in the root package.
package download

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	douk "github.com/madou1217/douk-downloader"
	"github.com/madou1217/douk-downloader/async"
	"github.com/madou1217/douk-downloader/internal/pubsub"
	"github.com/madou1217/douk-downloader/internal/sync_"
	"github.com/madou1217/douk-downloader/util"
)

// minPlausibleVideoSize is the integrity floor: a committed video file smaller
// than this is assumed truncated and re-downloaded.
const minPlausibleVideoSize = 512 * 1024

// retryDelay separates per-task fetch attempts.
const retryDelay = time.Second

// progress callbacks fire only when the percentage moved at least
// progressMinPoints or progressMinInterval elapsed.
const (
	progressMinPoints   = 2
	progressMinInterval = 1200 * time.Millisecond
)

// suffixByContentType overrides the declared suffix when the server tells us
// what the body actually is. Unknown content types keep the declared suffix.
var suffixByContentType = map[string]string{
	"video/mp4":       "mp4",
	"video/quicktime": "mov",
	"image/jpeg":      "jpeg",
	"image/png":       "png",
	"image/webp":      "webp",
	"image/gif":       "gif",
	"audio/mp4":       "m4a",
	"audio/mpeg":      "mp3",
}

// coverSuffixes are the sibling files removed alongside a media file when the
// delete-local-after-upload policy fires.
var coverSuffixes = []string{"jpeg", "jpg", "webp", "png"}

// Uploader is the post-commit handoff target. upload.Service satisfies it.
type Uploader interface {
	Upload(ctx context.Context, localFile, suffix, workID string) douk.UploadOutcome
}

type Options struct {
	Ledger   douk.DownloadLedger
	Tracker  douk.WorkTracker
	Uploader Uploader
	// Client overrides the HTTP client built from the config (tests).
	Client *http.Client
	Logger *zap.Logger
}

type Engine struct {
	cfg      douk.Config
	client   *http.Client
	ledger   douk.DownloadLedger
	tracker  douk.WorkTracker
	uploader Uploader
	sem      *semaphore.Weighted
	log      *zap.SugaredLogger
	events   *pubsub.Publisher[TaskEvent]
	metadata *sync_.Mutexed[map[string]douk.WorkMetadata]
}

func New(cfg douk.Config, opts Options) (*Engine, error) {
	if err := cfg.Normalize(); err != nil {
		return nil, err
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.L()
	}
	client := opts.Client
	if client == nil {
		transport := http.DefaultTransport.(*http.Transport).Clone()
		if cfg.Proxy != "" {
			proxyURL, err := url.Parse(cfg.Proxy)
			if err != nil {
				return nil, fmt.Errorf("invalid proxy URL: %w", err)
			}
			transport.Proxy = http.ProxyURL(proxyURL)
		}
		client = &http.Client{Transport: transport, Timeout: 0}
	}
	return &Engine{
		cfg:      cfg,
		client:   client,
		ledger:   opts.Ledger,
		tracker:  opts.Tracker,
		uploader: opts.Uploader,
		sem:      semaphore.NewWeighted(cfg.MaxWorkers),
		log:      logger.Sugar().Named("download"),
		events:   pubsub.NewPublisher[TaskEvent](),
		metadata: sync_.NewMutexed(make(map[string]douk.WorkMetadata)),
	}, nil
}

// Events exposes task lifecycle events for observers. Subscribers that fall
// behind lose events rather than blocking transfers.
func (e *Engine) Events() (*pubsub.Subscription[TaskEvent], error) {
	return e.events.Subscribe()
}

func (e *Engine) Close() {
	e.events.Close()
}

// ResolveMetadata implements douk.MetadataResolver over the batch-planning
// metadata cache.
func (e *Engine) ResolveMetadata(workID string) (douk.WorkMetadata, bool) {
	m := e.metadata.Get()
	md, ok := m[workID]
	return md, ok
}

func (e *Engine) rememberMetadata(work douk.Work) {
	_ = e.metadata.Locked(func(m map[string]douk.WorkMetadata) error {
		m[work.ID] = douk.WorkMetadata{
			Title:       work.Description,
			Author:      work.Nickname,
			PublishDate: work.PublishDate,
		}
		return nil
	})
}

// Fetch runs the full per-task algorithm under the bounded retry policy.
// Resume state carries across attempts through the temp file on disk.
func (e *Engine) Fetch(ctx context.Context, task *douk.TransferTask) douk.TransferOutcome {
	log := e.log.With("work_id", task.WorkID, "label", task.Label)
	if task.URL() == "" {
		return douk.TransferOutcome{Status: douk.OutcomeFail, Reason: "no usable source URL"}
	}

	e.publish(nil, snapshot(task, "started", 0, 0))
	var outcome douk.TransferOutcome
	async.Retry(ctx, e.cfg.MaxRetry, retryDelay, func(ctx context.Context) bool {
		outcome = e.fetchOnce(ctx, task, log)
		return outcome.OK()
	})

	e.publish(snapshot(task, "started", 0, 0), snapshot(task, string(outcome.Status), outcome.Bytes, percentOf(outcome)))
	if outcome.Status == douk.OutcomeFail && e.trackable(task) {
		if err := e.tracker.MarkWorkUploadFailed(ctx, task.WorkID, outcome.Reason, ""); err != nil {
			log.Warnw("failed to record work failure", "error", err)
		}
	}
	return outcome
}

func (e *Engine) fetchOnce(ctx context.Context, task *douk.TransferTask, log *zap.SugaredLogger) douk.TransferOutcome {
	if out, skipped := e.checkSkip(ctx, task, log); skipped {
		return out
	}

	tracked := e.trackable(task)
	if tracked {
		if err := e.tracker.MarkWorkDownloading(ctx, task.WorkID); err != nil {
			log.Warnw("failed to mark work downloading", "error", err)
		}
	}

	if err := os.MkdirAll(filepath.Dir(task.TempPath), 0o755); err != nil {
		return fail(log, "create cache dir", err)
	}
	tmp, err := os.OpenFile(task.TempPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fail(log, "open temp file", err)
	}
	defer tmp.Close()
	stat, err := tmp.Stat()
	if err != nil {
		return fail(log, "stat temp file", err)
	}
	offset := stat.Size()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, task.URL(), nil)
	if err != nil {
		return fail(log, "build request", err)
	}
	e.decorate(req)
	req.Header.Set("Range", fmt.Sprintf("bytes=%d-", offset))
	e.logRequest(log, req, offset)

	resp, err := e.client.Do(req)
	if err != nil {
		return fail(log, "request", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusRequestedRangeNotSatisfiable:
		// The partial file no longer matches the remote object. Drop it so
		// the next attempt restarts from zero.
		tmp.Close()
		if err := os.Remove(task.TempPath); err != nil {
			log.Warnw("failed to remove corrupt temp file", "error", err)
		}
		return fail(log, "resume", douk.ErrCacheCorrupt)
	case resp.StatusCode < 200 || resp.StatusCode >= 300:
		return fail(log, "response", fmt.Errorf("unexpected status %s", resp.Status))
	}

	length := resp.ContentLength
	if length <= 0 && !task.UnknownSize {
		return fail(log, "response", douk.ErrEmptyResponse)
	}
	total := offset
	if length > 0 {
		total += length
	}
	if e.cfg.MaxSize > 0 && total > e.cfg.MaxSize {
		log.Infow("declared size over limit, skipping",
			"declared", util.FormatSize(total), "limit", util.FormatSize(e.cfg.MaxSize))
		tmp.Close()
		_ = os.Remove(task.TempPath)
		return douk.TransferOutcome{Status: douk.OutcomeSkip, Reason: "declared size over limit"}
	}

	finalPath := e.sniffFinalPath(task, resp.Header.Get("Content-Type"), log)

	progress := e.progressFunc(ctx, task, total, tracked)
	body := douk.IdleTimeoutReader(douk.ReaderContext(ctx, resp.Body), e.cfg.ReadIdleTimeout, func() {
		resp.Body.Close()
	})
	written, err := io.CopyBuffer(&progressWriter{w: tmp, base: offset, onWrite: progress}, body, make([]byte, e.cfg.ChunkSize))
	if err != nil {
		return fail(log, "stream", err)
	}
	if length > 0 && written != length {
		log.Errorw("size mismatch after transfer",
			"declared", length, "written", written)
		return douk.TransferOutcome{Status: douk.OutcomeFail, Reason: douk.ErrIncomplete.Error()}
	}
	if err := tmp.Close(); err != nil {
		return fail(log, "close temp file", err)
	}

	if err := commitFile(task.TempPath, finalPath); err != nil {
		return fail(log, "commit", err)
	}
	log.Infow("download complete", "path", finalPath, "size", util.FormatSize(offset+written))

	if task.WorkID != "" && e.ledger != nil && task.Kind != douk.TaskCover && task.Kind != douk.TaskMusic {
		if err := e.ledger.UpdateID(ctx, task.WorkID); err != nil {
			log.Warnw("failed to record ledger completion", "error", err)
		}
	}

	e.handOff(ctx, task, finalPath, tracked, log)
	return douk.TransferOutcome{Status: douk.OutcomeSuccess, Bytes: written, Path: finalPath}
}

// checkSkip decides whether the task is already satisfied. Video-typed tasks
// must also pass the remote-size integrity check; a mismatch or an
// implausibly small local file invalidates the ledger entry and forces a
// re-download.
func (e *Engine) checkSkip(ctx context.Context, task *douk.TransferTask, log *zap.SugaredLogger) (douk.TransferOutcome, bool) {
	ledgerHit := false
	if task.WorkID != "" && e.ledger != nil {
		var err error
		ledgerHit, err = e.ledger.HasID(ctx, task.WorkID)
		if err != nil {
			log.Warnw("ledger lookup failed", "error", err)
		}
	}
	stat, statErr := os.Stat(task.FinalPath)
	exists := statErr == nil

	if !task.Kind.IsVideo() {
		if exists {
			return douk.TransferOutcome{Status: douk.OutcomeSkip, Path: task.FinalPath}, true
		}
		return douk.TransferOutcome{}, false
	}
	if !ledgerHit && !exists {
		return douk.TransferOutcome{}, false
	}
	if !exists {
		// Ledger says done but the file is gone; re-download.
		e.invalidate(ctx, task, log, "local file missing")
		return douk.TransferOutcome{}, false
	}

	localSize := stat.Size()
	if localSize < minPlausibleVideoSize {
		e.invalidate(ctx, task, log, "local file implausibly small")
		_ = os.Remove(task.FinalPath)
		return douk.TransferOutcome{}, false
	}
	remoteSize, err := e.remoteSize(ctx, task.URL())
	if err != nil {
		// Cannot verify; err on the side of not re-downloading.
		log.Warnw("remote size probe failed, keeping local file", "error", err)
		return douk.TransferOutcome{Status: douk.OutcomeSkip, Path: task.FinalPath}, true
	}
	if remoteSize > 0 && remoteSize != localSize {
		log.Infow("local size disagrees with remote, re-downloading",
			"local", localSize, "remote", remoteSize)
		e.invalidate(ctx, task, log, "size mismatch")
		_ = os.Remove(task.FinalPath)
		return douk.TransferOutcome{}, false
	}
	return douk.TransferOutcome{Status: douk.OutcomeSkip, Path: task.FinalPath}, true
}

func (e *Engine) invalidate(ctx context.Context, task *douk.TransferTask, log *zap.SugaredLogger, reason string) {
	log.Infow("invalidating ledger entry", "reason", reason)
	if task.WorkID != "" && e.ledger != nil {
		if err := e.ledger.DeleteID(ctx, task.WorkID); err != nil {
			log.Warnw("ledger invalidation failed", "error", err)
		}
	}
}

// remoteSize fetches the remote object's size, preferring HEAD and falling
// back to a 1-byte ranged GET reading Content-Range's total when HEAD is not
// supported.
func (e *Engine) remoteSize(ctx context.Context, rawURL string) (int64, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, rawURL, nil)
	if err != nil {
		return 0, err
	}
	e.decorate(req)
	resp, err := e.client.Do(req)
	if err == nil {
		defer resp.Body.Close()
		if resp.StatusCode >= 200 && resp.StatusCode < 300 && resp.ContentLength > 0 {
			return resp.ContentLength, nil
		}
	}

	req, err = http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return 0, err
	}
	e.decorate(req)
	req.Header.Set("Range", "bytes=0-0")
	resp, err = e.client.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	return totalFromContentRange(resp.Header.Get("Content-Range"))
}

// totalFromContentRange parses the complete length from a header like
// "bytes 0-0/4096".
func totalFromContentRange(value string) (int64, error) {
	_, totalStr, found := strings.Cut(value, "/")
	if !found || totalStr == "*" {
		return 0, fmt.Errorf("no total length in Content-Range %q", value)
	}
	return strconv.ParseInt(totalStr, 10, 64)
}

// sniffFinalPath lets the response's Content-Type override the declared
// suffix. Unknown types keep the declared one.
func (e *Engine) sniffFinalPath(task *douk.TransferTask, contentType string, log *zap.SugaredLogger) string {
	mediaType, _, _ := strings.Cut(contentType, ";")
	suffix, ok := suffixByContentType[strings.TrimSpace(strings.ToLower(mediaType))]
	if !ok {
		if mediaType != "" {
			log.Debugw("unrecognized content type", "content_type", mediaType)
		}
		return task.FinalPath
	}
	if suffix == douk.NormalizeSuffix(task.Suffix) {
		return task.FinalPath
	}
	task.Suffix = suffix
	stem := strings.TrimSuffix(task.FinalPath, filepath.Ext(task.FinalPath))
	return stem + "." + suffix
}

// handOff routes the committed file through the work-status side channel and
// the Upload Service, applying the delete-local policy on confirmed success.
func (e *Engine) handOff(ctx context.Context, task *douk.TransferTask, finalPath string, tracked bool, log *zap.SugaredLogger) {
	wantUpload := e.uploader != nil && e.cfg.Upload.Enabled && task.Kind.IsVideo()
	if !wantUpload {
		if tracked {
			if err := e.tracker.MarkWorkDownloaded(ctx, task.WorkID, finalPath); err != nil {
				log.Warnw("failed to mark work downloaded", "error", err)
			}
		}
		return
	}

	if tracked {
		if err := e.tracker.MarkWorkUploading(ctx, task.WorkID, finalPath); err != nil {
			log.Warnw("failed to mark work uploading", "error", err)
		}
	}
	out := e.uploader.Upload(ctx, finalPath, task.Suffix, task.WorkID)
	switch {
	case out.Attempted && out.Success:
		log.Infow("upload complete", "destination", out.Destination, "skipped", out.Skipped)
		if tracked {
			if err := e.tracker.MarkWorkDownloaded(ctx, task.WorkID, finalPath); err != nil {
				log.Warnw("failed to mark work downloaded", "error", err)
			}
		}
		if e.cfg.Upload.DeleteLocalAfterUpload {
			deleteWithCovers(finalPath, log)
		}
	case out.Attempted:
		log.Warnw("upload failed", "reason", out.Reason)
		if tracked {
			if err := e.tracker.MarkWorkUploadFailed(ctx, task.WorkID, out.Reason, finalPath); err != nil {
				log.Warnw("failed to mark work upload-failed", "error", err)
			}
		}
	default:
		if tracked {
			if err := e.tracker.MarkWorkDownloaded(ctx, task.WorkID, finalPath); err != nil {
				log.Warnw("failed to mark work downloaded", "error", err)
			}
		}
	}
}

// deleteWithCovers removes the media file plus any cover siblings sharing its
// stem.
func deleteWithCovers(path string, log *zap.SugaredLogger) {
	if err := os.Remove(path); err != nil {
		log.Warnw("failed to delete local file", "path", path, "error", err)
	}
	stem := strings.TrimSuffix(path, filepath.Ext(path))
	for _, suffix := range coverSuffixes {
		sibling := stem + "." + suffix
		if sibling == path {
			continue
		}
		if err := os.Remove(sibling); err == nil {
			log.Debugw("deleted cover sibling", "path", sibling)
		}
	}
}

// trackable works have a numeric id and an upload-eligible suffix; only those
// get work-status transitions and progress callbacks.
func (e *Engine) trackable(task *douk.TransferTask) bool {
	if e.tracker == nil || task.WorkID == "" {
		return false
	}
	if _, err := strconv.ParseUint(task.WorkID, 10, 64); err != nil {
		return false
	}
	_, ok := e.cfg.Upload.SuffixSet()[douk.NormalizeSuffix(task.Suffix)]
	return ok
}

// progressFunc builds the throttled per-write progress callback.
func (e *Engine) progressFunc(ctx context.Context, task *douk.TransferTask, total int64, tracked bool) func(done int64) {
	if !tracked || total <= 0 {
		return func(int64) {}
	}
	lastPercent := -progressMinPoints
	lastAt := time.Time{}
	return func(done int64) {
		percent := int(done * 100 / total)
		now := time.Now()
		if percent-lastPercent < progressMinPoints && now.Sub(lastAt) < progressMinInterval {
			return
		}
		lastPercent, lastAt = percent, now
		if err := e.tracker.MarkWorkDownloadProgress(ctx, task.WorkID, percent); err != nil {
			e.log.Debugw("progress callback failed", "work_id", task.WorkID, "error", err)
		}
	}
}

type progressWriter struct {
	w       io.Writer
	base    int64
	written int64
	onWrite func(done int64)
}

func (p *progressWriter) Write(b []byte) (int, error) {
	n, err := p.w.Write(b)
	p.written += int64(n)
	p.onWrite(p.base + p.written)
	return n, err
}

// commitFile renames temp onto final, falling back to copy+remove when the
// cache dir and the destination live on different filesystems.
func commitFile(tempPath, finalPath string) error {
	if err := os.MkdirAll(filepath.Dir(finalPath), 0o755); err != nil {
		return err
	}
	err := os.Rename(tempPath, finalPath)
	if err == nil {
		return nil
	}
	var linkErr *os.LinkError
	if !errors.As(err, &linkErr) {
		return err
	}
	src, err := os.Open(tempPath)
	if err != nil {
		return err
	}
	defer src.Close()
	dst, err := os.CreateTemp(filepath.Dir(finalPath), ".commit-*")
	if err != nil {
		return err
	}
	if _, err := io.Copy(dst, src); err != nil {
		dst.Close()
		_ = os.Remove(dst.Name())
		return err
	}
	if err := dst.Close(); err != nil {
		_ = os.Remove(dst.Name())
		return err
	}
	if err := os.Rename(dst.Name(), finalPath); err != nil {
		_ = os.Remove(dst.Name())
		return err
	}
	return os.Remove(tempPath)
}

func (e *Engine) decorate(req *http.Request) {
	if e.cfg.UserAgent != "" {
		req.Header.Set("User-Agent", e.cfg.UserAgent)
	}
}

// logRequest emits a debug line with credential headers stripped.
func (e *Engine) logRequest(log *zap.SugaredLogger, req *http.Request, offset int64) {
	headers := req.Header.Clone()
	headers.Del("Cookie")
	headers.Del("Authorization")
	log.Debugw("issuing ranged request", "url", req.URL.Redacted(), "offset", offset, "headers", headers)
}

func fail(log *zap.SugaredLogger, stage string, err error) douk.TransferOutcome {
	switch {
	case errors.Is(err, douk.ErrCacheCorrupt):
		log.Warnw("cached partial file rejected by server, restarting from zero")
	case errors.Is(err, context.DeadlineExceeded):
		log.Warnw("transfer stalled", "stage", stage)
	default:
		log.Warnw("transfer attempt failed", "stage", stage, "error", err)
	}
	return douk.TransferOutcome{Status: douk.OutcomeFail, Reason: fmt.Sprintf("%s: %v", stage, err)}
}

func percentOf(out douk.TransferOutcome) int {
	if out.Status == douk.OutcomeSuccess {
		return 100
	}
	return 0
}
