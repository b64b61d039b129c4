package live

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/google/renameio/v2"
	"go.uber.org/zap"

	douk "github.com/madou1217/douk-downloader"
)

var segmentRe = regexp.MustCompile(`^(\d{8})\.ts$`)

// run owns a session from first capture to terminal record write. It never
// returns early: merge follows capture, upload follows merge, and the record
// store is finalized on every path including failure.
func (sup *Supervisor) run(s *session) {
	defer close(s.done)
	defer sup.remove(s)
	ctx := context.Background()
	log := sup.log.With("source_id", s.sourceID)

	sup.captureLoop(ctx, s, log)
	sup.finish(ctx, s, log)
}

func (sup *Supervisor) captureLoop(ctx context.Context, s *session, log *zap.SugaredLogger) {
	for {
		start := nextSegmentNumber(s.segmentDir)
		handle, err := sup.runner.Start(ctx, sup.cfg.Live.FFmpegPath, sup.captureArgs(s, start)...)
		if err != nil {
			log.Errorw("failed to start capture process", "error", err)
			if sup.backoff(s, log, err) {
				return
			}
			continue
		}
		log.Debugw("capture process running", "segment_start", start)

		select {
		case err := <-handle.Wait():
			if s.stop.IsSet() {
				return
			}
			// Process died without being asked to; restart, resuming the
			// segment numbering so nothing already on disk is overwritten.
			log.Warnw("capture process exited unexpectedly", "error", err)
			if sup.backoff(s, log, err) {
				return
			}
		case <-s.stop.Wait():
			handle.Terminate(sup.cfg.Live.TerminateGrace)
			return
		}
	}
}

// backoff bumps and persists the retry counter, then sleeps the capped
// linear backoff. Returns true when the stop signal arrived mid-sleep.
func (sup *Supervisor) backoff(s *session, log *zap.SugaredLogger, cause error) (stopped bool) {
	s.retries++
	if sup.store != nil {
		reason := ""
		if cause != nil {
			reason = cause.Error()
		}
		if err := sup.store.UpdateLiveRetry(context.Background(), s.recordID, s.retries, reason); err != nil {
			log.Warnw("failed to persist retry count", "error", err)
		}
	}
	delay := sup.backoffStep * time.Duration(s.retries)
	if delay > sup.backoffMax {
		delay = sup.backoffMax
	}
	log.Infow("restarting capture", "retries", s.retries, "backoff", delay)
	select {
	case <-time.After(delay):
		return false
	case <-s.stop.Wait():
		return true
	}
}

// captureArgs builds the segment-muxer invocation: fixed-duration numbered
// raw segments with reconnect-on-drop for flaky sources.
func (sup *Supervisor) captureArgs(s *session, startNumber int) []string {
	args := []string{"-y", "-hide_banner", "-loglevel", "error"}
	if sup.cfg.UserAgent != "" {
		args = append(args, "-user_agent", sup.cfg.UserAgent)
	}
	if sup.cfg.Proxy != "" {
		args = append(args, "-http_proxy", sup.cfg.Proxy)
	}
	args = append(args,
		"-reconnect", "1",
		"-reconnect_streamed", "1",
		"-reconnect_delay_max", "5",
		"-i", s.streamURL,
		"-c", "copy",
		"-f", "segment",
		"-segment_time", strconv.Itoa(sup.cfg.Live.SegmentSeconds),
		"-segment_start_number", strconv.Itoa(startNumber),
		"-reset_timestamps", "1",
		filepath.Join(s.segmentDir, "%08d.ts"),
	)
	return args
}

// nextSegmentNumber returns one past the highest existing segment index, so
// a restarted capture never overwrites what a previous process wrote.
func nextSegmentNumber(dir string) int {
	next := 0
	for _, name := range segmentNames(dir) {
		n, err := strconv.Atoi(strings.TrimSuffix(name, ".ts"))
		if err == nil && n+1 > next {
			next = n + 1
		}
	}
	return next
}

// segmentNames lists segment files in numeric order.
func segmentNames(dir string) []string {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil
	}
	var names []string
	for _, entry := range entries {
		if !entry.IsDir() && segmentRe.MatchString(entry.Name()) {
			names = append(names, entry.Name())
		}
	}
	sort.Slice(names, func(i, j int) bool {
		a, _ := strconv.Atoi(strings.TrimSuffix(names[i], ".ts"))
		b, _ := strconv.Atoi(strings.TrimSuffix(names[j], ".ts"))
		return a < b
	})
	return names
}

// finish runs the post-capture pipeline: merge, cover, probe, upload,
// terminal record write. Segment files are deleted whether or not the merge
// succeeded, to bound disk usage.
func (sup *Supervisor) finish(ctx context.Context, s *session, log *zap.SugaredLogger) {
	mergeErr := sup.merge(ctx, s, log)
	if err := os.RemoveAll(s.segmentDir); err != nil {
		log.Warnw("failed to remove segment dir", "error", err)
	}
	if mergeErr != nil {
		log.Errorw("merge failed", "error", mergeErr)
		sup.finalize(ctx, s, "failed", "", douk.UploadOutcome{}, mergeErr.Error(), log)
		return
	}

	if s.desc.CoverURL != "" {
		if err := sup.downloadCover(ctx, s.desc.CoverURL, s.coverPath); err != nil {
			log.Warnw("cover download failed", "error", err)
		}
	}

	width, height := sup.probeDimensions(ctx, s.outputPath, log)
	if width == 0 || height == 0 {
		width, height = s.desc.Width, s.desc.Height
	}
	s.desc.Width, s.desc.Height = width, height

	var out douk.UploadOutcome
	if sup.uploader != nil {
		out = sup.uploader.Upload(ctx, s.outputPath, "mp4", workIDFor(s))
	}
	status := "finished"
	switch {
	case out.Attempted && out.Success:
		status = "uploaded"
		if sup.cfg.Upload.DeleteLocalAfterUpload {
			if err := os.Remove(s.outputPath); err != nil {
				log.Warnw("failed to delete local recording", "error", err)
			}
			_ = os.Remove(s.coverPath)
		}
	case out.Attempted:
		status = "upload_failed"
	}
	sup.finalize(ctx, s, status, s.outputPath, out, out.Reason, log)
}

// finalize writes the terminal record row and the synthetic live work, then
// publishes the session's last event.
func (sup *Supervisor) finalize(ctx context.Context, s *session, status, outputPath string, out douk.UploadOutcome, reason string, log *zap.SugaredLogger) {
	workID := workIDFor(s)
	if sup.store != nil {
		if status != "failed" {
			work := douk.LiveWork{
				SourceID:          s.sourceID,
				WorkID:            workID,
				Description:       s.desc.Title,
				CreateTS:          parseStamp(s.stamp).Unix(),
				CreateDate:        parseStamp(s.stamp).Format("2006-01-02"),
				CoverURL:          s.desc.CoverURL,
				Width:             s.desc.Width,
				Height:            s.desc.Height,
				UploadStatus:      status,
				Destination:       out.Destination,
				OriginDestination: out.OriginDestination,
				LocalPath:         outputPath,
			}
			if out.Attempted {
				work.UploadProvider = "webdav"
			}
			if out.Attempted && out.Success {
				work.UploadedAt = time.Now()
				if sup.cfg.Upload.DeleteLocalAfterUpload {
					work.LocalPath = ""
				}
			}
			if err := sup.store.InsertLiveWork(ctx, work); err != nil {
				log.Warnw("failed to insert live work", "error", err)
			}
		}
		if err := sup.store.FinishLiveRecord(ctx, s.recordID, status, outputPath, out.Destination, out.OriginDestination, workID, reason); err != nil {
			log.Warnw("failed to finalize live record", "error", err)
		}
	}
	log.Infow("session finished", "status", status, "output", outputPath)
	sup.events.Send(SessionEvent{SourceID: s.sourceID, Status: status, Output: outputPath})
}

func workIDFor(s *session) string {
	return fmt.Sprintf("live_%s_%s", s.sourceID, s.stamp)
}

func parseStamp(stamp string) time.Time {
	t, err := time.ParseInLocation(sessionStamp, stamp, time.Local)
	if err != nil {
		return time.Time{}
	}
	return t
}

// merge concatenates the captured segments into the output file with a
// stream copy. A failed concat with exactly one segment falls back to
// remuxing that segment directly.
func (sup *Supervisor) merge(ctx context.Context, s *session, log *zap.SugaredLogger) error {
	names := segmentNames(s.segmentDir)
	if len(names) == 0 {
		return fmt.Errorf("no segments captured in %s", s.segmentDir)
	}

	var list strings.Builder
	for _, name := range names {
		fmt.Fprintf(&list, "file '%s'\n", filepath.Join(s.segmentDir, name))
	}
	listPath := filepath.Join(s.segmentDir, "concat.txt")
	if err := renameio.WriteFile(listPath, []byte(list.String()), 0o644); err != nil {
		return fmt.Errorf("write concat list: %w", err)
	}

	_, err := sup.runner.Output(ctx, sup.cfg.Live.FFmpegPath,
		"-y", "-hide_banner", "-loglevel", "error",
		"-f", "concat", "-safe", "0",
		"-i", listPath,
		"-c", "copy",
		s.outputPath)
	if err == nil {
		log.Infow("merged segments", "count", len(names), "output", s.outputPath)
		return nil
	}
	if len(names) != 1 {
		return fmt.Errorf("concat %d segments: %w", len(names), err)
	}

	log.Warnw("concat failed, remuxing single segment directly", "error", err)
	_, err = sup.runner.Output(ctx, sup.cfg.Live.FFmpegPath,
		"-y", "-hide_banner", "-loglevel", "error",
		"-i", filepath.Join(s.segmentDir, names[0]),
		"-c", "copy",
		s.outputPath)
	if err != nil {
		return fmt.Errorf("remux single segment: %w", err)
	}
	return nil
}

// probeDimensions asks ffprobe for the output's WxH under a hard wall-clock
// timeout. Zeroes mean "unknown"; the caller falls back to the descriptor.
func (sup *Supervisor) probeDimensions(ctx context.Context, path string, log *zap.SugaredLogger) (int, int) {
	probeCtx, cancel := context.WithTimeout(ctx, sup.cfg.Live.ProbeTimeout)
	defer cancel()
	out, err := sup.runner.Output(probeCtx, sup.cfg.Live.FFprobePath,
		"-v", "error",
		"-select_streams", "v:0",
		"-show_entries", "stream=width,height",
		"-of", "csv=s=x:p=0",
		path)
	if err != nil {
		log.Warnw("resolution probe failed", "error", err)
		return 0, 0
	}
	width, height, err := parseDimensions(string(out))
	if err != nil {
		log.Warnw("resolution probe output unparseable", "output", string(out), "error", err)
		return 0, 0
	}
	return width, height
}

// parseDimensions parses "1920x1080" (tolerating trailing noise lines).
func parseDimensions(out string) (int, int, error) {
	line, _, _ := strings.Cut(strings.TrimSpace(out), "\n")
	wStr, hStr, found := strings.Cut(strings.TrimSpace(line), "x")
	if !found {
		return 0, 0, fmt.Errorf("no dimensions in %q", line)
	}
	w, err := strconv.Atoi(strings.TrimSpace(wStr))
	if err != nil {
		return 0, 0, err
	}
	h, err := strconv.Atoi(strings.TrimSpace(hStr))
	if err != nil {
		return 0, 0, err
	}
	return w, h, nil
}

// downloadCover fetches the stream cover and writes it atomically next to
// the recording.
func (sup *Supervisor) downloadCover(ctx context.Context, url, path string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	if sup.cfg.UserAgent != "" {
		req.Header.Set("User-Agent", sup.cfg.UserAgent)
	}
	resp, err := sup.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("unexpected status %s", resp.Status)
	}
	body, err := io.ReadAll(douk.ReaderContext(ctx, resp.Body))
	if err != nil {
		return err
	}
	return renameio.WriteFile(path, body, 0o644)
}
