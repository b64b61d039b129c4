// Package upload pushes finished media to a WebDAV store with
// content-addressed deduplication, byte-offset resume and an atomic
// temp-then-move commit.
package upload

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"

	"go.uber.org/zap"

	douk "github.com/madou1217/douk-downloader"
	"github.com/madou1217/douk-downloader/async"
	"github.com/madou1217/douk-downloader/util"
)

const (
	// tempSuffix marks the in-flight remote object; it is left in place on
	// failure so a later call can resume.
	tempSuffix = ".uploading"

	providerWebDAV = "webdav"

	hashChunkSize = 1024 * 1024
)

const (
	unknownAuthor = "UnknownAuthor"
	unknownTitle  = "UnknownTitle"
)

type Service struct {
	cfg     douk.UploadConfig
	client  *Client
	ledger  douk.UploadLedger
	resolve douk.MetadataResolver
	log     *zap.SugaredLogger
}

// NewService builds the upload service. resolver may be nil; works without
// resolvable metadata fall back to filename-derived remote paths.
func NewService(cfg douk.UploadConfig, ledger douk.UploadLedger, resolver douk.MetadataResolver, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.L()
	}
	s := &Service{
		cfg:     cfg,
		ledger:  ledger,
		resolve: resolver,
		log:     logger.Sugar().Named("upload"),
	}
	if cfg.WebDAV.Enabled && cfg.WebDAV.BaseURL != "" {
		s.client = NewClient(cfg.WebDAV, logger)
	}
	return s
}

// Upload derives the remote path from the work's metadata and transfers the
// file. Outcome.Attempted is false only when the eligibility gate rejects the
// file outright.
func (s *Service) Upload(ctx context.Context, localFile, suffix, workID string) douk.UploadOutcome {
	return s.upload(ctx, localFile, suffix, workID, s.remoteRelative(localFile, suffix, workID))
}

// UploadTo is Upload with an explicit remote path relative to the configured
// remote root.
func (s *Service) UploadTo(ctx context.Context, localFile, suffix, workID, remoteRelative string) douk.UploadOutcome {
	return s.upload(ctx, localFile, suffix, workID, remoteRelative)
}

// remoteRelative derives `<author>/<year>/<title>_<date>.<suffix>` from the
// work's metadata, with per-segment sanitization and safe fallbacks when
// metadata is absent.
func (s *Service) remoteRelative(localFile, suffix, workID string) string {
	var md douk.WorkMetadata
	if s.resolve != nil {
		md, _ = s.resolve(workID)
	}
	author := util.SanitizeText(md.Author, unknownAuthor)
	year, date := util.ExtractPublishDate(md.PublishDate)
	title := md.Title
	if title == "" {
		base := filepath.Base(localFile)
		title = strings.TrimSuffix(base, filepath.Ext(base))
	}
	title = util.TruncateRunes(util.SanitizeText(title, unknownTitle), 80)
	return path.Join(author, year, fmt.Sprintf("%s_%s.%s", title, date, douk.NormalizeSuffix(suffix)))
}

func (s *Service) upload(ctx context.Context, localFile, suffix, workID, remoteRelative string) douk.UploadOutcome {
	if !s.cfg.Enabled {
		return douk.UploadOutcome{Reason: "upload disabled"}
	}
	if s.client == nil {
		return douk.UploadOutcome{Reason: "no upload store configured"}
	}
	if _, ok := s.cfg.SuffixSet()[douk.NormalizeSuffix(suffix)]; !ok {
		return douk.UploadOutcome{Reason: fmt.Sprintf("suffix %q not upload-eligible", suffix)}
	}

	remote := path.Join(s.cfg.WebDAV.RemoteRoot, remoteRelative)
	destination := s.client.URLFor(remote)
	origin := s.client.OriginURLFor(remote)
	log := s.log.With("work_id", workID, "remote", remote)

	stat, err := os.Stat(localFile)
	if err != nil {
		return failed(destination, origin, fmt.Sprintf("stat local file: %v", err))
	}
	localSize := stat.Size()

	// Hashing is CPU-bound; run it off the calling goroutine so it cannot
	// stall concurrent transfers waiting on this one.
	hashed := <-async.Run(func() hashResult { return hashFile(localFile) })
	if hashed.err != nil {
		return failed(destination, origin, fmt.Sprintf("hash local file: %v", hashed.err))
	}
	hash := hashed.sum

	record := douk.UploadRecord{
		Hash:              hash,
		Provider:          providerWebDAV,
		Destination:       destination,
		OriginDestination: origin,
		LocalPath:         localFile,
		LocalSize:         localSize,
		WorkID:            workID,
	}

	if s.ledger != nil {
		seen, err := s.ledger.HasUpload(ctx, hash, providerWebDAV, destination)
		if err != nil {
			log.Warnw("upload ledger lookup failed", "error", err)
		} else if seen {
			log.Debugw("upload already recorded, skipping")
			if err := s.ledger.UpdateUpload(ctx, record); err != nil {
				log.Warnw("upload ledger refresh failed", "error", err)
			}
			return skipped(destination, origin)
		}
	}

	outcome, err := s.transfer(ctx, localFile, localSize, remote, log)
	if err != nil {
		log.Warnw("upload failed", "error", err)
		return failed(destination, origin, err.Error())
	}

	if s.ledger != nil {
		if err := s.ledger.UpdateUpload(ctx, record); err != nil {
			log.Warnw("upload ledger write failed", "error", err)
		}
	}
	log.Infow("upload complete", "size", util.FormatSize(localSize), "skipped", outcome.Skipped)
	outcome.Destination = destination
	outcome.OriginDestination = origin
	return outcome
}

// transfer runs the resumable protocol against the store. The temp object is
// deliberately left behind on failure.
func (s *Service) transfer(ctx context.Context, localFile string, localSize int64, remote string, log *zap.SugaredLogger) (douk.UploadOutcome, error) {
	finalSize, finalExists, err := s.client.Size(ctx, remote)
	if err != nil {
		return douk.UploadOutcome{}, fmt.Errorf("probe final object: %w", err)
	}
	if finalExists && finalSize == localSize {
		log.Debugw("final object already present")
		return skipped("", ""), nil
	}

	if err := s.client.EnsureDirs(ctx, remote); err != nil {
		return douk.UploadOutcome{}, fmt.Errorf("ensure remote dirs: %w", err)
	}

	temp := remote + tempSuffix
	offset, tempExists, err := s.client.Size(ctx, temp)
	if err != nil {
		return douk.UploadOutcome{}, fmt.Errorf("probe temp object: %w", err)
	}
	if tempExists && offset > localSize {
		// A temp object larger than the source cannot be ours; restart.
		log.Warnw("temp object larger than source, discarding", "temp_size", offset)
		if err := s.client.Delete(ctx, temp); err != nil {
			return douk.UploadOutcome{}, fmt.Errorf("discard corrupt temp object: %w", err)
		}
		offset = 0
	}

	if offset < localSize {
		if err := s.putFrom(ctx, localFile, temp, offset, localSize); err != nil {
			return douk.UploadOutcome{}, fmt.Errorf("upload from %d: %w", offset, err)
		}
	}

	tempSize, _, err := s.client.Size(ctx, temp)
	if err != nil {
		return douk.UploadOutcome{}, fmt.Errorf("re-verify temp object: %w", err)
	}
	if tempSize != localSize {
		// The store silently ignored the resume offset. One full re-upload.
		log.Warnw("temp size mismatch after resume, re-uploading in full",
			"temp_size", tempSize, "local_size", localSize)
		if err := s.client.Delete(ctx, temp); err != nil {
			return douk.UploadOutcome{}, fmt.Errorf("discard mismatched temp object: %w", err)
		}
		if err := s.putFrom(ctx, localFile, temp, 0, localSize); err != nil {
			return douk.UploadOutcome{}, fmt.Errorf("full re-upload: %w", err)
		}
		tempSize, _, err = s.client.Size(ctx, temp)
		if err != nil {
			return douk.UploadOutcome{}, fmt.Errorf("re-verify full re-upload: %w", err)
		}
		if tempSize != localSize {
			return douk.UploadOutcome{}, fmt.Errorf("temp object size %d still disagrees with local size %d", tempSize, localSize)
		}
	}

	if err := s.client.Move(ctx, temp, remote); err != nil {
		return douk.UploadOutcome{}, fmt.Errorf("commit temp object: %w", err)
	}
	return douk.UploadOutcome{Attempted: true, Success: true}, nil
}

func (s *Service) putFrom(ctx context.Context, localFile, remote string, offset, total int64) error {
	f, err := os.Open(localFile)
	if err != nil {
		return err
	}
	defer f.Close()
	if _, err := f.Seek(offset, io.SeekStart); err != nil {
		return err
	}
	return s.client.PutFrom(ctx, remote, douk.ReaderContext(ctx, f), offset, total)
}

type hashResult struct {
	sum string
	err error
}

func hashFile(path string) hashResult {
	f, err := os.Open(path)
	if err != nil {
		return hashResult{err: err}
	}
	defer f.Close()
	h := sha256.New()
	if _, err := io.CopyBuffer(h, f, make([]byte, hashChunkSize)); err != nil {
		return hashResult{err: err}
	}
	return hashResult{sum: hex.EncodeToString(h.Sum(nil))}
}

func skipped(destination, origin string) douk.UploadOutcome {
	return douk.UploadOutcome{
		Attempted:         true,
		Success:           true,
		Skipped:           true,
		Destination:       destination,
		OriginDestination: origin,
	}
}

func failed(destination, origin, reason string) douk.UploadOutcome {
	return douk.UploadOutcome{
		Attempted:         true,
		Success:           false,
		Destination:       destination,
		OriginDestination: origin,
		Reason:            reason,
	}
}
