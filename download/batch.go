package download

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"

	"github.com/google/uuid"

	douk "github.com/madou1217/douk-downloader"
	"github.com/madou1217/douk-downloader/util"
)

// BatchDest names where a batch's finished files land. Temp files go to the
// configured cache dir, or a hidden sibling of Dir when none is set.
type BatchDest struct {
	Dir string
}

// BatchResult aggregates per-kind outcomes for one batch. Counters are only
// shared between that batch's tasks, never across batches.
type BatchResult struct {
	mu         sync.Mutex
	Downloaded map[douk.TaskKind]int
	Skipped    map[douk.TaskKind]int
	Failed     map[douk.TaskKind]int
	Bytes      int64
}

func NewBatchResult() *BatchResult {
	return &BatchResult{
		Downloaded: make(map[douk.TaskKind]int),
		Skipped:    make(map[douk.TaskKind]int),
		Failed:     make(map[douk.TaskKind]int),
	}
}

func (r *BatchResult) record(kind douk.TaskKind, out douk.TransferOutcome) {
	r.mu.Lock()
	defer r.mu.Unlock()
	switch out.Status {
	case douk.OutcomeSuccess:
		r.Downloaded[kind]++
		r.Bytes += out.Bytes
	case douk.OutcomeSkip:
		r.Skipped[kind]++
	default:
		r.Failed[kind]++
	}
}

func (r *BatchResult) totals() (downloaded, skipped, failed int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, n := range r.Downloaded {
		downloaded += n
	}
	for _, n := range r.Skipped {
		skipped += n
	}
	for _, n := range r.Failed {
		failed += n
	}
	return
}

// RunBatch plans tasks for every work and runs them under the bounded worker
// pool. Sibling tasks have no ordering guarantee; one task's failure never
// aborts the others.
func (e *Engine) RunBatch(ctx context.Context, works []douk.Work, dest BatchDest) *BatchResult {
	log := e.log.With("batch_id", uuid.NewString())
	result := NewBatchResult()
	var wg sync.WaitGroup
	for _, work := range works {
		e.rememberMetadata(work)
		for _, task := range e.planTasks(work, dest) {
			if err := e.sem.Acquire(ctx, 1); err != nil {
				result.record(task.Kind, douk.TransferOutcome{Status: douk.OutcomeFail, Reason: err.Error()})
				continue
			}
			wg.Add(1)
			task := task
			go func() {
				defer wg.Done()
				defer e.sem.Release(1)
				result.record(task.Kind, e.Fetch(ctx, task))
			}()
		}
	}
	wg.Wait()

	downloaded, skipped, failed := result.totals()
	log.Infow("batch complete",
		"works", len(works),
		"downloaded", downloaded,
		"skipped", skipped,
		"failed", failed,
		"bytes", util.FormatSize(result.Bytes))
	return result
}

// planTasks expands one work into its transfer tasks: the primary media plus
// the optional music and cover siblings.
func (e *Engine) planTasks(work douk.Work, dest BatchDest) []*douk.TransferTask {
	stem := util.TruncateRunes(util.SanitizeText(work.ID+"_"+work.Description, work.ID), e.cfg.NameLength)
	cacheDir := e.cfg.CacheDir
	if cacheDir == "" {
		cacheDir = filepath.Join(dest.Dir, ".cache")
	}
	makeTask := func(kind douk.TaskKind, urls []string, name, suffix string, unknownSize bool) *douk.TransferTask {
		return &douk.TransferTask{
			WorkID:      work.ID,
			Kind:        kind,
			URLs:        urls,
			TempPath:    filepath.Join(cacheDir, name+"."+suffix),
			FinalPath:   filepath.Join(dest.Dir, name+"."+suffix),
			Suffix:      suffix,
			Label:       name,
			UnknownSize: unknownSize,
		}
	}

	var tasks []*douk.TransferTask
	switch work.Kind {
	case douk.WorkVideo:
		suffix := util.SuffixFromURL(firstNonEmpty(work.DownloadURLs))
		if suffix == "" {
			suffix = "mp4"
		}
		tasks = append(tasks, makeTask(douk.TaskVideo, work.DownloadURLs, stem, suffix, false))
	case douk.WorkGallery:
		for i, u := range work.DownloadURLs {
			if u == "" {
				continue
			}
			name := fmt.Sprintf("%s_%d", stem, i+1)
			tasks = append(tasks, makeTask(douk.TaskImage, []string{u}, name, "jpeg", false))
		}
	case douk.WorkLivePhoto:
		for i, u := range work.DownloadURLs {
			if u == "" {
				continue
			}
			name := fmt.Sprintf("%s_%d", stem, i+1)
			tasks = append(tasks, makeTask(douk.TaskLivePhoto, []string{u}, name, "mp4", false))
		}
	}

	if e.cfg.Music && work.MusicURL != "" {
		tasks = append(tasks, makeTask(douk.TaskMusic, []string{work.MusicURL}, stem, "mp3", true))
	}
	// Video-typed works always get their static cover; galleries only on
	// request.
	wantStatic := work.StaticCoverURL != "" && (e.cfg.StaticCover || work.Kind == douk.WorkVideo)
	if wantStatic {
		tasks = append(tasks, makeTask(douk.TaskCover, []string{work.StaticCoverURL}, stem, "jpeg", false))
	}
	if e.cfg.DynamicCover && work.DynamicCoverURL != "" {
		tasks = append(tasks, makeTask(douk.TaskCover, []string{work.DynamicCoverURL}, stem, "webp", false))
	}
	return tasks
}

func firstNonEmpty(urls []string) string {
	for _, u := range urls {
		if u != "" {
			return u
		}
	}
	return ""
}
