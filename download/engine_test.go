package download

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"testing"

	assert_ "github.com/stretchr/testify/assert"
	"go.uber.org/zap/zaptest"

	douk "github.com/madou1217/douk-downloader"
)

type memLedger struct {
	mu  sync.Mutex
	ids map[string]int
}

func newMemLedger() *memLedger { return &memLedger{ids: make(map[string]int)} }

func (l *memLedger) HasID(_ context.Context, id string) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.ids[id] > 0, nil
}

func (l *memLedger) UpdateID(_ context.Context, id string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.ids[id]++
	return nil
}

func (l *memLedger) DeleteID(_ context.Context, id string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.ids, id)
	return nil
}

type memTracker struct {
	mu       sync.Mutex
	statuses []string
	progress []int
}

func (t *memTracker) note(s string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.statuses = append(t.statuses, s)
}

func (t *memTracker) MarkWorkDownloading(_ context.Context, _ string) error { return nil }

func (t *memTracker) MarkWorkDownloadProgress(_ context.Context, _ string, percent int) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.progress = append(t.progress, percent)
	return nil
}

func (t *memTracker) MarkWorkDownloaded(_ context.Context, _ string, _ string) error {
	t.note("downloaded")
	return nil
}

func (t *memTracker) MarkWorkUploading(_ context.Context, _ string, _ string) error {
	t.note("uploading")
	return nil
}

func (t *memTracker) MarkWorkUploadFailed(_ context.Context, _ string, _ string, _ string) error {
	t.note("upload_failed")
	return nil
}

func testConfig(t *testing.T) douk.Config {
	t.Helper()
	cfg := douk.DefaultConfig()
	cfg.Root = t.TempDir()
	cfg.CacheDir = t.TempDir()
	cfg.MaxRetry = 3
	return cfg
}

func newTestEngine(t *testing.T, cfg douk.Config, opts Options) *Engine {
	t.Helper()
	if opts.Logger == nil {
		opts.Logger = zaptest.NewLogger(t)
	}
	e, err := New(cfg, opts)
	if err != nil {
		t.Fatalf("failed to build engine: %v", err)
	}
	t.Cleanup(e.Close)
	return e
}

func videoTask(t *testing.T, cfg douk.Config, url string) *douk.TransferTask {
	t.Helper()
	return &douk.TransferTask{
		WorkID:    "7123456789",
		Kind:      douk.TaskVideo,
		URLs:      []string{url},
		TempPath:  filepath.Join(cfg.CacheDir, "video.mp4"),
		FinalPath: filepath.Join(cfg.Root, "video.mp4"),
		Suffix:    "mp4",
		Label:     "video",
	}
}

// rangeFrom parses the start offset out of a "bytes=N-" header.
func rangeFrom(t *testing.T, r *http.Request) int64 {
	t.Helper()
	header := r.Header.Get("Range")
	if header == "" {
		return 0
	}
	n, err := strconv.ParseInt(strings.TrimSuffix(strings.TrimPrefix(header, "bytes="), "-"), 10, 64)
	if err != nil {
		t.Fatalf("bad Range header %q", header)
	}
	return n
}

// serveRanged serves content honouring "bytes=N-" requests, recording the
// start offset of every GET (HEAD probes are not recorded).
func serveRanged(t *testing.T, content []byte, requests *[]int64) http.HandlerFunc {
	var mu sync.Mutex
	return func(w http.ResponseWriter, r *http.Request) {
		offset := rangeFrom(t, r)
		if requests != nil && r.Method == http.MethodGet {
			mu.Lock()
			*requests = append(*requests, offset)
			mu.Unlock()
		}
		if offset > int64(len(content)) {
			w.WriteHeader(http.StatusRequestedRangeNotSatisfiable)
			return
		}
		w.Header().Set("Content-Type", "video/mp4")
		w.Header().Set("Content-Length", strconv.Itoa(len(content)-int(offset)))
		if offset > 0 {
			w.Header().Set("Content-Range", fmt.Sprintf("bytes %d-%d/%d", offset, len(content)-1, len(content)))
			w.WriteHeader(http.StatusPartialContent)
		}
		_, _ = w.Write(content[offset:])
	}
}

func TestFetchDownloadsAndRecords(t *testing.T) {
	assert := assert_.New(t)
	content := bytes.Repeat([]byte("x"), 4096)
	var requests []int64
	server := httptest.NewServer(serveRanged(t, content, &requests))
	defer server.Close()

	cfg := testConfig(t)
	ledger := newMemLedger()
	e := newTestEngine(t, cfg, Options{Ledger: ledger})
	task := videoTask(t, cfg, server.URL)

	out := e.Fetch(context.Background(), task)
	assert.Equal(douk.OutcomeSuccess, out.Status)
	assert.Equal(int64(len(content)), out.Bytes)

	got, err := os.ReadFile(out.Path)
	assert.NoError(err)
	assert.Equal(content, got)
	assert.Equal(1, ledger.ids[task.WorkID])
	assert.Equal([]int64{0}, requests)
}

func TestFetchResumesFromTempOffset(t *testing.T) {
	assert := assert_.New(t)
	content := bytes.Repeat([]byte("y"), 8192)
	var requests []int64
	server := httptest.NewServer(serveRanged(t, content, &requests))
	defer server.Close()

	cfg := testConfig(t)
	e := newTestEngine(t, cfg, Options{Ledger: newMemLedger()})
	task := videoTask(t, cfg, server.URL)
	assert.NoError(os.WriteFile(task.TempPath, content[:3000], 0o644))

	out := e.Fetch(context.Background(), task)
	assert.Equal(douk.OutcomeSuccess, out.Status)
	// Only the remainder was transferred, starting at the temp file's size.
	assert.Equal(int64(len(content)-3000), out.Bytes)
	assert.Equal([]int64{3000}, requests)

	got, _ := os.ReadFile(out.Path)
	assert.Equal(content, got)
}

func TestFetchRestartsAfterUnsatisfiableRange(t *testing.T) {
	assert := assert_.New(t)
	content := bytes.Repeat([]byte("z"), 2048)
	var requests []int64
	server := httptest.NewServer(serveRanged(t, content, &requests))
	defer server.Close()

	cfg := testConfig(t)
	e := newTestEngine(t, cfg, Options{Ledger: newMemLedger()})
	task := videoTask(t, cfg, server.URL)
	// Stale temp file larger than the remote object: the first attempt gets
	// 416, drops it, and the retry restarts from zero.
	assert.NoError(os.WriteFile(task.TempPath, bytes.Repeat([]byte("!"), 5000), 0o644))

	out := e.Fetch(context.Background(), task)
	assert.Equal(douk.OutcomeSuccess, out.Status)
	assert.Equal([]int64{5000, 0}, requests)

	got, _ := os.ReadFile(out.Path)
	assert.Equal(content, got)
}

func TestFetchSkipsCompletedNonVideo(t *testing.T) {
	assert := assert_.New(t)
	var requests []int64
	server := httptest.NewServer(serveRanged(t, []byte("img"), &requests))
	defer server.Close()

	cfg := testConfig(t)
	e := newTestEngine(t, cfg, Options{Ledger: newMemLedger()})
	task := &douk.TransferTask{
		WorkID:    "7123456789",
		Kind:      douk.TaskImage,
		URLs:      []string{server.URL},
		TempPath:  filepath.Join(cfg.CacheDir, "img.jpeg"),
		FinalPath: filepath.Join(cfg.Root, "img.jpeg"),
		Suffix:    "jpeg",
		Label:     "img",
	}
	assert.NoError(os.WriteFile(task.FinalPath, []byte("already here"), 0o644))

	out := e.Fetch(context.Background(), task)
	assert.Equal(douk.OutcomeSkip, out.Status)
	assert.Zero(out.Bytes)
	assert.Empty(requests)
}

func TestFetchRefetchesOnIntegrityMismatch(t *testing.T) {
	assert := assert_.New(t)
	content := bytes.Repeat([]byte("v"), minPlausibleVideoSize+4096)
	server := httptest.NewServer(serveRanged(t, content, nil))
	defer server.Close()

	cfg := testConfig(t)
	ledger := newMemLedger()
	e := newTestEngine(t, cfg, Options{Ledger: ledger})
	task := videoTask(t, cfg, server.URL)
	assert.NoError(ledger.UpdateID(context.Background(), task.WorkID))
	// Local file is plausible in isolation but disagrees with the remote size.
	assert.NoError(os.WriteFile(task.FinalPath, content[:minPlausibleVideoSize+100], 0o644))

	out := e.Fetch(context.Background(), task)
	assert.Equal(douk.OutcomeSuccess, out.Status)
	got, _ := os.ReadFile(out.Path)
	assert.Equal(content, got)
	assert.Equal(1, ledger.ids[task.WorkID])
}

func TestFetchSkipsWhenIntegrityMatches(t *testing.T) {
	assert := assert_.New(t)
	content := bytes.Repeat([]byte("v"), minPlausibleVideoSize+4096)
	var requests []int64
	server := httptest.NewServer(serveRanged(t, content, &requests))
	defer server.Close()

	cfg := testConfig(t)
	ledger := newMemLedger()
	e := newTestEngine(t, cfg, Options{Ledger: ledger})
	task := videoTask(t, cfg, server.URL)
	assert.NoError(ledger.UpdateID(context.Background(), task.WorkID))
	assert.NoError(os.WriteFile(task.FinalPath, content, 0o644))

	out := e.Fetch(context.Background(), task)
	assert.Equal(douk.OutcomeSkip, out.Status)
	// The probe may hit the server but no ranged GET transfers the body.
	assert.Empty(requests)
}

func TestFetchSkipsOversizeWithoutError(t *testing.T) {
	assert := assert_.New(t)
	content := bytes.Repeat([]byte("b"), 4096)
	server := httptest.NewServer(serveRanged(t, content, nil))
	defer server.Close()

	cfg := testConfig(t)
	cfg.MaxSize = 1024
	e := newTestEngine(t, cfg, Options{Ledger: newMemLedger()})
	task := videoTask(t, cfg, server.URL)

	out := e.Fetch(context.Background(), task)
	assert.Equal(douk.OutcomeSkip, out.Status)
	_, err := os.Stat(task.FinalPath)
	assert.True(os.IsNotExist(err))
}

func TestFetchResumesAfterMidTransferDrop(t *testing.T) {
	assert := assert_.New(t)
	const total = 10 * 1024 * 1024
	const dropAt = 4 * 1024 * 1024
	content := bytes.Repeat([]byte("d"), total)

	var mu sync.Mutex
	var requests []int64
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		offset := rangeFrom(t, r)
		mu.Lock()
		first := len(requests) == 0
		requests = append(requests, offset)
		mu.Unlock()
		w.Header().Set("Content-Type", "video/mp4")
		w.Header().Set("Content-Length", strconv.Itoa(total-int(offset)))
		if offset > 0 {
			w.Header().Set("Content-Range", fmt.Sprintf("bytes %d-%d/%d", offset, total-1, total))
			w.WriteHeader(http.StatusPartialContent)
		}
		if first {
			// Declare the full length but drop the connection early.
			_, _ = w.Write(content[:dropAt])
			panic(http.ErrAbortHandler)
		}
		_, _ = w.Write(content[offset:])
	}))
	defer server.Close()

	cfg := testConfig(t)
	ledger := newMemLedger()
	tracker := &memTracker{}
	e := newTestEngine(t, cfg, Options{Ledger: ledger, Tracker: tracker})
	task := videoTask(t, cfg, server.URL)

	out := e.Fetch(context.Background(), task)
	assert.Equal(douk.OutcomeSuccess, out.Status)
	assert.Equal([]int64{0, dropAt}, requests)

	stat, err := os.Stat(out.Path)
	assert.NoError(err)
	assert.Equal(int64(total), stat.Size())
	assert.Equal(1, ledger.ids[task.WorkID])
}

func TestFetchFailsOnEmptyDeclaredLength(t *testing.T) {
	assert := assert_.New(t)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Transfer-Encoding", "chunked")
		_, _ = w.Write([]byte("streamed"))
	}))
	defer server.Close()

	cfg := testConfig(t)
	cfg.MaxRetry = 1
	e := newTestEngine(t, cfg, Options{Ledger: newMemLedger()})
	task := videoTask(t, cfg, server.URL)

	out := e.Fetch(context.Background(), task)
	assert.Equal(douk.OutcomeFail, out.Status)

	task.UnknownSize = true
	task.Label = "unknown-size"
	out = e.Fetch(context.Background(), task)
	assert.Equal(douk.OutcomeSuccess, out.Status)
}

func TestContentTypeOverridesSuffix(t *testing.T) {
	assert := assert_.New(t)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "image/webp")
		_, _ = w.Write([]byte("not actually a jpeg"))
	}))
	defer server.Close()

	cfg := testConfig(t)
	e := newTestEngine(t, cfg, Options{})
	task := &douk.TransferTask{
		Kind:      douk.TaskImage,
		URLs:      []string{server.URL},
		TempPath:  filepath.Join(cfg.CacheDir, "cover.jpeg"),
		FinalPath: filepath.Join(cfg.Root, "cover.jpeg"),
		Suffix:    "jpeg",
		Label:     "cover",
	}
	out := e.Fetch(context.Background(), task)
	assert.Equal(douk.OutcomeSuccess, out.Status)
	assert.Equal(filepath.Join(cfg.Root, "cover.webp"), out.Path)
	assert.Equal("webp", task.Suffix)
}

func TestTotalFromContentRange(t *testing.T) {
	assert := assert_.New(t)
	n, err := totalFromContentRange("bytes 0-0/4096")
	assert.NoError(err)
	assert.Equal(int64(4096), n)

	_, err = totalFromContentRange("bytes 0-0/*")
	assert.Error(err)
	_, err = totalFromContentRange("")
	assert.Error(err)
}
