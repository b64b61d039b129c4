package download

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	assert_ "github.com/stretchr/testify/assert"

	douk "github.com/madou1217/douk-downloader"
)

func TestPlanTasksVideo(t *testing.T) {
	assert := assert_.New(t)
	cfg := testConfig(t)
	cfg.Music = true
	e := newTestEngine(t, cfg, Options{})

	work := douk.Work{
		ID:              "7123456789",
		Kind:            douk.WorkVideo,
		Description:     "cat video!",
		DownloadURLs:    []string{"", "https://cdn.example.com/v.mp4"},
		MusicURL:        "https://cdn.example.com/m.mp3",
		StaticCoverURL:  "https://cdn.example.com/c.jpeg",
		DynamicCoverURL: "https://cdn.example.com/c.webp",
	}
	tasks := e.planTasks(work, BatchDest{Dir: cfg.Root})

	// Video, music, static cover. Dynamic cover stays off unless configured.
	assert.Len(tasks, 3)
	assert.Equal(douk.TaskVideo, tasks[0].Kind)
	assert.Equal("mp4", tasks[0].Suffix)
	assert.Equal(douk.TaskMusic, tasks[1].Kind)
	assert.True(tasks[1].UnknownSize)
	assert.Equal(douk.TaskCover, tasks[2].Kind)
	for _, task := range tasks {
		assert.Equal(work.ID, task.WorkID)
		assert.True(strings.HasPrefix(filepath.Base(task.FinalPath), work.ID))
	}
}

func TestPlanTasksGallery(t *testing.T) {
	assert := assert_.New(t)
	cfg := testConfig(t)
	e := newTestEngine(t, cfg, Options{})

	work := douk.Work{
		ID:           "7200000001",
		Kind:         douk.WorkGallery,
		Description:  "gallery",
		DownloadURLs: []string{"https://cdn.example.com/1", "", "https://cdn.example.com/3"},
	}
	tasks := e.planTasks(work, BatchDest{Dir: cfg.Root})

	assert.Len(tasks, 2)
	assert.Equal(douk.TaskImage, tasks[0].Kind)
	assert.Contains(tasks[0].FinalPath, "_1.jpeg")
	assert.Contains(tasks[1].FinalPath, "_3.jpeg")
}

func TestPlanTasksLivePhoto(t *testing.T) {
	assert := assert_.New(t)
	cfg := testConfig(t)
	e := newTestEngine(t, cfg, Options{})

	work := douk.Work{
		ID:           "7200000002",
		Kind:         douk.WorkLivePhoto,
		Description:  "live photo",
		DownloadURLs: []string{"https://cdn.example.com/a", "https://cdn.example.com/b"},
	}
	tasks := e.planTasks(work, BatchDest{Dir: cfg.Root})

	assert.Len(tasks, 2)
	for _, task := range tasks {
		assert.Equal(douk.TaskLivePhoto, task.Kind)
		assert.Equal("mp4", task.Suffix)
	}
}

func TestRunBatchContinuesPastFailures(t *testing.T) {
	assert := assert_.New(t)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.Contains(r.URL.Path, "broken") {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		body := []byte("image bytes")
		w.Header().Set("Content-Type", "image/jpeg")
		w.Header().Set("Content-Length", fmt.Sprint(len(body)))
		_, _ = w.Write(body)
	}))
	defer server.Close()

	cfg := testConfig(t)
	cfg.MaxRetry = 1
	e := newTestEngine(t, cfg, Options{Ledger: newMemLedger()})

	works := []douk.Work{
		{
			ID:           "7300000001",
			Kind:         douk.WorkGallery,
			Description:  "mixed",
			DownloadURLs: []string{server.URL + "/ok1", server.URL + "/broken", server.URL + "/ok2"},
		},
	}
	result := e.RunBatch(context.Background(), works, BatchDest{Dir: cfg.Root})

	assert.Equal(2, result.Downloaded[douk.TaskImage])
	assert.Equal(1, result.Failed[douk.TaskImage])

	entries, err := os.ReadDir(cfg.Root)
	assert.NoError(err)
	names := make([]string, 0, len(entries))
	for _, entry := range entries {
		names = append(names, entry.Name())
	}
	assert.Len(names, 2)
}

func TestRunBatchCachesMetadata(t *testing.T) {
	assert := assert_.New(t)
	cfg := testConfig(t)
	e := newTestEngine(t, cfg, Options{})

	e.RunBatch(context.Background(), []douk.Work{{
		ID:          "7300000002",
		Kind:        douk.WorkVideo,
		Description: "a title",
		Nickname:    "author",
		PublishDate: "2026-08-29 12:00:00",
	}}, BatchDest{Dir: cfg.Root})

	md, ok := e.ResolveMetadata("7300000002")
	assert.True(ok)
	assert.Equal("a title", md.Title)
	assert.Equal("author", md.Author)

	_, ok = e.ResolveMetadata("missing")
	assert.False(ok)
}
