package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"time"

	"github.com/r3labs/diff/v3"
	"github.com/schollz/progressbar/v3"
	"github.com/urfave/cli/v2"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	douk "github.com/madou1217/douk-downloader"
	"github.com/madou1217/douk-downloader/async"
	"github.com/madou1217/douk-downloader/database"
	"github.com/madou1217/douk-downloader/download"
	"github.com/madou1217/douk-downloader/internal/boltdb"
	"github.com/madou1217/douk-downloader/live"
	"github.com/madou1217/douk-downloader/upload"
)

func main() {
	config := zap.NewDevelopmentConfig()
	config.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	logger, err := config.Build()
	if err != nil {
		log.Fatalf("can't initialize zap logger: %v", err)
	}
	defer logger.Sync()
	zap.RedirectStdLog(logger)
	zap.ReplaceGlobals(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	app := &cli.App{
		Name:  "douk-downloader",
		Usage: "download, record and upload media",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "root",
				Value: ".",
				Usage: "save finished media under `DIR`",
			},
			&cli.StringFlag{
				Name:  "state-dir",
				Usage: "keep ledgers and temp files under `DIR` (default: <root>/.douk)",
			},
			&cli.BoolFlag{
				Name:  "upload",
				Usage: "upload finished media to the configured WebDAV store",
			},
			&cli.BoolFlag{
				Name:  "delete-after-upload",
				Usage: "delete local files after a confirmed upload",
			},
			&cli.StringFlag{
				Name:    "webdav-url",
				Usage:   "WebDAV base `URL`",
				EnvVars: []string{"DOUK_WEBDAV_URL"},
			},
			&cli.StringFlag{
				Name:    "webdav-user",
				Usage:   "WebDAV `USERNAME`",
				EnvVars: []string{"DOUK_WEBDAV_USER"},
			},
			&cli.StringFlag{
				Name:    "webdav-password",
				Usage:   "WebDAV `PASSWORD`",
				EnvVars: []string{"DOUK_WEBDAV_PASSWORD"},
			},
		},
		Commands: []*cli.Command{
			{
				Name:      "fetch",
				Usage:     "download the works described in a JSON file",
				ArgsUsage: "WORKS.json",
				Flags: []cli.Flag{
					&cli.BoolFlag{Name: "music", Usage: "also download each work's music track"},
				},
				Action: func(c *cli.Context) error {
					if c.NArg() != 1 {
						return fmt.Errorf("expected exactly one works file")
					}
					return fetch(ctx, c, c.Args().First())
				},
			},
			{
				Name:      "record",
				Usage:     "record a live stream until interrupted or the source goes offline",
				ArgsUsage: "SOURCE_ID STREAM_URL",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "nickname", Usage: "streamer `NAME` used in the output path"},
					&cli.StringFlag{Name: "title", Usage: "stream `TITLE` used in the output filename"},
					&cli.StringFlag{Name: "cover", Usage: "cover image `URL`"},
				},
				Action: func(c *cli.Context) error {
					if c.NArg() != 2 {
						return fmt.Errorf("expected SOURCE_ID and STREAM_URL")
					}
					return record(ctx, c, c.Args().Get(0), c.Args().Get(1))
				},
			},
			{
				Name:      "upload",
				Usage:     "upload a local file to the configured WebDAV store",
				ArgsUsage: "FILE",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "work-id", Usage: "owning work `ID`"},
					&cli.StringFlag{Name: "remote", Usage: "explicit remote `PATH` relative to the remote root"},
				},
				Action: func(c *cli.Context) error {
					if c.NArg() != 1 {
						return fmt.Errorf("expected exactly one file")
					}
					return uploadOne(ctx, c, c.Args().First())
				},
			},
		},
		HideHelpCommand: true,
	}

	result := async.Run(func() error { return app.Run(os.Args) })

	select {
	case err = <-result:
		if err != nil {
			logger.Fatal(err.Error())
		}
	case <-ctx.Done():
		stop()
		err = <-result
		if err != nil {
			logger.Fatal(err.Error())
		}
	}
}

// env bundles the wired-up pipeline for one command invocation.
type env struct {
	cfg      douk.Config
	ledger   *boltdb.Ledger
	store    *database.Store
	engine   *download.Engine
	uploader *upload.Service
}

func buildEnv(c *cli.Context) (*env, error) {
	cfg := douk.DefaultConfig()
	cfg.Root = c.String("root")
	stateDir := c.String("state-dir")
	if stateDir == "" {
		stateDir = filepath.Join(cfg.Root, ".douk")
	}
	cfg.CacheDir = filepath.Join(stateDir, "cache")
	cfg.Music = c.Bool("music")
	cfg.Upload.Enabled = c.Bool("upload")
	cfg.Upload.DeleteLocalAfterUpload = c.Bool("delete-after-upload")
	cfg.Upload.WebDAV.Enabled = c.String("webdav-url") != ""
	cfg.Upload.WebDAV.BaseURL = c.String("webdav-url")
	cfg.Upload.WebDAV.Username = c.String("webdav-user")
	cfg.Upload.WebDAV.Password = c.String("webdav-password")
	if err := cfg.Normalize(); err != nil {
		return nil, err
	}
	if err := os.MkdirAll(stateDir, 0o755); err != nil {
		return nil, err
	}

	ledger, err := boltdb.Open(filepath.Join(stateDir, "downloads.db"))
	if err != nil {
		return nil, err
	}
	store, err := database.Open(filepath.Join(stateDir, "douk.db"), zap.L())
	if err != nil {
		ledger.Close()
		return nil, err
	}
	if err := store.Migrate(); err != nil {
		ledger.Close()
		store.Close()
		return nil, err
	}

	e := &env{cfg: cfg, ledger: ledger, store: store}
	// The resolver closes over the env so the engine's metadata cache can be
	// wired into the uploader before the engine itself exists.
	resolver := func(workID string) (douk.WorkMetadata, bool) {
		if e.engine == nil {
			return douk.WorkMetadata{}, false
		}
		return e.engine.ResolveMetadata(workID)
	}
	e.uploader = upload.NewService(cfg.Upload, store, resolver, zap.L())
	engine, err := download.New(cfg, download.Options{
		Ledger:   ledger,
		Tracker:  store,
		Uploader: e.uploader,
		Logger:   zap.L(),
	})
	if err != nil {
		e.close()
		return nil, err
	}
	e.engine = engine
	return e, nil
}

func (e *env) close() {
	if e.engine != nil {
		e.engine.Close()
	}
	if e.store != nil {
		_ = e.store.Close()
	}
	if e.ledger != nil {
		_ = e.ledger.Close()
	}
}

func fetch(ctx context.Context, c *cli.Context, worksFile string) error {
	logger := zap.S()
	data, err := os.ReadFile(worksFile)
	if err != nil {
		return err
	}
	var works []douk.Work
	if err := json.Unmarshal(data, &works); err != nil {
		return fmt.Errorf("parse works file: %w", err)
	}
	if len(works) == 0 {
		logger.Info("nothing to download")
		return nil
	}

	e, err := buildEnv(c)
	if err != nil {
		return err
	}
	defer e.close()
	engine := e.engine

	events, err := engine.Events()
	if err != nil {
		return err
	}
	bar := progressbar.Default(-1, "downloading")
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for event := range events.Receive() {
			if event.New != nil && event.New.Status != "started" {
				_ = bar.Add(1)
			}
			changes, err := diff.Diff(event.Old, event.New)
			if err != nil {
				logger.Errorf("failed to diff task states: %v", err)
				continue
			}
			for _, change := range changes {
				logger.Debugf("%v: %#v -> %#v", change.Path, change.From, change.To)
			}
		}
	}()

	result := engine.RunBatch(ctx, works, download.BatchDest{Dir: e.cfg.Root})
	engine.Close()
	wg.Wait()
	_ = bar.Finish()

	downloaded, skipped, failed := 0, 0, 0
	for _, n := range result.Downloaded {
		downloaded += n
	}
	for _, n := range result.Skipped {
		skipped += n
	}
	for _, n := range result.Failed {
		failed += n
	}
	logger.Infof("Batch finished: %d downloaded, %d skipped, %d failed", downloaded, skipped, failed)
	if failed > 0 {
		return fmt.Errorf("%d tasks failed", failed)
	}
	return nil
}

func record(ctx context.Context, c *cli.Context, sourceID, streamURL string) error {
	logger := zap.S()
	e, err := buildEnv(c)
	if err != nil {
		return err
	}
	defer e.close()

	sup, err := live.NewSupervisor(e.cfg, live.Options{
		Store:    e.store,
		Uploader: e.uploader,
		Logger:   zap.L(),
	})
	if err != nil {
		return err
	}

	desc := douk.StreamDescriptor{
		RoomID:   sourceID,
		Nickname: c.String("nickname"),
		Title:    c.String("title"),
		CoverURL: c.String("cover"),
		FLVURLs:  map[string]string{"origin": streamURL},
	}
	if err := sup.EnsureRecording(ctx, sourceID, desc); err != nil {
		return err
	}
	logger.Infof("Recording %s, interrupt to stop", sourceID)

	<-ctx.Done()
	logger.Info("Stopping recording...")
	sup.MarkOffline(sourceID, true)
	drainCtx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()
	return sup.Shutdown(drainCtx)
}

func uploadOne(ctx context.Context, c *cli.Context, file string) error {
	logger := zap.S()
	e, err := buildEnv(c)
	if err != nil {
		return err
	}
	defer e.close()

	suffix := douk.NormalizeSuffix(filepath.Ext(file))
	workID := c.String("work-id")
	var out douk.UploadOutcome
	if remote := c.String("remote"); remote != "" {
		out = e.uploader.UploadTo(ctx, file, suffix, workID, remote)
	} else {
		out = e.uploader.Upload(ctx, file, suffix, workID)
	}
	switch {
	case out.Success && out.Skipped:
		logger.Infof("Already uploaded: %s", out.Destination)
	case out.Success:
		logger.Infof("Uploaded to %s", out.Destination)
	case out.Attempted:
		return fmt.Errorf("upload failed: %s", out.Reason)
	default:
		return fmt.Errorf("upload not attempted: %s", out.Reason)
	}
	return nil
}
