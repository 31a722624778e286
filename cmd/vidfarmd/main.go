// Command vidfarmd runs the download queue daemon: a persistent queue
// with crash recovery, a bounded download dispatcher and a loopback
// HTTP control API.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"vidfarm/internal/analytics"
	"vidfarm/internal/api"
	"vidfarm/internal/backend"
	"vidfarm/internal/cleanup"
	"vidfarm/internal/config"
	"vidfarm/internal/format"
	"vidfarm/internal/logger"
	"vidfarm/internal/manager"
	"vidfarm/internal/playlist"
	"vidfarm/internal/security"
	"vidfarm/internal/storage"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "vidfarmd:", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	log, err := logger.New(os.Stdout, cfg.LogDir)
	if err != nil {
		return err
	}

	store, err := storage.Open(cfg.DBPath)
	if err != nil {
		return err
	}
	defer store.Close()

	// No extractor adapter is linked yet; the Nop backend refuses
	// transfers with a categorized error.
	var be backend.VideoBackend = backend.Nop{}

	mgr := manager.New(store, log, cfg.MaxConcurrent)
	selector := format.NewSelector(be, store)

	handler := playlist.NewHandler(be, log)
	handler.SetHistorySink(func(video backend.VideoInfo, filePath string) {
		_, err := mgr.AddToHistory(storage.HistoryEntry{
			URL:      video.URL,
			Title:    video.Title,
			FilePath: filePath,
			Duration: video.Duration,
			Uploader: video.Uploader,
		})
		if err != nil {
			log.Warn("failed to record batch download", "url", video.URL, "error", err)
		}
	})

	dispatcher := newDispatcher(log, mgr, be, cfg.DownloadDir)
	mgr.SetStartCallback(dispatcher.dispatch)

	// Recovery must precede any start so interrupted rows are pending
	// again before the gate opens.
	restored, err := mgr.RestoreQueue()
	if err != nil {
		return err
	}
	log.Info("queue restored", "items", len(restored))
	dispatcher.fill(restored)

	sweeper := cleanup.NewScheduler(log, cfg.DownloadDir, cfg.CleanupTTL)
	if err := sweeper.Start(); err != nil {
		return err
	}
	defer sweeper.Stop()

	var control *api.ControlServer
	if cfg.APIEnabled {
		stats := analytics.NewStatsManager(store, cfg.DownloadDir)
		audit := security.NewAuditLogger(log, cfg.LogDir)
		defer audit.Close()
		control = api.NewControlServer(mgr, handler, selector, stats, audit, log)
		if err := control.Start(cfg.APIPort); err != nil {
			return err
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	<-ctx.Done()
	log.Info("shutting down")

	if control != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := control.Shutdown(shutdownCtx); err != nil {
			log.Warn("control server shutdown", "error", err)
		}
	}
	if err := store.Checkpoint(); err != nil {
		log.Warn("wal checkpoint failed", "error", err)
	}
	return nil
}

// dispatcher turns the manager's start signals into actual backend
// transfers on their own goroutines.
type dispatcher struct {
	log         *slog.Logger
	mgr         *manager.Manager
	be          backend.VideoBackend
	downloadDir string
}

func newDispatcher(log *slog.Logger, mgr *manager.Manager, be backend.VideoBackend, downloadDir string) *dispatcher {
	return &dispatcher{log: log, mgr: mgr, be: be, downloadDir: downloadDir}
}

// fill offers pending items to the gate until it is full, used once at
// startup.
func (d *dispatcher) fill(items []storage.QueueItem) {
	for _, item := range items {
		if item.Status != storage.StatusPending {
			continue
		}
		if !d.mgr.CanStartDownload() {
			return
		}
		d.dispatch(item)
	}
}

// dispatch claims a gate slot for item and runs the transfer in the
// background. A refused claim is fine; the item stays pending.
func (d *dispatcher) dispatch(item storage.QueueItem) {
	ok, err := d.mgr.StartDownload(item.ID)
	if err != nil {
		d.log.Error("failed to start download", "id", item.ID, "error", err)
		return
	}
	if !ok {
		return
	}
	go d.transfer(item)
}

func (d *dispatcher) transfer(item storage.QueueItem) {
	outputPath := item.OutputPath
	if outputPath == "" {
		outputPath = filepath.Join(d.downloadDir, item.ID)
	}

	onProgress := func(p backend.Progress) {
		if _, err := d.mgr.UpdateProgress(item.ID, p.Percent); err != nil {
			d.log.Warn("progress update failed", "id", item.ID, "error", err)
		}
	}

	path, err := d.be.Download(context.Background(), item.URL, outputPath, item.FormatID, onProgress)
	if err != nil {
		d.log.Warn("transfer failed", "id", item.ID, "kind", backend.KindOf(err), "error", err)
		if _, err := d.mgr.FailDownload(item.ID, err.Error()); err != nil {
			d.log.Error("failed to mark download failed", "id", item.ID, "error", err)
		}
		return
	}

	var size int64
	if info, err := os.Stat(path); err == nil {
		size = info.Size()
	}
	if _, err := d.mgr.CompleteDownload(item.ID, path, size); err != nil {
		d.log.Error("failed to mark download complete", "id", item.ID, "error", err)
	}
}
