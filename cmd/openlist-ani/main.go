package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/kafuneri/Openlist-Ani/internal/api"
	"github.com/kafuneri/Openlist-Ani/internal/config"
	"github.com/kafuneri/Openlist-Ani/internal/core"
	"github.com/kafuneri/Openlist-Ani/internal/downloader"
	"github.com/kafuneri/Openlist-Ani/internal/notify"
	"github.com/kafuneri/Openlist-Ani/internal/openlist"
	"github.com/kafuneri/Openlist-Ani/internal/rss"
	"github.com/kafuneri/Openlist-Ani/internal/service"
	"github.com/kafuneri/Openlist-Ani/internal/storage"
)

const (
	configAppName = "app"
	configExt     = "env"
	configDir     = "config"
)

func newLogger(level string) (*zap.Logger, error) {
	cfg := zap.NewProductionConfig()
	cfg.EncoderConfig.TimeKey = "ts"
	cfg.EncoderConfig.MessageKey = "msg"
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	if lvl, err := zapcore.ParseLevel(level); err == nil {
		cfg.Level = zap.NewAtomicLevelAt(lvl)
	}
	cfg.OutputPaths = []string{"stdout", "openlist_ani.log"}
	cfg.ErrorOutputPaths = []string{"stderr", "openlist_ani.log"}
	return cfg.Build()
}

func main() {
	cfg, err := config.LoadAppConfig(configAppName, configExt, configDir, ".")
	if err != nil {
		_, _ = fmt.Fprintf(os.Stderr, "cant read config: %v\n", err)
		os.Exit(1)
	}

	zapLogger, err := newLogger(cfg.LogLevel)
	if err != nil {
		_, _ = fmt.Fprintf(os.Stderr, "cant init logger: %v\n", err)
		os.Exit(1)
	}
	defer func() {
		_ = zapLogger.Sync()
	}()

	logger := zapLogger.Named("openlist-ani")
	logger.Info("starting", zap.Int("pid", os.Getpid()))

	if err := os.MkdirAll(filepath.Dir(cfg.StateFile), 0o755); err != nil {
		logger.Fatal("cant create data dir", zap.Error(err))
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	client, err := openlist.NewClient(&openlist.ClientOptions{
		BaseURL:        cfg.OpenListURL,
		Token:          cfg.OpenListToken,
		MaxConcurrent:  cfg.OpenListMaxConcurrent,
		RequestTimeout: cfg.OpenListRequestTimeout,
		ConnectTimeout: cfg.OpenListConnectTimeout,
		MaxRetries:     cfg.OpenListMaxRetries,
		RetryBackoff:   cfg.OpenListRetryBackoff,
		Logger:         logger.Named("openlist"),
	})
	if err != nil {
		logger.Fatal("cant create openlist client", zap.Error(err))
	}
	defer client.Close()

	checkRemote(ctx, client, cfg.DownloadTool, logger)

	resourceLog, err := storage.OpenResourceLog(cfg.ResourceDB)
	if err != nil {
		logger.Fatal("cant open resource log", zap.Error(err))
	}
	defer func() {
		if err := resourceLog.Close(); err != nil {
			logger.Error("cant close resource log", zap.Error(err))
		}
	}()

	dl, err := downloader.NewOpenListDownloader(&downloader.Options{
		Client:       client,
		Tool:         cfg.DownloadTool,
		RenameFormat: cfg.RenameFormat,
		PollInterval: cfg.PollInterval,
		Logger:       logger.Named("downloader"),
	})
	if err != nil {
		logger.Fatal("cant create downloader", zap.Error(err))
	}

	manager, err := service.NewDownloadManager(&service.ManagerOptions{
		Downloader:    dl,
		State:         storage.NewStateFile(cfg.StateFile, logger.Named("state")),
		SavePath:      cfg.SavePath,
		MaxConcurrent: cfg.MaxConcurrentDownloads,
		MaxRetries:    cfg.DownloadMaxRetries,
		RetryDelay:    cfg.DownloadRetryDelay,
		Logger:        logger.Named("manager"),
	})
	if err != nil {
		logger.Fatal("cant create download manager", zap.Error(err))
	}
	defer manager.Close()

	notifier := newNotifier(cfg, logger)
	var bg sync.WaitGroup
	bg.Add(1)
	go func() {
		defer bg.Done()
		notifier.Run(ctx)
	}()

	manager.OnComplete(func(task *core.Task) {
		if err := resourceLog.Add(task.Resource, task.FinalPath, time.Now().UTC()); err != nil {
			logger.Error("cant record completed resource",
				zap.String("title", task.Resource.Title),
				zap.Error(err),
			)
		}
		notifier.Report(task.Resource)
	})
	manager.OnError(func(task *core.Task) {
		logger.Error("download did not finish",
			zap.String("title", task.Resource.Title),
			zap.String("state", string(task.State)),
			zap.String("error", task.ErrorMessage),
		)
	})

	if n := manager.Resume(ctx); n > 0 {
		logger.Info("resumed tasks", zap.Int("count", n))
	}

	if len(cfg.RSSFeeds) > 0 {
		watcher, err := rss.NewWatcher(&rss.WatcherOptions{
			Feeds:    cfg.RSSFeeds,
			Interval: cfg.RSSInterval,
			History:  resourceLog,
			Active:   manager,
			Submit: func(res core.Resource) {
				go manager.Download(ctx, res, "")
			},
			Logger: logger.Named("rss"),
		})
		if err != nil {
			logger.Fatal("cant create rss watcher", zap.Error(err))
		}
		bg.Add(1)
		go func() {
			defer bg.Done()
			watcher.Run(ctx)
		}()
	} else {
		logger.Info("no rss feeds configured")
	}

	srv, err := api.NewServer(&api.ServerOptions{
		Manager:    manager,
		Remote:     client,
		Logger:     logger.Named("api"),
		Addr:       cfg.ServerAddr,
		Mode:       cfg.GinMode,
		RunContext: ctx,
	})
	if err != nil {
		logger.Fatal("cant create api server", zap.Error(err))
	}
	errCh := make(chan error, 1)
	go func() {
		logger.Info("starting server", zap.String("addr", cfg.ServerAddr))
		if err := srv.Run(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-errCh:
		logger.Error("server failed", zap.Error(err))
		stop()
	}

	offCtx, offCanc := context.WithTimeout(context.Background(), 30*time.Second)
	defer offCanc()
	if err := srv.Shutdown(offCtx); err != nil {
		logger.Error("cant shutdown server", zap.Error(err))
	}
	bg.Wait()
	logger.Info("shutdown done")
}

// checkRemote verifies the server answers and runs the configured
// offline-download tool. Both are warnings: the server may simply come
// up later.
func checkRemote(ctx context.Context, client *openlist.Client, tool string, logger *zap.Logger) {
	if !client.CheckHealth(ctx) {
		logger.Warn("openlist server unreachable, continuing anyway")
		return
	}
	tools := client.OfflineDownloadTools(ctx)
	if tools == nil {
		logger.Warn("cant list offline download tools")
		return
	}
	for _, name := range tools {
		if name == tool {
			logger.Info("offline download tool available", zap.String("tool", tool))
			return
		}
	}
	logger.Warn("configured tool not offered by server",
		zap.String("tool", tool),
		zap.Strings("available", tools),
	)
}

func newNotifier(cfg *config.AppConfig, logger *zap.Logger) *notify.Notifier {
	var senders []notify.Sender
	if cfg.TelegramBotToken != "" && cfg.TelegramChatID != "" {
		senders = append(senders, notify.NewTelegramSender(cfg.TelegramBotToken, cfg.TelegramChatID))
	}
	if cfg.PushPlusToken != "" {
		senders = append(senders, notify.NewPushPlusSender(cfg.PushPlusToken))
	}
	if len(senders) == 0 {
		logger.Info("notifications disabled")
	}
	return notify.NewNotifier(&notify.NotifierOptions{
		Senders: senders,
		Window:  cfg.NotifyWindow,
		Logger:  logger.Named("notify"),
	})
}
