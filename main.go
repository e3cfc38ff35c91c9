// Package main implements a OneBot moderation bot that blacklists members
// who leave a group and automatically answers their later join requests.
package main

import (
	"context"
	"log/slog"
	"os"

	gcs "cloud.google.com/go/storage"

	"qqban/config"
	"qqban/moderate"
	"qqban/onebot"
	"qqban/server"
	"qqban/storage"
)

func main() {
	ctx := context.Background()

	// Initialize structured logger
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	cfgPath := os.Getenv("QQBAN_CONFIG")
	if cfgPath == "" {
		cfgPath = "./qqban.yaml"
	}
	cfg, err := config.Load(cfgPath)
	if err != nil {
		logger.Error("Failed to load configuration", "path", cfgPath, "error", err)
		os.Exit(1)
	}

	// Blacklist storage: Cloud Storage when a bucket is configured,
	// local filesystem otherwise.
	var store *storage.Store
	if cfg.StorageBucket != "" {
		client, err := gcs.NewClient(ctx)
		if err != nil {
			logger.Error("Failed to initialize Storage client", "error", err)
			os.Exit(1)
		}
		defer func() {
			if err := client.Close(); err != nil {
				logger.Warn("Failed to close storage client", "error", err)
			}
		}()
		store = storage.New(client, cfg.StorageBucket, "", logger)
		logger.Info("Using Cloud Storage", "bucket", cfg.StorageBucket)
	} else {
		if err := os.MkdirAll(cfg.DataDir, 0o700); err != nil {
			logger.Error("Failed to create local storage directory", "path", cfg.DataDir, "error", err)
			os.Exit(1)
		}
		store = storage.New(nil, "", cfg.DataDir, logger)
		logger.Info("Using local storage", "path", cfg.DataDir)
	}

	// Platform client: mock actions when no API endpoint is configured.
	var responder moderate.Responder
	var messenger moderate.Messenger
	if cfg.APIBaseURL == "" {
		logger.Info("No api_base_url configured, mocking platform actions")
		mock := onebot.NewMock(logger)
		responder, messenger = mock, mock
	} else {
		client := onebot.NewClient(cfg.APIBaseURL, cfg.AccessToken, logger)
		responder, messenger = client, client
	}

	policy := cfg.Policy()
	logger.Info("Moderation policy loaded",
		"whitelist_enforced", policy.EnforceWhitelist,
		"whitelisted_groups", len(policy.Whitelist),
		"notices", policy.NoticeEnabled,
		"auto_approve", policy.AutoApprove)

	engine := moderate.New(policy, store, responder, messenger, logger)

	// Optional WebSocket event feed alongside HTTP push.
	if cfg.EventWSURL != "" {
		stream := onebot.NewStream(cfg.EventWSURL, cfg.AccessToken, engine, logger)
		go func() {
			if err := stream.Run(ctx); err != nil {
				logger.Error("Event stream stopped", "error", err)
			}
		}()
	}

	srv := server.New(&server.Config{
		Handler: engine,
		Lister:  store,
		Logger:  logger,
		Secret:  cfg.PushSecret,
	})
	if err := srv.ListenAndServe(cfg.ListenAddr); err != nil {
		logger.Error("Server failed", "error", err)
		os.Exit(1)
	}
}
