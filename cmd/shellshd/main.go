package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/user/shellsh/internal/api"
	"github.com/user/shellsh/internal/config"
	"github.com/user/shellsh/internal/db"
	"github.com/user/shellsh/internal/hub"
	"github.com/user/shellsh/internal/server"
	"github.com/user/shellsh/internal/shell"
)

func main() {
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo})))

	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	manager := shell.NewManager()
	defer manager.Close()

	var commandRepo *db.CommandRepo
	if !cfg.HistoryOff {
		conn, err := db.Open(ctx, cfg.DBPath)
		if err != nil {
			slog.Error("failed to open database", "path", cfg.DBPath, "error", err)
			os.Exit(1)
		}
		defer conn.Close()
		commandRepo = db.NewCommandRepo(conn.SQL())
	}

	h := hub.New(cfg.Token,
		func(sessionID, line string) {
			sess, err := manager.Get(sessionID)
			if err != nil {
				slog.Warn("input for unknown session", "session_id", sessionID)
				return
			}
			if err := sess.TypeEnter(ctx, line); err != nil {
				slog.Warn("input dispatch failed", "session_id", sessionID, "error", err)
			}
		},
		func(sessionID string) {
			sess, err := manager.Get(sessionID)
			if err != nil {
				slog.Warn("interrupt for unknown session", "session_id", sessionID)
				return
			}
			if err := sess.Stop(); err != nil {
				slog.Warn("interrupt failed", "session_id", sessionID, "error", err)
			}
		},
	)
	go h.Run(ctx)

	baseOpts := shell.Options{
		Argv:         []string{cfg.Shell},
		PollInterval: cfg.PollInterval(),
		GracePeriod:  cfg.GracePeriod(),
	}
	apiHandler := api.NewRouter(manager, commandRepo, h, cfg.Token, baseOpts)

	if cfg.PrintToken {
		fmt.Printf("\nshellsh running at http://localhost:%d?token=%s\n\n", cfg.Port, cfg.Token)
	}

	srv := server.New(cfg, h, apiHandler)
	if err := srv.Start(ctx); err != nil {
		slog.Error("server error", "error", err)
		os.Exit(1)
	}
}
