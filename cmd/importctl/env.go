package main

import (
	"context"
	"fmt"
	"log/slog"
	"mime"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"

	"github.com/JonMunkholm/erpimport/internal/config"
	"github.com/JonMunkholm/erpimport/internal/core"
	"github.com/JonMunkholm/erpimport/internal/database"
	"github.com/JonMunkholm/erpimport/internal/events"
	"github.com/JonMunkholm/erpimport/internal/logging"
	"github.com/JonMunkholm/erpimport/internal/task"
)

// env is the shared state every database-backed subcommand needs.
type env struct {
	cfg     *config.Config
	pool    *pgxpool.Pool
	store   *task.PostgresStore
	manager *task.Manager
	events  *events.Publisher
}

func loadEnv(ctx context.Context) (*env, error) {
	_ = godotenv.Overload()

	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	// stdout carries command output.
	slog.SetDefault(logging.New(os.Stderr, cfg.Logging.Level, cfg.Logging.Format))

	pool, err := database.Connect(ctx, cfg.Database)
	if err != nil {
		return nil, err
	}

	// Without brokers the in-process channel has no subscriber and events
	// are dropped, which is fine for one-shot commands.
	pub, err := events.New(events.Config{
		KafkaBrokers: cfg.Events.KafkaBrokers,
		Topic:        cfg.Events.Topic,
	})
	if err != nil {
		pool.Close()
		return nil, err
	}

	store := task.NewPostgresStore(pool)
	return &env{
		cfg:   cfg,
		pool:  pool,
		store: store,
		manager: task.NewManager(store, task.ManagerOptions{
			Dependencies: cfg.Dependencies(),
			Publisher:    pub,
			MaxFileSize:  cfg.Import.MaxFileSize,
		}),
		events: pub,
	}, nil
}

func (e *env) Close() {
	_ = e.events.Close()
	e.pool.Close()
}

// actor resolves the --user flag, falling back to $USER.
func actor(flag string) string {
	if flag != "" {
		return flag
	}
	if u := os.Getenv("USER"); u != "" {
		return u
	}
	return core.AnonymousActor
}

type upload struct {
	name        string
	contentType string
	content     []byte
}

func readUpload(path string) (upload, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return upload{}, fmt.Errorf("read %s: %w", path, err)
	}
	name := filepath.Base(path)
	return upload{
		name:        name,
		contentType: contentType(name),
		content:     data,
	}, nil
}

func contentType(name string) string {
	switch ext := strings.ToLower(filepath.Ext(name)); ext {
	case ".csv":
		return "text/csv"
	case ".xlsx":
		return "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"
	default:
		return mime.TypeByExtension(ext)
	}
}

func parseStatus(s string) (task.Status, error) {
	if s == "" {
		return "", nil
	}
	st := task.Status(strings.ToUpper(s))
	if !st.Valid() {
		return "", fmt.Errorf("invalid --status %q", s)
	}
	return st, nil
}

func parseFailureStatus(s string) (task.FailureStatus, error) {
	if s == "" {
		return "", nil
	}
	st := task.FailureStatus(strings.ToUpper(s))
	if !st.Valid() {
		return "", fmt.Errorf("invalid --status %q", s)
	}
	return st, nil
}

func parseTaskID(arg string) (int64, error) {
	id, err := strconv.ParseInt(arg, 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("invalid task id %q", arg)
	}
	return id, nil
}

