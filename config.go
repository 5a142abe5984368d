package main

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"

	"taskboard/board"
	"taskboard/repair"
	"taskboard/storage"
)

const (
	backendMemory    = "memory"
	backendTables    = "tables"
	backendFirestore = "firestore"
	backendDatastore = "datastore"

	defaultDocumentsTable = "documents"
	defaultDocCacheTTL    = 5 * time.Minute
	defaultPort           = "8080"
)

// Config is read from the environment, optionally seeded from a .env file.
type Config struct {
	Port string

	Backend          string
	ConnectionString string
	DocumentsTable   string
	GCPProjectID     string

	RepairQueue       string
	FanoutConcurrency int

	RedisConnection string
	DocCacheTTL     time.Duration

	FirebaseProjectID string
	JWKSURL           string
	AuthTestMode      bool
}

// loadEnvFile loads path into the environment. A missing file is ignored.
func loadEnvFile(path string) error {
	if err := godotenv.Load(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("load %s: %w", path, err)
	}
	return nil
}

func loadConfig() (Config, error) {
	cfg := Config{
		Port:              defaultPort,
		Backend:           backendMemory,
		ConnectionString:  os.Getenv("STORAGE_CONNECTION_STRING"),
		DocumentsTable:    defaultDocumentsTable,
		GCPProjectID:      os.Getenv("GCP_PROJECT_ID"),
		RepairQueue:       os.Getenv("REPAIR_QUEUE"),
		FanoutConcurrency: board.DefaultFanoutWorkers,
		RedisConnection:   os.Getenv("REDIS_CONNECTION_STRING"),
		DocCacheTTL:       defaultDocCacheTTL,
		FirebaseProjectID: os.Getenv("FIREBASE_PROJECT_ID"),
		JWKSURL:           os.Getenv("FIREBASE_JWKS_URL"),
		AuthTestMode:      os.Getenv("AUTH_TEST_MODE") == "1",
	}
	if v := os.Getenv("PORT"); v != "" {
		cfg.Port = v
	}
	if v := os.Getenv("STORE_BACKEND"); v != "" {
		cfg.Backend = strings.ToLower(v)
	}
	if v := os.Getenv("DOCUMENTS_TABLE"); v != "" {
		cfg.DocumentsTable = v
	}
	if cfg.GCPProjectID == "" {
		cfg.GCPProjectID = cfg.FirebaseProjectID
	}
	if v := os.Getenv("FANOUT_CONCURRENCY"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return Config{}, fmt.Errorf("invalid FANOUT_CONCURRENCY: %w", err)
		}
		if n <= 0 {
			return Config{}, errors.New("invalid FANOUT_CONCURRENCY: must be greater than zero")
		}
		cfg.FanoutConcurrency = n
	}
	if v := os.Getenv("DOC_CACHE_TTL"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil || d <= 0 {
			return Config{}, fmt.Errorf("invalid DOC_CACHE_TTL: %q", v)
		}
		cfg.DocCacheTTL = d
	}

	switch cfg.Backend {
	case backendMemory:
	case backendTables:
		if cfg.ConnectionString == "" {
			return Config{}, errors.New("missing STORAGE_CONNECTION_STRING for tables backend")
		}
	case backendFirestore, backendDatastore:
		if cfg.GCPProjectID == "" {
			return Config{}, fmt.Errorf("missing GCP_PROJECT_ID for %s backend", cfg.Backend)
		}
	default:
		return Config{}, fmt.Errorf("unknown STORE_BACKEND %q", cfg.Backend)
	}
	if cfg.RepairQueue != "" && cfg.ConnectionString == "" {
		return Config{}, errors.New("missing STORAGE_CONNECTION_STRING for REPAIR_QUEUE")
	}
	return cfg, nil
}

// parseRedisOptions accepts a redis:// URL or the Azure style
// "host:port,password=...,ssl=True" connection string.
func parseRedisOptions(conn string) (*redis.Options, error) {
	if opts, err := redis.ParseURL(conn); err == nil {
		return opts, nil
	}
	parts := strings.Split(conn, ",")
	if strings.TrimSpace(parts[0]) == "" {
		return nil, fmt.Errorf("invalid redis connection string %q", conn)
	}
	opts := &redis.Options{Addr: strings.TrimSpace(parts[0])}
	for _, p := range parts[1:] {
		kv := strings.SplitN(p, "=", 2)
		if len(kv) != 2 {
			continue
		}
		switch strings.ToLower(strings.TrimSpace(kv[0])) {
		case "password":
			opts.Password = kv[1]
		case "ssl":
			if strings.EqualFold(kv[1], "true") {
				opts.TLSConfig = &tls.Config{}
			}
		}
	}
	return opts, nil
}

// openStore builds the configured document store. The returned close function
// releases backend clients.
func openStore(ctx context.Context, cfg Config, logger *log.Logger) (storage.Store, func() error, error) {
	var (
		st      storage.Store
		closers []func() error
	)
	switch cfg.Backend {
	case backendTables:
		t, err := storage.NewTables(cfg.ConnectionString, cfg.DocumentsTable)
		if err != nil {
			return nil, nil, fmt.Errorf("tables: %w", err)
		}
		st = t
	case backendFirestore:
		f, err := storage.NewFirestore(ctx, cfg.GCPProjectID)
		if err != nil {
			return nil, nil, fmt.Errorf("firestore: %w", err)
		}
		st = f
		closers = append(closers, f.Close)
	case backendDatastore:
		d, err := storage.NewDatastore(ctx, cfg.GCPProjectID)
		if err != nil {
			return nil, nil, fmt.Errorf("datastore: %w", err)
		}
		st = d
		closers = append(closers, d.Close)
	default:
		st = storage.NewMemory()
	}

	if cfg.RedisConnection != "" {
		opts, err := parseRedisOptions(cfg.RedisConnection)
		if err != nil {
			return nil, nil, err
		}
		rc := redis.NewClient(opts)
		closers = append(closers, rc.Close)
		st = storage.NewCache(st, rc, cfg.DocCacheTTL)
		logger.WithField("ttl", cfg.DocCacheTTL).Info("document cache enabled")
	}

	closeAll := func() error {
		var errs []error
		for _, c := range closers {
			errs = append(errs, c())
		}
		return errors.Join(errs...)
	}
	return st, closeAll, nil
}

func openRepairQueue(cfg Config) (*repair.AzureQueue, error) {
	if cfg.RepairQueue == "" {
		return nil, errors.New("missing REPAIR_QUEUE")
	}
	return repair.NewAzureQueue(cfg.ConnectionString, cfg.RepairQueue)
}

// newSink enqueues failures for the repair worker when a queue is configured
// and only logs them otherwise.
func newSink(cfg Config, logger *log.Logger) (repair.Sink, error) {
	if cfg.RepairQueue == "" {
		return repair.LogSink{Log: logger}, nil
	}
	q, err := openRepairQueue(cfg)
	if err != nil {
		return nil, err
	}
	return repair.NewQueueSink(q), nil
}
