package main

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/wolfeidau/issue-cache/api"
	"github.com/wolfeidau/issue-cache/backend"
	"github.com/wolfeidau/issue-cache/cacheop"
	"github.com/wolfeidau/issue-cache/connectivity"
	"github.com/wolfeidau/issue-cache/content"
	"github.com/wolfeidau/issue-cache/download"
	"github.com/wolfeidau/issue-cache/settings"
	"github.com/wolfeidau/issue-cache/store"
	"github.com/wolfeidau/issue-cache/store/metadb"
)

// app holds the components shared by all commands.
type app struct {
	logger   *slog.Logger
	db       *metadb.BoltDB
	backend  *backend.InstrumentedBackend
	files    *store.Files
	client   *api.Client
	helper   *connectivity.Helper
	registry *cacheop.Registry
	service  *content.Service
	prefs    *settings.Store
}

// openApp opens the data directory and wires the content service.
//
// Layout of the data directory:
//
//	meta.db        bbolt metadata
//	files/         downloaded issue files
//	tmp/           partial downloads
//	settings.toml  user preferences
func openApp(g *Globals, logger *slog.Logger) (*app, error) {
	if err := os.MkdirAll(g.DataDir, 0o755); err != nil {
		return nil, fmt.Errorf("creating data directory: %w", err)
	}

	settingsPath := g.Settings
	if settingsPath == "" {
		settingsPath = filepath.Join(g.DataDir, "settings.toml")
	}
	prefs, err := settings.Load(settingsPath)
	if err != nil {
		return nil, err
	}

	db := metadb.NewBoltDB(metadb.WithLogger(logger))
	if err := db.Open(filepath.Join(g.DataDir, "meta.db")); err != nil {
		return nil, fmt.Errorf("opening metadata database: %w", err)
	}

	fs, err := backend.NewFilesystem(filepath.Join(g.DataDir, "files"))
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("creating filesystem backend: %w", err)
	}
	instrumented := backend.NewInstrumentedBackend(fs, "filesystem")

	tmpDir := filepath.Join(g.DataDir, "tmp")
	if err := os.MkdirAll(tmpDir, 0o755); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("creating temp directory: %w", err)
	}
	files := store.NewFiles(instrumented, store.WithTempDir(tmpDir))

	var clientOpts []api.Option
	if g.Token != "" {
		clientOpts = append(clientOpts, api.WithBearerToken(g.Token))
	}
	client := api.New(g.APIURL, clientOpts...)

	helper := connectivity.New(client.Prober(),
		connectivity.WithLogger(logger.With("component", "connectivity")),
	)

	registry := cacheop.NewRegistry(cacheop.WithLogger(logger.With("component", "cacheop")))
	env := &cacheop.Env{
		Registry:   registry,
		Repo:       db,
		API:        client,
		Store:      files,
		Helper:     helper,
		Downloader: download.New(download.WithLogger(logger.With("component", "download"))),
		Queue:      download.NewQueue(g.Slots),
		MaxRetries: g.MaxRetries,
		Logger:     logger.With("component", "cacheop"),
	}

	service, err := content.New(env, content.WithLogger(logger))
	if err != nil {
		helper.Close()
		_ = db.Close()
		return nil, err
	}

	return &app{
		logger:   logger,
		db:       db,
		backend:  instrumented,
		files:    files,
		client:   client,
		helper:   helper,
		registry: registry,
		service:  service,
		prefs:    prefs,
	}, nil
}

// Close releases the database and stops connectivity probing.
func (a *app) Close() error {
	a.helper.Close()
	return a.db.Close()
}
