// Package bootstrap wires the offline core together from a Config. Every
// binary (CLI, desktop daemon, mobile bridge) goes through App so they share
// one storage layout.
package bootstrap

import (
	"context"
	stderrors "errors"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/kimhsiao/fitcoach/core/internal/api"
	"github.com/kimhsiao/fitcoach/core/internal/config"
	"github.com/kimhsiao/fitcoach/core/internal/db"
	apperrors "github.com/kimhsiao/fitcoach/core/internal/errors"
	"github.com/kimhsiao/fitcoach/core/internal/logging"
	"github.com/kimhsiao/fitcoach/core/internal/storage"
	syncpkg "github.com/kimhsiao/fitcoach/core/internal/sync"
	"github.com/kimhsiao/fitcoach/core/internal/sync/cache"
	"github.com/kimhsiao/fitcoach/core/internal/sync/connectivity"
	"github.com/kimhsiao/fitcoach/core/internal/sync/drain"
	"github.com/kimhsiao/fitcoach/core/internal/sync/queue"
)

// FileStoreDir is the directory under the data dir used by the file backend.
const FileStoreDir = "kv"

// App holds the wired components.
type App struct {
	Config       config.Config
	Store        storage.Store
	Client       *api.Client
	Queue        *queue.Queue
	Cache        *cache.Store
	Detector     *connectivity.Detector
	Prober       *connectivity.Prober
	Worker       *drain.Worker
	Orchestrator *syncpkg.Orchestrator

	closeStore func() error
	detach     []func()
	closeOnce  sync.Once
}

// Option customizes New.
type Option func(*options)

type options struct {
	store     storage.Store
	logOutput io.Writer
	apiOpts   []api.Option
}

// WithStore overrides the configured storage backend. The caller keeps
// ownership of the store.
func WithStore(s storage.Store) Option {
	return func(o *options) { o.store = s }
}

// WithLogOutput sets where the global logger writes (default: stderr).
func WithLogOutput(w io.Writer) Option {
	return func(o *options) { o.logOutput = w }
}

// WithAPIOptions appends options to the API client.
func WithAPIOptions(opts ...api.Option) Option {
	return func(o *options) { o.apiOpts = append(o.apiOpts, opts...) }
}

// New builds an App from cfg. Background work does not start until Start.
func New(ctx context.Context, cfg config.Config, opts ...Option) (*App, error) {
	o := options{logOutput: os.Stderr}
	for _, opt := range opts {
		opt(&o)
	}
	logging.Init(o.logOutput, cfg.LogLevel)

	app := &App{Config: cfg, closeStore: func() error { return nil }}
	if o.store != nil {
		app.Store = o.store
	} else if err := app.openStore(); err != nil {
		return nil, err
	}

	apiOpts := []api.Option{api.WithTimeout(cfg.RequestTimeout)}
	if cfg.Token != "" {
		apiOpts = append(apiOpts, api.WithTokenSource(api.StaticToken(cfg.Token)))
	}
	client, err := api.NewClient(cfg.APIURL, append(apiOpts, o.apiOpts...)...)
	if err != nil {
		app.closeStore()
		return nil, err
	}
	app.Client = client

	app.Queue = queue.New(app.Store)
	app.Cache, err = cache.Open(ctx, app.Store, cache.WithDetailLimit(cfg.DetailCacheLimit))
	if err != nil {
		app.closeStore()
		return nil, err
	}

	app.Detector = connectivity.NewDetector()
	app.Prober = connectivity.NewProber(app.Detector, client, &connectivity.ProberConfig{
		Interval: cfg.ProbeInterval,
	})
	app.Worker = drain.New(app.Queue, client, &drain.Config{Interval: cfg.DrainInterval})
	app.Orchestrator = syncpkg.NewOrchestrator(client, app.Queue, app.Cache, app.Detector, &syncpkg.Config{
		HistoryLimit: cfg.HistoryLimit,
	})

	// Reconnecting and the first queued write both start a drain right away
	// instead of waiting for the next tick.
	app.detach = append(app.detach, app.Detector.Subscribe(func(online bool) {
		if online {
			app.Worker.Trigger()
		}
	}))
	app.Queue.OnNonEmpty(app.Worker.Trigger)

	logging.Info("core ready", map[string]interface{}{
		"component": "bootstrap",
		"api_url":   client.BaseURL(),
		"storage":   cfg.Storage,
		"data_dir":  cfg.DataDir,
	})
	return app, nil
}

func (a *App) openStore() error {
	switch a.Config.Storage {
	case config.StorageFile:
		fs, err := storage.NewFileStore(filepath.Join(a.Config.DataDir, FileStoreDir))
		if err != nil {
			return apperrors.Wrap(apperrors.ErrPersistence, "open file store", err)
		}
		a.Store = fs
	default:
		database, err := db.Open(a.Config.DataDir)
		if err != nil {
			return apperrors.Wrap(apperrors.ErrPersistence, "open database", err)
		}
		a.Store = db.NewKV(database)
		a.closeStore = database.Close
	}
	return nil
}

// Start launches the drain worker. Connectivity signals come from Prober.Run
// or from the platform via Detector.Update.
func (a *App) Start(ctx context.Context) {
	a.Worker.Start(ctx)
}

// Close stops background work and releases the store. Safe to call twice.
func (a *App) Close() error {
	var err error
	a.closeOnce.Do(func() {
		a.Worker.Stop()
		for _, fn := range a.detach {
			fn()
		}
		err = a.closeStore()
	})
	return err
}

// Status is a point-in-time summary used by the CLI and the daemon.
type Status struct {
	Online   bool       `json:"online" yaml:"online"`
	Observed bool       `json:"observed" yaml:"observed"`
	Pending  int        `json:"pending" yaml:"pending"`
	Draining bool       `json:"draining" yaml:"draining"`
	Running  bool       `json:"running" yaml:"running"`
	APIURL   string     `json:"api_url" yaml:"api_url"`
	Storage  string     `json:"storage" yaml:"storage"`
	Cache    cache.Info `json:"cache" yaml:"cache"`
}

// Status gathers the current state. Storage errors are joined and returned
// alongside whatever could be read.
func (a *App) Status(ctx context.Context) (Status, error) {
	state := a.Detector.State()
	st := Status{
		Online:   state.Online,
		Observed: state.Observed,
		Draining: a.Worker.Draining(),
		Running:  a.Worker.IsRunning(),
		APIURL:   a.Client.BaseURL(),
		Storage:  a.Config.Storage,
	}
	pending, qErr := a.Queue.Len(ctx)
	st.Pending = pending
	info, cErr := a.Cache.Info(ctx)
	st.Cache = info
	return st, stderrors.Join(qErr, cErr)
}
