// Package main provides the FFI bridge for mobile platforms.
// Build as shared library: libfitcoach.so (Android) / fitcoach.framework (iOS)
//
// The mobile shell owns the network callbacks, so connectivity is pushed in
// through ConnectivityChanged rather than probed.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/kimhsiao/fitcoach/core/internal/bootstrap"
	"github.com/kimhsiao/fitcoach/core/internal/config"
	apperrors "github.com/kimhsiao/fitcoach/core/internal/errors"
	"github.com/kimhsiao/fitcoach/core/internal/models"
	"github.com/kimhsiao/fitcoach/core/internal/sync/connectivity"
)

// Reachability values accepted from the shell.
const (
	reachUnknown = -1
	reachNo      = 0
	reachYes     = 1
)

// bridge holds the single App behind the exported functions. All C entry
// points go through it so they can be tested without cgo.
type bridge struct {
	mu     sync.Mutex
	app    *bootstrap.App
	cancel context.CancelFunc
}

var core = &bridge{}

func (b *bridge) open(configPath string) (string, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return "", err
	}
	return b.start(cfg)
}

// start wires the App and starts the drain worker. Opening twice is an
// error; close first.
func (b *bridge) start(cfg config.Config, opts ...bootstrap.Option) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.app != nil {
		return "", apperrors.New(apperrors.ErrInvalid, "core already open")
	}

	ctx, cancel := context.WithCancel(context.Background())
	app, err := bootstrap.New(ctx, cfg, opts...)
	if err != nil {
		cancel()
		return "", err
	}
	app.Start(ctx)

	st, err := app.Status(ctx)
	if err != nil {
		cancel()
		app.Close()
		return "", err
	}
	b.app, b.cancel = app, cancel
	return marshal(st)
}

func (b *bridge) close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.app == nil {
		return nil
	}
	b.cancel()
	err := b.app.Close()
	b.app, b.cancel = nil, nil
	return err
}

// with runs fn against the open App and returns its result as JSON.
func (b *bridge) with(fn func(ctx context.Context, app *bootstrap.App) (interface{}, error)) (string, error) {
	b.mu.Lock()
	app := b.app
	b.mu.Unlock()
	if app == nil {
		return "", apperrors.New(apperrors.ErrInvalid, "core not open")
	}
	v, err := fn(context.Background(), app)
	if err != nil {
		return "", err
	}
	return marshal(v)
}

func (b *bridge) connectivityChanged(connected bool, reachable int) (string, error) {
	sig := connectivity.Signal{IsConnected: connected}
	switch reachable {
	case reachYes:
		sig.IsInternetReachable = connectivity.Reachable(true)
	case reachNo:
		sig.IsInternetReachable = connectivity.Reachable(false)
	case reachUnknown:
	default:
		return "", apperrors.New(apperrors.ErrInvalid, fmt.Sprintf("reachable must be -1, 0 or 1, got %d", reachable))
	}
	return b.with(func(_ context.Context, app *bootstrap.App) (interface{}, error) {
		online, changed := app.Detector.Update(sig)
		return map[string]bool{"online": online, "changed": changed}, nil
	})
}

func (b *bridge) pending() (string, error) {
	return b.with(func(ctx context.Context, app *bootstrap.App) (interface{}, error) {
		items, err := app.Orchestrator.Pending(ctx)
		if err != nil {
			return nil, err
		}
		return map[string]interface{}{"items": items, "count": len(items)}, nil
	})
}

func (b *bridge) drainNow() (string, error) {
	return b.with(func(ctx context.Context, app *bootstrap.App) (interface{}, error) {
		return app.Worker.Drain(ctx)
	})
}

func (b *bridge) logout() error {
	_, err := b.with(func(ctx context.Context, app *bootstrap.App) (interface{}, error) {
		return nil, app.Orchestrator.Logout(ctx)
	})
	return err
}

func (b *bridge) history() (string, error) {
	return b.with(func(ctx context.Context, app *bootstrap.App) (interface{}, error) {
		return app.Orchestrator.History(ctx), nil
	})
}

func (b *bridge) workoutDetail(id string) (string, error) {
	return b.with(func(ctx context.Context, app *bootstrap.App) (interface{}, error) {
		return app.Orchestrator.WorkoutDetail(ctx, id), nil
	})
}

func (b *bridge) statsSummary() (string, error) {
	return b.with(func(ctx context.Context, app *bootstrap.App) (interface{}, error) {
		return app.Orchestrator.StatsSummary(ctx), nil
	})
}

func (b *bridge) editSet(setID, patchJSON string) (string, error) {
	var patch models.SetPatch
	if err := json.Unmarshal([]byte(patchJSON), &patch); err != nil {
		return "", apperrors.Wrap(apperrors.ErrInvalid, "decode set patch", err)
	}
	return b.with(func(ctx context.Context, app *bootstrap.App) (interface{}, error) {
		outcome, err := app.Orchestrator.EditSet(ctx, setID, patch, nil)
		if err != nil {
			return nil, err
		}
		return map[string]interface{}{"outcome": outcome}, nil
	})
}

func (b *bridge) deleteSet(setID string) (string, error) {
	return b.with(func(ctx context.Context, app *bootstrap.App) (interface{}, error) {
		outcome, err := app.Orchestrator.DeleteSet(ctx, setID, nil)
		if err != nil {
			return nil, err
		}
		return map[string]interface{}{"outcome": outcome}, nil
	})
}

func marshal(v interface{}) (string, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("failed to serialize: %w", err)
	}
	return string(data), nil
}

// =====================================================
// Last error
// =====================================================

var (
	lastErr string
	lastMu  sync.RWMutex
)

func setLastError(err error) {
	lastMu.Lock()
	defer lastMu.Unlock()
	if err == nil {
		lastErr = ""
		return
	}
	lastErr = err.Error()
}

func lastError() string {
	lastMu.RLock()
	defer lastMu.RUnlock()
	return lastErr
}

func main() {
	// Main function is required for c-shared build mode
	// but is not actually executed when used as shared library
}
