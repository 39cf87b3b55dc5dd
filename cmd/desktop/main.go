// Package main provides the local fitcoach daemon for desktop platforms.
// It keeps the drain worker and connectivity prober running and serves the
// offline state over REST/WebSocket on localhost.
package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/kimhsiao/fitcoach/core/cmd/desktop/handlers"
	"github.com/kimhsiao/fitcoach/core/internal/bootstrap"
	"github.com/kimhsiao/fitcoach/core/internal/config"
	"github.com/kimhsiao/fitcoach/core/internal/logging"
)

const shutdownTimeout = 5 * time.Second

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var configPath, listen string
	var probe bool

	cmd := &cobra.Command{
		Use:           "fitcoach-desktop",
		Short:         "Run the offline core as a local daemon",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			if listen != "" {
				cfg.ListenAddr = listen
			}

			app, err := bootstrap.New(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer app.Close()

			ln, err := net.Listen("tcp", cfg.ListenAddr)
			if err != nil {
				return fmt.Errorf("listen on %s: %w", cfg.ListenAddr, err)
			}
			logging.Info("Desktop daemon listening", map[string]interface{}{
				"component": "desktop",
				"addr":      ln.Addr().String(),
				"probe":     probe,
			})
			return serve(cmd.Context(), app, ln, probe)
		},
	}
	cmd.Flags().StringVar(&configPath, "config", "", "config file (default ~/.config/fitcoach/config.toml)")
	cmd.Flags().StringVar(&listen, "listen", "", "listen address (overrides listen_addr)")
	cmd.Flags().BoolVar(&probe, "probe", true, "probe the network; disable when the shell posts /api/connectivity")
	return cmd
}

func newRouter(app *bootstrap.App, hub *WSHub) http.Handler {
	h := handlers.NewOfflineHandler(app)

	r := mux.NewRouter()
	api := r.PathPrefix("/api").Subrouter()
	api.HandleFunc("/health", h.Health).Methods(http.MethodGet)
	api.HandleFunc("/status", h.GetStatus).Methods(http.MethodGet)
	api.HandleFunc("/queue", h.ListQueue).Methods(http.MethodGet)
	api.HandleFunc("/drain", h.TriggerDrain).Methods(http.MethodPost)
	api.HandleFunc("/connectivity", h.ReportConnectivity).Methods(http.MethodPost)
	r.HandleFunc("/ws", HandleWebSocket(hub)).Methods(http.MethodGet)
	return r
}

// forwardEvents relays drain and connectivity events to the hub until the
// returned function is called.
func forwardEvents(app *bootstrap.App, hub *WSHub) (detach func()) {
	removeDrain := app.Worker.OnEvent(hub.BroadcastDrainEvent)
	removeConn := app.Detector.Subscribe(hub.BroadcastConnectivity)
	return func() {
		removeDrain()
		removeConn()
	}
}

// serve runs the HTTP server, the hub, the drain worker and (optionally) the
// prober until ctx is done or one of them fails.
func serve(ctx context.Context, app *bootstrap.App, ln net.Listener, probe bool) error {
	hub := NewWSHub()
	defer forwardEvents(app, hub)()

	srv := &http.Server{
		Handler:           newRouter(app, hub),
		ReadHeaderTimeout: 5 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return hub.Run(gctx) })
	if probe {
		g.Go(func() error { return app.Prober.Run(gctx) })
	}
	app.Start(gctx)

	g.Go(func() error {
		<-gctx.Done()
		app.Worker.Stop()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	g.Go(func() error {
		if err := srv.Serve(ln); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	return g.Wait()
}
