package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/sync/errgroup"

	"github.com/ncolesummers/deep-research-agent/pkg/api"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the OpenAI-compatible chat completions API",
	Long: `serve exposes POST /v1/chat/completions. Model names containing
"deep-research" run the deep research loop; any other model runs a single
quick search when the base chat model asks for one. Prometheus metrics are
served on the metrics port when enabled.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		rt, err := setup()
		if err != nil {
			return err
		}
		defer rt.close()

		ctx, stop := signalContext()
		defer stop()

		c, err := build(ctx, rt)
		if err != nil {
			return err
		}

		cfg := rt.cfg
		addr := viper.GetString("addr")
		if addr == "" {
			addr = net.JoinHostPort(cfg.API.Host, strconv.Itoa(cfg.API.Port))
		}

		server, err := api.NewServer(c.agent, c.sessions, api.Options{
			Addr:         addr,
			APIKey:       cfg.API.APIKey,
			SystemPrompt: cfg.API.SystemPrompt,
			ModelName:    cfg.Models.Summary.Model,
			RateLimit:    cfg.API.RateLimit,
			Logger:       rt.logger.WithComponent("api"),
			Telemetry:    rt.telemetry,
		})
		if err != nil {
			return err
		}

		g, gctx := errgroup.WithContext(ctx)
		g.Go(func() error {
			return server.Run(gctx)
		})
		if cfg.Observability.Metrics.Enabled {
			g.Go(func() error {
				return serveMetrics(gctx, rt, cfg.Observability.Metrics.Port)
			})
		}
		return g.Wait()
	},
}

// serveMetrics exposes /metrics until ctx is cancelled
func serveMetrics(ctx context.Context, rt *runtime, port int) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", rt.telemetry.MetricsHandler())
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errChan := make(chan error, 1)
	go func() {
		rt.logger.Info(ctx, "metrics server listening", map[string]interface{}{
			"port": port,
		})
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
		close(errChan)
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err, ok := <-errChan:
		if !ok {
			return nil
		}
		return fmt.Errorf("metrics server failed: %w", err)
	}
}

func init() {
	serveCmd.Flags().String("addr", "", "listen address (default: api.host:api.port from configuration)")
	_ = viper.BindPFlag("addr", serveCmd.Flags().Lookup("addr"))

	rootCmd.AddCommand(serveCmd)
}
