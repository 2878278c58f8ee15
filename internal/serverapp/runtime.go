package serverapp

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
)

// Start launches the HTTP server goroutine. It requires Init to have completed.
func (a *App) Start() (<-chan error, error) {
	a.stateMu.Lock()
	defer a.stateMu.Unlock()

	if !a.initialized {
		return nil, fmt.Errorf("app is not initialized")
	}
	if a.started {
		return a.serverErrors, nil
	}

	a.serverErrors = a.startServer()
	a.started = true
	return a.serverErrors, nil
}

func (a *App) startServer() chan error {
	serverErrors := make(chan error, 1)
	srv := a.srv

	attrs := []any{
		slog.String("address", a.serverAddr),
		slog.String("load_endpoint", "/v1/load"),
		slog.String("schema_endpoint", "/v1/schema"),
		slog.String("health_endpoint", "/health"),
	}
	if a.cfg != nil {
		attrs = append(attrs,
			slog.Int("max_batch_width", a.cfg.Resolver.MaxBatchWidth),
			slog.Bool("result_cache", a.cfg.Resolver.ResultCache.Enabled),
			slog.String("log_level", a.cfg.Observability.Logging.Level),
		)
		if a.cfg.Observability.MetricsEnabled {
			attrs = append(attrs, slog.String("metrics_endpoint", "/metrics"))
		}
		if a.cfg.Server.RateLimit.Enabled {
			attrs = append(attrs,
				slog.Float64("rate_limit_rps", a.cfg.Server.RateLimit.RPS),
				slog.Int("rate_limit_burst", a.cfg.Server.RateLimit.Burst),
			)
		}
	}

	go func() {
		a.logger.Info("server starting", attrs...)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErrors <- fmt.Errorf("server failed: %w", err)
		}
	}()
	return serverErrors
}

// WaitForStop waits for either an OS signal or a server error. A nil
// serverErrors falls back to the channel returned by Start.
func (a *App) WaitForStop(stop <-chan os.Signal, serverErrors <-chan error) (reason string, err error) {
	if serverErrors == nil {
		a.stateMu.Lock()
		if a.serverErrors != nil {
			serverErrors = a.serverErrors
		}
		a.stateMu.Unlock()
	}
	if stop == nil && serverErrors == nil {
		return "", fmt.Errorf("both stop and serverErrors channels are nil")
	}

	// A nil channel never becomes ready, so select covers the one-sided cases.
	select {
	case err := <-serverErrors:
		if err == nil {
			return "server_error", fmt.Errorf("server stopped unexpectedly")
		}
		return "server_error", fmt.Errorf("server failed: %w", err)
	case sig := <-stop:
		if a.logger != nil {
			a.logger.Info("received shutdown signal", slog.String("signal", sig.String()))
		}
		return "signal", nil
	}
}
