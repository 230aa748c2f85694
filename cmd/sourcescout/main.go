// Package main wires together the discovery service binary.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/sourcescout/sourcescout/internal/api"
	"github.com/sourcescout/sourcescout/internal/app"
	"github.com/sourcescout/sourcescout/internal/source"
)

func main() {
	cfgPath := flag.String("config", "", "Path to config file")
	oneShot := flag.String("discover", "", "Discover a single site URL, print JSON, and exit")
	detectOnly := flag.Bool("detect-only", false, "With -discover, stop after detecting the source type")
	enhance := flag.Bool("enhance", false, "With -discover, run full-content extraction on thin items")
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := app.New(ctx, *cfgPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "init failed: %v\n", err)
		os.Exit(1)
	}
	defer a.Close()
	zap.ReplaceGlobals(a.Logger)

	if *oneShot != "" {
		if err := runOnce(ctx, a, *oneShot, *detectOnly, *enhance); err != nil {
			a.Logger.Error("discovery failed", zap.Error(err))
			os.Exit(1)
		}
		return
	}

	apiServer := api.NewServer(a.Orchestrator, a.Limiter, a.Config, a.Logger.Named("api"))

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", a.Config.Server.Port),
		Handler:           apiServer.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		a.Logger.Info("http server started", zap.Int("port", a.Config.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.Logger.Error("http server error", zap.Error(err))
			stop()
		}
	}()

	<-ctx.Done()
	a.Logger.Info("shutdown initiated")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		a.Logger.Error("server shutdown error", zap.Error(err))
	}
	a.Logger.Info("shutdown complete")
}

// runOnce performs a single discovery session and prints the result to stdout.
func runOnce(ctx context.Context, a *app.App, rawURL string, detectOnly, enhance bool) error {
	res := a.Orchestrator.ProcessSource(ctx, rawURL, source.SessionConfig{
		SourceType: source.StrategyAuto,
		DetectOnly: detectOnly,
	})
	if enhance && !detectOnly {
		res.Items = a.Orchestrator.Enhance(ctx, res.Items, source.EnhanceOptions{SessionID: res.SessionID})
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(res); err != nil {
		return fmt.Errorf("encode result: %w", err)
	}
	if len(res.Items) == 0 && len(res.Errors) > 0 {
		return fmt.Errorf("no content discovered for %s", rawURL)
	}
	return nil
}
