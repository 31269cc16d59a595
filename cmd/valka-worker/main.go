package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/iwhitebird/valka/internal/logger"
	"github.com/iwhitebird/valka/pkg/client"
)

func main() {
	var (
		serverURL   = flag.String("server", "http://localhost:8080", "valkad base URL")
		queues      = flag.String("queues", "default", "comma-separated queue names to subscribe to")
		concurrency = flag.Int("concurrency", 4, "max in-flight tasks")
		name        = flag.String("name", "", "worker display name")
	)
	flag.Parse()

	logger.Init("info", os.Getenv("ENV") != "production")
	log := logger.Get()
	log.Info().Msg("Starting valka-worker...")

	worker, err := client.NewWorker(*serverURL, client.WorkerConfig{
		Name:        *name,
		Queues:      strings.Split(*queues, ","),
		Concurrency: int32(*concurrency),
	}, handleTask)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to create worker: %v\n", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan error, 1)
	go func() {
		done <- worker.Run(ctx)
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case <-quit:
		log.Info().Msg("Shutting down valka-worker...")
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
		worker.Shutdown(shutdownCtx, "signal received")
		shutdownCancel()
		// Let the drain request reach the server before tearing down.
		time.Sleep(500 * time.Millisecond)
		cancel()
		<-done
	case err := <-done:
		if err != nil && !errors.Is(err, context.Canceled) {
			log.Error().Err(err).Msg("worker stopped")
		}
	}

	log.Info().Msg("valka-worker stopped")
}

// handleTask dispatches on the task name to a small set of demo handlers,
// mirroring a typical polyglot worker.
func handleTask(ctx context.Context, a *client.Assignment) (json.RawMessage, error) {
	log := logger.WithTask(a.TaskID)
	log.Info().
		Str("name", a.Name).
		Str("queue", a.Queue).
		Int32("attempt", a.AttemptNumber).
		Msg("task received")

	switch a.Name {
	case "echo":
		return a.Input, nil

	case "sleep":
		var input struct {
			Seconds float64 `json:"seconds"`
		}
		_ = json.Unmarshal(a.Input, &input)
		if input.Seconds <= 0 {
			input.Seconds = 1
		}
		select {
		case <-time.After(time.Duration(input.Seconds * float64(time.Second))):
			return json.RawMessage(`{"slept":true}`), nil
		case sig := <-a.Signals():
			return nil, client.Permanent(fmt.Errorf("interrupted by signal %s", sig.Name))
		case <-ctx.Done():
			return nil, ctx.Err()
		}

	case "fail":
		var input struct {
			Permanent bool `json:"permanent"`
		}
		_ = json.Unmarshal(a.Input, &input)
		if input.Permanent {
			return nil, client.Permanent(errors.New("intentional permanent failure"))
		}
		return nil, errors.New("intentional failure")

	default:
		return nil, client.Permanent(fmt.Errorf("no handler registered for task %q", a.Name))
	}
}
