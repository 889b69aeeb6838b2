// Package main is the entrypoint for the Outbound Worker Lambda function.
//
// The Outbound Worker consumes OutboundMessages from the outbound SQS queue
// and delivers them through SES. Each invocation receives a batch; records
// that should be retried are returned in batchItemFailures, everything else
// is acknowledged (sent, skipped as a duplicate, deferred, or dead-lettered).
//
// Cold Start (main):
//  1. Load configuration (environment, .env, SSM).
//  2. Initialize the structured logger at LOG_LEVEL.
//  3. Build the AWS adapters and the idempotency backend.
//  4. Register the handler and call lambda.Start.
//
// Local mode (APP_ENV=local) reads one SQS event from stdin instead:
//
//	echo '{"Records":[{"messageId":"1","body":"{...}"}]}' | go run ./cmd/outbound-worker
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/aws/aws-lambda-go/events"
	"github.com/aws/aws-lambda-go/lambda"

	"mailflow/internal/app"
	"mailflow/internal/dispatch"
)

func main() {
	cfg, err := app.LoadConfig()
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}

	logger := app.NewLogger(os.Stdout, cfg.LogLevel).With("service", cfg.Service, "version", cfg.Build.Version)
	logger.Info("Outbound Worker Lambda initializing (cold start)")

	ctx := context.Background()
	components, err := app.NewAWS(ctx, cfg, logger)
	if err != nil {
		logger.Error("Failed to initialize adapters", "error", err)
		os.Exit(1)
	}
	defer components.Close()

	handler := components.OutboundHandler()

	logger.Info("Outbound Worker Lambda initialized",
		"outbound_queue", cfg.AWS.OutboundQueueURL,
		"idempotency_backend", cfg.Idempotency.Backend,
		"send_rate", cfg.Delivery.SendRate,
	)

	if cfg.Environment == "local" {
		if err := runLocal(ctx, handler, os.Stdin, os.Stderr); err != nil {
			logger.Error("Local invocation failed", "error", err)
			os.Exit(1)
		}
		return
	}

	lambda.Start(handler.Handle)
}

// runLocal feeds one SQS event from r through handler. Partial failures are
// written to w for inspection.
func runLocal(ctx context.Context, handler *dispatch.OutboundHandler, r io.Reader, w io.Writer) error {
	payload, err := io.ReadAll(r)
	if err != nil {
		return fmt.Errorf("read stdin: %w", err)
	}
	if len(payload) == 0 {
		return fmt.Errorf("no input received on stdin")
	}

	var event events.SQSEvent
	if err := json.Unmarshal(payload, &event); err != nil {
		return fmt.Errorf("parse stdin as SQS event: %w", err)
	}

	response, err := handler.Handle(ctx, event)
	if err != nil {
		return err
	}
	if len(response.BatchItemFailures) > 0 {
		out, _ := json.MarshalIndent(response, "", "  ")
		fmt.Fprintln(w, string(out))
	}
	return nil
}
