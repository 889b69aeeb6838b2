// Package main is the entrypoint for the Inbound Worker Lambda function.
//
// The Inbound Worker is invoked by an SES receipt rule (or by S3
// object-created notifications for the raw-emails bucket). For each record it
// downloads the raw email, runs the sender and attachment checks, stores the
// attachments, routes the email to application queues and publishes one
// InboundMessage per destination. Failed records go to the inbound
// dead-letter queue.
//
// Cold Start (main):
//  1. Load configuration (environment, .env, SSM).
//  2. Initialize the structured logger at LOG_LEVEL.
//  3. Build the AWS adapters and the rate limiter backend.
//  4. Register the handler and call lambda.Start.
//
// Local mode (APP_ENV=local) reads one event from stdin instead:
//
//	cat testdata/ses-event.json | go run ./cmd/inbound-worker
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"

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
	logger.Info("Inbound Worker Lambda initializing (cold start)")

	ctx := context.Background()
	components, err := app.NewAWS(ctx, cfg, logger)
	if err != nil {
		logger.Error("Failed to initialize adapters", "error", err)
		os.Exit(1)
	}
	defer components.Close()

	handler := components.InboundHandler()

	logger.Info("Inbound Worker Lambda initialized",
		"raw_emails_bucket", cfg.AWS.RawEmailsBucket,
		"apps", len(cfg.Routing.Table.Apps),
		"strict_attachments", cfg.Security.StrictAttachments,
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

// runLocal feeds one SES or S3 event from r through handler and writes the
// result summary to w.
func runLocal(ctx context.Context, handler *dispatch.InboundHandler, r io.Reader, w io.Writer) error {
	payload, err := io.ReadAll(r)
	if err != nil {
		return fmt.Errorf("read stdin: %w", err)
	}
	if len(payload) == 0 {
		return fmt.Errorf("no input received on stdin")
	}

	result, handleErr := handler.Handle(ctx, payload)
	out, _ := json.MarshalIndent(result, "", "  ")
	fmt.Fprintln(w, string(out))
	return handleErr
}
