package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"

	"github.com/spf13/cobra"

	"github.com/nicktill/tinysense/pkg/pipeline"
	"github.com/nicktill/tinysense/pkg/sdk/batch"
	"github.com/nicktill/tinysense/pkg/sdk/client"
)

// errNoSamples is returned when the input held nothing to upload
var errNoSamples = errors.New("no samples received")

func newUploadCmd(opts *agentOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "upload [file|-]",
		Short: "Upload a finished recording as one measurement",
		Long: `Reads every sample first, then starts a measurement, sends the samples in
chunks and completes it.

Examples:
  agent upload recording.txt --device-id hub-01 --sensor pressure --rate 1
  cat /dev/ttyUSB0 | agent upload --framed`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			src, name, err := openSource(cmd, args)
			if err != nil {
				return err
			}
			defer src.Close()

			c, err := opts.newClient()
			if err != nil {
				return err
			}

			result, err := upload(cmd.Context(), c, opts, src, name)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Completed: %s, sha256=%s\n", result.Status, result.SHA256)
			return nil
		},
	}
}

// upload sends the whole input as one measurement.
func upload(ctx context.Context, c *client.Client, opts *agentOptions, src io.Reader, name string) (*pipeline.CompleteResult, error) {
	samples, skipped, err := readSamples(src, opts.framed)
	if err != nil {
		return nil, fmt.Errorf("failed to read samples: %w", err)
	}
	if skipped > 0 {
		log.Printf("Skipped %d tokens that are not numbers", skipped)
	}
	if len(samples) == 0 {
		return nil, errNoSamples
	}
	log.Printf("Samples read: %d", len(samples))

	id, err := c.Start(ctx, opts.startRequest(name))
	if err != nil {
		return nil, fmt.Errorf("failed to start measurement: %w", err)
	}
	log.Printf("Measurement created: %s", id)

	chunker := batch.New(c, id, batch.Config{ChunkSize: opts.chunkSize})
	if err := chunker.Add(ctx, samples...); err != nil {
		return nil, abort(c, id, err)
	}
	if err := chunker.Stop(ctx); err != nil {
		return nil, abort(c, id, err)
	}

	return finish(ctx, c, id, chunker)
}

// finish completes the measurement with the totals the chunker delivered.
func finish(ctx context.Context, c *client.Client, id string, chunker *batch.Chunker) (*pipeline.CompleteResult, error) {
	chunks, samples := chunker.Totals()
	result, err := c.Complete(ctx, id, chunks, samples)
	if err != nil {
		return nil, fmt.Errorf("failed to complete measurement %s: %w", id, err)
	}
	if result.Mismatch {
		log.Printf("Server counts differ from the %d chunks / %d samples sent", chunks, samples)
	}
	return result, nil
}

// abort marks the measurement failed so it does not linger InProgress.
func abort(c *client.Client, id string, cause error) error {
	if err := c.Fail(context.Background(), id, cause.Error()); err != nil {
		log.Printf("Failed to mark measurement %s as failed: %v", id, err)
	}
	return fmt.Errorf("upload of measurement %s failed: %w", id, cause)
}
