package main

import (
	"context"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/nicktill/tinysense/pkg/config"
	"github.com/nicktill/tinysense/pkg/pipeline"
	"github.com/nicktill/tinysense/pkg/sdk/batch"
	"github.com/nicktill/tinysense/pkg/sdk/client"
)

func newStreamCmd(opts *agentOptions) *cobra.Command {
	var flushEvery time.Duration

	cmd := &cobra.Command{
		Use:   "stream [file|-]",
		Short: "Stream samples live while they are read",
		Long: `Starts a measurement immediately and sends chunks as lines arrive, so viewers
see the recording live. Partial chunks are flushed every --flush interval. The
measurement is completed at end of input, at the end marker, or on Ctrl-C.

Example:
  cat /dev/ttyUSB0 | agent stream --rate 50 --flush 500ms`,
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

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			result, err := stream(ctx, c, opts, src, name, flushEvery)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Completed: %s, sha256=%s\n", result.Status, result.SHA256)
			return nil
		},
	}

	cmd.Flags().DurationVar(&flushEvery, "flush", config.DefaultFlushInterval, "Send partial chunks this often")
	return cmd
}

// stream uploads samples as they are read. Cancelling ctx ends the input;
// what was read so far is still flushed and the measurement completed.
func stream(ctx context.Context, c *client.Client, opts *agentOptions, src io.Reader, name string, flushEvery time.Duration) (*pipeline.CompleteResult, error) {
	// Requests outlive ctx so an interrupted stream still completes
	reqCtx := context.WithoutCancel(ctx)

	id, err := c.Start(reqCtx, opts.startRequest(name))
	if err != nil {
		return nil, fmt.Errorf("failed to start measurement: %w", err)
	}
	log.Printf("Measurement created: %s (streaming)", id)

	chunker := batch.New(c, id, batch.Config{ChunkSize: opts.chunkSize, FlushEvery: flushEvery})
	chunker.Start(reqCtx)

	lines, errc := streamSamples(ctx, src, opts.framed)
loop:
	for {
		select {
		case samples, ok := <-lines:
			if !ok {
				break loop
			}
			if err := chunker.Add(reqCtx, samples...); err != nil {
				chunker.Stop(reqCtx)
				return nil, abort(c, id, err)
			}
		case <-ctx.Done():
			log.Println("Interrupted, completing measurement with the samples read so far")
			break loop
		}
	}

	if err := chunker.Stop(reqCtx); err != nil {
		return nil, abort(c, id, err)
	}
	if ctx.Err() == nil {
		if err := <-errc; err != nil {
			return nil, abort(c, id, fmt.Errorf("failed to read samples: %w", err))
		}
	}

	return finish(reqCtx, c, id, chunker)
}
