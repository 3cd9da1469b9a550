/*
Package sdk holds the device-side client library for uploading sensor
measurements to a tinysense server.

# Quick Start

	import (
	    "context"
	    "log"

	    "github.com/nicktill/tinysense/pkg/pipeline"
	    "github.com/nicktill/tinysense/pkg/sdk/batch"
	    "github.com/nicktill/tinysense/pkg/sdk/client"
	)

	func upload(samples []float32) error {
	    ctx := context.Background()

	    c, err := client.New(client.Config{ServerURL: "http://localhost:8080"})
	    if err != nil {
	        return err
	    }

	    id, err := c.Start(ctx, pipeline.StartRequest{
	        DeviceID:     "hub-01",
	        SensorCode:   "pressure",
	        SampleRateHz: 50,
	        Unit:         "mmHg",
	    })
	    if err != nil {
	        return err
	    }

	    chunker := batch.New(c, id, batch.Config{ChunkSize: 500})
	    if err := chunker.Add(ctx, samples...); err != nil {
	        c.Fail(ctx, id, err.Error())
	        return err
	    }
	    if err := chunker.Stop(ctx); err != nil {
	        c.Fail(ctx, id, err.Error())
	        return err
	    }

	    chunks, count := chunker.Totals()
	    result, err := c.Complete(ctx, id, chunks, count)
	    if err != nil {
	        return err
	    }
	    log.Printf("stored %s", result.SHA256)
	    return nil
	}

# Packages

client speaks the ingest API: start, chunk, complete and fail. Chunks are sent
as little-endian float32 encoded in base64. Chunk sends that hit transient failures (network errors
and 5xx responses other than 507) are retried with exponential backoff. 4xx
responses and 507 Insufficient Storage are returned at once as *client.StatusError.

batch cuts a stream of samples into numbered chunks. It keeps chunks in order
and a failed chunk keeps its index, so calling Add or Flush again resends it and
the server treats any replay as a duplicate.

# Live Streaming

For recordings that should appear on dashboards while they are captured, set
FlushEvery and call Start so partial chunks are sent on a timer:

	chunker := batch.New(c, id, batch.Config{ChunkSize: 500, FlushEvery: time.Second})
	chunker.Start(ctx)
	defer chunker.Stop(ctx)

# Configuration

	client.Config{
	    ServerURL:    "http://localhost:8080", // Required: http or https
	    Timeout:      30 * time.Second,        // Per request (default: config.ClientTimeout)
	    MaxRetries:   3,                       // Negative disables retries
	    RetryBackoff: 500 * time.Millisecond,  // Doubled after every attempt
	}

The cmd/agent binary wraps all of this for text dumps from serial sensors.
*/
package sdk
