// Package batch cuts a stream of samples into fixed-size chunks with
// sequential chunk indices.
//
// The server appends chunks in arrival order, so chunks are sent one at a time
// and in index order. A chunk whose send fails stays queued with its index and
// is retried first on the next flush.
package batch

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/nicktill/tinysense/pkg/config"
	"github.com/nicktill/tinysense/pkg/pipeline"
)

// Sender delivers one chunk. *client.Client implements it.
type Sender interface {
	SendChunk(ctx context.Context, measurementID string, index int, samples []float32) (*pipeline.ChunkResult, error)
}

// Config holds configuration for the chunker
type Config struct {
	// ChunkSize is the number of samples per full chunk (default: config.DefaultChunkSize)
	ChunkSize int

	// FlushEvery sends a partial chunk when no full one formed in time (0 disables)
	FlushEvery time.Duration
}

type chunk struct {
	index   int
	samples []float32
}

// Chunker buffers samples for one measurement
type Chunker struct {
	config        Config
	sender        Sender
	measurementID string

	// mu is held across sends to keep chunks in index order
	mu        sync.Mutex
	buf       []float32
	pending   []chunk
	nextIndex int
	sent      int
	samples   int64

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

// New creates a chunker for measurementID
func New(sender Sender, measurementID string, cfg Config) *Chunker {
	if cfg.ChunkSize <= 0 {
		cfg.ChunkSize = config.DefaultChunkSize
	}
	return &Chunker{
		config:        cfg,
		sender:        sender,
		measurementID: measurementID,
		buf:           make([]float32, 0, cfg.ChunkSize),
	}
}

// Start starts the periodic flush loop when FlushEvery is set
func (c *Chunker) Start(ctx context.Context) {
	c.ctx, c.cancel = context.WithCancel(ctx)
	c.done = make(chan struct{})

	if c.config.FlushEvery <= 0 {
		close(c.done)
		return
	}
	go c.flushLoop()
}

// Add buffers samples and sends every chunk that filled up.
func (c *Chunker) Add(ctx context.Context, samples ...float32) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.buf = append(c.buf, samples...)
	for len(c.buf) >= c.config.ChunkSize {
		c.cutLocked(c.config.ChunkSize)
	}
	return c.sendPendingLocked(ctx)
}

// Flush sends everything buffered, including a partial chunk.
func (c *Chunker) Flush(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if len(c.buf) > 0 {
		c.cutLocked(len(c.buf))
	}
	return c.sendPendingLocked(ctx)
}

// Stop stops the flush loop and flushes what is left
func (c *Chunker) Stop(ctx context.Context) error {
	if c.cancel != nil {
		c.cancel()
		<-c.done
	}
	return c.Flush(ctx)
}

// Totals returns the number of chunks and samples the server accepted so far,
// which is what Complete should report.
func (c *Chunker) Totals() (chunks int, samples int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sent, c.samples
}

func (c *Chunker) cutLocked(n int) {
	data := make([]float32, n)
	copy(data, c.buf[:n])
	c.buf = append(c.buf[:0], c.buf[n:]...)

	c.pending = append(c.pending, chunk{index: c.nextIndex, samples: data})
	c.nextIndex++
}

func (c *Chunker) sendPendingLocked(ctx context.Context) error {
	for len(c.pending) > 0 {
		next := c.pending[0]
		if _, err := c.sender.SendChunk(ctx, c.measurementID, next.index, next.samples); err != nil {
			return err
		}
		c.pending = c.pending[1:]
		c.sent++
		c.samples += int64(len(next.samples))
	}
	return nil
}

// flushLoop periodically sends partial chunks so live viewers see slow streams
func (c *Chunker) flushLoop() {
	defer close(c.done)

	ticker := time.NewTicker(c.config.FlushEvery)
	defer ticker.Stop()

	for {
		select {
		case <-c.ctx.Done():
			return
		case <-ticker.C:
			if err := c.Flush(c.ctx); err != nil && c.ctx.Err() == nil {
				log.Printf("Periodic flush for measurement %s failed: %v", c.measurementID, err)
			}
		}
	}
}
