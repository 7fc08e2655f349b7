// Package logger implements the non-blocking, batched request audit logger.
//
// Entries go into a buffered channel and are flushed in batches by a
// background goroutine, so auditing never blocks the dispatch hot path. A
// full channel (10 000 pending entries) drops new entries and counts them
// in Dropped.
package logger

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

const (
	channelBuffer = 10_000
	batchSize     = 100
	flushInterval = time.Second
)

// Entry is one audited request.
type Entry struct {
	ID           uuid.UUID
	Endpoint     string
	Alias        string
	Provider     string
	Model        string
	KeyID        string // logical key handle, never the secret
	Outcome      string
	Status       int
	Attempts     int
	InputTokens  int
	OutputTokens int
	LatencyMs    int64
	CreatedAt    time.Time
}

// Logger is the async audit sink.
type Logger struct {
	ch        chan Entry
	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup

	dropped atomic.Int64

	baseCtx context.Context
	log     *slog.Logger
}

// New creates a Logger writing through slogger (JSON stdout when nil).
func New(ctx context.Context, slogger *slog.Logger) (*Logger, error) {
	if ctx == nil {
		return nil, fmt.Errorf("logger: context must not be nil")
	}
	if slogger == nil {
		slogger = slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}

	l := &Logger{
		ch:      make(chan Entry, channelBuffer),
		done:    make(chan struct{}),
		baseCtx: ctx,
		log:     slogger,
	}
	l.wg.Add(1)
	go l.run()
	return l, nil
}

// Log enqueues an entry. Never blocks; drops when the buffer is full.
func (l *Logger) Log(e Entry) {
	select {
	case l.ch <- e:
	default:
		l.dropped.Add(1)
	}
}

// Dropped returns how many entries were discarded due to backpressure.
func (l *Logger) Dropped() int64 { return l.dropped.Load() }

// Close flushes pending entries and stops the background goroutine.
func (l *Logger) Close() error {
	l.closeOnce.Do(func() { close(l.done) })
	l.wg.Wait()
	return nil
}

func (l *Logger) run() {
	defer l.wg.Done()

	ticker := time.NewTicker(flushInterval)
	defer ticker.Stop()

	batch := make([]Entry, 0, batchSize)

	flush := func() {
		for _, e := range batch {
			l.log.InfoContext(l.baseCtx, "audit",
				slog.String("id", e.ID.String()),
				slog.String("endpoint", e.Endpoint),
				slog.String("alias", e.Alias),
				slog.String("provider", e.Provider),
				slog.String("model", e.Model),
				slog.String("key_id", e.KeyID),
				slog.String("outcome", e.Outcome),
				slog.Int("status", e.Status),
				slog.Int("attempts", e.Attempts),
				slog.Int("input_tokens", e.InputTokens),
				slog.Int("output_tokens", e.OutputTokens),
				slog.Int64("latency_ms", e.LatencyMs),
				slog.Time("created_at", e.CreatedAt.UTC()),
			)
		}
		batch = batch[:0]
	}

	for {
		select {
		case e := <-l.ch:
			batch = append(batch, e)
			if len(batch) >= batchSize {
				flush()
			}

		case <-ticker.C:
			flush()

		case <-l.done:
			// Drain what is already queued, then stop.
			for {
				select {
				case e := <-l.ch:
					batch = append(batch, e)
					if len(batch) >= batchSize {
						flush()
					}
				default:
					flush()
					return
				}
			}
		}
	}
}
