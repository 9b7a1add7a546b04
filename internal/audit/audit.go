package audit

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

const (
	bufferSize    = 256
	flushInterval = 2 * time.Second
	flushBatch    = 32
)

// Writer is an async, buffered audit log writer: entries are sent to an
// internal channel and flushed by a background goroutine, grounded on the
// teacher's Writer in this same package, adapted from a tenant-sharded
// Postgres pool to the shared embedded store. A full buffer drops the
// entry with a logged warning rather than block the caller — audit
// durability trades off against never stalling a tool call.
type Writer struct {
	store     *Store
	logger    *slog.Logger
	entries   chan Entry
	wg        sync.WaitGroup
	closeOnce sync.Once
}

func NewWriter(store *Store, logger *slog.Logger) *Writer {
	return &Writer{
		store:   store,
		logger:  logger,
		entries: make(chan Entry, bufferSize),
	}
}

// Start launches the background flush loop in a goroutine and returns
// immediately. The loop exits once ctx is cancelled or Close is called,
// flushing the entries still buffered before it does.
func (w *Writer) Start(ctx context.Context) {
	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		w.run(ctx)
	}()
}

// Close stops accepting new entries and waits for the flush loop to
// drain. Safe to call more than once (e.g. an explicit flush in a test
// followed by a deferred shutdown close).
func (w *Writer) Close() {
	w.closeOnce.Do(func() {
		close(w.entries)
		w.wg.Wait()
	})
}

// Log enqueues an entry for async writing. It never blocks the caller:
// the entry is queued in memory and written by the flush loop later. When
// the buffer is full the entry is dropped, a warning is logged, and no
// audit row is written for it.
func (w *Writer) Log(entry Entry) {
	if entry.ID == "" {
		entry.ID = NewID()
	}
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now().UTC()
	}
	select {
	case w.entries <- entry:
	default:
		if w.logger != nil {
			w.logger.Warn("audit log buffer full, dropping entry", "tool", entry.ToolName, "plugin_id", entry.PluginID)
		}
	}
}

func (w *Writer) run(ctx context.Context) {
	ticker := time.NewTicker(flushInterval)
	defer ticker.Stop()

	batch := make([]Entry, 0, flushBatch)

	flush := func() {
		if len(batch) == 0 {
			return
		}
		w.flush(batch)
		batch = batch[:0]
	}

	for {
		select {
		case entry, ok := <-w.entries:
			if !ok {
				// Channel closed — flush remaining and exit.
				flush()
				return
			}
			batch = append(batch, entry)
			if len(batch) >= flushBatch {
				flush()
			}
		case <-ticker.C:
			flush()
		case <-ctx.Done():
			// Drain any remaining entries.
			for {
				select {
				case entry, ok := <-w.entries:
					if !ok {
						flush()
						return
					}
					batch = append(batch, entry)
				default:
					flush()
					return
				}
			}
		}
	}
}

func (w *Writer) flush(entries []Entry) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	batch := make([]Entry, len(entries))
	copy(batch, entries)

	if err := w.store.InsertBatch(ctx, batch); err != nil && w.logger != nil {
		w.logger.Error("writing audit entry batch", "error", err, "count", len(batch))
	}
}
