package history

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/whisper/lounge/internal/metrics"
)

const journalTimeout = 5 * time.Second

// journalOp is either an insert or a delete.
type journalOp struct {
	insert    *Message
	deleteIDs []string
}

// writeBehind serialises journal writes through one goroutine so the
// publish path never waits on storage. Failures are logged and dropped.
type writeBehind struct {
	journal Journal
	log     zerolog.Logger

	mu     sync.RWMutex // guards closed against concurrent enqueue
	closed bool
	ops    chan journalOp
	done   chan struct{}
}

func newWriteBehind(j Journal, size int, log zerolog.Logger) *writeBehind {
	if size <= 0 {
		size = 1024
	}
	w := &writeBehind{
		journal: j,
		log:     log,
		ops:     make(chan journalOp, size),
		done:    make(chan struct{}),
	}
	go w.run()
	return w
}

func (w *writeBehind) run() {
	defer close(w.done)
	for op := range w.ops {
		ctx, cancel := context.WithTimeout(context.Background(), journalTimeout)
		if op.insert != nil {
			if err := w.journal.Insert(ctx, *op.insert); err != nil {
				metrics.StoreErrors.WithLabelValues("journal_insert").Inc()
				w.log.Warn().Err(err).Str("message_id", op.insert.ID).Msg("journal insert failed")
			}
		}
		if len(op.deleteIDs) > 0 {
			if err := w.journal.Delete(ctx, op.deleteIDs); err != nil {
				metrics.StoreErrors.WithLabelValues("journal_delete").Inc()
				w.log.Warn().Err(err).Int("count", len(op.deleteIDs)).Msg("journal delete failed")
			}
		}
		cancel()
	}
}

// enqueue never blocks; a full queue drops the write.
func (w *writeBehind) enqueue(op journalOp) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	if w.closed {
		return
	}
	select {
	case w.ops <- op:
	default:
		metrics.StoreErrors.WithLabelValues("journal_queue_full").Inc()
		w.log.Warn().Msg("journal queue full, dropping write")
	}
}

// close drains pending writes and stops the goroutine.
func (w *writeBehind) close() {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return
	}
	w.closed = true
	close(w.ops)
	w.mu.Unlock()
	<-w.done
}
