package history

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/samber/lo"

	"github.com/whisper/lounge/internal/metrics"
)

const archiveTimeout = 5 * time.Second

// Config bounds the active window.
type Config struct {
	Capacity      int           // active window size
	Batch         int           // messages per archive write
	SweepInterval time.Duration // 0 disables the background sweep
	JournalQueue  int           // pending write-behind operations
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		Capacity:      1000,
		Batch:         100,
		SweepInterval: time.Minute,
		JournalQueue:  1024,
	}
}

// Store is the active window plus its archive. mu guards the window and is
// never held across an archive write. moveMu serialises everything that removes messages from the head of the
// window (the mover, Sweep, Clear, Restore), so a batch snapshotted under mu
// is still at the head when it is dropped after archiving.
type Store struct {
	cfg     Config
	archive Archive
	journal *writeBehind
	log     zerolog.Logger
	now     func() time.Time

	moveMu sync.Mutex
	movers sync.WaitGroup

	mu        sync.Mutex
	window    []Message // oldest first
	lastTS    time.Time
	clearedAt time.Time // replay ignores archived messages up to here
	moving    bool      // a mover goroutine is scheduled
	failing   bool      // the last move failed; only Sweep retries
	closed    bool
}

// New creates a Store. journal may be nil.
func New(cfg Config, archive Archive, journal Journal, log zerolog.Logger) *Store {
	if cfg.Capacity <= 0 {
		cfg.Capacity = DefaultConfig().Capacity
	}
	if cfg.Batch <= 0 {
		cfg.Batch = DefaultConfig().Batch
	}
	if archive == nil {
		archive = NewMemoryArchive()
	}
	s := &Store{
		cfg:     cfg,
		archive: archive,
		log:     log,
		now:     time.Now,
	}
	if journal != nil {
		s.journal = newWriteBehind(journal, cfg.JournalQueue, log)
	}
	return s
}

// Restore loads the whole journal after a restart and archives anything
// beyond capacity.
func (s *Store) Restore(ctx context.Context, j Journal) error {
	if j == nil {
		return nil
	}
	msgs, err := j.Recent(ctx, 0)
	if err != nil {
		return fmt.Errorf("history: restore: %w", err)
	}

	s.mu.Lock()
	s.window = append(msgs, s.window...)
	for _, m := range s.window {
		if m.Timestamp.After(s.lastTS) {
			s.lastTS = m.Timestamp
		}
	}
	s.mu.Unlock()

	if _, err := s.Sweep(ctx); err != nil {
		s.log.Warn().Err(err).Msg("archive after restore failed")
	}
	s.log.Info().Int("restored", len(msgs)).Int("window", s.Len()).Msg("history window restored")
	return nil
}

// Append stores m in the active window and returns it with id and timestamp
// assigned. Timestamps strictly increase. Once the window is a full batch
// over capacity a background mover archives the oldest messages; Append
// itself never waits on the archive. After a failed move the overflow stays
// in the window until a Sweep succeeds.
func (s *Store) Append(ctx context.Context, m Message) Message {
	s.mu.Lock()
	defer s.mu.Unlock()

	if m.ID == "" {
		m.ID = uuid.NewString()
	}
	ts := s.now()
	if !s.lastTS.IsZero() && !ts.After(s.lastTS) {
		ts = s.lastTS.Add(time.Microsecond)
	}
	if !s.clearedAt.IsZero() && !ts.After(s.clearedAt) {
		ts = s.clearedAt.Add(time.Microsecond)
	}
	m.Timestamp = ts
	m.Archived = false
	s.lastTS = ts

	s.window = append(s.window, m)
	if s.journal != nil {
		cp := m
		s.journal.enqueue(journalOp{insert: &cp})
	}
	metrics.HistoryWindow.Set(float64(len(s.window)))

	if len(s.window)-s.cfg.Capacity >= s.cfg.Batch && !s.moving && !s.failing && !s.closed {
		s.moving = true
		s.movers.Add(1)
		go s.runMover()
	}
	return m
}

// runMover archives whole batches until less than one remains. It decides
// to stop under mu, the same lock Append checks moving under, so no
// overflow is left without a mover.
func (s *Store) runMover() {
	defer s.movers.Done()
	for {
		n, err := s.moveOverflow(context.Background(), false)
		if err != nil {
			s.log.Warn().Err(err).Int("moved", n).Msg("archive overflow failed, window kept until next sweep")
		}

		s.mu.Lock()
		if err != nil || s.closed || len(s.window)-s.cfg.Capacity < s.cfg.Batch {
			s.moving = false
			s.mu.Unlock()
			return
		}
		s.mu.Unlock()
	}
}

// Sweep archives everything beyond capacity, including a partial batch, and
// re-enables moves from Append after a failure. It returns the number moved.
func (s *Store) Sweep(ctx context.Context) (int, error) {
	return s.moveOverflow(ctx, true)
}

// Clear archives the whole active window and then empties it. Cleared
// messages stay reachable through ArchiveLookup but are no longer replayed,
// except whispers still owed to their recipient. On an archive failure the
// unarchived remainder stays in the window and an error is returned; the
// caller may retry. Messages appended while Clear runs are kept.
func (s *Store) Clear(ctx context.Context) (int, error) {
	s.moveMu.Lock()
	defer s.moveMu.Unlock()

	s.mu.Lock()
	n := len(s.window)
	horizon := s.lastTS
	if horizon.IsZero() {
		horizon = s.now()
	}
	s.mu.Unlock()

	moved, err := s.archiveHead(ctx, n)
	if err != nil {
		return moved, fmt.Errorf("history: clear: %w", err)
	}
	s.mu.Lock()
	s.clearedAt = horizon
	s.mu.Unlock()
	return moved, nil
}

// Query returns up to limit messages visible to v from the window and the
// archive, deduplicated by id and ordered newest first. Archive failures
// degrade to window-only results.
func (s *Store) Query(ctx context.Context, v Viewer, limit int) []Message {
	s.mu.Lock()
	active := lo.Filter(s.window, func(m Message, _ int) bool { return v.CanSee(m) })
	clearedAt := s.clearedAt
	s.mu.Unlock()

	archived, err := s.archive.Query(ctx, v, limit)
	if err != nil {
		metrics.StoreErrors.WithLabelValues("archive_query").Inc()
		s.log.Warn().Err(err).Msg("archive query failed, using active window only")
	}
	if !clearedAt.IsZero() {
		archived = lo.Filter(archived, func(m Message, _ int) bool {
			return m.Timestamp.After(clearedAt) || v.isRecipient(m)
		})
	}

	merged := lo.UniqBy(append(active, archived...), func(m Message) string { return m.ID })
	sortNewestFirst(merged)
	if limit > 0 && len(merged) > limit {
		merged = merged[:limit]
	}
	return merged
}

// ArchiveLookup returns up to limit archived messages of every kind, newest
// first. It backs the administrator export.
func (s *Store) ArchiveLookup(ctx context.Context, limit int) ([]Message, error) {
	msgs, err := s.archive.Query(ctx, Viewer{All: true}, limit)
	if err != nil {
		return nil, fmt.Errorf("history: archive lookup: %w", err)
	}
	return msgs, nil
}

// Len returns the active window size.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.window)
}

// Run sweeps on cfg.SweepInterval until ctx is done.
func (s *Store) Run(ctx context.Context) {
	if s.cfg.SweepInterval <= 0 {
		return
	}
	ticker := time.NewTicker(s.cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n, err := s.Sweep(ctx); err != nil {
				s.log.Warn().Err(err).Msg("history sweep failed")
			} else if n > 0 {
				s.log.Debug().Int("archived", n).Msg("history sweep")
			}
		}
	}
}

// Close waits for a running mover and flushes pending journal writes.
func (s *Store) Close() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	s.movers.Wait()
	if s.journal != nil {
		s.journal.close()
	}
}

// moveOverflow archives the oldest messages beyond capacity in batches of
// cfg.Batch. Unless full is set it stops once less than a batch remains.
func (s *Store) moveOverflow(ctx context.Context, full bool) (int, error) {
	s.moveMu.Lock()
	defer s.moveMu.Unlock()

	s.mu.Lock()
	excess := len(s.window) - s.cfg.Capacity
	s.mu.Unlock()
	if !full {
		excess -= excess % s.cfg.Batch
	}

	moved, err := s.archiveHead(ctx, excess)
	s.mu.Lock()
	s.failing = err != nil
	s.mu.Unlock()
	return moved, err
}

// archiveHead moves the oldest n messages to the archive, one batch at a
// time. Each batch is copied under mu, archived without it, and only then
// dropped from the window. The caller holds moveMu.
func (s *Store) archiveHead(ctx context.Context, n int) (int, error) {
	moved := 0
	for moved < n {
		size := min(s.cfg.Batch, n-moved)

		s.mu.Lock()
		out := make([]Message, size)
		copy(out, s.window[:size])
		s.mu.Unlock()
		for i := range out {
			out[i].Archived = true
		}

		actx, cancel := context.WithTimeout(ctx, archiveTimeout)
		err := s.archive.Archive(actx, out)
		cancel()
		if err != nil {
			metrics.StoreErrors.WithLabelValues("archive").Inc()
			return moved, fmt.Errorf("history: archive: %w", err)
		}

		s.mu.Lock()
		s.dropHeadLocked(size)
		metrics.HistoryWindow.Set(float64(len(s.window)))
		s.mu.Unlock()
		moved += size
		metrics.ArchivedTotal.Add(float64(size))

		if s.journal != nil {
			s.journal.enqueue(journalOp{deleteIDs: lo.Map(out, func(m Message, _ int) string { return m.ID })})
		}
	}
	return moved, nil
}

// dropHeadLocked removes the first n messages, copying the rest so the
// backing array does not grow without bound.
func (s *Store) dropHeadLocked(n int) {
	if n <= 0 {
		return
	}
	remaining := len(s.window) - n
	rest := make([]Message, remaining, max(remaining, s.cfg.Capacity)+s.cfg.Batch)
	copy(rest, s.window[n:])
	s.window = rest
}
