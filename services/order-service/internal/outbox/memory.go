package outbox

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/md-rashed-zaman/orderpipe/libs/memdb"
)

// MemoryStore keeps records in process. Inserts are staged on a memdb
// transaction and become visible only when it commits.
type MemoryStore struct {
	mu      sync.Mutex
	nextID  int64
	records map[int64]*Record
	now     func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: map[int64]*Record{}, now: time.Now}
}

func (s *MemoryStore) Insert(ctx context.Context, tx pgx.Tx, rec Record) (int64, error) {
	if tx == nil {
		return 0, ErrTxRequired
	}
	rec = withTraceContext(ctx, rec)

	// ids come from a sequence, so a rolled back insert leaves a gap
	s.mu.Lock()
	s.nextID++
	id := s.nextID
	s.mu.Unlock()

	rec.ID = id
	rec.Processed = false
	rec.Payload = append([]byte(nil), rec.Payload...)
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = s.now().UTC()
	}
	err := memdb.Stage(tx, func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		r := rec
		s.records[id] = &r
	})
	if err != nil {
		return 0, fmt.Errorf("insert outbox record: %w", err)
	}
	return id, nil
}

func (s *MemoryStore) ListUnprocessed(_ context.Context, limit int) ([]Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]Record, 0, len(s.records))
	for _, r := range s.records {
		if r.Pending() {
			out = append(out, *r)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryStore) MarkProcessed(_ context.Context, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.records[id]
	if !ok {
		return nil
	}
	if !r.Processed {
		now := s.now().UTC()
		r.Processed = true
		r.ProcessedAt = &now
	}
	return nil
}

func (s *MemoryStore) RecordFailure(_ context.Context, id int64, errMsg string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.records[id]
	if !ok {
		return 0, fmt.Errorf("record failure %d: %w", id, ErrRecordNotFound)
	}
	r.Attempts++
	r.LastError = truncateError(errMsg)
	return r.Attempts, nil
}

func (s *MemoryStore) DeadLetter(_ context.Context, id int64, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.records[id]
	if !ok || !r.Pending() {
		return nil
	}
	now := s.now().UTC()
	r.DeadLetteredAt = &now
	r.LastError = truncateError(reason)
	return nil
}

// Get returns a copy of the committed record with id.
func (s *MemoryStore) Get(id int64) (Record, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.records[id]
	if !ok {
		return Record{}, false
	}
	return *r, true
}

func (s *MemoryStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.records)
}
