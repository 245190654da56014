package ledger

import (
	"context"
	"errors"
	"sync"
	"time"

	"aegis/pkg/models"

	"github.com/google/uuid"
)

var ErrNotFound = errors.New("ledger: record not found")

// Ledger is the append-only history of outbound platform calls. Records are
// immutable once appended; Get is total over previously appended ids.
type Ledger interface {
	Record(ctx context.Context, endpoint string, args, response interface{}, status models.CallStatus) (models.CallRecord, error)
	Get(ctx context.Context, callID string) (models.CallRecord, error)
	Recent(ctx context.Context, limit int) ([]models.CallRecord, error)
}

func newCallID() string {
	// UUIDv7 keeps ids unique and time-ordered.
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}

// MemoryLedger is the in-process backend. Appends and lookups are
// mutex-guarded; records are stored in append order.
type MemoryLedger struct {
	HashSalt []byte

	mu      sync.RWMutex
	order   []string
	records map[string]models.CallRecord
}

func NewMemory(salt []byte) *MemoryLedger {
	return &MemoryLedger{
		HashSalt: salt,
		records:  map[string]models.CallRecord{},
	}
}

func (l *MemoryLedger) Record(ctx context.Context, endpoint string, args, response interface{}, status models.CallStatus) (models.CallRecord, error) {
	rec := models.CallRecord{
		ID:             newCallID(),
		Endpoint:       endpoint,
		ArgsDigest:     models.Digest(args, l.HashSalt),
		ResponseDigest: models.Digest(response, l.HashSalt),
		Status:         status,
		CreatedAt:      time.Now().UTC(),
	}
	l.mu.Lock()
	l.order = append(l.order, rec.ID)
	l.records[rec.ID] = rec
	l.mu.Unlock()
	return rec, nil
}

func (l *MemoryLedger) Get(ctx context.Context, callID string) (models.CallRecord, error) {
	l.mu.RLock()
	rec, ok := l.records[callID]
	l.mu.RUnlock()
	if !ok {
		return models.CallRecord{}, ErrNotFound
	}
	return rec, nil
}

func (l *MemoryLedger) Recent(ctx context.Context, limit int) ([]models.CallRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]models.CallRecord, 0, limit)
	for i := len(l.order) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, l.records[l.order[i]])
	}
	return out, nil
}

// Healthy reports whether the ledger can accept writes. The in-memory
// backend is always writable.
func (l *MemoryLedger) Healthy(ctx context.Context) error {
	return nil
}
