package outbox

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
)

var (
	ErrSerialize     = errors.New("outbox: serialize event")
	ErrTopicRequired = errors.New("outbox: topic is required")
)

// Writer appends events inside the caller's business transaction. Any error
// it returns means the caller must roll that transaction back.
type Writer struct {
	store Store
	now   func() time.Time
}

func NewWriter(store Store) *Writer {
	return &Writer{store: store, now: time.Now}
}

func (w *Writer) Append(ctx context.Context, tx pgx.Tx, topic string, event any) (int64, error) {
	if strings.TrimSpace(topic) == "" {
		return 0, ErrTopicRequired
	}
	if tx == nil {
		return 0, ErrTxRequired
	}
	payload, err := json.Marshal(event)
	if err != nil {
		return 0, fmt.Errorf("%w: %w", ErrSerialize, err)
	}
	return w.store.Insert(ctx, tx, Record{
		Topic:     topic,
		Payload:   payload,
		CreatedAt: w.now().UTC(),
	})
}
