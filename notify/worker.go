package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"golang.org/x/sync/errgroup"
)

const (
	defaultBatchSize    = 10
	defaultPollInterval = time.Second
	defaultMaxAttempts  = 5
)

// Worker drains pending outbox rows and hands them to the sink. Batches are
// claimed with FOR UPDATE SKIP LOCKED so multiple workers never double-deliver
// a message. Rows that keep failing are parked as dead after maxAttempts.
type Worker struct {
	pool         *pgxpool.Pool
	sink         Sink
	logger       *slog.Logger
	batchSize    int
	pollInterval time.Duration
	maxAttempts  int
}

func NewWorker(pool *pgxpool.Pool, sink Sink, logger *slog.Logger) *Worker {
	if logger == nil {
		logger = slog.Default()
	}
	return &Worker{
		pool:         pool,
		sink:         sink,
		logger:       logger,
		batchSize:    defaultBatchSize,
		pollInterval: defaultPollInterval,
		maxAttempts:  defaultMaxAttempts,
	}
}

// Run polls until the context is canceled, dispatching with the given number
// of concurrent consumers.
func (w *Worker) Run(ctx context.Context, consumers int) error {
	if consumers <= 0 {
		consumers = 1
	}
	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < consumers; i++ {
		g.Go(func() error {
			ticker := time.NewTicker(w.pollInterval)
			defer ticker.Stop()
			for {
				select {
				case <-ctx.Done():
					return ctx.Err()
				case <-ticker.C:
					if err := w.DispatchBatch(ctx); err != nil {
						w.logger.WarnContext(ctx, "outbox dispatch batch failed", "error", err)
					}
				}
			}
		})
	}
	return g.Wait()
}

type outboxRow struct {
	ID       string
	Topic    string
	Payload  []byte
	Attempts int
}

// DispatchBatch claims up to batchSize pending rows and delivers them. Sink
// failures increment attempts and are otherwise discarded.
func (w *Worker) DispatchBatch(ctx context.Context) error {
	tx, err := w.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("notify: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	rows, err := tx.Query(ctx, `
        SELECT id, topic, payload, attempts
        FROM outbox
        WHERE status = 'pending'
        ORDER BY created_at
        FOR UPDATE SKIP LOCKED
        LIMIT $1`, w.batchSize)
	if err != nil {
		return fmt.Errorf("notify: claim batch: %w", err)
	}

	batch := make([]outboxRow, 0, w.batchSize)
	for rows.Next() {
		var row outboxRow
		if err := rows.Scan(&row.ID, &row.Topic, &row.Payload, &row.Attempts); err != nil {
			rows.Close()
			return fmt.Errorf("notify: scan outbox row: %w", err)
		}
		batch = append(batch, row)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return fmt.Errorf("notify: iterate batch: %w", err)
	}

	for _, row := range batch {
		event, err := DecodeEvent(row.Topic, row.Payload)
		if err != nil {
			// Undecodable rows can never succeed; park them immediately.
			w.logger.WarnContext(ctx, "dropping malformed outbox message", "id", row.ID, "error", err)
			if _, err := tx.Exec(ctx, `UPDATE outbox SET status = 'dead', last_attempt = now() WHERE id = $1`, row.ID); err != nil {
				return fmt.Errorf("notify: park malformed row: %w", err)
			}
			continue
		}

		if err := w.sink.Notify(ctx, event); err != nil {
			w.logger.WarnContext(ctx, "notification delivery failed",
				"id", row.ID, "kind", event.Kind, "attempts", row.Attempts+1, "error", err)
			status := "pending"
			if row.Attempts+1 >= w.maxAttempts {
				status = "dead"
			}
			if _, err := tx.Exec(ctx, `UPDATE outbox SET attempts = attempts + 1, status = $1, last_attempt = now() WHERE id = $2`, status, row.ID); err != nil {
				return fmt.Errorf("notify: record failed attempt: %w", err)
			}
			continue
		}

		if _, err := tx.Exec(ctx, `UPDATE outbox SET status = 'processed', last_attempt = now() WHERE id = $1`, row.ID); err != nil {
			return fmt.Errorf("notify: mark processed: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("notify: commit batch: %w", err)
	}
	return nil
}

// DecodeEvent maps an outbox row onto a sink event. The coordinator writes
// engagement_id and party_ids into every lifecycle payload.
func DecodeEvent(topic string, payload []byte) (Event, error) {
	var body struct {
		EngagementID string   `json:"engagement_id"`
		PartyIDs     []string `json:"party_ids"`
	}
	if err := json.Unmarshal(payload, &body); err != nil {
		return Event{}, fmt.Errorf("notify: decode payload: %w", err)
	}
	if body.EngagementID == "" {
		return Event{}, fmt.Errorf("notify: payload missing engagement_id")
	}
	return Event{
		Kind:         topic,
		EngagementID: body.EngagementID,
		PartyIDs:     body.PartyIDs,
	}, nil
}
