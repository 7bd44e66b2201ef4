package actors

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Proposer opens new engagements between the seeded brand and creator.
func Proposer(ctx context.Context, pool *pgxpool.Pool, brandID, creatorID string, stop <-chan struct{}) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}
		_, err := pool.Exec(ctx, `
            INSERT INTO engagements (initiator_id, counterpart_id, initiator_role, status, message, action_type, target_date, budget)
            VALUES ($1, $2, 'brand', 'proposed', 'stress proposal', 'video', now() + interval '30 days', $3)`,
			brandID, creatorID, 100+rand.Float64()*900)
		if err != nil && !retryable(err) {
			return fmt.Errorf("proposer insert: %w", err)
		}
		time.Sleep(time.Duration(20+rand.Intn(40)) * time.Millisecond)
	}
}

// Responder accepts proposed engagements, taking the aggregate row lock first
// the way the coordinator does.
func Responder(ctx context.Context, pool *pgxpool.Pool, stop <-chan struct{}) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}
		tx, err := pool.Begin(ctx)
		if err != nil {
			return err
		}
		var id string
		err = tx.QueryRow(ctx, `SELECT id FROM engagements WHERE status='proposed' LIMIT 1 FOR UPDATE SKIP LOCKED`).Scan(&id)
		if err == nil {
			if _, err := tx.Exec(ctx, `UPDATE engagements SET status='accepted', updated_at=now() WHERE id=$1`, id); err == nil {
				appendEvent(ctx, tx, id, "ENGAGEMENT_ACCEPTED")
				enqueue(ctx, tx, "engagement.accepted", id)
				_ = tx.Commit(ctx)
			}
		}
		_ = tx.Rollback(ctx)
		time.Sleep(time.Duration(20+rand.Intn(40)) * time.Millisecond)
	}
}

// Drafter attaches a contract to accepted engagements that lack one. The
// unique constraint on engagement_id resolves draft races.
func Drafter(ctx context.Context, pool *pgxpool.Pool, stop <-chan struct{}) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}
		_, err := pool.Exec(ctx, `
            INSERT INTO contracts (engagement_id, terms_url)
            SELECT e.id, 'blob:stress-terms' FROM engagements e
            WHERE e.status='accepted' AND NOT EXISTS (SELECT 1 FROM contracts c WHERE c.engagement_id = e.id)
            LIMIT 1
            ON CONFLICT (engagement_id) DO NOTHING`)
		if err != nil && !retryable(err) {
			return fmt.Errorf("drafter insert: %w", err)
		}
		time.Sleep(time.Duration(30+rand.Intn(50)) * time.Millisecond)
	}
}

// Signer signs one side of pending contracts. When its signature completes
// the pair on an accepted engagement it performs the activation in the same
// transaction, mirroring the coordinator's discipline: engagement row lock
// first, then the contract row.
func Signer(ctx context.Context, pool *pgxpool.Pool, asInitiator bool, stop <-chan struct{}) error {
	column := "signed_by_counterpart_at"
	if asInitiator {
		column = "signed_by_initiator_at"
	}
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}
		tx, err := pool.Begin(ctx)
		if err != nil {
			return err
		}
		var engagementID, contractID string
		err = tx.QueryRow(ctx, fmt.Sprintf(`
            SELECT e.id FROM engagements e
            JOIN contracts c ON c.engagement_id = e.id
            WHERE e.status IN ('accepted','active') AND c.%s IS NULL
            LIMIT 1 FOR UPDATE OF e SKIP LOCKED`, column)).Scan(&engagementID)
		if err == nil {
			err = tx.QueryRow(ctx, fmt.Sprintf(
				`UPDATE contracts SET %s = now(), updated_at = now() WHERE engagement_id = $1 AND %s IS NULL RETURNING id`,
				column, column), engagementID).Scan(&contractID)
			if err == nil {
				appendEvent(ctx, tx, engagementID, "CONTRACT_SIGNED")

				var fullySigned bool
				var status string
				if err := tx.QueryRow(ctx, `
                    SELECT c.signed_by_initiator_at IS NOT NULL AND c.signed_by_counterpart_at IS NOT NULL, e.status
                    FROM contracts c JOIN engagements e ON e.id = c.engagement_id
                    WHERE c.id = $1`, contractID).Scan(&fullySigned, &status); err == nil && fullySigned && status == "accepted" {
					if _, err := tx.Exec(ctx, `UPDATE engagements SET status='active', updated_at=now() WHERE id=$1`, engagementID); err == nil {
						appendEvent(ctx, tx, engagementID, "ENGAGEMENT_ACTIVATED")
						enqueue(ctx, tx, "engagement.activated", engagementID)
					}
				}
				_ = tx.Commit(ctx)
			}
		}
		_ = tx.Rollback(ctx)
		time.Sleep(time.Duration(20+rand.Intn(40)) * time.Millisecond)
	}
}

// Scheduler creates, completes, and deletes schedule items under active
// engagements. Deletion respects the done-item guard.
func Scheduler(ctx context.Context, pool *pgxpool.Pool, stop <-chan struct{}) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}
		switch rand.Intn(3) {
		case 0:
			_, _ = pool.Exec(ctx, `
                INSERT INTO schedule_items (engagement_id, title, due_date)
                SELECT id, 'stress task', now() + interval '7 days' FROM engagements
                WHERE status='active' LIMIT 1`)
		case 1:
			_, _ = pool.Exec(ctx, `
                UPDATE schedule_items SET done_at = now(), updated_at = now()
                WHERE id IN (SELECT id FROM schedule_items WHERE done_at IS NULL LIMIT 1)`)
		case 2:
			// pending items anywhere, done items only under canceled engagements
			_, _ = pool.Exec(ctx, `
                DELETE FROM schedule_items s
                USING engagements e
                WHERE e.id = s.engagement_id
                  AND s.id IN (SELECT id FROM schedule_items LIMIT 5)
                  AND (s.done_at IS NULL OR e.status = 'canceled')`)
		}
		time.Sleep(time.Duration(30+rand.Intn(60)) * time.Millisecond)
	}
}

// Canceler occasionally cancels a non-terminal engagement as the initiator.
func Canceler(ctx context.Context, pool *pgxpool.Pool, stop <-chan struct{}) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}
		tx, err := pool.Begin(ctx)
		if err != nil {
			return err
		}
		var id string
		err = tx.QueryRow(ctx, `
            SELECT id FROM engagements WHERE status IN ('proposed','accepted','active')
            ORDER BY random() LIMIT 1 FOR UPDATE SKIP LOCKED`).Scan(&id)
		if err == nil {
			if _, err := tx.Exec(ctx, `UPDATE engagements SET status='canceled', updated_at=now() WHERE id=$1`, id); err == nil {
				appendEvent(ctx, tx, id, "ENGAGEMENT_CANCELED")
				enqueue(ctx, tx, "engagement.canceled", id)
				_ = tx.Commit(ctx)
			}
		}
		_ = tx.Rollback(ctx)
		time.Sleep(time.Duration(300+rand.Intn(300)) * time.Millisecond)
	}
}

// OutboxWorker consumes pending outbox messages with SKIP LOCKED and marks
// them processed, occasionally simulating a delivery failure.
func OutboxWorker(ctx context.Context, pool *pgxpool.Pool, stop <-chan struct{}) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}
		tx, err := pool.Begin(ctx)
		if err != nil {
			return err
		}
		rows, err := tx.Query(ctx, `SELECT id FROM outbox WHERE status='pending' ORDER BY created_at FOR UPDATE SKIP LOCKED LIMIT 10`)
		if err != nil {
			_ = tx.Rollback(ctx)
			time.Sleep(50 * time.Millisecond)
			continue
		}
		ids := make([]string, 0, 10)
		for rows.Next() {
			var id string
			_ = rows.Scan(&id)
			ids = append(ids, id)
		}
		rows.Close()
		for _, id := range ids {
			if rand.Intn(10) == 0 {
				_, _ = tx.Exec(ctx, `UPDATE outbox SET attempts=attempts+1, last_attempt=now() WHERE id=$1`, id)
				continue
			}
			_, _ = tx.Exec(ctx, `UPDATE outbox SET status='processed', last_attempt=now() WHERE id=$1`, id)
		}
		_ = tx.Commit(ctx)
		time.Sleep(100 * time.Millisecond)
	}
}

// appendEvent writes the next event under the caller's engagement row lock.
func appendEvent(ctx context.Context, tx pgx.Tx, engagementID, eventType string) {
	_, _ = tx.Exec(ctx, `
        INSERT INTO engagement_events (engagement_id, seq, type, payload)
        SELECT $1, COALESCE(MAX(seq),0)+1, $2::event_type, '{}'::jsonb
        FROM engagement_events WHERE engagement_id=$1`, engagementID, eventType)
}

func enqueue(ctx context.Context, tx pgx.Tx, topic, engagementID string) {
	_, _ = tx.Exec(ctx, `INSERT INTO outbox (topic, payload) VALUES ($1, jsonb_build_object('engagement_id', $2))`, topic, engagementID)
}

// retryable reports serialization failures and deadlocks, which are expected
// under contention and safe to retry.
func retryable(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "23505", "40001", "40P01":
			return true
		}
	}
	return false
}
