package engagement

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
)

// Repository defines the data access the coordinator needs. Every method runs
// inside the caller's transaction so the aggregate row lock taken by
// GetEngagementForUpdate covers all child reads and writes.
type Repository interface {
	GetEngagement(ctx context.Context, tx pgx.Tx, id string) (Engagement, error)
	GetEngagementForUpdate(ctx context.Context, tx pgx.Tx, id string) (Engagement, error)
	ListEngagements(ctx context.Context, tx pgx.Tx, filters ListFilters) ([]Engagement, int, error)
	InsertEngagement(ctx context.Context, tx pgx.Tx, e Engagement) (Engagement, error)
	UpdateEngagement(ctx context.Context, tx pgx.Tx, e Engagement) (Engagement, error)

	GetContract(ctx context.Context, tx pgx.Tx, engagementID string) (Contract, error)
	GetContractForUpdate(ctx context.Context, tx pgx.Tx, engagementID string) (Contract, error)
	InsertContract(ctx context.Context, tx pgx.Tx, c Contract) (Contract, error)
	UpdateContract(ctx context.Context, tx pgx.Tx, c Contract) (Contract, error)
	DeleteContract(ctx context.Context, tx pgx.Tx, contractID string) error

	GetScheduleItemForUpdate(ctx context.Context, tx pgx.Tx, itemID string) (ScheduleItem, error)
	ListScheduleItems(ctx context.Context, tx pgx.Tx, engagementID string) ([]ScheduleItem, error)
	InsertScheduleItem(ctx context.Context, tx pgx.Tx, item ScheduleItem) (ScheduleItem, error)
	UpdateScheduleItem(ctx context.Context, tx pgx.Tx, item ScheduleItem) (ScheduleItem, error)
	DeleteScheduleItem(ctx context.Context, tx pgx.Tx, itemID string) error

	AppendEvent(ctx context.Context, tx pgx.Tx, engagementID, eventType string, actorID string, payload map[string]any) error
	EnqueueOutbox(ctx context.Context, tx pgx.Tx, topic string, payload map[string]any) error
}

// PGRepository implements Repository against PostgreSQL.
type PGRepository struct{}

func NewRepository() *PGRepository {
	return &PGRepository{}
}

const engagementColumns = `id, initiator_id, counterpart_id, initiator_role, status, message,
       action_type, target_date, budget, milestones, location, deliverables, created_at, updated_at`

func (r *PGRepository) GetEngagement(ctx context.Context, tx pgx.Tx, id string) (Engagement, error) {
	query := `SELECT ` + engagementColumns + ` FROM engagements WHERE id = $1`
	return r.getEngagement(ctx, tx, query, id)
}

// GetEngagementForUpdate locks the aggregate row for the remainder of the
// transaction. All concurrent coordinator calls on the same engagement
// serialize here.
func (r *PGRepository) GetEngagementForUpdate(ctx context.Context, tx pgx.Tx, id string) (Engagement, error) {
	query := `SELECT ` + engagementColumns + ` FROM engagements WHERE id = $1 FOR UPDATE`
	return r.getEngagement(ctx, tx, query, id)
}

func (r *PGRepository) getEngagement(ctx context.Context, tx pgx.Tx, query, id string) (Engagement, error) {
	e, err := scanEngagement(tx.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Engagement{}, ErrNotFound
		}
		return Engagement{}, storageErr("get engagement", err)
	}
	return e, nil
}

// ListFilters narrows and pages engagement listings. CallerID is mandatory:
// listings only ever show engagements the caller is a party to.
type ListFilters struct {
	CallerID string
	Status   Status
	Page     int
	PageSize int
}

func (r *PGRepository) ListEngagements(ctx context.Context, tx pgx.Tx, filters ListFilters) ([]Engagement, int, error) {
	if filters.Page <= 0 {
		filters.Page = 1
	}
	if filters.PageSize <= 0 || filters.PageSize > 100 {
		filters.PageSize = 20
	}

	where := ` WHERE (initiator_id = $1 OR counterpart_id = $1)`
	args := []any{filters.CallerID}
	if filters.Status != "" {
		where += ` AND status = $2`
		args = append(args, filters.Status)
	}

	query := `SELECT ` + engagementColumns + ` FROM engagements` + where +
		fmt.Sprintf(` ORDER BY created_at DESC LIMIT %d OFFSET %d`, filters.PageSize, (filters.Page-1)*filters.PageSize)
	rows, err := tx.Query(ctx, query, args...)
	if err != nil {
		return nil, 0, storageErr("list engagements", err)
	}
	defer rows.Close()

	out := make([]Engagement, 0, filters.PageSize)
	for rows.Next() {
		e, err := scanEngagement(rows)
		if err != nil {
			return nil, 0, storageErr("scan engagement", err)
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, storageErr("iterate engagements", err)
	}

	var total int
	if err := tx.QueryRow(ctx, `SELECT COUNT(*) FROM engagements`+where, args...).Scan(&total); err != nil {
		return nil, 0, storageErr("count engagements", err)
	}
	return out, total, nil
}

func (r *PGRepository) InsertEngagement(ctx context.Context, tx pgx.Tx, e Engagement) (Engagement, error) {
	milestones, err := json.Marshal(e.Milestones)
	if err != nil {
		return Engagement{}, fmt.Errorf("engagement: marshal milestones: %w", err)
	}
	query := `
        INSERT INTO engagements (id, initiator_id, counterpart_id, initiator_role, status, message,
                                 action_type, target_date, budget, milestones, location, deliverables)
        VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
        RETURNING ` + engagementColumns
	created, err := scanEngagement(tx.QueryRow(ctx, query,
		e.ID, e.InitiatorID, e.CounterpartID, e.InitiatorRole, e.Status, e.Message,
		e.ActionType, e.TargetDate, e.Budget, milestones, e.Location, e.Deliverables,
	))
	if err != nil {
		return Engagement{}, storageErr("insert engagement", err)
	}
	return created, nil
}

// UpdateEngagement writes every mutable column plus status. The coordinator
// decides which fields changed; the repository persists the whole record so
// an edit and a status transition share one code path.
func (r *PGRepository) UpdateEngagement(ctx context.Context, tx pgx.Tx, e Engagement) (Engagement, error) {
	milestones, err := json.Marshal(e.Milestones)
	if err != nil {
		return Engagement{}, fmt.Errorf("engagement: marshal milestones: %w", err)
	}
	query := `
        UPDATE engagements
        SET status = $1, message = $2, action_type = $3, target_date = $4, budget = $5,
            milestones = $6, location = $7, deliverables = $8, updated_at = get_tx_timestamp()
        WHERE id = $9
        RETURNING ` + engagementColumns
	updated, err := scanEngagement(tx.QueryRow(ctx, query,
		e.Status, e.Message, e.ActionType, e.TargetDate, e.Budget,
		milestones, e.Location, e.Deliverables, e.ID,
	))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Engagement{}, ErrNotFound
		}
		return Engagement{}, storageErr("update engagement", err)
	}
	return updated, nil
}

const contractColumns = `id, engagement_id, terms_url, signed_by_initiator_at, signed_by_counterpart_at, created_at, updated_at`

func (r *PGRepository) GetContract(ctx context.Context, tx pgx.Tx, engagementID string) (Contract, error) {
	query := `SELECT ` + contractColumns + ` FROM contracts WHERE engagement_id = $1`
	return r.getContract(ctx, tx, query, engagementID)
}

func (r *PGRepository) GetContractForUpdate(ctx context.Context, tx pgx.Tx, engagementID string) (Contract, error) {
	query := `SELECT ` + contractColumns + ` FROM contracts WHERE engagement_id = $1 FOR UPDATE`
	return r.getContract(ctx, tx, query, engagementID)
}

func (r *PGRepository) getContract(ctx context.Context, tx pgx.Tx, query, engagementID string) (Contract, error) {
	c, err := scanContract(tx.QueryRow(ctx, query, engagementID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Contract{}, ErrNotFound
		}
		return Contract{}, storageErr("get contract", err)
	}
	return c, nil
}

func (r *PGRepository) InsertContract(ctx context.Context, tx pgx.Tx, c Contract) (Contract, error) {
	query := `
        INSERT INTO contracts (id, engagement_id, terms_url)
        VALUES ($1, $2, $3)
        RETURNING ` + contractColumns
	created, err := scanContract(tx.QueryRow(ctx, query, c.ID, c.EngagementID, c.TermsURL))
	if err != nil {
		return Contract{}, storageErr("insert contract", err)
	}
	return created, nil
}

func (r *PGRepository) UpdateContract(ctx context.Context, tx pgx.Tx, c Contract) (Contract, error) {
	query := `
        UPDATE contracts
        SET signed_by_initiator_at = $1, signed_by_counterpart_at = $2, updated_at = get_tx_timestamp()
        WHERE id = $3
        RETURNING ` + contractColumns
	updated, err := scanContract(tx.QueryRow(ctx, query, c.SignedByInitiatorAt, c.SignedByCounterpartAt, c.ID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Contract{}, ErrNotFound
		}
		return Contract{}, storageErr("update contract", err)
	}
	return updated, nil
}

func (r *PGRepository) DeleteContract(ctx context.Context, tx pgx.Tx, contractID string) error {
	tag, err := tx.Exec(ctx, `DELETE FROM contracts WHERE id = $1`, contractID)
	if err != nil {
		return storageErr("delete contract", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

const scheduleItemColumns = `id, engagement_id, title, due_date, done_at, created_at, updated_at`

func (r *PGRepository) GetScheduleItemForUpdate(ctx context.Context, tx pgx.Tx, itemID string) (ScheduleItem, error) {
	query := `SELECT ` + scheduleItemColumns + ` FROM schedule_items WHERE id = $1 FOR UPDATE`
	item, err := scanScheduleItem(tx.QueryRow(ctx, query, itemID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ScheduleItem{}, ErrNotFound
		}
		return ScheduleItem{}, storageErr("get schedule item", err)
	}
	return item, nil
}

func (r *PGRepository) ListScheduleItems(ctx context.Context, tx pgx.Tx, engagementID string) ([]ScheduleItem, error) {
	query := `SELECT ` + scheduleItemColumns + ` FROM schedule_items WHERE engagement_id = $1 ORDER BY due_date ASC, created_at ASC`
	rows, err := tx.Query(ctx, query, engagementID)
	if err != nil {
		return nil, storageErr("list schedule items", err)
	}
	defer rows.Close()

	items := make([]ScheduleItem, 0, 8)
	for rows.Next() {
		item, err := scanScheduleItem(rows)
		if err != nil {
			return nil, storageErr("scan schedule item", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr("iterate schedule items", err)
	}
	return items, nil
}

func (r *PGRepository) InsertScheduleItem(ctx context.Context, tx pgx.Tx, item ScheduleItem) (ScheduleItem, error) {
	query := `
        INSERT INTO schedule_items (id, engagement_id, title, due_date)
        VALUES ($1, $2, $3, $4)
        RETURNING ` + scheduleItemColumns
	created, err := scanScheduleItem(tx.QueryRow(ctx, query, item.ID, item.EngagementID, item.Title, item.DueDate))
	if err != nil {
		return ScheduleItem{}, storageErr("insert schedule item", err)
	}
	return created, nil
}

func (r *PGRepository) UpdateScheduleItem(ctx context.Context, tx pgx.Tx, item ScheduleItem) (ScheduleItem, error) {
	query := `
        UPDATE schedule_items
        SET title = $1, due_date = $2, done_at = $3, updated_at = get_tx_timestamp()
        WHERE id = $4
        RETURNING ` + scheduleItemColumns
	updated, err := scanScheduleItem(tx.QueryRow(ctx, query, item.Title, item.DueDate, item.DoneAt, item.ID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ScheduleItem{}, ErrNotFound
		}
		return ScheduleItem{}, storageErr("update schedule item", err)
	}
	return updated, nil
}

func (r *PGRepository) DeleteScheduleItem(ctx context.Context, tx pgx.Tx, itemID string) error {
	tag, err := tx.Exec(ctx, `DELETE FROM schedule_items WHERE id = $1`, itemID)
	if err != nil {
		return storageErr("delete schedule item", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// AppendEvent writes the next entry of the engagement's event log. The MAX+1
// sequence read is safe because the caller holds the aggregate row lock.
func (r *PGRepository) AppendEvent(ctx context.Context, tx pgx.Tx, engagementID, eventType string, actorID string, payload map[string]any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("engagement: marshal event payload: %w", err)
	}
	var actor any
	if actorID != "" {
		actor = actorID
	}
	query := `
        INSERT INTO engagement_events (engagement_id, seq, type, actor_id, payload)
        SELECT $1, COALESCE(MAX(seq), 0) + 1, $2::event_type, $3::uuid, $4::jsonb
        FROM engagement_events WHERE engagement_id = $1`
	if _, err := tx.Exec(ctx, query, engagementID, eventType, actor, body); err != nil {
		return storageErr("append event", err)
	}
	return nil
}

func (r *PGRepository) EnqueueOutbox(ctx context.Context, tx pgx.Tx, topic string, payload map[string]any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("engagement: marshal outbox payload: %w", err)
	}
	if _, err := tx.Exec(ctx, `INSERT INTO outbox (topic, payload) VALUES ($1, $2::jsonb)`, topic, body); err != nil {
		return storageErr("enqueue outbox", err)
	}
	return nil
}

func scanEngagement(row pgx.Row) (Engagement, error) {
	var (
		e          Engagement
		milestones []byte
	)
	err := row.Scan(
		&e.ID,
		&e.InitiatorID,
		&e.CounterpartID,
		&e.InitiatorRole,
		&e.Status,
		&e.Message,
		&e.ActionType,
		&e.TargetDate,
		&e.Budget,
		&milestones,
		&e.Location,
		&e.Deliverables,
		&e.CreatedAt,
		&e.UpdatedAt,
	)
	if err != nil {
		return Engagement{}, err
	}
	if len(milestones) > 0 {
		if err := json.Unmarshal(milestones, &e.Milestones); err != nil {
			return Engagement{}, fmt.Errorf("engagement: unmarshal milestones: %w", err)
		}
	}
	return e, nil
}

func scanContract(row pgx.Row) (Contract, error) {
	var c Contract
	err := row.Scan(
		&c.ID,
		&c.EngagementID,
		&c.TermsURL,
		&c.SignedByInitiatorAt,
		&c.SignedByCounterpartAt,
		&c.CreatedAt,
		&c.UpdatedAt,
	)
	if err != nil {
		return Contract{}, err
	}
	return c, nil
}

func scanScheduleItem(row pgx.Row) (ScheduleItem, error) {
	var item ScheduleItem
	err := row.Scan(
		&item.ID,
		&item.EngagementID,
		&item.Title,
		&item.DueDate,
		&item.DoneAt,
		&item.CreatedAt,
		&item.UpdatedAt,
	)
	if err != nil {
		return ScheduleItem{}, err
	}
	return item, nil
}
