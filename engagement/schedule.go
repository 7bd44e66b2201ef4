package engagement

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
)

// CreateScheduleItemParams adds a dated task under an active engagement.
type CreateScheduleItemParams struct {
	EngagementID string
	CallerID     string
	Title        string
	DueDate      time.Time
}

// CreateScheduleItem creates a pending task. Either party may create items
// while the engagement is active. The due date must lie in the future at
// creation time; later clock drift never invalidates a stored item.
func (s *Service) CreateScheduleItem(ctx context.Context, params CreateScheduleItemParams) (ScheduleItem, error) {
	if strings.TrimSpace(params.Title) == "" {
		return ScheduleItem{}, validationf("title is required")
	}
	if !params.DueDate.After(s.now()) {
		return ScheduleItem{}, validationf("due date must be in the future")
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return ScheduleItem{}, fmt.Errorf("engagement: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	e, err := s.repo.GetEngagementForUpdate(ctx, tx, params.EngagementID)
	if err != nil {
		return ScheduleItem{}, err
	}
	rel := e.RelationshipOf(params.CallerID)
	if err := Authorize(ActionCreateScheduleItem, rel, e.RoleOf(rel), e.Status); err != nil {
		return ScheduleItem{}, err
	}

	created, err := s.repo.InsertScheduleItem(ctx, tx, ScheduleItem{
		ID:           s.idGenerator(),
		EngagementID: e.ID,
		Title:        params.Title,
		DueDate:      params.DueDate,
	})
	if err != nil {
		return ScheduleItem{}, err
	}

	payload := map[string]any{"item_id": created.ID, "title": created.Title}
	if err := s.repo.AppendEvent(ctx, tx, e.ID, "SCHEDULE_ITEM_CREATED", params.CallerID, payload); err != nil {
		return ScheduleItem{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return ScheduleItem{}, fmt.Errorf("engagement: commit create item: %w", err)
	}
	return created, nil
}

// UpdateScheduleItemParams carries a partial update. Nil fields are left as
// they are.
type UpdateScheduleItemParams struct {
	EngagementID string
	ItemID       string
	CallerID     string
	Title        *string
	DueDate      *time.Time
}

// UpdateScheduleItem renames or reschedules a pending task. A freshly
// supplied due date is validated like a new one; stored dates are never
// re-checked.
func (s *Service) UpdateScheduleItem(ctx context.Context, params UpdateScheduleItemParams) (ScheduleItem, error) {
	if params.Title != nil && strings.TrimSpace(*params.Title) == "" {
		return ScheduleItem{}, validationf("title cannot be blank")
	}
	if params.DueDate != nil && !params.DueDate.After(s.now()) {
		return ScheduleItem{}, validationf("due date must be in the future")
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return ScheduleItem{}, fmt.Errorf("engagement: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	e, item, err := s.lockItem(ctx, tx, params.EngagementID, params.ItemID)
	if err != nil {
		return ScheduleItem{}, err
	}
	rel := e.RelationshipOf(params.CallerID)
	if err := Authorize(ActionUpdateScheduleItem, rel, e.RoleOf(rel), e.Status); err != nil {
		return ScheduleItem{}, err
	}

	changed := false
	if params.Title != nil {
		item.Title = *params.Title
		changed = true
	}
	if params.DueDate != nil {
		item.DueDate = *params.DueDate
		changed = true
	}
	if !changed {
		return item, nil
	}

	updated, err := s.repo.UpdateScheduleItem(ctx, tx, item)
	if err != nil {
		return ScheduleItem{}, err
	}

	payload := map[string]any{"item_id": updated.ID}
	if err := s.repo.AppendEvent(ctx, tx, e.ID, "SCHEDULE_ITEM_UPDATED", params.CallerID, payload); err != nil {
		return ScheduleItem{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return ScheduleItem{}, fmt.Errorf("engagement: commit update item: %w", err)
	}
	return updated, nil
}

// CompleteScheduleItemParams marks a task done.
type CompleteScheduleItemParams struct {
	EngagementID string
	ItemID       string
	CallerID     string
}

// CompleteScheduleItem sets done_at if unset. Completing an already-done item
// is a no-op success.
func (s *Service) CompleteScheduleItem(ctx context.Context, params CompleteScheduleItemParams) (ScheduleItem, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return ScheduleItem{}, fmt.Errorf("engagement: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	e, item, err := s.lockItem(ctx, tx, params.EngagementID, params.ItemID)
	if err != nil {
		return ScheduleItem{}, err
	}
	rel := e.RelationshipOf(params.CallerID)
	if err := Authorize(ActionUpdateScheduleItem, rel, e.RoleOf(rel), e.Status); err != nil {
		return ScheduleItem{}, err
	}

	if item.Done() {
		return item, nil
	}

	doneAt := s.now()
	item.DoneAt = &doneAt
	updated, err := s.repo.UpdateScheduleItem(ctx, tx, item)
	if err != nil {
		return ScheduleItem{}, err
	}

	payload := map[string]any{"item_id": updated.ID}
	if err := s.repo.AppendEvent(ctx, tx, e.ID, "SCHEDULE_ITEM_COMPLETED", params.CallerID, payload); err != nil {
		return ScheduleItem{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return ScheduleItem{}, fmt.Errorf("engagement: commit complete item: %w", err)
	}
	return updated, nil
}

// DeleteScheduleItemParams identifies the task to remove.
type DeleteScheduleItemParams struct {
	EngagementID string
	ItemID       string
	CallerID     string
}

// DeleteScheduleItem removes a task. Done items are protected unless the
// engagement has been canceled, mirroring the contract deletion guard.
func (s *Service) DeleteScheduleItem(ctx context.Context, params DeleteScheduleItemParams) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("engagement: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	e, item, err := s.lockItem(ctx, tx, params.EngagementID, params.ItemID)
	if err != nil {
		return err
	}
	rel := e.RelationshipOf(params.CallerID)
	if err := Authorize(ActionDeleteScheduleItem, rel, e.RoleOf(rel), e.Status); err != nil {
		return err
	}

	if item.Done() && e.Status != StatusCanceled {
		return ErrInvalidState
	}

	if err := s.repo.DeleteScheduleItem(ctx, tx, item.ID); err != nil {
		return err
	}
	payload := map[string]any{"item_id": item.ID}
	if err := s.repo.AppendEvent(ctx, tx, e.ID, "SCHEDULE_ITEM_DELETED", params.CallerID, payload); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("engagement: commit delete item: %w", err)
	}
	return nil
}

// lockItem locks the aggregate root first, then the child row, and verifies
// the item actually belongs to the engagement the caller named.
func (s *Service) lockItem(ctx context.Context, tx pgx.Tx, engagementID, itemID string) (Engagement, ScheduleItem, error) {
	e, err := s.repo.GetEngagementForUpdate(ctx, tx, engagementID)
	if err != nil {
		return Engagement{}, ScheduleItem{}, err
	}
	item, err := s.repo.GetScheduleItemForUpdate(ctx, tx, itemID)
	if err != nil {
		return Engagement{}, ScheduleItem{}, err
	}
	if item.EngagementID != e.ID {
		return Engagement{}, ScheduleItem{}, ErrNotFound
	}
	return e, item, nil
}
