package engagement

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

// TxBeginner abstracts pgxpool.Pool for testability.
type TxBeginner interface {
	Begin(ctx context.Context) (pgx.Tx, error)
}

// Service is the lifecycle coordinator. Every operation follows the same
// shape: begin a transaction, lock the aggregate row, compute the caller's
// relationship, consult the authorization matrix, apply the mutation plus any
// cascading transition, append an event, enqueue outbox messages, commit.
// Either every sub-mutation commits or none does.
type Service struct {
	pool        TxBeginner
	repo        Repository
	idGenerator func() string
	now         func() time.Time
}

func NewService(pool TxBeginner, repo Repository) *Service {
	if repo == nil {
		repo = NewRepository()
	}
	return &Service{
		pool:        pool,
		repo:        repo,
		idGenerator: func() string { return uuid.NewString() },
		now:         time.Now,
	}
}

func (s *Service) WithIDGenerator(gen func() string) *Service {
	s.idGenerator = gen
	return s
}

func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

// ProposeParams carries everything needed to open a negotiation. The two
// roles come from the identity layer; the coordinator never inspects
// credentials.
type ProposeParams struct {
	InitiatorID     string
	InitiatorRole   Role
	CounterpartID   string
	CounterpartRole Role
	Message         string
	ActionType      string
	TargetDate      time.Time
	Budget          float64
	Milestones      []Milestone
	Location        string
	Deliverables    string
}

// Propose creates a new engagement in the proposed state.
func (s *Service) Propose(ctx context.Context, params ProposeParams) (Engagement, error) {
	if params.InitiatorID == "" || params.CounterpartID == "" {
		return Engagement{}, validationf("both party ids are required")
	}
	if params.InitiatorID == params.CounterpartID {
		return Engagement{}, validationf("initiator and counterpart must differ")
	}
	if !ValidRole(params.InitiatorRole) || !ValidRole(params.CounterpartRole) {
		return Engagement{}, validationf("unknown party role")
	}
	if params.InitiatorRole == params.CounterpartRole {
		return Engagement{}, validationf("parties must hold different roles")
	}
	if strings.TrimSpace(params.Message) == "" {
		return Engagement{}, validationf("message is required")
	}
	if strings.TrimSpace(params.ActionType) == "" {
		return Engagement{}, validationf("action type is required")
	}
	if params.Budget <= 0 {
		return Engagement{}, validationf("budget must be positive")
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Engagement{}, fmt.Errorf("engagement: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	created, err := s.repo.InsertEngagement(ctx, tx, Engagement{
		ID:            s.idGenerator(),
		InitiatorID:   params.InitiatorID,
		CounterpartID: params.CounterpartID,
		InitiatorRole: params.InitiatorRole,
		Status:        StatusProposed,
		Message:       params.Message,
		ActionType:    params.ActionType,
		TargetDate:    params.TargetDate,
		Budget:        params.Budget,
		Milestones:    params.Milestones,
		Location:      params.Location,
		Deliverables:  params.Deliverables,
	})
	if err != nil {
		return Engagement{}, err
	}

	payload := map[string]any{
		"initiator_id":   created.InitiatorID,
		"counterpart_id": created.CounterpartID,
		"budget":         created.Budget,
		"action_type":    created.ActionType,
	}
	if err := s.repo.AppendEvent(ctx, tx, created.ID, "ENGAGEMENT_PROPOSED", created.InitiatorID, payload); err != nil {
		return Engagement{}, err
	}
	if err := s.notifyParties(ctx, tx, TopicEngagementProposed, created); err != nil {
		return Engagement{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return Engagement{}, fmt.Errorf("engagement: commit propose: %w", err)
	}
	return created, nil
}

// RespondParams routes the counterpart's decision on a proposal.
type RespondParams struct {
	EngagementID string
	CallerID     string
	Action       Action // ActionAccept or ActionReject
}

// Respond applies the counterpart's accept or reject decision.
func (s *Service) Respond(ctx context.Context, params RespondParams) (Engagement, error) {
	var next Status
	var eventType string
	var topic string
	switch params.Action {
	case ActionAccept:
		next, eventType, topic = StatusAccepted, "ENGAGEMENT_ACCEPTED", TopicEngagementAccepted
	case ActionReject:
		next, eventType, topic = StatusRejected, "ENGAGEMENT_REJECTED", TopicEngagementRejected
	default:
		return Engagement{}, validationf("respond action must be accept or reject")
	}
	return s.transition(ctx, params.EngagementID, params.CallerID, params.Action, next, eventType, topic)
}

// Cancel moves the engagement to its canceled terminal state. Only the
// initiator may cancel, from proposed, accepted, or active.
func (s *Service) Cancel(ctx context.Context, engagementID, callerID string) (Engagement, error) {
	return s.transition(ctx, engagementID, callerID, ActionCancel, StatusCanceled, "ENGAGEMENT_CANCELED", TopicEngagementCanceled)
}

// Finish closes out an active engagement.
func (s *Service) Finish(ctx context.Context, engagementID, callerID string) (Engagement, error) {
	return s.transition(ctx, engagementID, callerID, ActionFinish, StatusFinished, "ENGAGEMENT_FINISHED", TopicEngagementFinished)
}

func (s *Service) transition(ctx context.Context, engagementID, callerID string, action Action, next Status, eventType, topic string) (Engagement, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Engagement{}, fmt.Errorf("engagement: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	e, err := s.repo.GetEngagementForUpdate(ctx, tx, engagementID)
	if err != nil {
		return Engagement{}, err
	}

	rel := e.RelationshipOf(callerID)
	if err := Authorize(action, rel, e.RoleOf(rel), e.Status); err != nil {
		return Engagement{}, err
	}
	if !CanTransition(e.Status, next) {
		return Engagement{}, ErrInvalidTransition
	}

	previous := e.Status
	e.Status = next
	updated, err := s.repo.UpdateEngagement(ctx, tx, e)
	if err != nil {
		return Engagement{}, err
	}

	payload := map[string]any{
		"previous_status": string(previous),
		"next_status":     string(next),
	}
	if err := s.repo.AppendEvent(ctx, tx, updated.ID, eventType, callerID, payload); err != nil {
		return Engagement{}, err
	}
	if err := s.notifyParties(ctx, tx, topic, updated); err != nil {
		return Engagement{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return Engagement{}, fmt.Errorf("engagement: commit %s: %w", action, err)
	}
	return updated, nil
}

// EditParams carries a partial field set. Nil fields are left untouched.
type EditParams struct {
	EngagementID string
	CallerID     string
	Message      *string
	ActionType   *string
	TargetDate   *time.Time
	Budget       *float64
	Milestones   *[]Milestone
	Location     *string
	Deliverables *string
}

// Edit updates the negotiable fields of a proposed engagement. Validation is
// all-or-nothing: any invalid supplied field rejects the whole call before a
// single column changes.
func (s *Service) Edit(ctx context.Context, params EditParams) (Engagement, error) {
	if params.Message != nil && strings.TrimSpace(*params.Message) == "" {
		return Engagement{}, validationf("message cannot be blank")
	}
	if params.ActionType != nil && strings.TrimSpace(*params.ActionType) == "" {
		return Engagement{}, validationf("action type cannot be blank")
	}
	if params.Budget != nil && *params.Budget <= 0 {
		return Engagement{}, validationf("budget must be positive")
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Engagement{}, fmt.Errorf("engagement: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	e, err := s.repo.GetEngagementForUpdate(ctx, tx, params.EngagementID)
	if err != nil {
		return Engagement{}, err
	}

	rel := e.RelationshipOf(params.CallerID)
	if err := Authorize(ActionEdit, rel, e.RoleOf(rel), e.Status); err != nil {
		return Engagement{}, err
	}

	changed := make([]string, 0, 7)
	if params.Message != nil {
		e.Message = *params.Message
		changed = append(changed, "message")
	}
	if params.ActionType != nil {
		e.ActionType = *params.ActionType
		changed = append(changed, "action_type")
	}
	if params.TargetDate != nil {
		e.TargetDate = *params.TargetDate
		changed = append(changed, "target_date")
	}
	if params.Budget != nil {
		e.Budget = *params.Budget
		changed = append(changed, "budget")
	}
	if params.Milestones != nil {
		e.Milestones = *params.Milestones
		changed = append(changed, "milestones")
	}
	if params.Location != nil {
		e.Location = *params.Location
		changed = append(changed, "location")
	}
	if params.Deliverables != nil {
		e.Deliverables = *params.Deliverables
		changed = append(changed, "deliverables")
	}
	if len(changed) == 0 {
		return e, nil
	}

	updated, err := s.repo.UpdateEngagement(ctx, tx, e)
	if err != nil {
		return Engagement{}, err
	}

	payload := map[string]any{"fields": changed}
	if err := s.repo.AppendEvent(ctx, tx, updated.ID, "ENGAGEMENT_EDITED", params.CallerID, payload); err != nil {
		return Engagement{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return Engagement{}, fmt.Errorf("engagement: commit edit: %w", err)
	}
	return updated, nil
}

// Aggregate bundles the engagement with its children for read callers.
type Aggregate struct {
	Engagement Engagement
	Contract   *Contract
	Schedule   []ScheduleItem
}

// Get returns the full aggregate. Only parties to the engagement may read it.
func (s *Service) Get(ctx context.Context, engagementID, callerID string) (Aggregate, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Aggregate{}, fmt.Errorf("engagement: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	e, err := s.repo.GetEngagement(ctx, tx, engagementID)
	if err != nil {
		return Aggregate{}, err
	}
	rel := e.RelationshipOf(callerID)
	if err := Authorize(ActionView, rel, e.RoleOf(rel), e.Status); err != nil {
		return Aggregate{}, err
	}

	agg := Aggregate{Engagement: e}
	switch c, err := s.repo.GetContract(ctx, tx, engagementID); {
	case err == nil:
		agg.Contract = &c
	case errors.Is(err, ErrNotFound):
		// no contract yet
	default:
		return Aggregate{}, err
	}

	items, err := s.repo.ListScheduleItems(ctx, tx, engagementID)
	if err != nil {
		return Aggregate{}, err
	}
	agg.Schedule = items

	if err := tx.Commit(ctx); err != nil {
		return Aggregate{}, fmt.Errorf("engagement: commit get: %w", err)
	}
	return agg, nil
}

// ListResult pages engagements the caller is a party to.
type ListResult struct {
	Items []Engagement
	Total int
}

func (s *Service) List(ctx context.Context, filters ListFilters) (ListResult, error) {
	if filters.CallerID == "" {
		return ListResult{}, validationf("caller id is required")
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return ListResult{}, fmt.Errorf("engagement: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	items, total, err := s.repo.ListEngagements(ctx, tx, filters)
	if err != nil {
		return ListResult{}, err
	}
	if err := tx.Commit(ctx); err != nil {
		return ListResult{}, fmt.Errorf("engagement: commit list: %w", err)
	}
	return ListResult{Items: items, Total: total}, nil
}

// notifyParties enqueues one outbox message addressed to both parties. The
// outbox worker delivers it best-effort after commit; delivery failures never
// roll back the transition that produced the message.
func (s *Service) notifyParties(ctx context.Context, tx pgx.Tx, topic string, e Engagement) error {
	payload := map[string]any{
		"engagement_id": e.ID,
		"status":        string(e.Status),
		"party_ids":     e.PartyIDs(),
	}
	return s.repo.EnqueueOutbox(ctx, tx, topic, payload)
}
