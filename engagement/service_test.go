package engagement

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

var (
	brandID   = "11111111-1111-1111-1111-111111111111"
	creatorID = "22222222-2222-2222-2222-222222222222"
	strangerID = "33333333-3333-3333-3333-333333333333"
)

func fixedNow() time.Time {
	return time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
}

func newTestService(t *testing.T) (*Service, *fakeStore) {
	t.Helper()
	store := newFakeStore()
	pool := &fakePool{}
	svc := NewService(pool, &fakeRepo{store: store}).
		WithClock(fixedNow).
		WithIDGenerator(store.nextID)
	return svc, store
}

func proposeParams() ProposeParams {
	return ProposeParams{
		InitiatorID:     brandID,
		InitiatorRole:   RoleBrand,
		CounterpartID:   creatorID,
		CounterpartRole: RoleCreator,
		Message:         "Spring launch collaboration",
		ActionType:      "video",
		TargetDate:      fixedNow().AddDate(0, 1, 0),
		Budget:          500.00,
	}
}

func mustPropose(t *testing.T, svc *Service) Engagement {
	t.Helper()
	e, err := svc.Propose(context.Background(), proposeParams())
	if err != nil {
		t.Fatalf("propose: %v", err)
	}
	return e
}

func mustAccept(t *testing.T, svc *Service, id string) Engagement {
	t.Helper()
	e, err := svc.Respond(context.Background(), RespondParams{EngagementID: id, CallerID: creatorID, Action: ActionAccept})
	if err != nil {
		t.Fatalf("accept: %v", err)
	}
	return e
}

func mustActivate(t *testing.T, svc *Service, id string) Engagement {
	t.Helper()
	mustAccept(t, svc, id)
	if _, err := svc.CreateContract(context.Background(), CreateContractParams{EngagementID: id, CallerID: brandID, TermsURL: "https://x/terms.pdf"}); err != nil {
		t.Fatalf("create contract: %v", err)
	}
	if _, err := svc.SignContract(context.Background(), SignContractParams{EngagementID: id, CallerID: brandID, AsInitiator: true}); err != nil {
		t.Fatalf("initiator sign: %v", err)
	}
	result, err := svc.SignContract(context.Background(), SignContractParams{EngagementID: id, CallerID: creatorID, AsInitiator: false})
	if err != nil {
		t.Fatalf("counterpart sign: %v", err)
	}
	if !result.Activated {
		t.Fatalf("expected activation after both signatures")
	}
	return result.Engagement
}

func TestPropose_Success(t *testing.T) {
	svc, store := newTestService(t)

	e := mustPropose(t, svc)

	if e.Status != StatusProposed {
		t.Errorf("expected status proposed, got %s", e.Status)
	}
	if e.ID == "" {
		t.Errorf("expected generated id")
	}
	if got := store.eventTypes(e.ID); len(got) != 1 || got[0] != "ENGAGEMENT_PROPOSED" {
		t.Errorf("unexpected events: %v", got)
	}
	if got := store.topics(); len(got) != 1 || got[0] != TopicEngagementProposed {
		t.Errorf("unexpected outbox topics: %v", got)
	}
}

func TestPropose_Validation(t *testing.T) {
	svc, store := newTestService(t)

	cases := []struct {
		name   string
		mutate func(*ProposeParams)
	}{
		{"same party", func(p *ProposeParams) { p.CounterpartID = p.InitiatorID }},
		{"same role", func(p *ProposeParams) { p.CounterpartRole = p.InitiatorRole }},
		{"blank message", func(p *ProposeParams) { p.Message = "   " }},
		{"blank action type", func(p *ProposeParams) { p.ActionType = "" }},
		{"zero budget", func(p *ProposeParams) { p.Budget = 0 }},
		{"negative budget", func(p *ProposeParams) { p.Budget = -10 }},
		{"unknown role", func(p *ProposeParams) { p.InitiatorRole = "agency" }},
		{"missing counterpart", func(p *ProposeParams) { p.CounterpartID = "" }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			params := proposeParams()
			tc.mutate(&params)
			if _, err := svc.Propose(context.Background(), params); !errors.Is(err, ErrValidation) {
				t.Fatalf("expected ErrValidation, got %v", err)
			}
		})
	}

	if n := len(store.engagements); n != 0 {
		t.Errorf("expected no engagements persisted, got %d", n)
	}
}

func TestRespond_Accept(t *testing.T) {
	svc, store := newTestService(t)
	e := mustPropose(t, svc)

	updated := mustAccept(t, svc, e.ID)

	if updated.Status != StatusAccepted {
		t.Errorf("expected accepted, got %s", updated.Status)
	}
	if got := store.topics(); got[len(got)-1] != TopicEngagementAccepted {
		t.Errorf("expected accepted topic, got %v", got)
	}
}

func TestRespond_Reject(t *testing.T) {
	svc, _ := newTestService(t)
	e := mustPropose(t, svc)

	updated, err := svc.Respond(context.Background(), RespondParams{EngagementID: e.ID, CallerID: creatorID, Action: ActionReject})
	if err != nil {
		t.Fatalf("reject: %v", err)
	}
	if updated.Status != StatusRejected {
		t.Errorf("expected rejected, got %s", updated.Status)
	}
}

func TestRespond_InitiatorCannotAcceptOwnProposal(t *testing.T) {
	svc, _ := newTestService(t)
	e := mustPropose(t, svc)

	_, err := svc.Respond(context.Background(), RespondParams{EngagementID: e.ID, CallerID: brandID, Action: ActionAccept})
	if !errors.Is(err, ErrNotAuthorized) {
		t.Fatalf("expected ErrNotAuthorized, got %v", err)
	}
}

func TestRespond_BadAction(t *testing.T) {
	svc, _ := newTestService(t)
	e := mustPropose(t, svc)

	_, err := svc.Respond(context.Background(), RespondParams{EngagementID: e.ID, CallerID: creatorID, Action: ActionCancel})
	if !errors.Is(err, ErrValidation) {
		t.Fatalf("expected ErrValidation, got %v", err)
	}
}

func TestRespond_NotFound(t *testing.T) {
	svc, _ := newTestService(t)

	_, err := svc.Respond(context.Background(), RespondParams{EngagementID: "missing", CallerID: creatorID, Action: ActionAccept})
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestEdit_PartialFields(t *testing.T) {
	svc, _ := newTestService(t)
	e := mustPropose(t, svc)

	message := "Updated brief"
	budget := 750.0
	updated, err := svc.Edit(context.Background(), EditParams{
		EngagementID: e.ID,
		CallerID:     brandID,
		Message:      &message,
		Budget:       &budget,
	})
	if err != nil {
		t.Fatalf("edit: %v", err)
	}
	if updated.Message != message || updated.Budget != budget {
		t.Errorf("expected updated fields, got %+v", updated)
	}
	if updated.ActionType != e.ActionType {
		t.Errorf("untouched field changed: %s", updated.ActionType)
	}
}

func TestEdit_BadBudgetRejectsWholeCall(t *testing.T) {
	svc, store := newTestService(t)
	e := mustPropose(t, svc)

	message := "Should not stick"
	badBudget := -1.0
	_, err := svc.Edit(context.Background(), EditParams{
		EngagementID: e.ID,
		CallerID:     brandID,
		Message:      &message,
		Budget:       &badBudget,
	})
	if !errors.Is(err, ErrValidation) {
		t.Fatalf("expected ErrValidation, got %v", err)
	}

	current := store.engagements[e.ID]
	if current.Message != e.Message || current.Budget != e.Budget {
		t.Errorf("rejected edit mutated state: %+v", current)
	}
}

func TestEdit_AfterAcceptFails(t *testing.T) {
	svc, _ := newTestService(t)
	e := mustPropose(t, svc)
	mustAccept(t, svc, e.ID)

	message := "Too late"
	_, err := svc.Edit(context.Background(), EditParams{EngagementID: e.ID, CallerID: brandID, Message: &message})
	if !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition, got %v", err)
	}
}

func TestEdit_CounterpartCannotEdit(t *testing.T) {
	svc, _ := newTestService(t)
	e := mustPropose(t, svc)

	message := "Not mine to edit"
	_, err := svc.Edit(context.Background(), EditParams{EngagementID: e.ID, CallerID: creatorID, Message: &message})
	if !errors.Is(err, ErrNotAuthorized) {
		t.Fatalf("expected ErrNotAuthorized, got %v", err)
	}
}

func TestCancel_ByInitiator(t *testing.T) {
	svc, _ := newTestService(t)
	e := mustPropose(t, svc)

	updated, err := svc.Cancel(context.Background(), e.ID, brandID)
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if updated.Status != StatusCanceled {
		t.Errorf("expected canceled, got %s", updated.Status)
	}
}

func TestCancel_UnrelatedCallerDenied(t *testing.T) {
	svc, store := newTestService(t)
	e := mustPropose(t, svc)

	_, err := svc.Cancel(context.Background(), e.ID, strangerID)
	if !errors.Is(err, ErrNotAuthorized) {
		t.Fatalf("expected ErrNotAuthorized, got %v", err)
	}
	if store.engagements[e.ID].Status != StatusProposed {
		t.Errorf("state changed on denied cancel")
	}
}

func TestCancel_FromTerminalStateFails(t *testing.T) {
	svc, _ := newTestService(t)
	e := mustPropose(t, svc)
	if _, err := svc.Respond(context.Background(), RespondParams{EngagementID: e.ID, CallerID: creatorID, Action: ActionReject}); err != nil {
		t.Fatalf("reject: %v", err)
	}

	_, err := svc.Cancel(context.Background(), e.ID, brandID)
	if !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition, got %v", err)
	}
}

func TestFinish_RequiresActive(t *testing.T) {
	svc, _ := newTestService(t)
	e := mustPropose(t, svc)

	_, err := svc.Finish(context.Background(), e.ID, brandID)
	if !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition, got %v", err)
	}
}

func TestFinish_FromActive(t *testing.T) {
	svc, _ := newTestService(t)
	e := mustPropose(t, svc)
	mustActivate(t, svc, e.ID)

	updated, err := svc.Finish(context.Background(), e.ID, brandID)
	if err != nil {
		t.Fatalf("finish: %v", err)
	}
	if updated.Status != StatusFinished {
		t.Errorf("expected finished, got %s", updated.Status)
	}
}

func TestGet_PartyOnly(t *testing.T) {
	svc, _ := newTestService(t)
	e := mustPropose(t, svc)

	if _, err := svc.Get(context.Background(), e.ID, strangerID); !errors.Is(err, ErrNotAuthorized) {
		t.Fatalf("expected ErrNotAuthorized for stranger, got %v", err)
	}

	agg, err := svc.Get(context.Background(), e.ID, creatorID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if agg.Engagement.ID != e.ID || agg.Contract != nil {
		t.Errorf("unexpected aggregate: %+v", agg)
	}
}

// --- fakes -----------------------------------------------------------------

// fakeStore is the in-memory backing state shared by fakeRepo instances.
type fakeStore struct {
	mu          sync.Mutex
	seq         int
	engagements map[string]Engagement
	contracts   map[string]Contract // keyed by engagement id
	items       map[string]ScheduleItem
	events      []fakeEvent
	outbox      []fakeMessage
}

type fakeEvent struct {
	EngagementID string
	Type         string
	ActorID      string
	Payload      map[string]any
}

type fakeMessage struct {
	Topic   string
	Payload map[string]any
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		engagements: make(map[string]Engagement),
		contracts:   make(map[string]Contract),
		items:       make(map[string]ScheduleItem),
	}
}

func (s *fakeStore) nextID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seq++
	return fmt.Sprintf("00000000-0000-0000-0000-%012d", s.seq)
}

func (s *fakeStore) eventTypes(engagementID string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := []string{}
	for _, ev := range s.events {
		if ev.EngagementID == engagementID {
			out = append(out, ev.Type)
		}
	}
	return out
}

func (s *fakeStore) topics() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := []string{}
	for _, msg := range s.outbox {
		out = append(out, msg.Topic)
	}
	return out
}

func (s *fakeStore) countTopic(topic string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, msg := range s.outbox {
		if msg.Topic == topic {
			n++
		}
	}
	return n
}

// fakePool serializes transactions with a single mutex, standing in for the
// aggregate row lock: Begin blocks until the previous transaction finishes.
type fakePool struct {
	mu sync.Mutex
}

func (p *fakePool) Begin(ctx context.Context) (pgx.Tx, error) {
	p.mu.Lock()
	return &fakeTx{pool: p}, nil
}

type fakeTx struct {
	pool *fakePool
	done bool
}

func (f *fakeTx) Commit(context.Context) error {
	if !f.done {
		f.done = true
		f.pool.mu.Unlock()
	}
	return nil
}

func (f *fakeTx) Rollback(context.Context) error {
	if !f.done {
		f.done = true
		f.pool.mu.Unlock()
	}
	return nil
}

func (f *fakeTx) Begin(context.Context) (pgx.Tx, error) {
	return nil, errors.New("fakeTx does not support nested transactions")
}

func (f *fakeTx) CopyFrom(context.Context, pgx.Identifier, []string, pgx.CopyFromSource) (int64, error) {
	panic("not implemented")
}

func (f *fakeTx) SendBatch(context.Context, *pgx.Batch) pgx.BatchResults {
	panic("not implemented")
}

func (f *fakeTx) LargeObjects() pgx.LargeObjects {
	panic("not implemented")
}

func (f *fakeTx) Prepare(context.Context, string, string) (*pgconn.StatementDescription, error) {
	panic("not implemented")
}

func (f *fakeTx) Exec(context.Context, string, ...any) (pgconn.CommandTag, error) {
	panic("not implemented")
}

func (f *fakeTx) Query(context.Context, string, ...any) (pgx.Rows, error) {
	panic("not implemented")
}

func (f *fakeTx) QueryRow(context.Context, string, ...any) pgx.Row {
	panic("not implemented")
}

func (f *fakeTx) Conn() *pgx.Conn {
	return nil
}

// fakeRepo implements Repository against fakeStore. Mutations apply
// immediately; the coordinator's validate-before-mutate ordering is what the
// zero-mutation-on-rejection tests exercise.
type fakeRepo struct {
	store *fakeStore
}

func (r *fakeRepo) GetEngagement(ctx context.Context, tx pgx.Tx, id string) (Engagement, error) {
	return r.GetEngagementForUpdate(ctx, tx, id)
}

func (r *fakeRepo) GetEngagementForUpdate(_ context.Context, _ pgx.Tx, id string) (Engagement, error) {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	e, ok := r.store.engagements[id]
	if !ok {
		return Engagement{}, ErrNotFound
	}
	return e, nil
}

func (r *fakeRepo) ListEngagements(_ context.Context, _ pgx.Tx, filters ListFilters) ([]Engagement, int, error) {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	out := []Engagement{}
	for _, e := range r.store.engagements {
		if e.InitiatorID != filters.CallerID && e.CounterpartID != filters.CallerID {
			continue
		}
		if filters.Status != "" && e.Status != filters.Status {
			continue
		}
		out = append(out, e)
	}
	return out, len(out), nil
}

func (r *fakeRepo) InsertEngagement(_ context.Context, _ pgx.Tx, e Engagement) (Engagement, error) {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	e.CreatedAt = fixedNow()
	e.UpdatedAt = fixedNow()
	r.store.engagements[e.ID] = e
	return e, nil
}

func (r *fakeRepo) UpdateEngagement(_ context.Context, _ pgx.Tx, e Engagement) (Engagement, error) {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	if _, ok := r.store.engagements[e.ID]; !ok {
		return Engagement{}, ErrNotFound
	}
	e.UpdatedAt = fixedNow()
	r.store.engagements[e.ID] = e
	return e, nil
}

func (r *fakeRepo) GetContract(ctx context.Context, tx pgx.Tx, engagementID string) (Contract, error) {
	return r.GetContractForUpdate(ctx, tx, engagementID)
}

func (r *fakeRepo) GetContractForUpdate(_ context.Context, _ pgx.Tx, engagementID string) (Contract, error) {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	c, ok := r.store.contracts[engagementID]
	if !ok {
		return Contract{}, ErrNotFound
	}
	return c, nil
}

func (r *fakeRepo) InsertContract(_ context.Context, _ pgx.Tx, c Contract) (Contract, error) {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	if _, ok := r.store.contracts[c.EngagementID]; ok {
		return Contract{}, ErrAlreadyExists
	}
	c.CreatedAt = fixedNow()
	c.UpdatedAt = fixedNow()
	r.store.contracts[c.EngagementID] = c
	return c, nil
}

func (r *fakeRepo) UpdateContract(_ context.Context, _ pgx.Tx, c Contract) (Contract, error) {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	existing, ok := r.store.contracts[c.EngagementID]
	if !ok || existing.ID != c.ID {
		return Contract{}, ErrNotFound
	}
	c.UpdatedAt = fixedNow()
	r.store.contracts[c.EngagementID] = c
	return c, nil
}

func (r *fakeRepo) DeleteContract(_ context.Context, _ pgx.Tx, contractID string) error {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	for engagementID, c := range r.store.contracts {
		if c.ID == contractID {
			delete(r.store.contracts, engagementID)
			return nil
		}
	}
	return ErrNotFound
}

func (r *fakeRepo) GetScheduleItemForUpdate(_ context.Context, _ pgx.Tx, itemID string) (ScheduleItem, error) {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	item, ok := r.store.items[itemID]
	if !ok {
		return ScheduleItem{}, ErrNotFound
	}
	return item, nil
}

func (r *fakeRepo) ListScheduleItems(_ context.Context, _ pgx.Tx, engagementID string) ([]ScheduleItem, error) {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	out := []ScheduleItem{}
	for _, item := range r.store.items {
		if item.EngagementID == engagementID {
			out = append(out, item)
		}
	}
	return out, nil
}

func (r *fakeRepo) InsertScheduleItem(_ context.Context, _ pgx.Tx, item ScheduleItem) (ScheduleItem, error) {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	item.CreatedAt = fixedNow()
	item.UpdatedAt = fixedNow()
	r.store.items[item.ID] = item
	return item, nil
}

func (r *fakeRepo) UpdateScheduleItem(_ context.Context, _ pgx.Tx, item ScheduleItem) (ScheduleItem, error) {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	if _, ok := r.store.items[item.ID]; !ok {
		return ScheduleItem{}, ErrNotFound
	}
	item.UpdatedAt = fixedNow()
	r.store.items[item.ID] = item
	return item, nil
}

func (r *fakeRepo) DeleteScheduleItem(_ context.Context, _ pgx.Tx, itemID string) error {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	if _, ok := r.store.items[itemID]; !ok {
		return ErrNotFound
	}
	delete(r.store.items, itemID)
	return nil
}

func (r *fakeRepo) AppendEvent(_ context.Context, _ pgx.Tx, engagementID, eventType string, actorID string, payload map[string]any) error {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	r.store.events = append(r.store.events, fakeEvent{
		EngagementID: engagementID,
		Type:         eventType,
		ActorID:      actorID,
		Payload:      payload,
	})
	return nil
}

func (r *fakeRepo) EnqueueOutbox(_ context.Context, _ pgx.Tx, topic string, payload map[string]any) error {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	r.store.outbox = append(r.store.outbox, fakeMessage{Topic: topic, Payload: payload})
	return nil
}
