package engagement

import "time"

// Role identifies which side of a collaboration a party represents.
type Role string

const (
	RoleBrand   Role = "brand"
	RoleCreator Role = "creator"
)

// ValidRole reports whether the role is one of the two known party roles.
func ValidRole(role Role) bool {
	return role == RoleBrand || role == RoleCreator
}

// Counterpart returns the opposite role.
func (r Role) Counterpart() Role {
	if r == RoleBrand {
		return RoleCreator
	}
	return RoleBrand
}

// Status represents the lifecycle state of an engagement.
type Status string

const (
	StatusProposed Status = "proposed"
	StatusAccepted Status = "accepted"
	StatusRejected Status = "rejected"
	StatusCanceled Status = "canceled"
	StatusActive   Status = "active"
	StatusFinished Status = "finished"
)

// Milestone is one dated step of the negotiated deliverable plan. The list is
// stored as ordered jsonb on the engagement row.
type Milestone struct {
	Title        string    `json:"title"`
	Date         time.Time `json:"date"`
	Description  string    `json:"description,omitempty"`
	Location     string    `json:"location,omitempty"`
	Deliverables string    `json:"deliverables,omitempty"`
}

// Engagement mirrors the engagements table. It is the aggregate root: its
// contract and schedule items are always loaded and mutated under the same
// row lock.
type Engagement struct {
	ID            string
	InitiatorID   string
	CounterpartID string
	InitiatorRole Role
	Status        Status
	Message       string
	ActionType    string
	TargetDate    time.Time
	Budget        float64
	Milestones    []Milestone
	Location      string
	Deliverables  string
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// Relationship classifies a caller against the two named parties.
type Relationship int

const (
	RelNone Relationship = iota
	RelInitiator
	RelCounterpart
)

// RelationshipOf returns the caller's relationship to the engagement.
func (e Engagement) RelationshipOf(callerID string) Relationship {
	switch callerID {
	case "":
		return RelNone
	case e.InitiatorID:
		return RelInitiator
	case e.CounterpartID:
		return RelCounterpart
	default:
		return RelNone
	}
}

// RoleOf returns the role held by the given relationship.
func (e Engagement) RoleOf(rel Relationship) Role {
	if rel == RelCounterpart {
		return e.InitiatorRole.Counterpart()
	}
	return e.InitiatorRole
}

// PartyIDs returns both party identifiers, initiator first.
func (e Engagement) PartyIDs() []string {
	return []string{e.InitiatorID, e.CounterpartID}
}

// Contract mirrors the contracts table. One per engagement.
type Contract struct {
	ID                    string
	EngagementID          string
	TermsURL              string
	SignedByInitiatorAt   *time.Time
	SignedByCounterpartAt *time.Time
	CreatedAt             time.Time
	UpdatedAt             time.Time
}

// FullySigned reports whether both parties have signed.
func (c Contract) FullySigned() bool {
	return c.SignedByInitiatorAt != nil && c.SignedByCounterpartAt != nil
}

// ScheduleItem mirrors the schedule_items table.
type ScheduleItem struct {
	ID           string
	EngagementID string
	Title        string
	DueDate      time.Time
	DoneAt       *time.Time
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// Done reports whether the item has been completed.
func (s ScheduleItem) Done() bool {
	return s.DoneAt != nil
}

// Event is one row of the append-only per-engagement event log.
type Event struct {
	ID           int64
	EngagementID string
	Seq          int
	Type         string
	ActorID      *string
	Payload      []byte
	CreatedAt    time.Time
}

// Outbox topics published by the coordinator.
const (
	TopicEngagementProposed  = "engagement.proposed"
	TopicEngagementAccepted  = "engagement.accepted"
	TopicEngagementRejected  = "engagement.rejected"
	TopicEngagementCanceled  = "engagement.canceled"
	TopicEngagementFinished  = "engagement.finished"
	TopicEngagementActivated = "engagement.activated"
	TopicContractCreated     = "contract.created"
	TopicContractSigned      = "contract.signed"
)
