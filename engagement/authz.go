package engagement

// Action names every operation the coordinator can be asked to perform.
type Action string

const (
	ActionAccept             Action = "accept"
	ActionReject             Action = "reject"
	ActionCancel             Action = "cancel"
	ActionFinish             Action = "finish"
	ActionEdit               Action = "edit"
	ActionView               Action = "view"
	ActionCreateContract     Action = "create_contract"
	ActionSignContract       Action = "sign_contract"
	ActionDeleteContract     Action = "delete_contract"
	ActionCreateScheduleItem Action = "create_schedule_item"
	ActionUpdateScheduleItem Action = "update_schedule_item"
	ActionDeleteScheduleItem Action = "delete_schedule_item"
)

// anyStatus marks rules whose state guards live with the action itself
// (contract and schedule deletion have child-state guards, not status sets).
var anyStatus = []Status{
	StatusProposed, StatusAccepted, StatusRejected,
	StatusCanceled, StatusActive, StatusFinished,
}

type authzRule struct {
	// actors maps the relationships permitted to perform the action.
	actors map[Relationship]bool
	// states lists the engagement statuses the action is valid from.
	states []Status
	// stateErr is returned on a state mismatch: ErrInvalidTransition for
	// engagement lifecycle actions, ErrInvalidState for child-entity actions.
	stateErr error
}

var initiatorOnly = map[Relationship]bool{RelInitiator: true}
var counterpartOnly = map[Relationship]bool{RelCounterpart: true}
var eitherParty = map[Relationship]bool{RelInitiator: true, RelCounterpart: true}

// authzMatrix is the single source of truth for who may do what, when. Every
// coordinator operation consults it before touching state; no handler or
// repository re-implements these checks.
var authzMatrix = map[Action]authzRule{
	ActionAccept: {counterpartOnly, []Status{StatusProposed}, ErrInvalidTransition},
	ActionReject: {counterpartOnly, []Status{StatusProposed}, ErrInvalidTransition},
	ActionCancel: {initiatorOnly, []Status{StatusProposed, StatusAccepted, StatusActive}, ErrInvalidTransition},
	ActionFinish: {initiatorOnly, []Status{StatusActive}, ErrInvalidTransition},
	ActionEdit:   {initiatorOnly, []Status{StatusProposed}, ErrInvalidTransition},
	ActionView:   {eitherParty, anyStatus, ErrInvalidState},

	ActionCreateContract: {eitherParty, []Status{StatusAccepted}, ErrInvalidState},
	ActionSignContract:   {eitherParty, []Status{StatusAccepted, StatusActive}, ErrInvalidState},
	// Deletion guards (unsigned-or-canceled, done-item protection) depend on
	// child state and are enforced by the coordinator after this check.
	ActionDeleteContract: {initiatorOnly, anyStatus, ErrInvalidState},

	ActionCreateScheduleItem: {eitherParty, []Status{StatusActive}, ErrInvalidState},
	ActionUpdateScheduleItem: {eitherParty, []Status{StatusActive}, ErrInvalidState},
	ActionDeleteScheduleItem: {eitherParty, anyStatus, ErrInvalidState},
}

// Authorize decides whether a caller with the given relationship and role may
// perform the action while the engagement is in the given status. It is a
// pure table lookup with no side effects. The relationship check runs first
// so unrelated callers always see ErrNotAuthorized, never a state error. The
// role parameter keeps role-asymmetric rules expressible as table data; the
// current matrix treats brand and creator symmetrically.
func Authorize(action Action, rel Relationship, role Role, status Status) error {
	rule, ok := authzMatrix[action]
	if !ok {
		return ErrNotAuthorized
	}
	if !rule.actors[rel] {
		return ErrNotAuthorized
	}
	if !ValidRole(role) {
		return ErrNotAuthorized
	}
	for _, s := range rule.states {
		if s == status {
			return nil
		}
	}
	return rule.stateErr
}
