package engagement

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// CreateContractParams drafts the dual-signature record for an accepted
// engagement. TermsURL is an opaque blob-store reference; the coordinator
// never inspects its content.
type CreateContractParams struct {
	EngagementID string
	CallerID     string
	TermsURL     string
}

// CreateContract attaches the one contract an engagement may have. Either
// party can draft it once the engagement is accepted.
func (s *Service) CreateContract(ctx context.Context, params CreateContractParams) (Contract, error) {
	if strings.TrimSpace(params.TermsURL) == "" {
		return Contract{}, validationf("terms url is required")
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Contract{}, fmt.Errorf("engagement: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	e, err := s.repo.GetEngagementForUpdate(ctx, tx, params.EngagementID)
	if err != nil {
		return Contract{}, err
	}
	rel := e.RelationshipOf(params.CallerID)
	if err := Authorize(ActionCreateContract, rel, e.RoleOf(rel), e.Status); err != nil {
		return Contract{}, err
	}

	switch _, err := s.repo.GetContractForUpdate(ctx, tx, e.ID); {
	case err == nil:
		return Contract{}, ErrAlreadyExists
	case errors.Is(err, ErrNotFound):
		// first contract for this engagement
	default:
		return Contract{}, err
	}

	created, err := s.repo.InsertContract(ctx, tx, Contract{
		ID:           s.idGenerator(),
		EngagementID: e.ID,
		TermsURL:     params.TermsURL,
	})
	if err != nil {
		return Contract{}, err
	}

	payload := map[string]any{"contract_id": created.ID, "terms_url": created.TermsURL}
	if err := s.repo.AppendEvent(ctx, tx, e.ID, "CONTRACT_CREATED", params.CallerID, payload); err != nil {
		return Contract{}, err
	}
	if err := s.notifyParties(ctx, tx, TopicContractCreated, e); err != nil {
		return Contract{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return Contract{}, fmt.Errorf("engagement: commit create contract: %w", err)
	}
	return created, nil
}

// SignContractParams records one party's signature. AsInitiator is the
// caller's claimed signing side; it must match their actual relationship.
type SignContractParams struct {
	EngagementID string
	CallerID     string
	AsInitiator  bool
}

// SignResult reports the contract after signing and the engagement, which may
// have activated if this signature completed the pair.
type SignResult struct {
	Contract   Contract
	Engagement Engagement
	Activated  bool
}

// SignContract sets the caller's signature timestamp if unset. Re-signing the
// same side is a no-op success. When both timestamps are present afterwards
// the engagement activates in the same transaction, so the invariant "active
// implies fully signed" can never observe a stale read of the other party's
// signature: both signers serialize on the engagement row lock and exactly
// one of them performs the activation.
func (s *Service) SignContract(ctx context.Context, params SignContractParams) (SignResult, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return SignResult{}, fmt.Errorf("engagement: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	e, err := s.repo.GetEngagementForUpdate(ctx, tx, params.EngagementID)
	if err != nil {
		return SignResult{}, err
	}
	rel := e.RelationshipOf(params.CallerID)
	if err := Authorize(ActionSignContract, rel, e.RoleOf(rel), e.Status); err != nil {
		return SignResult{}, err
	}
	if params.AsInitiator != (rel == RelInitiator) {
		return SignResult{}, ErrNotAuthorized
	}

	c, err := s.repo.GetContractForUpdate(ctx, tx, e.ID)
	if err != nil {
		return SignResult{}, err
	}

	signedAt := s.now()
	signed := false
	if params.AsInitiator {
		if c.SignedByInitiatorAt == nil {
			c.SignedByInitiatorAt = &signedAt
			signed = true
		}
	} else {
		if c.SignedByCounterpartAt == nil {
			c.SignedByCounterpartAt = &signedAt
			signed = true
		}
	}

	result := SignResult{Contract: c, Engagement: e}
	if !signed {
		// Idempotent replay: nothing to write, nothing to emit.
		if err := tx.Commit(ctx); err != nil {
			return SignResult{}, fmt.Errorf("engagement: commit sign: %w", err)
		}
		return result, nil
	}

	updated, err := s.repo.UpdateContract(ctx, tx, c)
	if err != nil {
		return SignResult{}, err
	}
	result.Contract = updated

	side := "counterpart"
	if params.AsInitiator {
		side = "initiator"
	}
	payload := map[string]any{"contract_id": updated.ID, "side": side}
	if err := s.repo.AppendEvent(ctx, tx, e.ID, "CONTRACT_SIGNED", params.CallerID, payload); err != nil {
		return SignResult{}, err
	}
	if err := s.notifyParties(ctx, tx, TopicContractSigned, e); err != nil {
		return SignResult{}, err
	}

	if updated.FullySigned() && e.Status == StatusAccepted {
		e.Status = StatusActive
		activated, err := s.repo.UpdateEngagement(ctx, tx, e)
		if err != nil {
			return SignResult{}, err
		}
		result.Engagement = activated
		result.Activated = true

		activationPayload := map[string]any{"contract_id": updated.ID}
		if err := s.repo.AppendEvent(ctx, tx, e.ID, "ENGAGEMENT_ACTIVATED", params.CallerID, activationPayload); err != nil {
			return SignResult{}, err
		}
		if err := s.notifyParties(ctx, tx, TopicEngagementActivated, activated); err != nil {
			return SignResult{}, err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return SignResult{}, fmt.Errorf("engagement: commit sign: %w", err)
	}
	return result, nil
}

// DeleteContractParams identifies the contract to remove via its engagement.
type DeleteContractParams struct {
	EngagementID string
	CallerID     string
}

// DeleteContract removes the contract. Only the initiator may delete, and
// only while unsigned. A canceled engagement overrides the unsigned-only
// rule: cancellation always permits cleanup.
func (s *Service) DeleteContract(ctx context.Context, params DeleteContractParams) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("engagement: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	e, err := s.repo.GetEngagementForUpdate(ctx, tx, params.EngagementID)
	if err != nil {
		return err
	}
	rel := e.RelationshipOf(params.CallerID)
	if err := Authorize(ActionDeleteContract, rel, e.RoleOf(rel), e.Status); err != nil {
		return err
	}

	c, err := s.repo.GetContractForUpdate(ctx, tx, e.ID)
	if err != nil {
		return err
	}

	anySigned := c.SignedByInitiatorAt != nil || c.SignedByCounterpartAt != nil
	if anySigned && e.Status != StatusCanceled {
		return ErrInvalidState
	}

	if err := s.repo.DeleteContract(ctx, tx, c.ID); err != nil {
		return err
	}
	payload := map[string]any{"contract_id": c.ID}
	if err := s.repo.AppendEvent(ctx, tx, e.ID, "CONTRACT_DELETED", params.CallerID, payload); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("engagement: commit delete contract: %w", err)
	}
	return nil
}
