package engagement

import (
	"context"
	"errors"
	"sync"
	"testing"
)

func mustCreateContract(t *testing.T, svc *Service, engagementID string) Contract {
	t.Helper()
	c, err := svc.CreateContract(context.Background(), CreateContractParams{
		EngagementID: engagementID,
		CallerID:     brandID,
		TermsURL:     "https://blobs/terms.pdf",
	})
	if err != nil {
		t.Fatalf("create contract: %v", err)
	}
	return c
}

func TestCreateContract_RequiresAccepted(t *testing.T) {
	svc, _ := newTestService(t)
	e := mustPropose(t, svc)

	_, err := svc.CreateContract(context.Background(), CreateContractParams{
		EngagementID: e.ID,
		CallerID:     brandID,
		TermsURL:     "https://blobs/terms.pdf",
	})
	if !errors.Is(err, ErrInvalidState) {
		t.Fatalf("expected ErrInvalidState, got %v", err)
	}
}

func TestCreateContract_EitherParty(t *testing.T) {
	svc, _ := newTestService(t)
	e := mustPropose(t, svc)
	mustAccept(t, svc, e.ID)

	c, err := svc.CreateContract(context.Background(), CreateContractParams{
		EngagementID: e.ID,
		CallerID:     creatorID,
		TermsURL:     "https://blobs/terms.pdf",
	})
	if err != nil {
		t.Fatalf("counterpart create contract: %v", err)
	}
	if c.EngagementID != e.ID || c.FullySigned() {
		t.Errorf("unexpected contract: %+v", c)
	}
}

func TestCreateContract_SecondIsDuplicate(t *testing.T) {
	svc, _ := newTestService(t)
	e := mustPropose(t, svc)
	mustAccept(t, svc, e.ID)
	mustCreateContract(t, svc, e.ID)

	_, err := svc.CreateContract(context.Background(), CreateContractParams{
		EngagementID: e.ID,
		CallerID:     creatorID,
		TermsURL:     "https://blobs/other.pdf",
	})
	if !errors.Is(err, ErrAlreadyExists) {
		t.Fatalf("expected ErrAlreadyExists, got %v", err)
	}
}

func TestCreateContract_StrangerDenied(t *testing.T) {
	svc, _ := newTestService(t)
	e := mustPropose(t, svc)
	mustAccept(t, svc, e.ID)

	_, err := svc.CreateContract(context.Background(), CreateContractParams{
		EngagementID: e.ID,
		CallerID:     strangerID,
		TermsURL:     "https://blobs/terms.pdf",
	})
	if !errors.Is(err, ErrNotAuthorized) {
		t.Fatalf("expected ErrNotAuthorized, got %v", err)
	}
}

func TestSignContract_SecondSignatureActivates(t *testing.T) {
	svc, store := newTestService(t)
	e := mustPropose(t, svc)
	mustAccept(t, svc, e.ID)
	mustCreateContract(t, svc, e.ID)

	first, err := svc.SignContract(context.Background(), SignContractParams{EngagementID: e.ID, CallerID: brandID, AsInitiator: true})
	if err != nil {
		t.Fatalf("first sign: %v", err)
	}
	if first.Activated {
		t.Errorf("one signature should not activate")
	}
	if first.Contract.SignedByInitiatorAt == nil {
		t.Errorf("initiator timestamp not set")
	}

	second, err := svc.SignContract(context.Background(), SignContractParams{EngagementID: e.ID, CallerID: creatorID, AsInitiator: false})
	if err != nil {
		t.Fatalf("second sign: %v", err)
	}
	if !second.Activated {
		t.Fatalf("expected activation on completing signature")
	}
	if second.Engagement.Status != StatusActive {
		t.Errorf("expected active, got %s", second.Engagement.Status)
	}
	if !second.Contract.FullySigned() {
		t.Errorf("expected fully signed contract")
	}
	if n := store.countTopic(TopicEngagementActivated); n != 1 {
		t.Errorf("expected exactly one activation message, got %d", n)
	}
}

func TestSignContract_ResignIsNoOp(t *testing.T) {
	svc, store := newTestService(t)
	e := mustPropose(t, svc)
	mustAccept(t, svc, e.ID)
	mustCreateContract(t, svc, e.ID)

	first, err := svc.SignContract(context.Background(), SignContractParams{EngagementID: e.ID, CallerID: brandID, AsInitiator: true})
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	signedEvents := store.countTopic(TopicContractSigned)

	replay, err := svc.SignContract(context.Background(), SignContractParams{EngagementID: e.ID, CallerID: brandID, AsInitiator: true})
	if err != nil {
		t.Fatalf("re-sign: %v", err)
	}
	if replay.Activated {
		t.Errorf("replay must not activate")
	}
	if !replay.Contract.SignedByInitiatorAt.Equal(*first.Contract.SignedByInitiatorAt) {
		t.Errorf("replay changed the original timestamp")
	}
	if got := store.countTopic(TopicContractSigned); got != signedEvents {
		t.Errorf("replay emitted a message: %d -> %d", signedEvents, got)
	}
}

func TestSignContract_WrongClaimedSide(t *testing.T) {
	svc, _ := newTestService(t)
	e := mustPropose(t, svc)
	mustAccept(t, svc, e.ID)
	mustCreateContract(t, svc, e.ID)

	_, err := svc.SignContract(context.Background(), SignContractParams{EngagementID: e.ID, CallerID: creatorID, AsInitiator: true})
	if !errors.Is(err, ErrNotAuthorized) {
		t.Fatalf("expected ErrNotAuthorized, got %v", err)
	}
}

func TestSignContract_ConcurrentSignersActivateOnce(t *testing.T) {
	svc, store := newTestService(t)
	e := mustPropose(t, svc)
	mustAccept(t, svc, e.ID)
	mustCreateContract(t, svc, e.ID)

	var wg sync.WaitGroup
	results := make([]SignResult, 2)
	errs := make([]error, 2)
	sign := func(i int, callerID string, asInitiator bool) {
		defer wg.Done()
		results[i], errs[i] = svc.SignContract(context.Background(), SignContractParams{
			EngagementID: e.ID,
			CallerID:     callerID,
			AsInitiator:  asInitiator,
		})
	}
	wg.Add(2)
	go sign(0, brandID, true)
	go sign(1, creatorID, false)
	wg.Wait()

	for i, err := range errs {
		if err != nil {
			t.Fatalf("signer %d: %v", i, err)
		}
	}
	activations := 0
	for _, r := range results {
		if r.Activated {
			activations++
		}
	}
	if activations != 1 {
		t.Errorf("expected exactly one signer to observe activation, got %d", activations)
	}
	if store.engagements[e.ID].Status != StatusActive {
		t.Errorf("expected active engagement after both signatures")
	}
	if n := store.countTopic(TopicEngagementActivated); n != 1 {
		t.Errorf("expected exactly one activation message, got %d", n)
	}
}

func TestDeleteContract_UnsignedByInitiator(t *testing.T) {
	svc, store := newTestService(t)
	e := mustPropose(t, svc)
	mustAccept(t, svc, e.ID)
	mustCreateContract(t, svc, e.ID)

	if err := svc.DeleteContract(context.Background(), DeleteContractParams{EngagementID: e.ID, CallerID: brandID}); err != nil {
		t.Fatalf("delete contract: %v", err)
	}
	if _, ok := store.contracts[e.ID]; ok {
		t.Errorf("contract still present after delete")
	}
}

func TestDeleteContract_CounterpartDenied(t *testing.T) {
	svc, _ := newTestService(t)
	e := mustPropose(t, svc)
	mustAccept(t, svc, e.ID)
	mustCreateContract(t, svc, e.ID)

	err := svc.DeleteContract(context.Background(), DeleteContractParams{EngagementID: e.ID, CallerID: creatorID})
	if !errors.Is(err, ErrNotAuthorized) {
		t.Fatalf("expected ErrNotAuthorized, got %v", err)
	}
}

func TestDeleteContract_SignedProtected(t *testing.T) {
	svc, _ := newTestService(t)
	e := mustPropose(t, svc)
	mustAccept(t, svc, e.ID)
	mustCreateContract(t, svc, e.ID)
	if _, err := svc.SignContract(context.Background(), SignContractParams{EngagementID: e.ID, CallerID: brandID, AsInitiator: true}); err != nil {
		t.Fatalf("sign: %v", err)
	}

	err := svc.DeleteContract(context.Background(), DeleteContractParams{EngagementID: e.ID, CallerID: brandID})
	if !errors.Is(err, ErrInvalidState) {
		t.Fatalf("expected ErrInvalidState, got %v", err)
	}
}

func TestDeleteContract_CancellationUnlocksCleanup(t *testing.T) {
	svc, store := newTestService(t)
	e := mustPropose(t, svc)
	mustAccept(t, svc, e.ID)
	mustCreateContract(t, svc, e.ID)
	if _, err := svc.SignContract(context.Background(), SignContractParams{EngagementID: e.ID, CallerID: brandID, AsInitiator: true}); err != nil {
		t.Fatalf("sign: %v", err)
	}
	if _, err := svc.Cancel(context.Background(), e.ID, brandID); err != nil {
		t.Fatalf("cancel: %v", err)
	}

	if err := svc.DeleteContract(context.Background(), DeleteContractParams{EngagementID: e.ID, CallerID: brandID}); err != nil {
		t.Fatalf("delete after cancel: %v", err)
	}
	if _, ok := store.contracts[e.ID]; ok {
		t.Errorf("contract still present after delete")
	}
}
