package reconcile

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/tabshare/tabshare-api/internal/database"
	"github.com/tabshare/tabshare-api/internal/events"
	"github.com/tabshare/tabshare-api/internal/types"
)

const testDocument = "52998224725"

// stubGateway hands out deterministic references without network latency
type stubGateway struct {
	mu    sync.Mutex
	calls int
	err   error
}

func (g *stubGateway) CreateIntent(ctx context.Context, identity string, amount float64, document string) (*types.PaymentIntent, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.err != nil {
		return nil, g.err
	}
	g.calls++
	ref := fmt.Sprintf("PAY_TEST_%d", g.calls)
	return &types.PaymentIntent{
		PaymentReference: ref,
		PresentableCode:  "CODE_" + ref,
	}, nil
}

// capturePublisher records completion events for assertions
type capturePublisher struct {
	mu     sync.Mutex
	events []events.GroupCompletedPayload
}

func (p *capturePublisher) PublishGroupCompleted(payload events.GroupCompletedPayload) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, payload)
}

func (p *capturePublisher) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.events)
}

func setupEngine(t *testing.T) (*Service, *stubGateway, *capturePublisher, func()) {
	t.Helper()

	tmpFile, err := os.CreateTemp("", "reconcile-test-*.db")
	if err != nil {
		t.Fatalf("failed to create temp file: %v", err)
	}
	tmpFile.Close()

	db, err := database.NewDatabase(tmpFile.Name())
	if err != nil {
		os.Remove(tmpFile.Name())
		t.Fatalf("failed to initialize database: %v", err)
	}

	gw := &stubGateway{}
	pub := &capturePublisher{}
	service := NewService(db, gw, pub, Options{
		DefaultTTL:  time.Minute,
		LockTimeout: 2 * time.Second,
	})

	cleanup := func() {
		os.Remove(tmpFile.Name())
	}

	return service, gw, pub, cleanup
}

func mustCreateGroup(t *testing.T, service *Service, total float64, ttl time.Duration) string {
	t.Helper()

	cart := []types.CartItem{
		{Name: "Pizza", Quantity: 1, UnitPrice: total},
	}
	created, err := service.CreateGroup(cart, total, "BRL", "T12", ttl)
	if err != nil {
		t.Fatalf("CreateGroup failed: %v", err)
	}
	return created.GroupOrderID
}

func mustJoin(t *testing.T, service *Service, groupID, identity string, share float64) string {
	t.Helper()

	joined, err := service.JoinAndInitiatePayment(groupID, identity, share, testDocument)
	if err != nil {
		t.Fatalf("JoinAndInitiatePayment failed for %s: %v", identity, err)
	}
	if joined.Status != types.EntryStatusAwaiting {
		t.Fatalf("expected status %s, got %s", types.EntryStatusAwaiting, joined.Status)
	}
	return joined.PaymentReference
}

func TestCreateGroupValidation(t *testing.T) {
	service, _, _, cleanup := setupEngine(t)
	defer cleanup()

	cart := []types.CartItem{{Name: "Burger", Quantity: 2, UnitPrice: 25}}

	var vErr *types.ValidationError
	if _, err := service.CreateGroup(cart, 0, "BRL", "T1", 0); !errors.As(err, &vErr) {
		t.Errorf("expected ValidationError for zero total, got %v", err)
	}
	if _, err := service.CreateGroup(cart, -10, "BRL", "T1", 0); !errors.As(err, &vErr) {
		t.Errorf("expected ValidationError for negative total, got %v", err)
	}
	if _, err := service.CreateGroup(nil, 50, "BRL", "T1", 0); !errors.As(err, &vErr) {
		t.Errorf("expected ValidationError for empty cart, got %v", err)
	}
}

func TestCreateGroupDefaults(t *testing.T) {
	service, _, _, cleanup := setupEngine(t)
	defer cleanup()

	cart := []types.CartItem{{Name: "Burger", Quantity: 2, UnitPrice: 25}}
	created, err := service.CreateGroup(cart, 50, "", "T1", 0)
	if err != nil {
		t.Fatalf("CreateGroup failed: %v", err)
	}

	if created.Currency != "BRL" {
		t.Errorf("expected default currency BRL, got %s", created.Currency)
	}
	if created.SourceOrderID == "" {
		t.Error("expected source order to be created alongside the group")
	}
	remaining := time.Until(created.Deadline)
	if remaining < 50*time.Second || remaining > 70*time.Second {
		t.Errorf("expected deadline about one minute out, got %s", remaining)
	}
}

func TestTwoGuestsCompleteGroup(t *testing.T) {
	service, _, pub, cleanup := setupEngine(t)
	defer cleanup()

	groupID := mustCreateGroup(t, service, 100, time.Minute)
	refA := mustJoin(t, service, groupID, "Ana", 50)
	refB := mustJoin(t, service, groupID, "Bruno", 50)

	result, err := service.ConfirmPayment(refA)
	if err != nil {
		t.Fatalf("first confirmation failed: %v", err)
	}
	if result.GroupStatus != types.GroupStatusPending {
		t.Errorf("group should stay PENDING at 50/100, got %s", result.GroupStatus)
	}
	if result.PaidSum != 50 {
		t.Errorf("expected paid sum 50, got %.2f", result.PaidSum)
	}

	result, err = service.ConfirmPayment(refB)
	if err != nil {
		t.Fatalf("second confirmation failed: %v", err)
	}
	if result.GroupStatus != types.GroupStatusCompleted {
		t.Errorf("group should be COMPLETED at 100/100, got %s", result.GroupStatus)
	}
	if result.PaidSum != 100 {
		t.Errorf("expected paid sum 100, got %.2f", result.PaidSum)
	}

	if pub.count() != 1 {
		t.Errorf("expected exactly one completion event, got %d", pub.count())
	}

	snapshot, err := service.Snapshot(groupID)
	if err != nil {
		t.Fatalf("Snapshot failed: %v", err)
	}
	if snapshot.Status != types.GroupStatusCompleted {
		t.Errorf("snapshot status should be COMPLETED, got %s", snapshot.Status)
	}
	for _, e := range snapshot.Entries {
		if e.Status != types.EntryStatusPaid {
			t.Errorf("entry for %s should be PAID, got %s", e.Identity, e.Status)
		}
	}
}

func TestDuplicateConfirmationIsNoOp(t *testing.T) {
	service, _, pub, cleanup := setupEngine(t)
	defer cleanup()

	groupID := mustCreateGroup(t, service, 100, time.Minute)
	ref := mustJoin(t, service, groupID, "Ana", 100)

	first, err := service.ConfirmPayment(ref)
	if err != nil {
		t.Fatalf("first confirmation failed: %v", err)
	}
	if !first.Applied {
		t.Error("first confirmation should be applied")
	}
	if first.GroupStatus != types.GroupStatusCompleted {
		t.Fatalf("group should be COMPLETED, got %s", first.GroupStatus)
	}

	second, err := service.ConfirmPayment(ref)
	if err != nil {
		t.Fatalf("duplicate confirmation should not error: %v", err)
	}
	if second.Applied {
		t.Error("duplicate confirmation must not mutate state")
	}
	if second.PaidSum != first.PaidSum {
		t.Errorf("paid sum changed on replay: %.2f -> %.2f", first.PaidSum, second.PaidSum)
	}

	if pub.count() != 1 {
		t.Errorf("replay must not re-emit the completion event, got %d events", pub.count())
	}
}

func TestConfirmUnknownReference(t *testing.T) {
	service, _, _, cleanup := setupEngine(t)
	defer cleanup()

	if _, err := service.ConfirmPayment("PAY_does_not_exist"); !errors.Is(err, types.ErrUnknownReference) {
		t.Errorf("expected ErrUnknownReference, got %v", err)
	}
	if _, err := service.FailPayment("PAY_does_not_exist"); !errors.Is(err, types.ErrUnknownReference) {
		t.Errorf("expected ErrUnknownReference, got %v", err)
	}
}

func TestExpiredGroupKeepsPartialSum(t *testing.T) {
	service, _, pub, cleanup := setupEngine(t)
	defer cleanup()

	groupID := mustCreateGroup(t, service, 100, 100*time.Millisecond)
	refPaid := mustJoin(t, service, groupID, "Ana", 40)
	mustJoin(t, service, groupID, "Bruno", 30)

	if _, err := service.ConfirmPayment(refPaid); err != nil {
		t.Fatalf("confirmation failed: %v", err)
	}

	time.Sleep(150 * time.Millisecond)

	expired, err := service.ExpireSweep(time.Now())
	if err != nil {
		t.Fatalf("ExpireSweep failed: %v", err)
	}
	if expired != 1 {
		t.Errorf("expected 1 expired group, got %d", expired)
	}

	snapshot, err := service.Snapshot(groupID)
	if err != nil {
		t.Fatalf("Snapshot failed: %v", err)
	}
	if snapshot.Status != types.GroupStatusCancelled {
		t.Errorf("expired group should be CANCELLED, got %s", snapshot.Status)
	}
	if snapshot.PaidSum != 40 {
		t.Errorf("confirmed partial sum must survive expiry, got %.2f", snapshot.PaidSum)
	}
	for _, e := range snapshot.Entries {
		switch e.Identity {
		case "Ana":
			if e.Status != types.EntryStatusPaid {
				t.Errorf("confirmed entry should stay PAID, got %s", e.Status)
			}
		case "Bruno":
			if e.Status != types.EntryStatusExpired {
				t.Errorf("awaiting entry should be EXPIRED, got %s", e.Status)
			}
		}
	}

	if pub.count() != 0 {
		t.Errorf("expiry must not emit a completion event, got %d", pub.count())
	}
}

func TestSnapshotLazyExpiry(t *testing.T) {
	service, _, _, cleanup := setupEngine(t)
	defer cleanup()

	groupID := mustCreateGroup(t, service, 100, 100*time.Millisecond)
	time.Sleep(150 * time.Millisecond)

	// No sweep has run; the poll itself must report the terminal state.
	snapshot, err := service.Snapshot(groupID)
	if err != nil {
		t.Fatalf("Snapshot failed: %v", err)
	}
	if snapshot.Status != types.GroupStatusCancelled {
		t.Errorf("stale group should read as CANCELLED, got %s", snapshot.Status)
	}
}

func TestJoinClosedGroup(t *testing.T) {
	service, _, _, cleanup := setupEngine(t)
	defer cleanup()

	groupID := mustCreateGroup(t, service, 50, time.Minute)
	ref := mustJoin(t, service, groupID, "Ana", 50)
	if _, err := service.ConfirmPayment(ref); err != nil {
		t.Fatalf("confirmation failed: %v", err)
	}

	_, err := service.JoinAndInitiatePayment(groupID, "Bruno", 10, testDocument)
	if !errors.Is(err, types.ErrGroupClosed) {
		t.Errorf("join on COMPLETED group should return ErrGroupClosed, got %v", err)
	}
}

func TestJoinAfterDeadline(t *testing.T) {
	service, _, _, cleanup := setupEngine(t)
	defer cleanup()

	groupID := mustCreateGroup(t, service, 50, 50*time.Millisecond)
	time.Sleep(80 * time.Millisecond)

	_, err := service.JoinAndInitiatePayment(groupID, "Ana", 25, testDocument)
	if !errors.Is(err, types.ErrGroupClosed) {
		t.Errorf("join past the deadline should return ErrGroupClosed, got %v", err)
	}
}

func TestJoinValidation(t *testing.T) {
	service, gw, _, cleanup := setupEngine(t)
	defer cleanup()

	groupID := mustCreateGroup(t, service, 50, time.Minute)

	var vErr *types.ValidationError
	if _, err := service.JoinAndInitiatePayment(groupID, "Ana", 0, testDocument); !errors.As(err, &vErr) {
		t.Errorf("expected ValidationError for zero share, got %v", err)
	}
	if _, err := service.JoinAndInitiatePayment(groupID, "  ", 10, testDocument); !errors.As(err, &vErr) {
		t.Errorf("expected ValidationError for blank identity, got %v", err)
	}
	if _, err := service.JoinAndInitiatePayment(groupID, "Ana", 10, "123"); !errors.As(err, &vErr) {
		t.Errorf("expected ValidationError for short document, got %v", err)
	}
	if _, err := service.JoinAndInitiatePayment(groupID, "Ana", 10, "11111111111"); !errors.As(err, &vErr) {
		t.Errorf("expected ValidationError for repeated digits, got %v", err)
	}

	if gw.calls != 0 {
		t.Errorf("validation failures must not reach the gateway, got %d calls", gw.calls)
	}

	if _, err := service.JoinAndInitiatePayment("GRP_missing", "Ana", 10, testDocument); !errors.Is(err, types.ErrNotFound) {
		t.Errorf("expected ErrNotFound for missing group, got %v", err)
	}
}

func TestGatewayFailureLeavesNothing(t *testing.T) {
	service, gw, _, cleanup := setupEngine(t)
	defer cleanup()

	groupID := mustCreateGroup(t, service, 50, time.Minute)

	gw.err = errors.New("provider unavailable")
	_, err := service.JoinAndInitiatePayment(groupID, "Ana", 25, testDocument)

	var gwErr *types.GatewayError
	if !errors.As(err, &gwErr) {
		t.Fatalf("expected GatewayError, got %v", err)
	}

	snapshot, err := service.Snapshot(groupID)
	if err != nil {
		t.Fatalf("Snapshot failed: %v", err)
	}
	if len(snapshot.Entries) != 0 {
		t.Errorf("failed intent creation must persist no entry, got %d", len(snapshot.Entries))
	}
}

func TestConcurrentConfirmationsCompleteOnce(t *testing.T) {
	service, _, pub, cleanup := setupEngine(t)
	defer cleanup()

	groupID := mustCreateGroup(t, service, 100, time.Minute)

	refs := make([]string, 4)
	for i := range refs {
		refs[i] = mustJoin(t, service, groupID, fmt.Sprintf("Guest%d", i), 25)
	}

	var wg sync.WaitGroup
	errCh := make(chan error, len(refs))
	for _, ref := range refs {
		wg.Add(1)
		go func(ref string) {
			defer wg.Done()
			if _, err := service.ConfirmPayment(ref); err != nil {
				errCh <- err
			}
		}(ref)
	}
	wg.Wait()
	close(errCh)

	for err := range errCh {
		t.Errorf("concurrent confirmation failed: %v", err)
	}

	if pub.count() != 1 {
		t.Errorf("expected exactly one completion event, got %d", pub.count())
	}

	snapshot, err := service.Snapshot(groupID)
	if err != nil {
		t.Fatalf("Snapshot failed: %v", err)
	}
	if snapshot.Status != types.GroupStatusCompleted {
		t.Errorf("group should be COMPLETED, got %s", snapshot.Status)
	}
	if snapshot.PaidSum != 100 {
		t.Errorf("expected paid sum 100, got %.2f", snapshot.PaidSum)
	}
}

func TestOverCollectionCompletesGroup(t *testing.T) {
	service, _, pub, cleanup := setupEngine(t)
	defer cleanup()

	// Declared shares are not reserved, so three 40s against a 100 target
	// are all accepted and the last confirmation overshoots.
	groupID := mustCreateGroup(t, service, 100, time.Minute)
	refs := []string{
		mustJoin(t, service, groupID, "Ana", 40),
		mustJoin(t, service, groupID, "Bruno", 40),
		mustJoin(t, service, groupID, "Carla", 40),
	}

	var last *types.ConfirmResult
	for _, ref := range refs {
		result, err := service.ConfirmPayment(ref)
		if err != nil {
			t.Fatalf("confirmation failed: %v", err)
		}
		last = result
	}

	if last.GroupStatus != types.GroupStatusCompleted {
		t.Errorf("over-collected group should be COMPLETED, got %s", last.GroupStatus)
	}
	if last.PaidSum != 120 {
		t.Errorf("paid sum should report the full collected amount, got %.2f", last.PaidSum)
	}
	if pub.count() != 1 {
		t.Errorf("expected exactly one completion event, got %d", pub.count())
	}
}

func TestFailPaymentIsTerminal(t *testing.T) {
	service, _, _, cleanup := setupEngine(t)
	defer cleanup()

	groupID := mustCreateGroup(t, service, 100, time.Minute)
	ref := mustJoin(t, service, groupID, "Ana", 50)

	result, err := service.FailPayment(ref)
	if err != nil {
		t.Fatalf("FailPayment failed: %v", err)
	}
	if !result.Applied || result.EntryStatus != types.EntryStatusFailed {
		t.Errorf("expected applied FAILED transition, got applied=%v status=%s",
			result.Applied, result.EntryStatus)
	}

	// Ledger states only move forward: a paid event after a recorded
	// failure is dropped without mutation.
	replay, err := service.ConfirmPayment(ref)
	if err != nil {
		t.Fatalf("confirmation after failure should not error: %v", err)
	}
	if replay.Applied {
		t.Error("paid event must not resurrect a FAILED entry")
	}
	if replay.PaidSum != 0 {
		t.Errorf("failed entry must not count toward the paid sum, got %.2f", replay.PaidSum)
	}
}

func TestCancelGroupExpiresAwaitingOnly(t *testing.T) {
	service, _, _, cleanup := setupEngine(t)
	defer cleanup()

	groupID := mustCreateGroup(t, service, 100, time.Minute)
	refPaid := mustJoin(t, service, groupID, "Ana", 60)
	mustJoin(t, service, groupID, "Bruno", 40)

	if _, err := service.ConfirmPayment(refPaid); err != nil {
		t.Fatalf("confirmation failed: %v", err)
	}

	if err := service.CancelGroup(groupID); err != nil {
		t.Fatalf("CancelGroup failed: %v", err)
	}

	snapshot, err := service.Snapshot(groupID)
	if err != nil {
		t.Fatalf("Snapshot failed: %v", err)
	}
	if snapshot.Status != types.GroupStatusCancelled {
		t.Errorf("expected CANCELLED, got %s", snapshot.Status)
	}
	for _, e := range snapshot.Entries {
		switch e.Identity {
		case "Ana":
			if e.Status != types.EntryStatusPaid {
				t.Errorf("captured payment must survive cancel, got %s", e.Status)
			}
		case "Bruno":
			if e.Status != types.EntryStatusExpired {
				t.Errorf("awaiting entry should be EXPIRED after cancel, got %s", e.Status)
			}
		}
	}

	// A second cancel finds the group no longer PENDING.
	if err := service.CancelGroup(groupID); !errors.Is(err, types.ErrGroupClosed) {
		t.Errorf("cancel on a closed group should return ErrGroupClosed, got %v", err)
	}
}

func TestCompletedGroupSurvivesSweep(t *testing.T) {
	service, _, pub, cleanup := setupEngine(t)
	defer cleanup()

	groupID := mustCreateGroup(t, service, 50, 100*time.Millisecond)
	ref := mustJoin(t, service, groupID, "Ana", 50)
	if _, err := service.ConfirmPayment(ref); err != nil {
		t.Fatalf("confirmation failed: %v", err)
	}

	time.Sleep(150 * time.Millisecond)

	// The target was reached before the deadline; the sweep only fires
	// from PENDING and must leave the completed group alone.
	if _, err := service.ExpireSweep(time.Now()); err != nil {
		t.Fatalf("ExpireSweep failed: %v", err)
	}

	snapshot, err := service.Snapshot(groupID)
	if err != nil {
		t.Fatalf("Snapshot failed: %v", err)
	}
	if snapshot.Status != types.GroupStatusCompleted {
		t.Errorf("completed group must stay COMPLETED past its deadline, got %s", snapshot.Status)
	}
	if pub.count() != 1 {
		t.Errorf("expected exactly one completion event, got %d", pub.count())
	}
}

func TestValidateDocument(t *testing.T) {
	valid := []string{
		"52998224725",
		"529.982.247-25",
		"11222333000181",
		"11.222.333/0001-81",
	}
	for _, doc := range valid {
		if err := validateDocument(doc); err != nil {
			t.Errorf("document %q should be accepted: %v", doc, err)
		}
	}

	invalid := []string{
		"",
		"123",
		"111111111111111111",
		"00000000000",
		"9999999999999-9",
	}
	for _, doc := range invalid {
		if err := validateDocument(doc); err == nil {
			t.Errorf("document %q should be rejected", doc)
		}
	}
}
