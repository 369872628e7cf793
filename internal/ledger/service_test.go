package ledger

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/google/uuid"

	"github.com/movie2book/backend/internal/models"
	"github.com/movie2book/backend/internal/testsupport"
)

func seeded(e models.Entitlement) (*testsupport.EntitlementStore, Service) {
	store := testsupport.NewEntitlementStore()
	store.Seed(e)
	return store, NewService(store, nil)
}

// ---------------------------------------------------------------------------
// 1. CheckEntitlement truth table
// ---------------------------------------------------------------------------

func TestCheckEntitlement(t *testing.T) {
	cases := []struct {
		name    string
		ent     models.Entitlement
		allowed bool
		reason  string
	}{
		{"new account", models.Entitlement{PlanStatus: models.PlanFree}, true, ReasonFreeTrial},
		{"credits", models.Entitlement{PlanStatus: models.PlanFree, FreeTrialConsumed: true, CreditBalance: 2}, true, ReasonCredits},
		{"active plan", models.Entitlement{PlanStatus: models.PlanActive, FreeTrialConsumed: true}, true, ReasonPlanActive},
		{"cancelled plan", models.Entitlement{PlanStatus: models.PlanCancelled, FreeTrialConsumed: true}, false, ReasonNoCredits},
		{"exhausted", models.Entitlement{PlanStatus: models.PlanFree, FreeTrialConsumed: true}, false, ReasonNoCredits},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			tc.ent.AccountID = uuid.New()
			_, svc := seeded(tc.ent)
			d, err := svc.CheckEntitlement(context.Background(), tc.ent.AccountID)
			if err != nil {
				t.Fatalf("CheckEntitlement: %v", err)
			}
			if d.Allowed != tc.allowed || d.Reason != tc.reason {
				t.Errorf("got %+v, want allowed=%v reason=%s", d, tc.allowed, tc.reason)
			}
		})
	}
}

func TestCheckEntitlement_CreatesMissingRow(t *testing.T) {
	store := testsupport.NewEntitlementStore()
	svc := NewService(store, nil)
	id := uuid.New()

	d, err := svc.CheckEntitlement(context.Background(), id)
	if err != nil {
		t.Fatalf("CheckEntitlement: %v", err)
	}
	if !d.Allowed {
		t.Error("a fresh account should be allowed its free trial")
	}
	e, ok := store.Snapshot(id)
	if !ok {
		t.Fatal("entitlement row should have been created")
	}
	if e.PlanStatus != models.PlanFree || e.FreeTrialConsumed || e.CreditBalance != 0 {
		t.Errorf("default row: got %+v", e)
	}
}

func TestCheckEntitlement_NoAccount(t *testing.T) {
	svc := NewService(testsupport.NewEntitlementStore(), nil)
	if _, err := svc.CheckEntitlement(context.Background(), uuid.Nil); !errors.Is(err, ErrAccountNotResolved) {
		t.Errorf("expected ErrAccountNotResolved, got: %v", err)
	}
}

// ---------------------------------------------------------------------------
// 2. ReserveAndConsume precedence: credit, then plan, then trial
// ---------------------------------------------------------------------------

func TestReserveAndConsume_PrefersCredits(t *testing.T) {
	id := uuid.New()
	store, svc := seeded(models.Entitlement{AccountID: id, PlanStatus: models.PlanActive, CreditBalance: 3})

	c, err := svc.ReserveAndConsume(context.Background(), id, 1, "job-1")
	if err != nil {
		t.Fatalf("ReserveAndConsume: %v", err)
	}
	if c.Via != ViaCredit {
		t.Errorf("via: got %s, want %s", c.Via, ViaCredit)
	}
	e, _ := store.Snapshot(id)
	if e.CreditBalance != 2 {
		t.Errorf("balance: got %d, want 2", e.CreditBalance)
	}
	if e.FreeTrialConsumed {
		t.Error("trial must not be touched when credits paid")
	}
}

func TestReserveAndConsume_PlanLeavesStateAlone(t *testing.T) {
	id := uuid.New()
	store, svc := seeded(models.Entitlement{AccountID: id, PlanStatus: models.PlanActive})

	c, err := svc.ReserveAndConsume(context.Background(), id, 1, "job-1")
	if err != nil {
		t.Fatalf("ReserveAndConsume: %v", err)
	}
	if c.Via != ViaPlan {
		t.Errorf("via: got %s, want %s", c.Via, ViaPlan)
	}
	e, _ := store.Snapshot(id)
	if e.FreeTrialConsumed || e.CreditBalance != 0 {
		t.Errorf("plan consumption mutated entitlement: %+v", e)
	}
}

func TestReserveAndConsume_CostAboveBalanceFallsBackToTrial(t *testing.T) {
	id := uuid.New()
	store, svc := seeded(models.Entitlement{AccountID: id, PlanStatus: models.PlanFree, CreditBalance: 1})

	c, err := svc.ReserveAndConsume(context.Background(), id, 2, "job-1")
	if err != nil {
		t.Fatalf("ReserveAndConsume: %v", err)
	}
	if c.Via != ViaTrial {
		t.Errorf("via: got %s, want %s", c.Via, ViaTrial)
	}
	e, _ := store.Snapshot(id)
	if e.CreditBalance != 1 {
		t.Errorf("balance: got %d, want 1", e.CreditBalance)
	}

	if _, err := svc.ReserveAndConsume(context.Background(), id, 2, "job-2"); !errors.Is(err, ErrNoCredits) {
		t.Errorf("expected ErrNoCredits, got: %v", err)
	}
}

// ---------------------------------------------------------------------------
// 3. Free-trial scenario
// ---------------------------------------------------------------------------

func TestTrialScenario(t *testing.T) {
	id := uuid.New()
	store, svc := seeded(models.Entitlement{AccountID: id, PlanStatus: models.PlanFree})
	ctx := context.Background()

	d, err := svc.CheckEntitlement(ctx, id)
	if err != nil || !d.Allowed {
		t.Fatalf("initial check: %+v, %v", d, err)
	}

	c, err := svc.ReserveAndConsume(ctx, id, 1, "job-1")
	if err != nil {
		t.Fatalf("ReserveAndConsume: %v", err)
	}
	if c.Via != ViaTrial {
		t.Errorf("via: got %s, want %s", c.Via, ViaTrial)
	}

	e, _ := store.Snapshot(id)
	if !e.FreeTrialConsumed || e.CreditBalance != 0 {
		t.Errorf("after trial: got %+v", e)
	}

	d, err = svc.CheckEntitlement(ctx, id)
	if err != nil {
		t.Fatalf("second check: %v", err)
	}
	if d.Allowed || d.Reason != ReasonNoCredits {
		t.Errorf("second check: got %+v, want denied with %s", d, ReasonNoCredits)
	}

	if _, err := svc.ReserveAndConsume(ctx, id, 1, "job-2"); !errors.Is(err, ErrNoCredits) {
		t.Errorf("expected ErrNoCredits, got: %v", err)
	}
}

// ---------------------------------------------------------------------------
// 4. Concurrency: one credit, many racers
// ---------------------------------------------------------------------------

func TestReserveAndConsume_ConcurrentSingleCredit(t *testing.T) {
	id := uuid.New()
	store, svc := seeded(models.Entitlement{AccountID: id, PlanStatus: models.PlanFree, FreeTrialConsumed: true, CreditBalance: 1})

	const racers = 16
	var wg sync.WaitGroup
	var mu sync.Mutex
	var ok, denied int
	for i := 0; i < racers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := svc.ReserveAndConsume(context.Background(), id, 1, uuid.NewString())
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				ok++
			case errors.Is(err, ErrNoCredits):
				denied++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	if ok != 1 || denied != racers-1 {
		t.Errorf("got %d successes and %d denials, want 1 and %d", ok, denied, racers-1)
	}
	e, _ := store.Snapshot(id)
	if e.CreditBalance != 0 {
		t.Errorf("balance: got %d, want 0", e.CreditBalance)
	}
}

func TestReserveAndConsume_ConcurrentTrialFlipsOnce(t *testing.T) {
	id := uuid.New()
	store, svc := seeded(models.Entitlement{AccountID: id, PlanStatus: models.PlanFree})

	const racers = 8
	var wg sync.WaitGroup
	results := make(chan error, racers)
	for i := 0; i < racers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := svc.ReserveAndConsume(context.Background(), id, 1, uuid.NewString())
			results <- err
		}()
	}
	wg.Wait()
	close(results)

	var ok int
	for err := range results {
		if err == nil {
			ok++
		}
	}
	if ok != 1 {
		t.Errorf("successful trial consumptions: got %d, want 1", ok)
	}
	h, _ := store.History(context.Background(), id)
	if len(h) != 1 || h[0].EntryType != models.CreditEntryTrial {
		t.Errorf("ledger should hold exactly one trial entry, got %d entries", len(h))
	}
}

// racingStore drains the balance between the read and the conditional
// write, the way a concurrent instance would.
type racingStore struct {
	*testsupport.EntitlementStore
	once sync.Once
}

func (r *racingStore) ConsumeCredit(ctx context.Context, id uuid.UUID, cost int, jobID string) (int, bool, error) {
	r.once.Do(func() {
		_, _, _ = r.EntitlementStore.ConsumeCredit(ctx, id, cost, "other-instance")
	})
	return r.EntitlementStore.ConsumeCredit(ctx, id, cost, jobID)
}

func TestReserveAndConsume_LostRaceRereads(t *testing.T) {
	id := uuid.New()
	inner := testsupport.NewEntitlementStore()
	inner.Seed(models.Entitlement{AccountID: id, PlanStatus: models.PlanFree, CreditBalance: 1})
	svc := NewService(&racingStore{EntitlementStore: inner}, nil)

	c, err := svc.ReserveAndConsume(context.Background(), id, 1, "job-1")
	if err != nil {
		t.Fatalf("ReserveAndConsume: %v", err)
	}
	if c.Via != ViaTrial {
		t.Errorf("after losing the credit race the trial should pay: got %s", c.Via)
	}
	e, _ := inner.Snapshot(id)
	if e.CreditBalance != 0 || !e.FreeTrialConsumed {
		t.Errorf("final state: %+v", e)
	}
}

// ---------------------------------------------------------------------------
// 5. GrantCredits idempotency
// ---------------------------------------------------------------------------

func TestGrantCredits_CreatesRowAndIgnoresReplay(t *testing.T) {
	store := testsupport.NewEntitlementStore()
	svc := NewService(store, nil)
	id := uuid.New()
	ctx := context.Background()

	res, err := svc.GrantCredits(ctx, id, 10, "evt_1", "stripe")
	if err != nil {
		t.Fatalf("GrantCredits: %v", err)
	}
	if !res.Applied || res.BalanceAfter != 10 {
		t.Errorf("first grant: got %+v", res)
	}
	e, ok := store.Snapshot(id)
	if !ok || e.CreditBalance != 10 || e.PlanStatus != models.PlanFree || e.FreeTrialConsumed {
		t.Errorf("created row: got %+v", e)
	}

	res, err = svc.GrantCredits(ctx, id, 10, "evt_1", "stripe")
	if err != nil {
		t.Fatalf("replayed GrantCredits: %v", err)
	}
	if res.Applied {
		t.Error("replay should not apply")
	}
	e, _ = store.Snapshot(id)
	if e.CreditBalance != 10 {
		t.Errorf("balance after replay: got %d, want 10", e.CreditBalance)
	}
}

func TestGrantCredits_ConcurrentReplays(t *testing.T) {
	store := testsupport.NewEntitlementStore()
	svc := NewService(store, nil)
	id := uuid.New()

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := svc.GrantCredits(context.Background(), id, 3, "lemonsqueezy:42", "lemonsqueezy"); err != nil {
				t.Errorf("GrantCredits: %v", err)
			}
		}()
	}
	wg.Wait()

	e, _ := store.Snapshot(id)
	if e.CreditBalance != 3 {
		t.Errorf("balance: got %d, want 3", e.CreditBalance)
	}
}

func TestGrantCredits_Validation(t *testing.T) {
	svc := NewService(testsupport.NewEntitlementStore(), nil)
	ctx := context.Background()
	if _, err := svc.GrantCredits(ctx, uuid.New(), 5, "", "paypal"); !errors.Is(err, ErrMissingIdempotencyKey) {
		t.Errorf("expected ErrMissingIdempotencyKey, got: %v", err)
	}
	if _, err := svc.GrantCredits(ctx, uuid.New(), 0, "k", "paypal"); !errors.Is(err, ErrInvalidAmount) {
		t.Errorf("expected ErrInvalidAmount, got: %v", err)
	}
	if _, err := svc.GrantCredits(ctx, uuid.Nil, 5, "k", "paypal"); !errors.Is(err, ErrAccountNotResolved) {
		t.Errorf("expected ErrAccountNotResolved, got: %v", err)
	}
}

// ---------------------------------------------------------------------------
// 6. Plan status and store failures
// ---------------------------------------------------------------------------

func TestSetPlanStatus(t *testing.T) {
	id := uuid.New()
	store, svc := seeded(models.Entitlement{AccountID: id, PlanStatus: models.PlanFree, FreeTrialConsumed: true})
	ctx := context.Background()

	applied, err := svc.SetPlanStatus(ctx, id, models.PlanActive, "stripe:evt_sub", "stripe")
	if err != nil || !applied {
		t.Fatalf("SetPlanStatus: applied=%v err=%v", applied, err)
	}
	applied, _ = svc.SetPlanStatus(ctx, id, models.PlanActive, "stripe:evt_sub", "stripe")
	if applied {
		t.Error("replayed plan change should not apply")
	}
	e, _ := store.Snapshot(id)
	if e.PlanStatus != models.PlanActive {
		t.Errorf("plan: got %s, want active", e.PlanStatus)
	}
	if _, err := svc.SetPlanStatus(ctx, id, "gold", "k2", "stripe"); !errors.Is(err, ErrInvalidPlanStatus) {
		t.Errorf("expected ErrInvalidPlanStatus, got: %v", err)
	}
}

func TestStoreFailureIsReported(t *testing.T) {
	id := uuid.New()
	store, svc := seeded(models.Entitlement{AccountID: id, PlanStatus: models.PlanFree, CreditBalance: 5})
	store.Err = errors.New("connection refused")
	ctx := context.Background()

	if _, err := svc.ReserveAndConsume(ctx, id, 1, "job-1"); !errors.Is(err, ErrStoreUnavailable) {
		t.Errorf("consume: expected ErrStoreUnavailable, got: %v", err)
	}
	if _, err := svc.GrantCredits(ctx, id, 1, "k", "stripe"); !errors.Is(err, ErrStoreUnavailable) {
		t.Errorf("grant: expected ErrStoreUnavailable, got: %v", err)
	}
	if _, err := svc.CheckEntitlement(ctx, id); !errors.Is(err, ErrStoreUnavailable) {
		t.Errorf("check: expected ErrStoreUnavailable, got: %v", err)
	}
}

// ---------------------------------------------------------------------------
// 7. Ledger integrity: balance equals the signed sum of entries and never
//    goes negative across a mixed sequence.
// ---------------------------------------------------------------------------

func TestLedgerIntegrity(t *testing.T) {
	store := testsupport.NewEntitlementStore()
	svc := NewService(store, nil)
	id := uuid.New()
	ctx := context.Background()

	if _, err := svc.GrantCredits(ctx, id, 3, "g1", "payfast"); err != nil {
		t.Fatalf("grant: %v", err)
	}
	for i := 0; i < 6; i++ {
		_, err := svc.ReserveAndConsume(ctx, id, 1, uuid.NewString())
		if err != nil && !errors.Is(err, ErrNoCredits) {
			t.Fatalf("consume %d: %v", i, err)
		}
		if e, _ := store.Snapshot(id); e.CreditBalance < 0 {
			t.Fatalf("balance went negative: %d", e.CreditBalance)
		}
	}
	if _, err := svc.GrantCredits(ctx, id, 10, "g2", "paypal"); err != nil {
		t.Fatalf("grant: %v", err)
	}
	if _, err := svc.GrantCredits(ctx, id, 10, "g2", "paypal"); err != nil {
		t.Fatalf("replayed grant: %v", err)
	}

	history, err := svc.History(ctx, id)
	if err != nil {
		t.Fatalf("History: %v", err)
	}
	sum, trials := 0, 0
	for _, h := range history {
		sum += h.Amount
		if h.EntryType == models.CreditEntryTrial {
			trials++
		}
	}
	e, _ := store.Snapshot(id)
	if sum != e.CreditBalance {
		t.Errorf("ledger sum %d != balance %d", sum, e.CreditBalance)
	}
	if e.CreditBalance != 10 {
		t.Errorf("balance: got %d, want 10", e.CreditBalance)
	}
	if trials != 1 {
		t.Errorf("trial entries: got %d, want 1", trials)
	}
}

// ---------------------------------------------------------------------------
// 8. CanConsume follows the consume branches for costs above one
// ---------------------------------------------------------------------------

func TestCanConsume(t *testing.T) {
	cases := []struct {
		name   string
		ent    models.Entitlement
		cost   int
		want   bool
		reason string
	}{
		{"balance below cost", models.Entitlement{PlanStatus: models.PlanFree, FreeTrialConsumed: true, CreditBalance: 1}, 2, false, ReasonNoCredits},
		{"balance covers cost", models.Entitlement{PlanStatus: models.PlanFree, FreeTrialConsumed: true, CreditBalance: 2}, 2, true, ReasonCredits},
		{"trial covers cost", models.Entitlement{PlanStatus: models.PlanFree, CreditBalance: 1}, 3, true, ReasonFreeTrial},
		{"plan covers cost", models.Entitlement{PlanStatus: models.PlanActive, FreeTrialConsumed: true}, 5, true, ReasonPlanActive},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			tc.ent.AccountID = uuid.New()
			store, svc := seeded(tc.ent)
			d, err := svc.CanConsume(context.Background(), tc.ent.AccountID, tc.cost)
			if err != nil {
				t.Fatalf("CanConsume: %v", err)
			}
			if d.Allowed != tc.want || d.Reason != tc.reason {
				t.Errorf("got %+v, want allowed=%v reason=%s", d, tc.want, tc.reason)
			}

			_, err = svc.ReserveAndConsume(context.Background(), tc.ent.AccountID, tc.cost, "job-1")
			if tc.want && err != nil {
				t.Errorf("allowed decision but consume failed: %v", err)
			}
			if !tc.want {
				if !errors.Is(err, ErrNoCredits) {
					t.Errorf("denied decision: expected ErrNoCredits, got %v", err)
				}
				if e, _ := store.Snapshot(tc.ent.AccountID); e.CreditBalance != tc.ent.CreditBalance {
					t.Errorf("denied consume changed balance to %d", e.CreditBalance)
				}
			}
		})
	}

	svc := NewService(testsupport.NewEntitlementStore(), nil)
	if _, err := svc.CanConsume(context.Background(), uuid.New(), 0); !errors.Is(err, ErrInvalidAmount) {
		t.Errorf("expected ErrInvalidAmount, got: %v", err)
	}
}

// ---------------------------------------------------------------------------
// 9. Grants for accounts that do not exist fail and leave the key unclaimed
// ---------------------------------------------------------------------------

func TestGrantCredits_UnknownAccount(t *testing.T) {
	accounts := testsupport.NewAccountStore()
	store := testsupport.NewEntitlementStore().WithAccounts(accounts)
	svc := NewService(store, nil)
	ctx := context.Background()

	if _, err := svc.GrantCredits(ctx, uuid.New(), 5, "stripe:evt_orphan", "stripe"); !errors.Is(err, ErrStoreUnavailable) {
		t.Fatalf("expected ErrStoreUnavailable, got: %v", err)
	}
	if _, err := svc.SetPlanStatus(ctx, uuid.New(), models.PlanActive, "stripe:evt_plan", "stripe"); !errors.Is(err, ErrStoreUnavailable) {
		t.Fatalf("expected ErrStoreUnavailable, got: %v", err)
	}

	acc := accounts.Add("late@example.com")
	res, err := svc.GrantCredits(ctx, acc.ID, 5, "stripe:evt_orphan", "stripe")
	if err != nil {
		t.Fatalf("GrantCredits: %v", err)
	}
	if !res.Applied || res.BalanceAfter != 5 {
		t.Errorf("key should still be claimable once the account exists: %+v", res)
	}
}
