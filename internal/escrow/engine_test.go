package escrow

import (
	"errors"
	"testing"
	"time"

	"github.com/holiman/uint256"
)

const (
	alice   Principal = "0x1111111111111111111111111111111111111111"
	bob     Principal = "0x2222222222222222222222222222222222222222"
	carol   Principal = "0x3333333333333333333333333333333333333333"
	mallory Principal = "0x4444444444444444444444444444444444444444"
)

var t0 = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

// testLimits admit short timeouts so deadline scenarios stay readable.
func testLimits() Limits {
	return Limits{MinTimeout: time.Second, MaxTimeout: DefaultMaxTimeout}
}

func newTestEngine() (*Engine, *ManualClock) {
	clock := NewManualClock(t0)
	return NewEngine(clock, testLimits()), clock
}

func units(n uint64) uint256.Int {
	return *uint256.NewInt(n)
}

func mustSimple(t *testing.T, g *Engine, amount uint64, timeout time.Duration) *Escrow {
	t.Helper()
	e, err := g.NewSimple("esc_test", alice, bob, units(amount), timeout)
	if err != nil {
		t.Fatalf("NewSimple: %v", err)
	}
	return e
}

func mustFunded(t *testing.T, g *Engine, amount uint64, timeout time.Duration) *Escrow {
	t.Helper()
	e := mustSimple(t, g, amount, timeout)
	if _, err := g.Fund(e, alice, units(amount)); err != nil {
		t.Fatalf("Fund: %v", err)
	}
	return e
}

func TestEngine_CreateValidation(t *testing.T) {
	g, _ := newTestEngine()
	g.limits.MaxAmount = units(1_000_000_000)

	tests := []struct {
		name string
		p    Params
		want *Error
	}{
		{"same party", Params{Variant: VariantSimple, Depositor: alice, Beneficiary: alice, Amount: units(1), Timeout: time.Hour}, ErrSameParty},
		{"arbiter equals depositor", Params{Variant: VariantMultiSig, Depositor: alice, Beneficiary: bob, Arbiter: alice, Amount: units(1), Timeout: time.Hour}, ErrSameParty},
		{"zero amount", Params{Variant: VariantSimple, Depositor: alice, Beneficiary: bob, Timeout: time.Hour}, ErrZeroAmount},
		{"amount too large", Params{Variant: VariantSimple, Depositor: alice, Beneficiary: bob, Amount: units(2_000_000_000), Timeout: time.Hour}, ErrAmountTooLarge},
		{"timeout too short", Params{Variant: VariantSimple, Depositor: alice, Beneficiary: bob, Amount: units(1), Timeout: time.Millisecond}, ErrTimeoutTooShort},
		{"timeout too long", Params{Variant: VariantSimple, Depositor: alice, Beneficiary: bob, Amount: units(1), Timeout: 2 * DefaultMaxTimeout}, ErrTimeoutTooLong},
		{"bad address", Params{Variant: VariantSimple, Depositor: "alice", Beneficiary: bob, Amount: units(1), Timeout: time.Hour}, ErrInvalidAddress},
		{"unknown variant", Params{Variant: "escrow3", Depositor: alice, Beneficiary: bob, Amount: units(1), Timeout: time.Hour}, ErrParameter},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := g.Create("esc_x", tt.p)
			if !errors.Is(err, tt.want) {
				t.Fatalf("expected %v, got %v", tt.want, err)
			}
			if !errors.Is(err, ErrParameter) {
				t.Fatalf("expected a parameter error, got %v", err)
			}
		})
	}
}

func TestEngine_DefaultLimitsRejectShortTimeout(t *testing.T) {
	g := NewEngine(NewManualClock(t0), DefaultLimits())
	if _, err := g.NewSimple("esc_x", alice, bob, units(1), 100*time.Second); !errors.Is(err, ErrTimeoutTooShort) {
		t.Fatalf("expected ErrTimeoutTooShort, got %v", err)
	}
	if _, err := g.NewSimple("esc_x", alice, bob, units(1), time.Hour); err != nil {
		t.Fatalf("one hour should be accepted: %v", err)
	}
}

func TestEngine_CreateStartsInInit(t *testing.T) {
	g, _ := newTestEngine()
	e := mustSimple(t, g, 500, time.Hour)

	if e.State != StateInit {
		t.Errorf("expected init, got %s", e.State)
	}
	if !e.FundedAt.IsZero() || !e.Deadline.IsZero() {
		t.Error("timeline must be unset before funding")
	}
	if !e.Balance.IsZero() {
		t.Error("balance must be zero before funding")
	}
}

// Scenario A: fund, release before the deadline, beneficiary is paid.
func TestEngine_SimpleRelease(t *testing.T) {
	g, clock := newTestEngine()
	e := mustSimple(t, g, 1_000_000, 7*24*time.Hour)

	tr, err := g.Fund(e, alice, units(1_000_000))
	if err != nil {
		t.Fatalf("Fund: %v", err)
	}
	if tr.From != StateInit || tr.To != StateFunded || tr.Settlement != nil {
		t.Fatalf("unexpected fund transition %+v", tr)
	}
	if !e.Deadline.Equal(t0.Add(7 * 24 * time.Hour)) {
		t.Fatalf("deadline = %s", e.Deadline)
	}

	clock.Advance(24 * time.Hour)
	tr, err = g.Release(e, alice)
	if err != nil {
		t.Fatalf("Release: %v", err)
	}
	if e.State != StateReleased {
		t.Fatalf("expected released, got %s", e.State)
	}
	if tr.Settlement == nil || tr.Settlement.Recipient != bob || tr.Settlement.Amount.Uint64() != 1_000_000 {
		t.Fatalf("unexpected settlement %+v", tr.Settlement)
	}
	if !e.Balance.IsZero() {
		t.Fatalf("balance not drained: %s", e.Balance.Dec())
	}
}

// Scenario B: release after the deadline fails, force refund by a stranger
// succeeds.
func TestEngine_SimpleForceRefundAfterDeadline(t *testing.T) {
	g, clock := newTestEngine()
	e := mustFunded(t, g, 1_000_000, 100*time.Second)

	clock.Advance(101 * time.Second)
	if _, err := g.Release(e, alice); !errors.Is(err, ErrTimeout) {
		t.Fatalf("expected timeout error, got %v", err)
	}
	if e.State != StateFunded {
		t.Fatalf("failed release mutated state to %s", e.State)
	}

	tr, err := g.ForceRefund(e, mallory)
	if err != nil {
		t.Fatalf("ForceRefund: %v", err)
	}
	if e.State != StateRefunded {
		t.Fatalf("expected refunded, got %s", e.State)
	}
	if tr.Settlement.Recipient != alice || tr.Settlement.Amount.Uint64() != 1_000_000 {
		t.Fatalf("unexpected settlement %+v", tr.Settlement)
	}
	if tr.Role != RoleNone {
		t.Fatalf("stranger resolved to role %s", tr.Role)
	}
}

func TestEngine_DeadlineExactness(t *testing.T) {
	g, clock := newTestEngine()
	e := mustFunded(t, g, 10, 100*time.Second)

	clock.Set(t0.Add(100*time.Second - time.Microsecond))
	if _, err := g.ForceRefund(e.Clone(), bob); !errors.Is(err, ErrTimeoutNotExpired) {
		t.Fatalf("force refund one tick early: %v", err)
	}
	if _, err := g.Release(e.Clone(), alice); err != nil {
		t.Fatalf("release one tick early should succeed: %v", err)
	}

	clock.Set(t0.Add(100 * time.Second))
	if _, err := g.Release(e, alice); !errors.Is(err, ErrDeadlinePassed) {
		t.Fatalf("release at deadline: expected ErrDeadlinePassed, got %v", err)
	}
	if _, err := g.ForceRefund(e, bob); err != nil {
		t.Fatalf("force refund at deadline: %v", err)
	}
}

func TestEngine_RefundAnyTimeWhileFunded(t *testing.T) {
	g, clock := newTestEngine()
	e := mustFunded(t, g, 10, time.Hour)
	clock.Advance(10 * time.Hour)

	tr, err := g.Refund(e, alice)
	if err != nil {
		t.Fatalf("Refund: %v", err)
	}
	if tr.Settlement.Recipient != alice || e.State != StateRefunded {
		t.Fatalf("unexpected refund result %+v", tr)
	}
}

func TestEngine_FundRequiresExactAmount(t *testing.T) {
	g, _ := newTestEngine()
	for _, attached := range []uint64{0, 999, 1001} {
		e := mustSimple(t, g, 1000, time.Hour)
		before := e.Clone()
		_, err := g.Fund(e, alice, units(attached))
		if !errors.Is(err, ErrAmountMismatch) {
			t.Fatalf("attached %d: expected ErrAmountMismatch, got %v", attached, err)
		}
		if e.State != before.State || !e.Balance.IsZero() || !e.FundedAt.IsZero() {
			t.Fatalf("attached %d: rejected fund mutated instance", attached)
		}
	}
}

func TestEngine_FundTwice(t *testing.T) {
	g, _ := newTestEngine()
	e := mustFunded(t, g, 10, time.Hour)
	deadline := e.Deadline

	if _, err := g.Fund(e, alice, units(10)); !errors.Is(err, ErrAlreadyFunded) {
		t.Fatalf("expected ErrAlreadyFunded, got %v", err)
	}
	if !e.Deadline.Equal(deadline) || e.Balance.Uint64() != 10 {
		t.Fatal("second fund changed timeline or balance")
	}
}

func TestEngine_AuthorizationSimple(t *testing.T) {
	g, _ := newTestEngine()

	for _, caller := range []Principal{bob, mallory, ""} {
		e := mustSimple(t, g, 10, time.Hour)
		if _, err := g.Fund(e, caller, units(10)); !errors.Is(err, ErrAuthorization) {
			t.Errorf("fund by %q: expected authorization error, got %v", caller, err)
		}
	}

	// Beneficiary can never release or refund, whatever the state.
	e := mustSimple(t, g, 10, time.Hour)
	for i := 0; i < 2; i++ {
		if _, err := g.Release(e, bob); !errors.Is(err, ErrNotDepositor) {
			t.Errorf("release by beneficiary: expected ErrNotDepositor, got %v", err)
		}
		if _, err := g.Refund(e, bob); !errors.Is(err, ErrNotDepositor) {
			t.Errorf("refund by beneficiary: expected ErrNotDepositor, got %v", err)
		}
		if _, err := g.Fund(e, alice, units(10)); err != nil && i == 0 {
			t.Fatalf("Fund: %v", err)
		}
	}
}

func TestEngine_TerminalStatesAreFinal(t *testing.T) {
	g, clock := newTestEngine()
	e := mustFunded(t, g, 10, time.Hour)
	if _, err := g.Release(e, alice); err != nil {
		t.Fatalf("Release: %v", err)
	}
	snapshot := e.Clone()
	clock.Advance(2 * time.Hour)

	calls := map[string]func() error{
		"fund":         func() error { _, err := g.Fund(e, alice, units(10)); return err },
		"release":      func() error { _, err := g.Release(e, alice); return err },
		"refund":       func() error { _, err := g.Refund(e, alice); return err },
		"force_refund": func() error { _, err := g.ForceRefund(e, mallory); return err },
	}
	for name, call := range calls {
		if err := call(); !errors.Is(err, ErrState) {
			t.Errorf("%s after release: expected state error, got %v", name, err)
		}
	}
	if e.State != StateReleased || !e.UpdatedAt.Equal(snapshot.UpdatedAt) {
		t.Fatal("terminal instance was mutated")
	}
}

func TestEngine_OperationsNotInVariant(t *testing.T) {
	g, _ := newTestEngine()
	simple := mustFunded(t, g, 10, time.Hour)
	if _, err := g.VoteRelease(simple, alice); !errors.Is(err, ErrUnsupportedOperation) {
		t.Errorf("vote on simple: %v", err)
	}
	if _, err := g.RaiseDispute(simple, alice, "late"); !errors.Is(err, ErrUnsupportedOperation) {
		t.Errorf("dispute on simple: %v", err)
	}

	multi, err := g.NewMultiSig("esc_m", alice, bob, carol, units(10), time.Hour)
	if err != nil {
		t.Fatalf("NewMultiSig: %v", err)
	}
	if _, err := g.Release(multi, alice); !errors.Is(err, ErrUnsupportedOperation) {
		t.Errorf("release on multisig: %v", err)
	}
	if _, err := g.Refund(multi, alice); !errors.Is(err, ErrUnsupportedOperation) {
		t.Errorf("refund on multisig: %v", err)
	}
}

func TestEngine_RejectDirectTransfer(t *testing.T) {
	g, _ := newTestEngine()
	e := mustSimple(t, g, 10, time.Hour)
	before := e.Clone()

	err := g.RejectDirectTransfer(e, alice, units(10))
	if !errors.Is(err, ErrDirectTransfer) || !errors.Is(err, ErrAmount) {
		t.Fatalf("expected direct transfer rejection, got %v", err)
	}
	if e.State != before.State || !e.Balance.IsZero() {
		t.Fatal("direct transfer mutated instance")
	}
}

func TestEngine_SettlementUsesBalance(t *testing.T) {
	g, _ := newTestEngine()
	e := mustFunded(t, g, 10, time.Hour)

	// The payout always equals what is actually held.
	e.Balance = units(7)
	tr, err := g.Refund(e, alice)
	if err != nil {
		t.Fatalf("Refund: %v", err)
	}
	if tr.Settlement.Amount.Uint64() != 7 {
		t.Fatalf("settled %s, expected actual balance 7", tr.Settlement.Amount.Dec())
	}
}

func TestDeadlineWindow_NoGapNoOverlap(t *testing.T) {
	w := NewDeadlineWindow(t0, time.Minute)
	for _, offset := range []time.Duration{0, time.Second, time.Minute - time.Nanosecond, time.Minute, time.Minute + time.Nanosecond, time.Hour} {
		now := t0.Add(offset)
		if w.CanRelease(now) == w.CanForceRefund(now) {
			t.Fatalf("at +%s both predicates equal %v", offset, w.CanRelease(now))
		}
	}
	if w.CanRelease(t0.Add(time.Minute)) {
		t.Fatal("release allowed at the deadline")
	}
	if got := w.Remaining(t0.Add(20 * time.Second)); got != 40*time.Second {
		t.Fatalf("Remaining = %s", got)
	}
	if got := w.Remaining(t0.Add(2 * time.Minute)); got != 0 {
		t.Fatalf("Remaining after deadline = %s", got)
	}
}

func TestParsePrincipal(t *testing.T) {
	p, err := ParsePrincipal("0xAbCdEf0000000000000000000000000000000001")
	if err != nil {
		t.Fatalf("ParsePrincipal: %v", err)
	}
	if p != "0xabcdef0000000000000000000000000000000001" {
		t.Fatalf("not normalised: %s", p)
	}
	if _, err := ParsePrincipal("not-an-address"); !errors.Is(err, ErrInvalidAddress) {
		t.Fatalf("expected ErrInvalidAddress, got %v", err)
	}
}

func TestError_IsMatchesKindAndCode(t *testing.T) {
	err := fail(ErrDeadlinePassed, OpRelease)
	if !errors.Is(err, ErrTimeout) {
		t.Error("code error should match its kind sentinel")
	}
	if !errors.Is(err, ErrDeadlinePassed) {
		t.Error("code error should match its code sentinel")
	}
	if errors.Is(err, ErrTimeoutNotExpired) || errors.Is(err, ErrState) {
		t.Error("matched an unrelated sentinel")
	}
	if IsFatal(err) {
		t.Error("deadline error is not fatal")
	}
	if !IsFatal(fail(ErrTallyMismatch, OpVoteRelease)) {
		t.Error("tally mismatch must be fatal")
	}
	if KindOf(err) != KindTimeout || CodeOf(err) != CodeDeadlinePassed {
		t.Errorf("KindOf/CodeOf = %s/%s", KindOf(err), CodeOf(err))
	}
}
