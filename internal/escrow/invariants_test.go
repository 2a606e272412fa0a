package escrow

import (
	"errors"
	"math/rand"
	"testing"
	"time"
)

// TestInvariants_RandomSequences drives random operations from random callers
// and checks every invariant after every step.
func TestInvariants_RandomSequences(t *testing.T) {
	callers := []Principal{alice, bob, carol, mallory}
	ops := []Operation{
		OpFund, OpRelease, OpRefund, OpForceRefund, OpVoteRelease,
		OpVoteRefund, OpRaiseDispute, OpResolveDispute, OpDirectTransfer,
	}

	for seed := int64(0); seed < 300; seed++ {
		rng := rand.New(rand.NewSource(seed))
		g, clock := newTestEngine()

		var e *Escrow
		var err error
		if seed%2 == 0 {
			e, err = g.NewSimple("esc_prop", alice, bob, units(1000), 50*time.Second)
		} else {
			e, err = g.NewMultiSig("esc_prop", alice, bob, carol, units(1000), 50*time.Second)
		}
		if err != nil {
			t.Fatalf("seed %d: create: %v", seed, err)
		}

		var funded, paid uint64
		settlements := 0
		for step := 0; step < 40; step++ {
			clock.Advance(time.Duration(rng.Intn(6)) * time.Second)
			op := ops[rng.Intn(len(ops))]
			caller := callers[rng.Intn(len(callers))]
			before := e.Clone()

			tr, err := applyOp(g, e, op, caller, rng)
			if err != nil {
				if IsFatal(err) {
					t.Fatalf("seed %d step %d: fatal error %v", seed, step, err)
				}
				if KindOf(err) == 0 {
					t.Fatalf("seed %d step %d: untyped error %v", seed, step, err)
				}
				if e.State != before.State || !e.Balance.Eq(&before.Balance) || len(e.Votes.Votes) != len(before.Votes.Votes) {
					t.Fatalf("seed %d step %d: rejected %s mutated instance", seed, step, op)
				}
				continue
			}

			if err := CheckTransition(before.State, e.State); err != nil {
				t.Fatalf("seed %d step %d: %v", seed, step, err)
			}
			if err := CheckInvariants(e); err != nil {
				t.Fatalf("seed %d step %d after %s: %v", seed, step, op, err)
			}
			if op == OpFund {
				funded += e.Amount.Uint64()
			}
			if tr.Settlement != nil {
				settlements++
				paid += tr.Settlement.Amount.Uint64()
			}
		}

		if settlements > 1 {
			t.Fatalf("seed %d: settled %d times", seed, settlements)
		}
		if e.IsTerminal() && paid != funded {
			t.Fatalf("seed %d: funded %d but paid %d", seed, funded, paid)
		}
		if e.State == StateFunded {
			assertLiveness(t, g, clock, e)
		}
	}
}

// assertLiveness checks that force refund succeeds once the deadline arrives,
// whatever the votes or dispute say.
func assertLiveness(t *testing.T, g *Engine, clock *ManualClock, e *Escrow) {
	t.Helper()
	clock.Set(e.Deadline)
	tr, err := g.ForceRefund(e, mallory)
	if err != nil {
		t.Fatalf("funded instance not recoverable at deadline: %v", err)
	}
	if tr.Settlement.Recipient != e.Depositor {
		t.Fatalf("force refund paid %s", tr.Settlement.Recipient)
	}
}

func applyOp(g *Engine, e *Escrow, op Operation, caller Principal, rng *rand.Rand) (*Transition, error) {
	switch op {
	case OpFund:
		amount := e.Amount
		if rng.Intn(4) == 0 {
			amount = units(999)
		}
		return g.Fund(e, caller, amount)
	case OpRelease:
		return g.Release(e, caller)
	case OpRefund:
		return g.Refund(e, caller)
	case OpForceRefund:
		return g.ForceRefund(e, caller)
	case OpVoteRelease:
		return g.VoteRelease(e, caller)
	case OpVoteRefund:
		return g.VoteRefund(e, caller)
	case OpRaiseDispute:
		return g.RaiseDispute(e, caller, "random")
	case OpResolveDispute:
		outcome := VoteRelease
		if rng.Intn(2) == 0 {
			outcome = VoteRefund
		}
		return g.ResolveDispute(e, caller, outcome)
	default:
		return nil, g.RejectDirectTransfer(e, caller, units(1))
	}
}

func TestCheckTransition(t *testing.T) {
	allowed := [][2]State{
		{StateInit, StateFunded},
		{StateFunded, StateReleased},
		{StateFunded, StateRefunded},
		{StateFunded, StateFunded},
	}
	for _, pair := range allowed {
		if err := CheckTransition(pair[0], pair[1]); err != nil {
			t.Errorf("%s -> %s rejected: %v", pair[0], pair[1], err)
		}
	}
	forbidden := [][2]State{
		{StateFunded, StateInit},
		{StateReleased, StateRefunded},
		{StateRefunded, StateFunded},
		{StateReleased, StateInit},
	}
	for _, pair := range forbidden {
		if err := CheckTransition(pair[0], pair[1]); !errors.Is(err, ErrInvariantViolation) {
			t.Errorf("%s -> %s: expected violation, got %v", pair[0], pair[1], err)
		}
	}
}

func TestCheckInvariants_DetectsCorruption(t *testing.T) {
	g, _ := newTestEngine()
	e := mustMultiSig(t, g, 1000, time.Hour)
	if err := CheckInvariants(e); err != nil {
		t.Fatalf("healthy instance: %v", err)
	}

	broken := e.Clone()
	broken.Balance = units(1)
	if err := CheckInvariants(broken); !IsFatal(err) {
		t.Fatalf("balance drift not detected: %v", err)
	}

	broken = e.Clone()
	broken.Votes.RefundCount = 3
	if err := CheckInvariants(broken); !errors.Is(err, ErrInvariantViolation) {
		t.Fatalf("tally drift not detected: %v", err)
	}

	broken = e.Clone()
	broken.Deadline = broken.Deadline.Add(time.Second)
	if err := CheckInvariants(broken); err == nil {
		t.Fatal("timeline drift not detected")
	}
}

func TestExitPaths_AlwaysIncludeForceRefund(t *testing.T) {
	for _, v := range []Variant{VariantSimple, VariantMultiSig} {
		found := false
		for _, op := range ExitPaths(v) {
			if op == OpForceRefund {
				found = true
			}
			if _, anyone, ok := Permitted(op, v); !ok {
				t.Errorf("%s: exit path %s not permitted", v, op)
			} else if op == OpForceRefund && !anyone {
				t.Errorf("%s: force refund must be permissionless", v)
			}
		}
		if !found {
			t.Errorf("%s: no force refund exit", v)
		}
	}
}
