package escrow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/holiman/uint256"

	"github.com/mbd888/fortiescrow/internal/idgen"
	"github.com/mbd888/fortiescrow/internal/retry"
	"github.com/mbd888/fortiescrow/internal/syncutil"
	"github.com/mbd888/fortiescrow/internal/traces"
)

// CreateRequest contains the parameters for creating an escrow.
type CreateRequest struct {
	Variant     Variant `json:"variant"`
	Depositor   string  `json:"depositor"`
	Beneficiary string  `json:"beneficiary" binding:"required"`
	Arbiter     string  `json:"arbiter,omitempty"`
	Amount      string  `json:"amount" binding:"required"`
	Timeout     string  `json:"timeout" binding:"required"` // seconds or a duration, e.g. "168h"
}

// Service runs engine operations against persisted instances. Each
// operation is one critical section per instance: load, apply, check
// invariants, persist, then write the ledger.
type Service struct {
	engine *Engine
	store  Store
	ledger LedgerService
	locks  *syncutil.KeyedMutex
	logger *slog.Logger

	haltMu sync.Mutex
	halted map[string]string // escrow ID -> reason

	ledgerAttempts int
	ledgerBackoff  time.Duration
}

// NewService creates a new escrow service.
func NewService(engine *Engine, store Store, ledger LedgerService) *Service {
	return &Service{
		engine:         engine,
		store:          store,
		ledger:         ledger,
		locks:          syncutil.NewKeyedMutex(0),
		logger:         slog.Default(),
		halted:         make(map[string]string),
		ledgerAttempts: 3,
		ledgerBackoff:  50 * time.Millisecond,
	}
}

// WithLogger sets the service logger.
func (s *Service) WithLogger(l *slog.Logger) *Service {
	if l != nil {
		s.logger = l
	}
	return s
}

// WithLedgerRetry sets the retry policy for ledger writes.
func (s *Service) WithLedgerRetry(attempts int, backoff time.Duration) *Service {
	s.ledgerAttempts = attempts
	s.ledgerBackoff = backoff
	return s
}

// Engine returns the underlying engine.
func (s *Service) Engine() *Engine { return s.engine }

// Create validates req and stores a new instance in Init. caller becomes the
// depositor when req.Depositor is empty.
func (s *Service) Create(ctx context.Context, caller string, req CreateRequest) (_ *Escrow, retErr error) {
	ctx, span := traces.StartSpan(ctx, "escrow.Create", traces.Caller(caller), traces.Amount(req.Amount))
	defer func() { traces.End(span, retErr) }()

	params, err := s.parseCreate(caller, req)
	if err != nil {
		return nil, err
	}
	e, err := s.engine.Create(idgen.WithPrefix("esc_"), params)
	if err != nil {
		operationsTotal.WithLabelValues(string(req.Variant), "create", outcomeLabel(err)).Inc()
		return nil, err
	}
	if err := s.store.Create(ctx, e); err != nil {
		return nil, fmt.Errorf("failed to create escrow record: %w", err)
	}

	operationsTotal.WithLabelValues(string(e.Variant), "create", "ok").Inc()
	s.logger.Info("escrow created",
		"escrow_id", e.ID, "variant", e.Variant, "depositor", e.Depositor,
		"beneficiary", e.Beneficiary, "amount", e.Amount.Dec(), "timeout", e.Timeout)
	return e, nil
}

func (s *Service) parseCreate(caller string, req CreateRequest) (Params, error) {
	variant := req.Variant
	if variant == "" {
		variant = VariantSimple
		if req.Arbiter != "" {
			variant = VariantMultiSig
		}
	}
	depositorAddr := req.Depositor
	if depositorAddr == "" {
		depositorAddr = caller
	}

	p := Params{Variant: variant}
	var err error
	if p.Depositor, err = ParsePrincipal(depositorAddr); err != nil {
		return p, failf(ErrInvalidAddress, "", "invalid depositor %q", depositorAddr)
	}
	if p.Beneficiary, err = ParsePrincipal(req.Beneficiary); err != nil {
		return p, failf(ErrInvalidAddress, "", "invalid beneficiary %q", req.Beneficiary)
	}
	if variant == VariantMultiSig {
		if p.Arbiter, err = ParsePrincipal(req.Arbiter); err != nil {
			return p, failf(ErrInvalidAddress, "", "invalid arbiter %q", req.Arbiter)
		}
	}
	amount, err := ParseAmount(req.Amount)
	if err != nil {
		return p, err
	}
	p.Amount = amount
	if p.Timeout, err = ParseTimeout(req.Timeout); err != nil {
		return p, err
	}
	return p, nil
}

// ParseAmount parses a non-negative integer amount in base units.
func ParseAmount(s string) (uint256.Int, error) {
	v, err := uint256.FromDecimal(strings.TrimSpace(s))
	if err != nil {
		return uint256.Int{}, failf(ErrParameter, "", "invalid amount %q", s)
	}
	return *v, nil
}

// ParseTimeout accepts whole seconds ("3600") or a Go duration ("1h").
func ParseTimeout(s string) (time.Duration, error) {
	s = strings.TrimSpace(s)
	if secs, err := strconv.ParseInt(s, 10, 64); err == nil {
		if secs <= 0 || secs > int64(DefaultMaxTimeout/time.Second)*10 {
			return 0, failf(ErrParameter, "", "invalid timeout %q", s)
		}
		return time.Duration(secs) * time.Second, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil || d <= 0 {
		return 0, failf(ErrParameter, "", "invalid timeout %q", s)
	}
	return d, nil
}

// Fund deposits the escrow amount on behalf of caller.
func (s *Service) Fund(ctx context.Context, id, caller, amount string) (*Escrow, error) {
	attached, err := ParseAmount(amount)
	if err != nil {
		return nil, err
	}
	return s.mutate(ctx, id, OpFund, caller, func(e *Escrow, p Principal) (*Transition, error) {
		return s.engine.Fund(e, p, attached)
	})
}

// Release pays the beneficiary of a simple escrow.
func (s *Service) Release(ctx context.Context, id, caller string) (*Escrow, error) {
	return s.mutate(ctx, id, OpRelease, caller, func(e *Escrow, p Principal) (*Transition, error) {
		return s.engine.Release(e, p)
	})
}

// Refund returns funds to the depositor of a simple escrow.
func (s *Service) Refund(ctx context.Context, id, caller string) (*Escrow, error) {
	return s.mutate(ctx, id, OpRefund, caller, func(e *Escrow, p Principal) (*Transition, error) {
		return s.engine.Refund(e, p)
	})
}

// ForceRefund returns funds to the depositor once the deadline is reached.
func (s *Service) ForceRefund(ctx context.Context, id, caller string) (*Escrow, error) {
	return s.mutate(ctx, id, OpForceRefund, caller, func(e *Escrow, p Principal) (*Transition, error) {
		return s.engine.ForceRefund(e, p)
	})
}

// VoteRelease records caller's release vote.
func (s *Service) VoteRelease(ctx context.Context, id, caller string) (*Escrow, error) {
	return s.mutate(ctx, id, OpVoteRelease, caller, func(e *Escrow, p Principal) (*Transition, error) {
		return s.engine.VoteRelease(e, p)
	})
}

// VoteRefund records caller's refund vote.
func (s *Service) VoteRefund(ctx context.Context, id, caller string) (*Escrow, error) {
	return s.mutate(ctx, id, OpVoteRefund, caller, func(e *Escrow, p Principal) (*Transition, error) {
		return s.engine.VoteRefund(e, p)
	})
}

// RaiseDispute opens a dispute on a multisig escrow.
func (s *Service) RaiseDispute(ctx context.Context, id, caller, reason string) (*Escrow, error) {
	return s.mutate(ctx, id, OpRaiseDispute, caller, func(e *Escrow, p Principal) (*Transition, error) {
		return s.engine.RaiseDispute(e, p, reason)
	})
}

// ResolveDispute closes a dispute with the arbiter's vote.
func (s *Service) ResolveDispute(ctx context.Context, id, caller string, outcome Vote) (*Escrow, error) {
	return s.mutate(ctx, id, OpResolveDispute, caller, func(e *Escrow, p Principal) (*Transition, error) {
		return s.engine.ResolveDispute(e, p, outcome)
	})
}

// DirectTransfer always fails: value enters an escrow only through Fund.
func (s *Service) DirectTransfer(ctx context.Context, id, caller, amount string) error {
	value, err := ParseAmount(amount)
	if err != nil {
		return err
	}
	_, err = s.mutate(ctx, id, OpDirectTransfer, caller, func(e *Escrow, p Principal) (*Transition, error) {
		return nil, s.engine.RejectDirectTransfer(e, p, value)
	})
	return err
}

// mutate is the critical section shared by every mutating operation.
func (s *Service) mutate(ctx context.Context, id string, op Operation, caller string,
	apply func(e *Escrow, caller Principal) (*Transition, error)) (_ *Escrow, retErr error) {

	ctx, span := traces.StartSpan(ctx, "escrow."+string(op), traces.EscrowID(id), traces.Caller(caller))
	start := time.Now()
	variant := ""
	defer func() {
		operationsTotal.WithLabelValues(variant, string(op), outcomeLabel(retErr)).Inc()
		operationDuration.WithLabelValues(string(op)).Observe(time.Since(start).Seconds())
		traces.End(span, retErr)
	}()

	unlock, err := s.locks.Lock(ctx, id)
	if err != nil {
		return nil, err
	}
	defer unlock()

	// Checked under the lock: a halt raised by the previous holder must stop us.
	if reason, ok := s.haltReason(id); ok {
		return nil, failf(ErrHalted, op, "escrow halted: %s", reason)
	}

	e, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	variant = string(e.Variant)
	before := e.Clone()
	principal := normalizeCaller(caller)

	tr, err := apply(e, principal)
	if err != nil {
		if IsFatal(err) {
			s.halt(id, err)
		} else {
			s.logger.Debug("escrow operation rejected", "escrow_id", id, "op", op, "caller", principal, "error", err)
		}
		return nil, err
	}

	if err := CheckTransition(before.State, e.State); err != nil {
		s.halt(id, err)
		return nil, err
	}
	if err := CheckInvariants(e); err != nil {
		s.halt(id, err)
		return nil, err
	}

	if err := s.store.Update(ctx, e); err != nil {
		return nil, fmt.Errorf("failed to persist escrow %s: %w", id, err)
	}

	if err := s.interact(ctx, e, tr); err != nil {
		s.compensate(ctx, before, op, err)
		if errors.Is(err, ErrLedgerConflict) {
			// The journal already settled this escrow some other way; replaying
			// any operation would hit the same entry.
			s.halt(id, fmt.Errorf("ledger journal disagrees with %s: %w", op, err))
		}
		return nil, fmt.Errorf("ledger write failed for escrow %s: %w", id, err)
	}

	s.record(e, tr)
	return e, nil
}

// interact performs the ledger side of an accepted transition.
func (s *Service) interact(ctx context.Context, e *Escrow, tr *Transition) error {
	if s.ledger == nil || tr == nil {
		return nil
	}
	switch {
	case tr.Op == OpFund:
		return s.ledgerCall(ctx, func(ctx context.Context) error {
			return s.ledger.RecordFunding(ctx, e.ID, e.Depositor, e.Balance)
		})
	case tr.Settlement != nil:
		st := tr.Settlement
		return s.ledgerCall(ctx, func(ctx context.Context) error {
			return s.ledger.Payout(ctx, e.ID, st.Recipient, st.Amount)
		})
	}
	return nil
}

// ledgerCall retries fn with backoff unless the ledger refused the entry.
func (s *Service) ledgerCall(ctx context.Context, fn func(ctx context.Context) error) error {
	return retry.Do(ctx, s.ledgerAttempts, s.ledgerBackoff, func(ctx context.Context) error {
		err := fn(ctx)
		if errors.Is(err, ErrLedgerRefused) {
			return retry.Permanent(err)
		}
		return err
	})
}

// compensate restores the pre-operation snapshot after the ledger refused
// the interaction, so the operation has no visible effect.
func (s *Service) compensate(ctx context.Context, before *Escrow, op Operation, cause error) {
	if err := s.store.Update(ctx, before); err != nil {
		compensationsTotal.WithLabelValues(string(op), "failed").Inc()
		s.logger.Error("CRITICAL: escrow state persisted but ledger write failed and rollback failed",
			"escrow_id", before.ID, "op", op, "ledger_error", cause, "rollback_error", err)
		s.halt(before.ID, fmt.Errorf("rollback after ledger failure: %w", err))
		return
	}
	compensationsTotal.WithLabelValues(string(op), "restored").Inc()
	s.logger.Warn("escrow operation rolled back after ledger failure",
		"escrow_id", before.ID, "op", op, "error", cause)
}

func (s *Service) record(e *Escrow, tr *Transition) {
	if tr.Settlement == nil {
		s.logger.Info("escrow transition",
			"escrow_id", e.ID, "op", tr.Op, "caller", tr.Caller, "role", tr.Role.String(),
			"from", tr.From, "to", tr.To)
		return
	}
	settlementsTotal.WithLabelValues(string(e.Variant), string(tr.To)).Inc()
	if e.Votes.ConsensusExecuted {
		consensusTotal.WithLabelValues(string(tr.To)).Inc()
	}
	s.logger.Info("escrow settled",
		"escrow_id", e.ID, "op", tr.Op, "caller", tr.Caller, "state", tr.To,
		"recipient", tr.Settlement.Recipient, "recipient_role", tr.Settlement.Role.String(),
		"amount", tr.Settlement.Amount.Dec())
}

func (s *Service) halt(id string, cause error) {
	invariantViolations.Inc()
	s.haltMu.Lock()
	if _, already := s.halted[id]; !already {
		s.halted[id] = cause.Error()
		haltedInstances.Inc()
	}
	s.haltMu.Unlock()
	s.logger.Error("CRITICAL: escrow halted after invariant violation", "escrow_id", id, "error", cause)
}

func (s *Service) haltReason(id string) (string, bool) {
	s.haltMu.Lock()
	defer s.haltMu.Unlock()
	reason, ok := s.halted[id]
	return reason, ok
}

func (s *Service) haltedCount() int {
	s.haltMu.Lock()
	defer s.haltMu.Unlock()
	return len(s.halted)
}

// Halted reports whether id is halted.
func (s *Service) Halted(id string) bool {
	_, ok := s.haltReason(id)
	return ok
}

// HaltedInstance is one halted escrow and the violation that halted it.
type HaltedInstance struct {
	ID     string `json:"id"`
	Reason string `json:"reason"`
}

// HaltedInstances lists every halted escrow, ordered by ID.
func (s *Service) HaltedInstances() []HaltedInstance {
	s.haltMu.Lock()
	out := make([]HaltedInstance, 0, len(s.halted))
	for id, reason := range s.halted {
		out = append(out, HaltedInstance{ID: id, Reason: reason})
	}
	s.haltMu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Unhalt lifts a halt after operator review.
func (s *Service) Unhalt(id string) bool {
	s.haltMu.Lock()
	defer s.haltMu.Unlock()
	if _, ok := s.halted[id]; !ok {
		return false
	}
	delete(s.halted, id)
	haltedInstances.Dec()
	s.logger.Warn("escrow halt lifted", "escrow_id", id)
	return true
}

// Get returns an escrow by ID.
func (s *Service) Get(ctx context.Context, id string) (*Escrow, error) {
	return s.store.Get(ctx, id)
}

// Status returns the status view of an escrow.
func (s *Service) Status(ctx context.Context, id string) (StatusView, error) {
	e, err := s.store.Get(ctx, id)
	if err != nil {
		return StatusView{}, err
	}
	return s.engine.Status(e), nil
}

// Parties returns the parties view of an escrow.
func (s *Service) Parties(ctx context.Context, id string) (PartiesView, error) {
	e, err := s.store.Get(ctx, id)
	if err != nil {
		return PartiesView{}, err
	}
	return PartiesOf(e), nil
}

// Timeline returns the timeline view of an escrow.
func (s *Service) Timeline(ctx context.Context, id string) (TimelineView, error) {
	e, err := s.store.Get(ctx, id)
	if err != nil {
		return TimelineView{}, err
	}
	return s.engine.Timeline(e), nil
}

// Votes returns the votes view of an escrow.
func (s *Service) Votes(ctx context.Context, id string) (VotesView, error) {
	e, err := s.store.Get(ctx, id)
	if err != nil {
		return VotesView{}, err
	}
	return VotesOf(e), nil
}

// Check reports whether caller could perform op on id right now.
func (s *Service) Check(ctx context.Context, id string, op Operation, caller string) (Check, error) {
	e, err := s.store.Get(ctx, id)
	if err != nil {
		return Check{}, err
	}
	if reason, ok := s.haltReason(id); ok {
		return Check{Op: op, Code: CodeHalted, Reason: reason}, nil
	}
	return s.engine.CheckOperation(e, op, normalizeCaller(caller)), nil
}

// ListByParty returns up to limit escrows in which party holds any role,
// newest first, and whether more follow.
func (s *Service) ListByParty(ctx context.Context, party string, after *Cursor, limit int) ([]*Escrow, bool, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	p, err := ParsePrincipal(party)
	if err != nil {
		return nil, false, err
	}
	list, err := s.store.ListByParty(ctx, p, after, limit+1)
	if err != nil {
		return nil, false, err
	}
	if len(list) > limit {
		return list[:limit], true, nil
	}
	return list, false, nil
}

// normalizeCaller lowercases a hex address. Anything else is kept verbatim
// and simply matches no role.
func normalizeCaller(caller string) Principal {
	if p, err := ParsePrincipal(caller); err == nil {
		return p
	}
	return Principal(caller)
}

// IsNotFound reports whether err means the escrow does not exist.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrEscrowNotFound)
}
