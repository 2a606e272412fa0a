package escrow

import (
	"errors"
	"fmt"
)

// ErrEscrowNotFound is returned by stores when no instance has the given ID.
var ErrEscrowNotFound = errors.New("escrow not found")

// Kind classifies engine errors.
type Kind uint8

const (
	KindState Kind = iota + 1
	KindAuthorization
	KindAmount
	KindTimeout
	KindVoting
	KindDispute
	KindParameter
)

func (k Kind) String() string {
	switch k {
	case KindState:
		return "state"
	case KindAuthorization:
		return "authorization"
	case KindAmount:
		return "amount"
	case KindTimeout:
		return "timeout"
	case KindVoting:
		return "voting"
	case KindDispute:
		return "dispute"
	case KindParameter:
		return "parameter"
	default:
		return "unknown"
	}
}

// Code is a stable machine-readable error identifier.
type Code string

const (
	CodeInvalidState         Code = "ESCROW_INVALID_STATE"
	CodeAlreadyFunded        Code = "ESCROW_ALREADY_FUNDED"
	CodeNotFunded            Code = "ESCROW_NOT_FUNDED"
	CodeUnsupportedOperation Code = "ESCROW_UNSUPPORTED_OPERATION"
	CodeHalted               Code = "ESCROW_HALTED"
	CodeInvariantViolation   Code = "ESCROW_INVARIANT_VIOLATION"

	CodeUnauthorized Code = "ESCROW_UNAUTHORIZED"
	CodeNotDepositor Code = "ESCROW_NOT_DEPOSITOR"
	CodeNotParty     Code = "ESCROW_NOT_PARTY"
	CodeNotArbiter   Code = "ESCROW_NOT_ARBITER"

	CodeAmountMismatch        Code = "ESCROW_AMOUNT_MISMATCH"
	CodeDirectTransferRefused Code = "ESCROW_DIRECT_TRANSFER_REJECTED"

	CodeDeadlinePassed    Code = "ESCROW_DEADLINE_PASSED"
	CodeTimeoutNotExpired Code = "ESCROW_TIMEOUT_NOT_EXPIRED"

	CodeAlreadyVoted      Code = "ESCROW_ALREADY_VOTED"
	CodeConsensusExecuted Code = "ESCROW_CONSENSUS_EXECUTED"
	CodeTallyMismatch     Code = "ESCROW_TALLY_MISMATCH"
	CodeConsensusConflict Code = "ESCROW_CONSENSUS_CONFLICT"

	CodeDisputeActive     Code = "ESCROW_DISPUTE_ACTIVE"
	CodeDisputeExists     Code = "ESCROW_DISPUTE_EXISTS"
	CodeDisputeNotPending Code = "ESCROW_DISPUTE_NOT_PENDING"

	CodeInvalidAddress  Code = "ESCROW_INVALID_ADDRESS"
	CodeSameParty       Code = "ESCROW_SAME_PARTY"
	CodeZeroAmount      Code = "ESCROW_ZERO_AMOUNT"
	CodeAmountTooLarge  Code = "ESCROW_AMOUNT_TOO_LARGE"
	CodeTimeoutTooShort Code = "ESCROW_TIMEOUT_TOO_SHORT"
	CodeTimeoutTooLong  Code = "ESCROW_TIMEOUT_TOO_LONG"
	CodeInvalidOutcome  Code = "ESCROW_INVALID_OUTCOME"
)

// Error is returned by every engine operation that rejects a call. A rejected
// call leaves the instance exactly as it was.
type Error struct {
	Kind  Kind
	Code  Code
	Op    Operation
	Msg   string
	Fatal bool // internal invariant broken; the instance must be halted
}

func (e *Error) Error() string {
	msg := e.Msg
	if msg == "" {
		msg = e.Kind.String() + " error"
	}
	if e.Op != "" {
		return fmt.Sprintf("escrow %s: %s (%s)", e.Op, msg, e.Code)
	}
	if e.Code != "" {
		return fmt.Sprintf("escrow: %s (%s)", msg, e.Code)
	}
	return "escrow: " + msg
}

// Is matches kind sentinels (no Code) by kind and code sentinels by code.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	if t.Code == "" {
		return t.Kind == e.Kind
	}
	return t.Code == e.Code
}

// Kind sentinels.
var (
	ErrState         = &Error{Kind: KindState}
	ErrAuthorization = &Error{Kind: KindAuthorization}
	ErrAmount        = &Error{Kind: KindAmount}
	ErrTimeout       = &Error{Kind: KindTimeout}
	ErrVoting        = &Error{Kind: KindVoting}
	ErrDispute       = &Error{Kind: KindDispute}
	ErrParameter     = &Error{Kind: KindParameter}
)

// Code sentinels, usable with errors.Is.
var (
	ErrAlreadyFunded        = &Error{Kind: KindState, Code: CodeAlreadyFunded, Msg: "escrow already funded"}
	ErrNotFunded            = &Error{Kind: KindState, Code: CodeNotFunded, Msg: "escrow not funded"}
	ErrUnsupportedOperation = &Error{Kind: KindState, Code: CodeUnsupportedOperation, Msg: "operation not available for this escrow variant"}
	ErrHalted               = &Error{Kind: KindState, Code: CodeHalted, Msg: "escrow halted after internal invariant violation", Fatal: true}
	ErrInvariantViolation   = &Error{Kind: KindState, Code: CodeInvariantViolation, Msg: "internal invariant violated", Fatal: true}

	ErrUnauthorized = &Error{Kind: KindAuthorization, Code: CodeUnauthorized, Msg: "caller not authorized"}
	ErrNotDepositor = &Error{Kind: KindAuthorization, Code: CodeNotDepositor, Msg: "only the depositor can perform this operation"}
	ErrNotParty     = &Error{Kind: KindAuthorization, Code: CodeNotParty, Msg: "caller is not a party to this escrow"}
	ErrNotArbiter   = &Error{Kind: KindAuthorization, Code: CodeNotArbiter, Msg: "only the arbiter can perform this operation"}

	ErrAmountMismatch = &Error{Kind: KindAmount, Code: CodeAmountMismatch, Msg: "attached amount does not equal escrow amount"}
	ErrDirectTransfer = &Error{Kind: KindAmount, Code: CodeDirectTransferRefused, Msg: "direct transfers are not accepted"}

	ErrDeadlinePassed    = &Error{Kind: KindTimeout, Code: CodeDeadlinePassed, Msg: "deadline has passed"}
	ErrTimeoutNotExpired = &Error{Kind: KindTimeout, Code: CodeTimeoutNotExpired, Msg: "deadline not reached"}

	ErrAlreadyVoted      = &Error{Kind: KindVoting, Code: CodeAlreadyVoted, Msg: "principal has already voted"}
	ErrConsensusExecuted = &Error{Kind: KindVoting, Code: CodeConsensusExecuted, Msg: "consensus already executed"}
	ErrTallyMismatch     = &Error{Kind: KindVoting, Code: CodeTallyMismatch, Msg: "vote counters disagree with recorded votes", Fatal: true}
	ErrConsensusConflict = &Error{Kind: KindVoting, Code: CodeConsensusConflict, Msg: "release and refund both reached consensus", Fatal: true}

	ErrDisputeActive     = &Error{Kind: KindDispute, Code: CodeDisputeActive, Msg: "dispute pending, only the arbiter may vote"}
	ErrDisputeExists     = &Error{Kind: KindDispute, Code: CodeDisputeExists, Msg: "dispute already raised"}
	ErrDisputeNotPending = &Error{Kind: KindDispute, Code: CodeDisputeNotPending, Msg: "no pending dispute"}

	ErrInvalidAddress  = &Error{Kind: KindParameter, Code: CodeInvalidAddress, Msg: "invalid principal address"}
	ErrSameParty       = &Error{Kind: KindParameter, Code: CodeSameParty, Msg: "parties must be distinct"}
	ErrZeroAmount      = &Error{Kind: KindParameter, Code: CodeZeroAmount, Msg: "amount must be greater than zero"}
	ErrAmountTooLarge  = &Error{Kind: KindParameter, Code: CodeAmountTooLarge, Msg: "amount exceeds the configured maximum"}
	ErrTimeoutTooShort = &Error{Kind: KindParameter, Code: CodeTimeoutTooShort, Msg: "timeout below the minimum"}
	ErrTimeoutTooLong  = &Error{Kind: KindParameter, Code: CodeTimeoutTooLong, Msg: "timeout above the maximum"}
	ErrInvalidOutcome  = &Error{Kind: KindParameter, Code: CodeInvalidOutcome, Msg: "outcome must be release or refund"}
)

// fail returns a copy of sentinel bound to op.
func fail(sentinel *Error, op Operation) *Error {
	e := *sentinel
	e.Op = op
	return &e
}

// failf is fail with a formatted message.
func failf(sentinel *Error, op Operation, format string, args ...any) *Error {
	e := fail(sentinel, op)
	e.Msg = fmt.Sprintf(format, args...)
	return e
}

// IsFatal reports whether err signals a broken internal invariant.
func IsFatal(err error) bool {
	var e *Error
	return errors.As(err, &e) && e.Fatal
}

// KindOf returns the kind of an engine error, or 0 for other errors.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return 0
}

// CodeOf returns the code of an engine error, or "" for other errors.
func CodeOf(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}
