package escrow

import (
	"strings"

	"github.com/ethereum/go-ethereum/common"
)

// Principal is an account address, stored lowercase.
type Principal string

// ParsePrincipal validates a hex address and normalises it.
func ParsePrincipal(s string) (Principal, error) {
	if !common.IsHexAddress(s) {
		return "", ErrInvalidAddress
	}
	return Principal(strings.ToLower(common.HexToAddress(s).Hex())), nil
}

// Role is the capacity in which a principal acts on one instance.
type Role uint8

const (
	RoleNone Role = iota
	RoleDepositor
	RoleBeneficiary
	RoleArbiter
)

func (r Role) String() string {
	switch r {
	case RoleDepositor:
		return "depositor"
	case RoleBeneficiary:
		return "beneficiary"
	case RoleArbiter:
		return "arbiter"
	default:
		return "none"
	}
}

// ParseRole is the inverse of Role.String.
func ParseRole(s string) Role {
	switch s {
	case "depositor":
		return RoleDepositor
	case "beneficiary":
		return RoleBeneficiary
	case "arbiter":
		return RoleArbiter
	default:
		return RoleNone
	}
}

// Operation names a mutating entry point.
type Operation string

const (
	OpFund           Operation = "fund"
	OpRelease        Operation = "release"
	OpRefund         Operation = "refund"
	OpForceRefund    Operation = "force_refund"
	OpVoteRelease    Operation = "vote_release"
	OpVoteRefund     Operation = "vote_refund"
	OpRaiseDispute   Operation = "raise_dispute"
	OpResolveDispute Operation = "resolve_dispute"
	OpDirectTransfer Operation = "direct_transfer"
)

// Operations lists every mutating operation.
var Operations = []Operation{
	OpFund, OpRelease, OpRefund, OpForceRefund,
	OpVoteRelease, OpVoteRefund, OpRaiseDispute, OpResolveDispute,
	OpDirectTransfer,
}

// ParseOperation accepts both "force_refund" and "force-refund" spellings.
func ParseOperation(s string) (Operation, bool) {
	op := Operation(strings.ReplaceAll(s, "-", "_"))
	for _, known := range Operations {
		if op == known {
			return op, true
		}
	}
	return "", false
}

// permission is one row of the authorization table.
type permission struct {
	roles  []Role
	anyone bool
	denied *Error
}

// permissions maps operation and variant to the roles allowed to call it.
// A missing variant means the operation does not exist for that variant.
var permissions = map[Operation]map[Variant]permission{
	OpFund: {
		VariantSimple:   {roles: []Role{RoleDepositor}, denied: ErrNotDepositor},
		VariantMultiSig: {roles: []Role{RoleDepositor}, denied: ErrNotDepositor},
	},
	OpRelease: {
		VariantSimple: {roles: []Role{RoleDepositor}, denied: ErrNotDepositor},
	},
	OpRefund: {
		VariantSimple: {roles: []Role{RoleDepositor}, denied: ErrNotDepositor},
	},
	OpForceRefund: {
		VariantSimple:   {anyone: true},
		VariantMultiSig: {anyone: true},
	},
	OpVoteRelease: {
		VariantMultiSig: {roles: []Role{RoleDepositor, RoleBeneficiary, RoleArbiter}, denied: ErrNotParty},
	},
	OpVoteRefund: {
		VariantMultiSig: {roles: []Role{RoleDepositor, RoleBeneficiary, RoleArbiter}, denied: ErrNotParty},
	},
	OpRaiseDispute: {
		VariantMultiSig: {roles: []Role{RoleDepositor, RoleBeneficiary}, denied: ErrUnauthorized},
	},
	OpResolveDispute: {
		VariantMultiSig: {roles: []Role{RoleArbiter}, denied: ErrNotArbiter},
	},
	OpDirectTransfer: {
		VariantSimple:   {anyone: true},
		VariantMultiSig: {anyone: true},
	},
}

// RoleOf resolves the caller's role on e. Roles are fixed at creation and
// parties are pairwise distinct, so the answer is unique.
func (e *Escrow) RoleOf(caller Principal) Role {
	switch {
	case caller == "":
		return RoleNone
	case caller == e.Depositor:
		return RoleDepositor
	case caller == e.Beneficiary:
		return RoleBeneficiary
	case e.Variant == VariantMultiSig && caller == e.Arbiter:
		return RoleArbiter
	default:
		return RoleNone
	}
}

// Authorize checks the caller against the permission table. It runs before
// any state check.
func Authorize(e *Escrow, op Operation, caller Principal) (Role, error) {
	byVariant, ok := permissions[op]
	if !ok {
		return RoleNone, fail(ErrUnsupportedOperation, op)
	}
	perm, ok := byVariant[e.Variant]
	if !ok {
		return RoleNone, fail(ErrUnsupportedOperation, op)
	}
	role := e.RoleOf(caller)
	if perm.anyone {
		return role, nil
	}
	for _, r := range perm.roles {
		if r == role {
			return role, nil
		}
	}
	return role, fail(perm.denied, op)
}

// Permitted reports the roles that may call op on variant, and whether the
// operation is open to any caller.
func Permitted(op Operation, v Variant) (roles []Role, anyone bool, supported bool) {
	perm, ok := permissions[op][v]
	if !ok {
		return nil, false, false
	}
	return append([]Role(nil), perm.roles...), perm.anyone, true
}
