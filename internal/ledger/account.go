package ledger

import (
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"
)

// AccountScope represents the top-level account namespace
type AccountScope uint8

const (
	AccountScopeUser AccountScope = iota
	AccountScopeSystem
	AccountScopeExternal
)

func (s AccountScope) String() string {
	switch s {
	case AccountScopeUser:
		return "user"
	case AccountScopeSystem:
		return "system"
	case AccountScopeExternal:
		return "external"
	default:
		return "unknown"
	}
}

// ExternalOwner is the owner of the external boundary account. Funds enter
// and leave the custodial ledger through it.
var ExternalOwner = common.Address{}

// AccountKey is the in-memory key for balance tracking.
type AccountKey struct {
	Scope AccountScope
	Owner common.Address
	Asset common.Address
}

// NewUserAccountKey creates a key for user wallets
func NewUserAccountKey(owner, asset common.Address) AccountKey {
	return AccountKey{Scope: AccountScopeUser, Owner: owner, Asset: asset}
}

// NewSystemAccountKey creates a key for pool-owned accounts: reserves, the
// collateral manager escrow and the treasury.
func NewSystemAccountKey(owner, asset common.Address) AccountKey {
	return AccountKey{Scope: AccountScopeSystem, Owner: owner, Asset: asset}
}

// NewExternalAccountKey creates a key for the external boundary account
func NewExternalAccountKey(asset common.Address) AccountKey {
	return AccountKey{Scope: AccountScopeExternal, Owner: ExternalOwner, Asset: asset}
}

// AccountPath returns the string representation for storage/logging
func (k AccountKey) AccountPath() string {
	switch k.Scope {
	case AccountScopeUser, AccountScopeSystem:
		return fmt.Sprintf("%s:%s:%s", k.Scope, k.Owner.Hex(), k.Asset.Hex())
	case AccountScopeExternal:
		return fmt.Sprintf("external:bridge:%s", k.Asset.Hex())
	}
	return "unknown"
}

// ParseAccountPath is the inverse of AccountPath.
func ParseAccountPath(path string) (AccountKey, error) {
	parts := strings.Split(path, ":")
	if len(parts) != 3 {
		return AccountKey{}, fmt.Errorf("malformed account path %q", path)
	}
	if !common.IsHexAddress(parts[2]) {
		return AccountKey{}, fmt.Errorf("account path %q: bad asset", path)
	}
	asset := common.HexToAddress(parts[2])

	switch parts[0] {
	case "external":
		if parts[1] != "bridge" {
			return AccountKey{}, fmt.Errorf("account path %q: unknown external account", path)
		}
		return NewExternalAccountKey(asset), nil
	case "user", "system":
		if !common.IsHexAddress(parts[1]) {
			return AccountKey{}, fmt.Errorf("account path %q: bad owner", path)
		}
		owner := common.HexToAddress(parts[1])
		if parts[0] == "user" {
			return NewUserAccountKey(owner, asset), nil
		}
		return NewSystemAccountKey(owner, asset), nil
	}
	return AccountKey{}, fmt.Errorf("account path %q: unknown scope", path)
}
