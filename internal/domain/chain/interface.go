// Package chain defines the contract between the strategy executor and the
// RPC layer. The executor depends only on this interface; the Avalanche
// JSON-RPC adapter lives under internal/adapter/chain.
package chain

import (
	"context"
	"math/big"
	"time"
)

// ActionKind identifies a protocol action the hub wallet can submit.
type ActionKind string

const (
	ActionAaveSupply    ActionKind = "aave_supply"
	ActionGMXIncrease   ActionKind = "gmx_increase"
	ActionMorphoDeposit ActionKind = "morpho_deposit"
	ActionTokenTransfer ActionKind = "token_transfer"
	// ActionTokenTransferFrom spends a third party's approved balance;
	// From names the debited wallet.
	ActionTokenTransferFrom ActionKind = "token_transfer_from"
)

// ActionParams carries the fields a protocol action can need. Unused
// fields are zero for a given kind.
type ActionParams struct {
	Token      string   // asset being moved
	Target     string   // pool / router / vault contract
	From       string   // debited wallet for transfer_from
	OnBehalfOf string   // receiver of the receipt token or transfer
	Amount     *big.Int // token base units
	// GMX only
	SizeDelta    *big.Int
	ExecutionFee *big.Int
	IsLong       bool
}

// ConfirmationStatus is the outcome of waiting on a submitted transaction.
type ConfirmationStatus string

const (
	ConfirmSuccess ConfirmationStatus = "success"
	ConfirmFailed  ConfirmationStatus = "failed"
	// ConfirmTimeout means the transaction's fate is unknown. Callers must
	// treat this as indeterminate and reconcile against chain state before
	// any corrective action; resubmitting risks double execution.
	ConfirmTimeout ConfirmationStatus = "timeout"
)

// Actions is the chain-action collaborator the executor and recovery
// service depend on. Submissions for the hub wallet are serialized by the
// implementation; reads are freely concurrent.
type Actions interface {
	// GetBalance returns the token balance of an address. An empty token
	// means the native gas token.
	GetBalance(ctx context.Context, address, token string) (*big.Int, error)

	// EnsureAllowance guarantees spender may move at least amount of token
	// from the hub wallet, submitting and confirming an approval when the
	// current allowance is short. Returns the approval tx hash, or "" when
	// no approval was needed.
	EnsureAllowance(ctx context.Context, token, spender string, amount *big.Int) (string, error)

	// SubmitProtocolAction submits the action with a legacy gas price
	// capped at gasCeiling and returns the transaction hash.
	SubmitProtocolAction(ctx context.Context, kind ActionKind, params ActionParams, gasCeiling *big.Int) (string, error)

	// AwaitConfirmation waits for the transaction up to timeout.
	AwaitConfirmation(ctx context.Context, txHash string, timeout time.Duration) (ConfirmationStatus, error)

	// TransferNative sends native gas token from the hub wallet.
	TransferNative(ctx context.Context, to string, amount *big.Int) (string, error)
}
