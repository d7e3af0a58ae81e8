package testhelper

import (
	"context"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/tiltvault/tiltvault-cloud/internal/domain/chain"
)

// SubmittedAction records one SubmitProtocolAction call for assertions.
type SubmittedAction struct {
	Kind   chain.ActionKind
	Params chain.ActionParams
	TxHash string
}

// FakeChain is a scriptable chain.Actions for tests. Zero value behaves as
// a healthy chain with ample balances and instant confirmations.
type FakeChain struct {
	mu sync.Mutex

	// Balances maps "address|token" to a balance; missing entries fall
	// back to DefaultBalance.
	Balances       map[string]*big.Int
	DefaultBalance *big.Int

	// Allowances maps "token|spender" to the current allowance.
	Allowances map[string]*big.Int

	// SubmitErr, when set, fails every SubmitProtocolAction. SubmitErrFor
	// fails only the given kind.
	SubmitErr    error
	SubmitErrFor map[chain.ActionKind]error

	// ConfirmStatus overrides the confirmation result per tx hash;
	// unknown hashes confirm successfully.
	ConfirmStatus map[string]chain.ConfirmationStatus

	// TransferErr fails TransferNative.
	TransferErr error

	Submitted []SubmittedAction
	Transfers []string

	nextTx int
}

func NewFakeChain() *FakeChain {
	return &FakeChain{
		Balances:       map[string]*big.Int{},
		Allowances:     map[string]*big.Int{},
		SubmitErrFor:   map[chain.ActionKind]error{},
		ConfirmStatus:  map[string]chain.ConfirmationStatus{},
		DefaultBalance: new(big.Int).Lsh(big.NewInt(1), 62),
	}
}

func (f *FakeChain) SetBalance(address, token string, amount *big.Int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Balances[address+"|"+token] = amount
}

func (f *FakeChain) GetBalance(_ context.Context, address, token string) (*big.Int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if b, ok := f.Balances[address+"|"+token]; ok {
		return new(big.Int).Set(b), nil
	}
	return new(big.Int).Set(f.DefaultBalance), nil
}

func (f *FakeChain) EnsureAllowance(_ context.Context, token, spender string, amount *big.Int) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := token + "|" + spender
	if current, ok := f.Allowances[key]; ok && current.Cmp(amount) >= 0 {
		return "", nil
	}
	f.Allowances[key] = new(big.Int).Set(amount)
	return f.newTxLocked("approve"), nil
}

func (f *FakeChain) SubmitProtocolAction(_ context.Context, kind chain.ActionKind, params chain.ActionParams, _ *big.Int) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.SubmitErr != nil {
		return "", f.SubmitErr
	}
	if err, ok := f.SubmitErrFor[kind]; ok && err != nil {
		return "", err
	}
	txHash := f.newTxLocked(string(kind))
	f.Submitted = append(f.Submitted, SubmittedAction{Kind: kind, Params: params, TxHash: txHash})
	return txHash, nil
}

func (f *FakeChain) AwaitConfirmation(_ context.Context, txHash string, _ time.Duration) (chain.ConfirmationStatus, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if status, ok := f.ConfirmStatus[txHash]; ok {
		return status, nil
	}
	return chain.ConfirmSuccess, nil
}

func (f *FakeChain) TransferNative(_ context.Context, to string, _ *big.Int) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.TransferErr != nil {
		return "", f.TransferErr
	}
	txHash := f.newTxLocked("native")
	f.Transfers = append(f.Transfers, to)
	return txHash, nil
}

func (f *FakeChain) newTxLocked(tag string) string {
	f.nextTx++
	return fmt.Sprintf("0xfake_%s_%04d", tag, f.nextTx)
}
