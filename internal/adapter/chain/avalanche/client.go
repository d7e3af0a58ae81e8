// Package avalanche implements the chain.Actions contract against an
// Avalanche C-Chain JSON-RPC node. Reads go to the public RPC endpoint;
// transactions go to a private signer endpoint that holds the hub wallet
// key, so no key material ever passes through this process.
package avalanche

import (
	"context"
	"fmt"
	"math/big"
	"os"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/tiltvault/tiltvault-cloud/internal/domain/chain"
	"github.com/tiltvault/tiltvault-cloud/pkg/kv"
)

const (
	receiptPollInterval = 3 * time.Second
	gasHeadroomPercent  = 20

	// Submit lock: one hub-wallet submitter at a time across every host.
	// The TTL frees the lock if a holder dies mid-submission.
	submitLockKey  = "lock:chain:hub-submit"
	submitLockTTL  = time.Minute
	submitLockPoll = 100 * time.Millisecond
)

// Config tunes the RPC client.
type Config struct {
	ReadURL         string
	SignerURL       string
	SignerAuthToken string
	ChainID         int64
	HubWallet       string
	ReadTimeout     time.Duration
	RetryCount      int
	RetryDelay      time.Duration
	ReadRPS         int
	ReadBurst       int
}

// Client is the Avalanche implementation of chain.Actions.
type Client struct {
	read   *rpcTransport
	signer *rpcTransport
	locks  kv.Store
	owner  string
	cfg    Config
	logger *zap.Logger

	// txMu serializes submissions within this process; the kv submit lock
	// extends the same guarantee across hosts. The hub wallet's pending
	// nonce is only coherent while exactly one submitter holds both.
	txMu sync.Mutex
}

func New(cfg Config, locks kv.Store, logger *zap.Logger) *Client {
	retry := RetryPolicy{MaxRetries: cfg.RetryCount, BaseDelay: cfg.RetryDelay}
	signerURL := cfg.SignerURL
	if signerURL == "" {
		signerURL = cfg.ReadURL
	}
	hostname, _ := os.Hostname()
	return &Client{
		read:   newTransport(cfg.ReadURL, "", cfg.ReadTimeout, retry, cfg.ReadRPS, cfg.ReadBurst),
		signer: newTransport(signerURL, cfg.SignerAuthToken, cfg.ReadTimeout, retry, cfg.ReadRPS, cfg.ReadBurst),
		locks:  locks,
		owner:  fmt.Sprintf("%s-%d", hostname, os.Getpid()),
		cfg:    cfg,
		logger: logger.Named("avalanche"),
	}
}

func (c *Client) GetBalance(ctx context.Context, address, token string) (*big.Int, error) {
	if token == "" {
		var raw string
		if err := c.read.call(ctx, true, "eth_getBalance", []any{address, "latest"}, &raw); err != nil {
			return nil, err
		}
		return hexToBig(raw)
	}

	result, err := c.ethCall(ctx, token, encodeCall(selBalanceOf, addrWord(address)))
	if err != nil {
		return nil, err
	}
	return decodeUintResult(result)
}

func (c *Client) EnsureAllowance(ctx context.Context, token, spender string, amount *big.Int) (string, error) {
	result, err := c.ethCall(ctx, token, encodeCall(selAllowance, addrWord(c.cfg.HubWallet), addrWord(spender)))
	if err != nil {
		return "", err
	}
	current, err := decodeUintResult(result)
	if err != nil {
		return "", err
	}
	if current.Cmp(amount) >= 0 {
		return "", nil
	}

	txHash, err := c.sendTransaction(ctx, token, nil,
		encodeCall(selApprove, addrWord(spender), uintWord(amount)), nil)
	if err != nil {
		return "", fmt.Errorf("approve: %w", err)
	}

	status, err := c.AwaitConfirmation(ctx, txHash, 2*time.Minute)
	if err != nil {
		return txHash, fmt.Errorf("approve confirm: %w", err)
	}
	if status != chain.ConfirmSuccess {
		return txHash, fmt.Errorf("approve tx %s: %s", txHash, status)
	}
	return txHash, nil
}

func (c *Client) SubmitProtocolAction(ctx context.Context, kind chain.ActionKind, params chain.ActionParams, gasCeiling *big.Int) (string, error) {
	var (
		to    string
		value *big.Int
		data  string
	)

	switch kind {
	case chain.ActionAaveSupply:
		to = params.Target
		data = encodeCall(selAaveSupply,
			addrWord(params.Token),
			uintWord(params.Amount),
			addrWord(params.OnBehalfOf),
			uintWord(big.NewInt(0)), // referral code
		)

	case chain.ActionGMXIncrease:
		to = params.Target
		value = params.ExecutionFee
		data = encodeGMXIncrease(params)

	case chain.ActionMorphoDeposit:
		to = params.Target
		data = encodeCall(selVaultDeposit,
			uintWord(params.Amount),
			addrWord(params.OnBehalfOf),
		)

	case chain.ActionTokenTransfer:
		to = params.Token
		data = encodeCall(selTransfer,
			addrWord(params.OnBehalfOf),
			uintWord(params.Amount),
		)

	case chain.ActionTokenTransferFrom:
		to = params.Token
		data = encodeCall(selTransferFrom,
			addrWord(params.From),
			addrWord(params.OnBehalfOf),
			uintWord(params.Amount),
		)

	default:
		return "", fmt.Errorf("unsupported action kind %q", kind)
	}

	return c.sendTransaction(ctx, to, value, data, gasCeiling)
}

func (c *Client) AwaitConfirmation(ctx context.Context, txHash string, timeout time.Duration) (chain.ConfirmationStatus, error) {
	deadline := time.Now().Add(timeout)
	ticker := time.NewTicker(receiptPollInterval)
	defer ticker.Stop()

	for {
		var receipt struct {
			Status      string `json:"status"`
			BlockNumber string `json:"blockNumber"`
		}
		err := c.read.call(ctx, true, "eth_getTransactionReceipt", []any{txHash}, &receipt)
		if err == nil && receipt.BlockNumber != "" {
			if receipt.Status == "0x1" {
				return chain.ConfirmSuccess, nil
			}
			return chain.ConfirmFailed, nil
		}
		if err != nil && ctx.Err() != nil {
			return "", ctx.Err()
		}

		if time.Now().After(deadline) {
			return chain.ConfirmTimeout, nil
		}
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-ticker.C:
		}
	}
}

func (c *Client) TransferNative(ctx context.Context, to string, amount *big.Int) (string, error) {
	return c.sendTransaction(ctx, to, amount, "0x", nil)
}

func (c *Client) ethCall(ctx context.Context, to, data string) (string, error) {
	var result string
	err := c.read.call(ctx, true, "eth_call", []any{
		map[string]string{"to": to, "data": data},
		"latest",
	}, &result)
	return result, err
}

// sendTransaction submits a legacy transaction through the signer
// endpoint. The current network gas price is clamped to the ceiling; a
// clamped transaction may confirm slowly, which the confirmation timeout
// already accounts for.
func (c *Client) sendTransaction(ctx context.Context, to string, value *big.Int, data string, gasCeiling *big.Int) (string, error) {
	c.txMu.Lock()
	defer c.txMu.Unlock()

	if err := c.acquireSubmitLock(ctx); err != nil {
		return "", err
	}
	defer c.releaseSubmitLock(ctx)

	gasPrice, err := c.gasPrice(ctx, gasCeiling)
	if err != nil {
		return "", err
	}

	tx := map[string]string{
		"from":     c.cfg.HubWallet,
		"to":       to,
		"data":     data,
		"gasPrice": bigToHex(gasPrice),
	}
	if value != nil && value.Sign() > 0 {
		tx["value"] = bigToHex(value)
	}

	gas, err := c.estimateGas(ctx, tx)
	if err != nil {
		return "", fmt.Errorf("estimate gas: %w", err)
	}
	tx["gas"] = bigToHex(gas)

	nonce, err := c.pendingNonce(ctx)
	if err != nil {
		return "", fmt.Errorf("nonce: %w", err)
	}
	tx["nonce"] = bigToHex(nonce)

	var txHash string
	if err := c.signer.call(ctx, false, "eth_sendTransaction", []any{tx}, &txHash); err != nil {
		return "", err
	}

	c.logger.Debug("transaction_submitted",
		zap.String("tx_hash", txHash),
		zap.String("to", to),
		zap.String("nonce", nonce.String()),
		zap.String("gas_price", gasPrice.String()),
	)
	return txHash, nil
}

// acquireSubmitLock blocks until this process owns the cross-host submit
// lock. Fails closed on a store error: no hub-wallet transaction goes out
// without the lock.
func (c *Client) acquireSubmitLock(ctx context.Context) error {
	for {
		ok, err := c.locks.SetNX(ctx, submitLockKey, c.owner, submitLockTTL)
		if err != nil {
			return fmt.Errorf("submit lock: %w", err)
		}
		if ok {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(submitLockPoll):
		}
	}
}

func (c *Client) releaseSubmitLock(ctx context.Context) {
	// The TTL covers a failed delete; the lock is never held past it.
	if err := c.locks.Del(ctx, submitLockKey); err != nil {
		c.logger.Warn("submit_lock_release_failed", zap.Error(err))
	}
}

func (c *Client) gasPrice(ctx context.Context, ceiling *big.Int) (*big.Int, error) {
	var raw string
	if err := c.read.call(ctx, true, "eth_gasPrice", []any{}, &raw); err != nil {
		return nil, fmt.Errorf("gas price: %w", err)
	}
	price, err := hexToBig(raw)
	if err != nil {
		return nil, err
	}
	if ceiling != nil && ceiling.Sign() > 0 && price.Cmp(ceiling) > 0 {
		c.logger.Warn("gas_price_clamped",
			zap.String("network", price.String()),
			zap.String("ceiling", ceiling.String()),
		)
		return new(big.Int).Set(ceiling), nil
	}
	return price, nil
}

func (c *Client) estimateGas(ctx context.Context, tx map[string]string) (*big.Int, error) {
	var raw string
	if err := c.read.call(ctx, true, "eth_estimateGas", []any{tx}, &raw); err != nil {
		return nil, err
	}
	estimate, err := hexToBig(raw)
	if err != nil {
		return nil, err
	}
	headroom := new(big.Int).Mul(estimate, big.NewInt(100+gasHeadroomPercent))
	return headroom.Div(headroom, big.NewInt(100)), nil
}

func (c *Client) pendingNonce(ctx context.Context) (*big.Int, error) {
	var raw string
	if err := c.read.call(ctx, true, "eth_getTransactionCount", []any{c.cfg.HubWallet, "pending"}, &raw); err != nil {
		return nil, err
	}
	return hexToBig(raw)
}

// encodeGMXIncrease builds the createIncreasePosition calldata. The path
// is the single collateral token; minOut, acceptable price, referral code
// and callback are zeroed, which the router accepts for market orders.
func encodeGMXIncrease(params chain.ActionParams) string {
	zero := uintWord(big.NewInt(0))
	head := []string{
		uintWord(big.NewInt(10 * 32)), // offset of the path array tail
		addrWord(params.Token),        // index token
		uintWord(params.Amount),
		zero, // minOut
		uintWord(params.SizeDelta),
		boolWord(params.IsLong),
		zero, // acceptable price
		uintWord(params.ExecutionFee),
		zero, // referral code
		addrWord(strings.Repeat("0", 40)), // callback target
	}
	tail := []string{
		uintWord(big.NewInt(1)), // path length
		addrWord(params.Token),
	}
	return encodeCall(selGMXIncrease, append(head, tail...)...)
}
