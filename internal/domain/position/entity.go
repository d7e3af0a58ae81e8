package position

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"time"
)

// StrategyType selects the on-chain deployment path for a payment.
type StrategyType string

const (
	StrategyConservative StrategyType = "conservative"
	StrategyAggressive   StrategyType = "aggressive"
	StrategySplit        StrategyType = "split"
)

// ParseStrategy maps a risk-profile token to a strategy.
func ParseStrategy(risk string) (StrategyType, error) {
	switch StrategyType(risk) {
	case StrategyConservative, StrategyAggressive, StrategySplit:
		return StrategyType(risk), nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownStrategy, risk)
	}
}

// Status is the lifecycle state of a position.
type Status string

const (
	StatusPending             Status = "pending"
	StatusPendingEmail        Status = "pending_email"
	StatusExecuting           Status = "executing"
	StatusAvaxSent            Status = "avax_sent"
	StatusActive              Status = "active"
	StatusSupplyFailed        Status = "supply_failed"
	StatusGasSentCapFailed    Status = "gas_sent_cap_failed"
	StatusWithdrawn           Status = "withdrawn"
	StatusClosed              Status = "closed"
	StatusFailed              Status = "failed"
	StatusFailedRefundPending Status = "failed_refund_pending"
)

// ErrorType classifies execution failures so recovery and operator tooling
// branch deterministically instead of string-matching messages.
type ErrorType string

const (
	ErrInsufficientBalance ErrorType = "insufficient_balance"
	ErrSupplyCap           ErrorType = "supply_cap"
	ErrReservePaused       ErrorType = "reserve_paused"
	ErrNetwork             ErrorType = "network_error"
	ErrApprovalFailed      ErrorType = "approval_failed"
	ErrTransactionFailed   ErrorType = "transaction_failed"
	ErrUnknown             ErrorType = "unknown"
)

var (
	ErrUnknownStrategy = errors.New("unknown strategy type")
	ErrTerminal        = errors.New("position is terminal")
	ErrNotFound        = errors.New("position not found")
)

// Position is the durable record of a user's deployed capital, 1:1 with
// the originating payment.
type Position struct {
	ID           int64        `json:"id,string"`
	PaymentID    string       `json:"payment_id"`
	OrderID      string       `json:"order_id,omitempty"`
	UserEmail    string       `json:"user_email,omitempty"`
	WalletAddr   string       `json:"wallet_address"`
	StrategyType StrategyType `json:"strategy_type"`
	USDCCents    int64        `json:"usdc_cents"`
	Status       Status       `json:"status"`

	// Per-protocol bookkeeping. Amounts are USDC cents.
	AaveSupplyCents  int64  `json:"aave_supply_cents,omitempty"`
	AaveSupplyTxHash string `json:"aave_supply_tx_hash,omitempty"`

	GMXCollateralCents int64  `json:"gmx_collateral_cents,omitempty"`
	GMXPositionCents   int64  `json:"gmx_position_cents,omitempty"`
	GMXLeverageX10     int64  `json:"gmx_leverage_x10,omitempty"`
	GMXOrderTxHash     string `json:"gmx_order_tx_hash,omitempty"`

	MorphoCentsA  int64  `json:"morpho_cents_a,omitempty"`
	MorphoCentsB  int64  `json:"morpho_cents_b,omitempty"`
	MorphoTxHashA string `json:"morpho_tx_hash_a,omitempty"`
	MorphoTxHashB string `json:"morpho_tx_hash_b,omitempty"`

	AvaxTxHash string `json:"avax_tx_hash,omitempty"`

	// PendingTxHash is a submitted protocol transaction whose receipt
	// never arrived. While set, no step may be resubmitted; the hash must
	// be settled against the chain first.
	PendingTxHash string `json:"pending_tx_hash,omitempty"`

	RefundTxHash string     `json:"refund_tx_hash,omitempty"`
	RefundCents  int64      `json:"refund_cents,omitempty"`
	RefundedAt   *time.Time `json:"refunded_at,omitempty"`

	RetryCount int       `json:"retry_count"`
	ErrorType  ErrorType `json:"error_type,omitempty"`
	LastError  string    `json:"last_error,omitempty"`

	IntegrityHash string `json:"-"`

	CreatedAt  time.Time  `json:"created_at"`
	ExecutedAt *time.Time `json:"executed_at,omitempty"`
	ClosedAt   *time.Time `json:"closed_at,omitempty"`
	UpdatedAt  time.Time  `json:"updated_at"`
}

// New creates a position in pending state for a resolved payment.
func New(paymentID, orderID, wallet, email string, strategy StrategyType, usdcCents int64) *Position {
	now := time.Now().UTC()
	p := &Position{
		PaymentID:    paymentID,
		OrderID:      orderID,
		WalletAddr:   wallet,
		UserEmail:    email,
		StrategyType: strategy,
		USDCCents:    usdcCents,
		Status:       StatusPending,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	return p
}

// IsTerminal reports whether the position may no longer be mutated by the
// executor. failed_refund_pending is only terminal once the refund tx is
// recorded; before that the recovery service still owns it.
func (p *Position) IsTerminal() bool {
	switch p.Status {
	case StatusClosed, StatusWithdrawn, StatusFailed:
		return true
	case StatusFailedRefundPending:
		return p.RefundTxHash != ""
	default:
		return false
	}
}

// Refunded reports whether a refund transaction has already been issued.
func (p *Position) Refunded() bool {
	return p.RefundTxHash != ""
}

// MarkExecuting transitions into the executing state. Retries from a
// partial-failure state increment RetryCount; this is the only backward
// transition the state machine allows.
func (p *Position) MarkExecuting() error {
	if p.IsTerminal() {
		return ErrTerminal
	}
	switch p.Status {
	case StatusSupplyFailed, StatusGasSentCapFailed, StatusAvaxSent:
		p.RetryCount++
	}
	p.Status = StatusExecuting
	p.LastError = ""
	p.ErrorType = ""
	p.UpdatedAt = time.Now().UTC()
	return nil
}

// MarkAvaxSent checkpoints a successful gas top-up before the protocol step.
func (p *Position) MarkAvaxSent(txHash string) {
	p.AvaxTxHash = txHash
	p.Status = StatusAvaxSent
	p.UpdatedAt = time.Now().UTC()
}

// MarkActive records full success.
func (p *Position) MarkActive() {
	now := time.Now().UTC()
	p.Status = StatusActive
	p.ExecutedAt = &now
	p.LastError = ""
	p.ErrorType = ""
	p.UpdatedAt = now
}

// MarkProtocolFailed records a failed protocol step. Positions that already
// sent gas land in gas_sent_cap_failed so the recovery service can tell the
// two partial-failure shapes apart.
func (p *Position) MarkProtocolFailed(errType ErrorType, errMsg string) {
	if p.AvaxTxHash != "" {
		p.Status = StatusGasSentCapFailed
	} else {
		p.Status = StatusSupplyFailed
	}
	p.ErrorType = errType
	p.LastError = errMsg
	p.UpdatedAt = time.Now().UTC()
}

// ResolvePendingTx folds a landed pending transaction into the step it
// belonged to and clears the hash. Reports whether the position is now
// fully deployed; a split with only leg A settled is not.
func (p *Position) ResolvePendingTx(leverageX10 int64, splitPercentA int) bool {
	txHash := p.PendingTxHash
	p.PendingTxHash = ""
	p.UpdatedAt = time.Now().UTC()

	switch p.StrategyType {
	case StrategyConservative:
		p.AaveSupplyCents = p.USDCCents
		p.AaveSupplyTxHash = txHash
		return true
	case StrategyAggressive:
		p.GMXCollateralCents = p.USDCCents
		p.GMXPositionCents = p.USDCCents * leverageX10 / 10
		p.GMXLeverageX10 = leverageX10
		p.GMXOrderTxHash = txHash
		return true
	case StrategySplit:
		if p.MorphoTxHashA == "" {
			p.MorphoCentsA = p.USDCCents * int64(splitPercentA) / 100
			p.MorphoTxHashA = txHash
			return p.MorphoTxHashB != ""
		}
		p.MorphoCentsB = p.USDCCents - p.MorphoCentsA
		p.MorphoTxHashB = txHash
		return true
	}
	return false
}

// MarkPendingEmail parks the position while an email bounce is retried.
func (p *Position) MarkPendingEmail() {
	p.Status = StatusPendingEmail
	p.UpdatedAt = time.Now().UTC()
}

// MarkFailed records a terminal, non-refundable failure.
func (p *Position) MarkFailed(errType ErrorType, errMsg string) {
	now := time.Now().UTC()
	p.Status = StatusFailed
	p.ErrorType = errType
	p.LastError = errMsg
	p.ClosedAt = &now
	p.UpdatedAt = now
}

// MarkRefundIssued records the principal refund transaction. The gas
// already sent is not reclaimed; only the USD principal moves back.
func (p *Position) MarkRefundIssued(txHash string, cents int64) {
	now := time.Now().UTC()
	p.RefundTxHash = txHash
	p.RefundCents = cents
	p.RefundedAt = &now
	p.Status = StatusFailedRefundPending
	p.UpdatedAt = now
}

// MarkClosed finalizes the position after a confirmed refund or withdrawal.
func (p *Position) MarkClosed() {
	now := time.Now().UTC()
	p.Status = StatusClosed
	p.ClosedAt = &now
	p.UpdatedAt = now
}

// ComputeIntegrityHash hashes the immutable identifying fields. Stored
// beside the row and with recency-index entries for corruption detection.
func (p *Position) ComputeIntegrityHash() string {
	sum := sha256.Sum256(fmt.Appendf(nil, "%d|%s|%s|%s|%d|%d",
		p.ID, p.PaymentID, p.WalletAddr, p.UserEmail, p.USDCCents, p.CreatedAt.UnixNano()))
	return hex.EncodeToString(sum[:])
}

// VerifyIntegrity reports whether the stored hash matches the identity fields.
func (p *Position) VerifyIntegrity() bool {
	if p.IntegrityHash == "" {
		return true
	}
	return p.IntegrityHash == p.ComputeIntegrityHash()
}

// NonTerminalStatuses lists every state eligible for recovery scanning.
func NonTerminalStatuses() []Status {
	return []Status{
		StatusPending,
		StatusPendingEmail,
		StatusExecuting,
		StatusAvaxSent,
		StatusSupplyFailed,
		StatusGasSentCapFailed,
	}
}
