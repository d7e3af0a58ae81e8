// Package recovery reconciles positions that fell out of the happy path:
// stale executing claims, partial failures past the refund cooldown, and
// refunds awaiting confirmation. It mirrors the executor's write paths but
// never opens new protocol positions.
package recovery

import (
	"context"
	"errors"
	"math/big"
	"time"

	"go.uber.org/zap"

	"github.com/tiltvault/tiltvault-cloud/internal/domain/chain"
	"github.com/tiltvault/tiltvault-cloud/internal/domain/position"
)

// Config tunes the reconciliation sweep.
type Config struct {
	// RefundCooldown is the minimum age of a partial failure before the
	// principal is refunded. Gives transient protocol conditions (caps,
	// pauses) room to clear and a retried execution to succeed first.
	RefundCooldown time.Duration
	// ScanBatch bounds the number of positions handled per sweep.
	ScanBatch int
	// DiscrepancySample is how many recent active positions to spot-check
	// against chain state each sweep. Zero disables the check.
	DiscrepancySample int
	// DiscrepancyToleranceBps is the allowed relative drift before an
	// active position is reported as discrepant.
	DiscrepancyToleranceBps int64

	HubWallet string
	// USDCAddress funds refunds; AUSDCAddress is the Aave receipt token
	// the user actually holds, which is what discrepancy checks compare.
	USDCAddress     string
	AUSDCAddress    string
	GasPriceCeiling *big.Int
	ConfirmTimeout  time.Duration
	// GMXLeverageX10 and SplitPercentA mirror the executor's strategy
	// tunables so a settled pending transaction books the same amounts.
	GMXLeverageX10 int64
	SplitPercentA  int
}

// Service is the reconciliation loop companion to the executor.
type Service struct {
	repo    position.Repository
	actions chain.Actions
	cfg     Config
	logger  *zap.Logger
}

func New(repo position.Repository, actions chain.Actions, cfg Config, logger *zap.Logger) *Service {
	return &Service{
		repo:    repo,
		actions: actions,
		cfg:     cfg,
		logger:  logger.Named("recovery"),
	}
}

// Run sweeps on the interval until the context ends.
func (s *Service) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	s.logger.Info("recovery_loop_started", zap.Duration("interval", interval))
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := s.Sweep(ctx); err != nil && ctx.Err() == nil {
				s.logger.Error("recovery_sweep_failed", zap.Error(err))
			}
		}
	}
}

// SweepResult summarizes one reconciliation pass for logging and the admin
// API.
type SweepResult struct {
	Scanned       int `json:"scanned"`
	Refunded      int `json:"refunded"`
	Recovered     int `json:"recovered"`
	Closed        int `json:"closed"`
	Discrepancies int `json:"discrepancies"`
	Errors        int `json:"errors"`
}

// Sweep runs one full reconciliation pass.
func (s *Service) Sweep(ctx context.Context) (SweepResult, error) {
	var res SweepResult

	cutoff := time.Now().UTC().Add(-s.cfg.RefundCooldown)
	stale, err := s.repo.ListStale(ctx, position.NonTerminalStatuses(), cutoff, s.cfg.ScanBatch)
	if err != nil {
		return res, err
	}
	res.Scanned = len(stale)

	for _, pos := range stale {
		if ctx.Err() != nil {
			return res, ctx.Err()
		}
		switch s.reconcile(ctx, pos) {
		case actionRefunded:
			res.Refunded++
		case actionRecovered:
			res.Recovered++
		case actionClosed:
			res.Closed++
		case actionError:
			res.Errors++
		}
	}

	refunding, err := s.repo.ListByStatus(ctx, []position.Status{position.StatusFailedRefundPending}, s.cfg.ScanBatch)
	if err != nil {
		return res, err
	}
	for _, pos := range refunding {
		if ctx.Err() != nil {
			return res, ctx.Err()
		}
		switch s.confirmRefund(ctx, pos) {
		case actionClosed:
			res.Closed++
		case actionError:
			res.Errors++
		}
	}

	if s.cfg.DiscrepancySample > 0 {
		n, err := s.sampleActive(ctx)
		if err != nil {
			s.logger.Warn("discrepancy_sample_failed", zap.Error(err))
			res.Errors++
		}
		res.Discrepancies = n
	}

	s.logger.Info("recovery_sweep_complete",
		zap.Int("scanned", res.Scanned),
		zap.Int("refunded", res.Refunded),
		zap.Int("closed", res.Closed),
		zap.Int("discrepancies", res.Discrepancies),
		zap.Int("errors", res.Errors),
	)
	return res, nil
}

type reconcileAction int

const (
	actionNone reconcileAction = iota
	actionRefunded
	actionRecovered
	actionClosed
	actionError
)

func (s *Service) reconcile(ctx context.Context, pos *position.Position) reconcileAction {
	if !pos.VerifyIntegrity() {
		s.logger.Error("position_integrity_mismatch",
			zap.Int64("position_id", pos.ID),
			zap.String("payment_id", pos.PaymentID),
		)
		return actionError
	}

	switch pos.Status {
	case position.StatusSupplyFailed, position.StatusGasSentCapFailed:
		if pos.PendingTxHash != "" {
			if act := s.settlePending(ctx, pos); act != actionNone || pos.PendingTxHash != "" {
				return act
			}
		}
		return s.refundPrincipal(ctx, pos, false)
	case position.StatusExecuting:
		// Past the cooldown and still executing means the claiming worker
		// died mid-flight. Queue-side stale-claim release will requeue the
		// job; nothing to do here but surface it.
		s.logger.Warn("position_stuck_executing",
			zap.String("payment_id", pos.PaymentID),
			zap.Time("updated_at", pos.UpdatedAt),
		)
		return actionNone
	case position.StatusPending, position.StatusPendingEmail, position.StatusAvaxSent:
		return s.refundPrincipal(ctx, pos, false)
	default:
		return actionNone
	}
}

// settlePending resolves an unconfirmed protocol transaction before any
// refund decision. A hash that landed means the user's capital is already
// deployed; refunding on top of it would pay twice.
func (s *Service) settlePending(ctx context.Context, pos *position.Position) reconcileAction {
	status, err := s.actions.AwaitConfirmation(ctx, pos.PendingTxHash, s.cfg.ConfirmTimeout)
	if err != nil {
		s.logger.Warn("pending_tx_check_failed",
			zap.String("payment_id", pos.PaymentID),
			zap.String("tx_hash", pos.PendingTxHash),
			zap.Error(err),
		)
		return actionError
	}

	switch status {
	case chain.ConfirmSuccess:
		deployed := pos.ResolvePendingTx(s.cfg.GMXLeverageX10, s.cfg.SplitPercentA)
		if deployed {
			pos.MarkActive()
		}
		if err := s.repo.Save(ctx, pos); err != nil {
			s.logger.Error("pending_settle_save_failed",
				zap.String("payment_id", pos.PaymentID),
				zap.Error(err),
			)
			return actionError
		}
		if deployed {
			s.logger.Info("position_recovered",
				zap.String("payment_id", pos.PaymentID),
				zap.String("strategy", string(pos.StrategyType)),
			)
			return actionRecovered
		}
		// Partially deployed: one settled leg cannot be blanket-refunded
		// and the remainder needs a re-run. Operator decision.
		s.logger.Error("position_partially_deployed",
			zap.String("payment_id", pos.PaymentID),
		)
		return actionError

	case chain.ConfirmFailed:
		pos.PendingTxHash = ""
		if err := s.repo.Save(ctx, pos); err != nil {
			return actionError
		}
		return actionNone

	default:
		// Still unresolved; try again next sweep.
		return actionNone
	}
}

// refundPrincipal sends the USD principal back to the user's wallet as
// USDC. Idempotent: a position with a recorded refund tx is never paid
// twice.
func (s *Service) refundPrincipal(ctx context.Context, pos *position.Position, force bool) reconcileAction {
	if pos.Refunded() {
		return actionNone
	}
	if pos.PendingTxHash != "" {
		// Unresolved submission: the principal may already be deployed.
		s.logger.Warn("refund_blocked_pending_tx",
			zap.String("payment_id", pos.PaymentID),
			zap.String("tx_hash", pos.PendingTxHash),
		)
		return actionNone
	}
	if !force && time.Since(pos.UpdatedAt) < s.cfg.RefundCooldown {
		return actionNone
	}

	amount := new(big.Int).Mul(big.NewInt(pos.USDCCents), big.NewInt(10_000))
	txHash, err := s.actions.SubmitProtocolAction(ctx, chain.ActionTokenTransfer, chain.ActionParams{
		Token:      s.cfg.USDCAddress,
		OnBehalfOf: pos.WalletAddr,
		Amount:     amount,
	}, s.cfg.GasPriceCeiling)
	if err != nil {
		s.logger.Error("refund_submit_failed",
			zap.String("payment_id", pos.PaymentID),
			zap.Error(err),
		)
		return actionError
	}

	pos.MarkRefundIssued(txHash, pos.USDCCents)
	if err := s.repo.Save(ctx, pos); err != nil {
		// The refund is on chain but unrecorded. Refunded() stays false in
		// the DB, so the next sweep would double-pay; log at the highest
		// severity for operator intervention.
		s.logger.Error("refund_record_failed",
			zap.String("payment_id", pos.PaymentID),
			zap.String("tx_hash", txHash),
			zap.Error(err),
		)
		return actionError
	}

	s.logger.Info("refund_issued",
		zap.String("payment_id", pos.PaymentID),
		zap.String("tx_hash", txHash),
		zap.Int64("refund_cents", pos.RefundCents),
	)
	return actionRefunded
}

// confirmRefund advances failed_refund_pending to closed once the refund
// transaction confirms.
func (s *Service) confirmRefund(ctx context.Context, pos *position.Position) reconcileAction {
	if pos.RefundTxHash == "" {
		// Reached the refund-pending state without a tx hash; treat it as
		// an unpaid partial failure.
		return s.refundPrincipal(ctx, pos, false)
	}

	status, err := s.actions.AwaitConfirmation(ctx, pos.RefundTxHash, s.cfg.ConfirmTimeout)
	if err != nil {
		s.logger.Warn("refund_confirm_check_failed",
			zap.String("payment_id", pos.PaymentID),
			zap.String("tx_hash", pos.RefundTxHash),
			zap.Error(err),
		)
		return actionError
	}

	switch status {
	case chain.ConfirmSuccess:
		pos.MarkClosed()
		if err := s.repo.Save(ctx, pos); err != nil {
			s.logger.Error("refund_close_save_failed",
				zap.String("payment_id", pos.PaymentID),
				zap.Error(err),
			)
			return actionError
		}
		s.logger.Info("refund_confirmed",
			zap.String("payment_id", pos.PaymentID),
			zap.String("tx_hash", pos.RefundTxHash),
		)
		return actionClosed
	case chain.ConfirmFailed:
		// Refund tx reverted; clear the hash so the next sweep reissues.
		s.logger.Error("refund_tx_reverted",
			zap.String("payment_id", pos.PaymentID),
			zap.String("tx_hash", pos.RefundTxHash),
		)
		pos.RefundTxHash = ""
		pos.RefundedAt = nil
		if err := s.repo.Save(ctx, pos); err != nil {
			return actionError
		}
		return actionNone
	default:
		// Still indeterminate; check again next sweep.
		return actionNone
	}
}

// sampleActive spot-checks recent active positions against chain state and
// reports drift. Detection only; no corrective writes.
func (s *Service) sampleActive(ctx context.Context) (int, error) {
	active, err := s.repo.ListByStatus(ctx, []position.Status{position.StatusActive}, s.cfg.DiscrepancySample)
	if err != nil {
		return 0, err
	}

	discrepancies := 0
	for _, pos := range active {
		if pos.StrategyType != position.StrategyConservative {
			// Leveraged and vault positions change value with the market;
			// only the supplied principal is comparable one-to-one.
			continue
		}
		// The user holds the Aave receipt token, not raw USDC; the
		// receipt balance tracks the supplied principal one-to-one.
		onChain, err := s.actions.GetBalance(ctx, pos.WalletAddr, s.cfg.AUSDCAddress)
		if err != nil {
			continue
		}
		expected := new(big.Int).Mul(big.NewInt(pos.AaveSupplyCents), big.NewInt(10_000))
		if expected.Sign() == 0 {
			continue
		}
		diff := new(big.Int).Sub(onChain, expected)
		diff.Abs(diff)
		diff.Mul(diff, big.NewInt(10_000))
		if diff.Div(diff, expected).Int64() > s.cfg.DiscrepancyToleranceBps {
			discrepancies++
			s.logger.Warn("position_chain_discrepancy",
				zap.String("payment_id", pos.PaymentID),
				zap.Int64("expected_cents", pos.AaveSupplyCents),
				zap.String("on_chain_units", onChain.String()),
			)
		}
	}
	return discrepancies, nil
}

// RefundOne forces a refund evaluation for a single payment, bypassing the
// cooldown. Admin API entry point.
func (s *Service) RefundOne(ctx context.Context, paymentID string) (*position.Position, error) {
	pos, err := s.repo.FindByPaymentID(ctx, paymentID)
	if err != nil {
		return nil, err
	}
	if pos == nil {
		return nil, position.ErrNotFound
	}
	if pos.Refunded() {
		return pos, nil
	}
	if pos.PendingTxHash != "" {
		s.settlePending(ctx, pos)
		if pos.PendingTxHash != "" {
			return nil, errPendingUnresolved
		}
	}
	if pos.IsTerminal() || pos.Status == position.StatusActive {
		return nil, position.ErrTerminal
	}

	if act := s.refundPrincipal(ctx, pos, true); act == actionError {
		return nil, errRefundFailed
	}
	return pos, nil
}

var (
	errRefundFailed      = errors.New("refund submission failed")
	errPendingUnresolved = errors.New("pending transaction unresolved")
)
