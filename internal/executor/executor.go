// Package executor runs the ordered on-chain steps for an admitted
// payment: gas top-up, then the strategy's protocol action, with per-step
// bookkeeping on the position so partial failures are recoverable.
package executor

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"time"

	"go.uber.org/zap"

	"github.com/tiltvault/tiltvault-cloud/internal/domain/chain"
	"github.com/tiltvault/tiltvault-cloud/internal/domain/position"
	"github.com/tiltvault/tiltvault-cloud/internal/webhook"
)

// usdcUnitsPerCent converts USD cents to USDC base units (6 decimals).
const usdcUnitsPerCent = 10_000

// StrategyConfig carries the addresses and tunables every strategy needs.
// One instance built from the process config; never re-declared per
// package.
type StrategyConfig struct {
	HubWallet       string
	USDCAddress     string
	AavePool        string
	GMXRouter       string
	MorphoVaultA    string
	MorphoVaultB    string
	ERGCToken       string
	Treasury        string
	GasTopUpWei     *big.Int
	GasPriceCeiling *big.Int
	GMXLeverageX10  int64
	GMXExecutionFee *big.Int
	ERGCFeeUnits    *big.Int
	SplitPercentA   int
	SplitPercentB   int
	ConfirmTimeout  time.Duration
}

// StrategyExecutor is the state machine turning one admitted payment into
// on-chain positions. Callers must hold the payment's idempotency lock.
type StrategyExecutor struct {
	repo    position.Repository
	actions chain.Actions
	cfg     StrategyConfig
	logger  *zap.Logger
}

func New(repo position.Repository, actions chain.Actions, cfg StrategyConfig, logger *zap.Logger) *StrategyExecutor {
	return &StrategyExecutor{
		repo:    repo,
		actions: actions,
		cfg:     cfg,
		logger:  logger.Named("executor"),
	}
}

// Execute runs the full step sequence for an admitted event.
func (e *StrategyExecutor) Execute(ctx context.Context, ev *webhook.PaymentEvent) Outcome {
	strategy, err := position.ParseStrategy(ev.Note.RiskProfile)
	if err != nil {
		// Malformed strategies should have been rejected at validation;
		// reaching here means the note grammar and admission disagree.
		return retryable(err)
	}

	pos, err := e.resolvePosition(ctx, ev, strategy)
	if err != nil {
		return retryable(err)
	}
	if pos.IsTerminal() {
		e.logger.Info("position_already_terminal",
			zap.String("payment_id", ev.PaymentID),
			zap.String("status", string(pos.Status)),
		)
		return alreadyComplete(pos)
	}

	if pos.PendingTxHash != "" {
		outcome, settled := e.settlePending(ctx, pos)
		if !settled {
			return outcome
		}
		if pos.Status == position.StatusActive {
			return outcome
		}
	}

	if err := pos.MarkExecuting(); err != nil {
		return alreadyComplete(pos)
	}
	if err := e.repo.Save(ctx, pos); err != nil {
		return retryable(fmt.Errorf("save executing: %w", err))
	}

	// Gas top-up. Failure is non-fatal for every strategy: the hub wallet
	// pays gas for its own transactions, so the protocol step does not
	// depend on the user holding gas.
	e.topUpGas(ctx, pos)

	var stepErr error
	switch strategy {
	case position.StrategyConservative:
		stepErr = e.runConservative(ctx, pos)
	case position.StrategyAggressive:
		stepErr = e.runAggressive(ctx, pos, ev.Note)
	case position.StrategySplit:
		stepErr = e.runSplit(ctx, pos)
	}

	if stepErr != nil {
		return e.recordProtocolFailure(ctx, pos, stepErr)
	}

	pos.MarkActive()
	if err := e.repo.Save(ctx, pos); err != nil {
		return retryable(fmt.Errorf("save active: %w", err))
	}
	e.logger.Info("position_active",
		zap.String("payment_id", pos.PaymentID),
		zap.String("strategy", string(pos.StrategyType)),
		zap.Int64("usdc_cents", pos.USDCCents),
	)
	return success(pos)
}

// settlePending resolves a previously submitted transaction whose receipt
// never arrived. Nothing is resubmitted until the hash is settled: a
// landed transaction is folded into the position, a reverted one clears
// the hash so the step may run again, and a still-unconfirmed one stays
// indeterminate. The bool reports whether execution may continue.
func (e *StrategyExecutor) settlePending(ctx context.Context, pos *position.Position) (Outcome, bool) {
	status, err := e.actions.AwaitConfirmation(ctx, pos.PendingTxHash, e.cfg.ConfirmTimeout)
	if err != nil {
		return retryable(fmt.Errorf("settle pending tx %s: %w", pos.PendingTxHash, err)), false
	}

	switch status {
	case chain.ConfirmSuccess:
		deployed := pos.ResolvePendingTx(e.cfg.GMXLeverageX10, e.cfg.SplitPercentA)
		if deployed {
			pos.MarkActive()
		}
		if err := e.repo.Save(ctx, pos); err != nil {
			return retryable(fmt.Errorf("save settled position: %w", err)), false
		}
		e.logger.Info("pending_tx_settled",
			zap.String("payment_id", pos.PaymentID),
			zap.Bool("fully_deployed", deployed),
		)
		if deployed {
			return success(pos), true
		}
		return Outcome{}, true

	case chain.ConfirmFailed:
		// Reverted on chain; the step never took effect and is safe to
		// resubmit.
		pos.PendingTxHash = ""
		if err := e.repo.Save(ctx, pos); err != nil {
			return retryable(fmt.Errorf("save reverted pending: %w", err)), false
		}
		e.logger.Warn("pending_tx_reverted",
			zap.String("payment_id", pos.PaymentID),
		)
		return Outcome{}, true

	default:
		return indeterminate(pos, fmt.Errorf("%w: tx %s unresolved", chain.ErrIndeterminate, pos.PendingTxHash)), false
	}
}

// resolvePosition loads the payment's position, creating one at pending
// when absent.
func (e *StrategyExecutor) resolvePosition(ctx context.Context, ev *webhook.PaymentEvent, strategy position.StrategyType) (*position.Position, error) {
	pos, err := e.repo.FindByPaymentID(ctx, ev.PaymentID)
	if err != nil {
		return nil, fmt.Errorf("load position: %w", err)
	}
	if pos != nil {
		return pos, nil
	}

	pos = position.New(ev.PaymentID, ev.OrderID, ev.Note.WalletAddress, ev.Note.UserEmail, strategy, ev.AmountCents)
	if err := e.repo.Save(ctx, pos); err != nil {
		return nil, fmt.Errorf("create position: %w", err)
	}
	return pos, nil
}

func (e *StrategyExecutor) topUpGas(ctx context.Context, pos *position.Position) {
	if pos.AvaxTxHash != "" {
		// Already sent on a previous attempt; never send twice.
		return
	}

	txHash, err := e.actions.TransferNative(ctx, pos.WalletAddr, e.cfg.GasTopUpWei)
	if err != nil {
		e.logger.Warn("gas_topup_failed",
			zap.String("payment_id", pos.PaymentID),
			zap.Error(err),
		)
		return
	}

	pos.MarkAvaxSent(txHash)
	if err := e.repo.Save(ctx, pos); err != nil {
		e.logger.Error("gas_checkpoint_save_failed",
			zap.String("payment_id", pos.PaymentID),
			zap.Error(err),
		)
	}
}

// runConservative supplies the full amount to the lending pool on behalf
// of the user's wallet. Custody: USDC moves straight from the hub wallet
// into the pool; the user receives the receipt token directly.
func (e *StrategyExecutor) runConservative(ctx context.Context, pos *position.Position) error {
	amount := centsToUnits(pos.USDCCents)

	txHash, err := e.protocolStep(ctx, e.cfg.AavePool, chain.ActionAaveSupply, chain.ActionParams{
		Token:      e.cfg.USDCAddress,
		Target:     e.cfg.AavePool,
		OnBehalfOf: pos.WalletAddr,
		Amount:     amount,
	})
	if err != nil {
		pos.PendingTxHash = txHash
		return err
	}

	pos.AaveSupplyCents = pos.USDCCents
	pos.AaveSupplyTxHash = txHash
	return nil
}

// runAggressive opens a leveraged long sized from the full amount, and
// debits the fixed ERGC fee when the user holds a qualifying balance.
func (e *StrategyExecutor) runAggressive(ctx context.Context, pos *position.Position, note webhook.Note) error {
	collateral := centsToUnits(pos.USDCCents)
	sizeDelta := new(big.Int).Mul(collateral, big.NewInt(e.cfg.GMXLeverageX10))
	sizeDelta.Div(sizeDelta, big.NewInt(10))

	txHash, err := e.protocolStep(ctx, e.cfg.GMXRouter, chain.ActionGMXIncrease, chain.ActionParams{
		Token:        e.cfg.USDCAddress,
		Target:       e.cfg.GMXRouter,
		OnBehalfOf:   pos.WalletAddr,
		Amount:       collateral,
		SizeDelta:    sizeDelta,
		ExecutionFee: e.cfg.GMXExecutionFee,
		IsLong:       true,
	})
	if err != nil {
		pos.PendingTxHash = txHash
		return err
	}

	pos.GMXCollateralCents = pos.USDCCents
	pos.GMXPositionCents = pos.USDCCents * e.cfg.GMXLeverageX10 / 10
	pos.GMXLeverageX10 = e.cfg.GMXLeverageX10
	pos.GMXOrderTxHash = txHash

	e.debitERGCFee(ctx, pos, note)
	return nil
}

// debitERGCFee pulls the fixed utility-token fee from the user's wallet
// to the treasury when the balance qualifies. Aggressive path only;
// failure never fails the already-opened position.
func (e *StrategyExecutor) debitERGCFee(ctx context.Context, pos *position.Position, note webhook.Note) {
	if e.cfg.ERGCToken == "" || e.cfg.Treasury == "" || note.DebitERGC <= 0 {
		return
	}

	balance, err := e.actions.GetBalance(ctx, pos.WalletAddr, e.cfg.ERGCToken)
	if err != nil || balance.Cmp(e.cfg.ERGCFeeUnits) < 0 {
		return
	}

	txHash, err := e.actions.SubmitProtocolAction(ctx, chain.ActionTokenTransferFrom, chain.ActionParams{
		Token:      e.cfg.ERGCToken,
		From:       pos.WalletAddr,
		OnBehalfOf: e.cfg.Treasury,
		Amount:     e.cfg.ERGCFeeUnits,
	}, e.cfg.GasPriceCeiling)
	if err != nil {
		e.logger.Warn("ergc_fee_debit_failed",
			zap.String("payment_id", pos.PaymentID),
			zap.Error(err),
		)
		return
	}
	if _, err := e.actions.AwaitConfirmation(ctx, txHash, e.cfg.ConfirmTimeout); err != nil {
		e.logger.Warn("ergc_fee_confirm_failed",
			zap.String("payment_id", pos.PaymentID),
			zap.String("tx_hash", txHash),
			zap.Error(err),
		)
	}
}

// runSplit allocates the amount across two vault deposits, each an
// independent sub-step with its own transaction hash.
func (e *StrategyExecutor) runSplit(ctx context.Context, pos *position.Position) error {
	centsA := pos.USDCCents * int64(e.cfg.SplitPercentA) / 100
	centsB := pos.USDCCents - centsA

	if pos.MorphoTxHashA == "" {
		txHash, err := e.protocolStep(ctx, e.cfg.MorphoVaultA, chain.ActionMorphoDeposit, chain.ActionParams{
			Token:      e.cfg.USDCAddress,
			Target:     e.cfg.MorphoVaultA,
			OnBehalfOf: pos.WalletAddr,
			Amount:     centsToUnits(centsA),
		})
		if err != nil {
			pos.PendingTxHash = txHash
			return fmt.Errorf("vault a: %w", err)
		}
		pos.MorphoCentsA = centsA
		pos.MorphoTxHashA = txHash
		// Checkpoint so a retry after a vault B failure skips vault A.
		if err := e.repo.Save(ctx, pos); err != nil {
			e.logger.Error("split_checkpoint_save_failed",
				zap.String("payment_id", pos.PaymentID),
				zap.Error(err),
			)
		}
	}

	txHash, err := e.protocolStep(ctx, e.cfg.MorphoVaultB, chain.ActionMorphoDeposit, chain.ActionParams{
		Token:      e.cfg.USDCAddress,
		Target:     e.cfg.MorphoVaultB,
		OnBehalfOf: pos.WalletAddr,
		Amount:     centsToUnits(centsB),
	})
	if err != nil {
		pos.PendingTxHash = txHash
		return fmt.Errorf("vault b: %w", err)
	}
	pos.MorphoCentsB = centsB
	pos.MorphoTxHashB = txHash
	return nil
}

// protocolStep is the shared call discipline for every protocol action:
// hub balance sufficiency first (explicit error, not a revert), allowance,
// submit under the gas ceiling, await confirmation.
func (e *StrategyExecutor) protocolStep(ctx context.Context, spender string, kind chain.ActionKind, params chain.ActionParams) (string, error) {
	balance, err := e.actions.GetBalance(ctx, e.cfg.HubWallet, params.Token)
	if err != nil {
		return "", chain.NewActionError(position.ErrNetwork, "balance check", err)
	}
	if balance.Cmp(params.Amount) < 0 {
		return "", chain.NewActionError(position.ErrInsufficientBalance, string(kind),
			fmt.Errorf("hub balance %s below required %s", balance, params.Amount))
	}

	if _, err := e.actions.EnsureAllowance(ctx, params.Token, spender, params.Amount); err != nil {
		return "", chain.NewActionError(position.ErrApprovalFailed, string(kind), err)
	}

	txHash, err := e.actions.SubmitProtocolAction(ctx, kind, params, e.cfg.GasPriceCeiling)
	if err != nil {
		return "", chain.NewActionError(chain.ClassifyError(err), string(kind), err)
	}

	status, err := e.actions.AwaitConfirmation(ctx, txHash, e.cfg.ConfirmTimeout)
	if err != nil {
		return "", chain.NewActionError(position.ErrNetwork, string(kind), err)
	}
	switch status {
	case chain.ConfirmSuccess:
		return txHash, nil
	case chain.ConfirmTimeout:
		// Indeterminate: the transaction may still land. The hash goes
		// back to the caller so it can be persisted and settled before
		// anything is resubmitted.
		return txHash, chain.NewActionError(position.ErrNetwork, string(kind),
			fmt.Errorf("%w: tx %s", chain.ErrIndeterminate, txHash))
	default:
		return "", chain.NewActionError(position.ErrTransactionFailed, string(kind),
			fmt.Errorf("tx %s reverted", txHash))
	}
}

// recordProtocolFailure persists the classified failure and maps it onto
// an outcome kind.
func (e *StrategyExecutor) recordProtocolFailure(ctx context.Context, pos *position.Position, stepErr error) Outcome {
	errType := chain.ClassifyError(stepErr)
	pos.MarkProtocolFailed(errType, stepErr.Error())
	if err := e.repo.Save(ctx, pos); err != nil {
		e.logger.Error("failure_bookkeeping_save_failed",
			zap.String("payment_id", pos.PaymentID),
			zap.Error(err),
		)
		return retryable(fmt.Errorf("save failure state: %w", err))
	}

	e.logger.Warn("protocol_step_failed",
		zap.String("payment_id", pos.PaymentID),
		zap.String("status", string(pos.Status)),
		zap.String("error_type", string(errType)),
		zap.Error(stepErr),
	)

	if errors.Is(stepErr, chain.ErrIndeterminate) {
		return indeterminate(pos, stepErr)
	}
	return partialFailure(pos, stepErr)
}

func centsToUnits(cents int64) *big.Int {
	return new(big.Int).Mul(big.NewInt(cents), big.NewInt(usdcUnitsPerCent))
}
