package executor

import (
	"context"
	"errors"
	"math/big"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/tiltvault/tiltvault-cloud/internal/domain/chain"
	"github.com/tiltvault/tiltvault-cloud/internal/domain/position"
	"github.com/tiltvault/tiltvault-cloud/internal/webhook"
	"github.com/tiltvault/tiltvault-cloud/pkg/testhelper"
)

const (
	hubWallet  = "0xaaaa567890abcdef1234567890abcdef12345678"
	userWallet = "0x1234567890abcdef1234567890abcdef12345678"
	usdcToken  = "0xbbbb567890abcdef1234567890abcdef12345678"
	aavePool   = "0xcccc567890abcdef1234567890abcdef12345678"
	gmxRouter  = "0xdddd567890abcdef1234567890abcdef12345678"
	vaultA     = "0xeeee567890abcdef1234567890abcdef12345678"
	vaultB     = "0xffff567890abcdef1234567890abcdef12345678"
	ergcToken  = "0x1111567890abcdef1234567890abcdef12345678"
	treasury   = "0x2222567890abcdef1234567890abcdef12345678"
)

func testStrategyConfig() StrategyConfig {
	return StrategyConfig{
		HubWallet:       hubWallet,
		USDCAddress:     usdcToken,
		AavePool:        aavePool,
		GMXRouter:       gmxRouter,
		MorphoVaultA:    vaultA,
		MorphoVaultB:    vaultB,
		ERGCToken:       ergcToken,
		Treasury:        treasury,
		GasTopUpWei:     big.NewInt(20_000_000_000_000_000),
		GasPriceCeiling: big.NewInt(50_000_000_000),
		GMXLeverageX10:  25,
		GMXExecutionFee: big.NewInt(300_000_000_000_000),
		ERGCFeeUnits:    big.NewInt(1_000_000),
		SplitPercentA:   60,
		SplitPercentB:   40,
		ConfirmTimeout:  time.Second,
	}
}

func newTestExecutor() (*StrategyExecutor, *testhelper.FakeChain, *testhelper.FakePositionRepo) {
	fc := testhelper.NewFakeChain()
	repo := testhelper.NewFakePositionRepo()
	return New(repo, fc, testStrategyConfig(), zap.NewNop()), fc, repo
}

func paymentEvent(paymentID, risk string, cents int64) *webhook.PaymentEvent {
	return &webhook.PaymentEvent{
		EventID:     "evt_" + paymentID,
		EventType:   webhook.EventPaymentCreated,
		PaymentID:   paymentID,
		OrderID:     "ord_" + paymentID,
		AmountCents: cents,
		Currency:    "USD",
		Status:      webhook.PaymentCompleted,
		Note: webhook.Note{
			WalletAddress: userWallet,
			RiskProfile:   risk,
			UserEmail:     "jo@example.com",
		},
	}
}

func submittedKinds(fc *testhelper.FakeChain) []chain.ActionKind {
	kinds := make([]chain.ActionKind, 0, len(fc.Submitted))
	for _, s := range fc.Submitted {
		kinds = append(kinds, s.Kind)
	}
	return kinds
}

func TestExecuteConservative(t *testing.T) {
	ctx := context.Background()
	e, fc, repo := newTestExecutor()

	out := e.Execute(ctx, paymentEvent("pay_1", "conservative", 25000))
	require.Equal(t, OutcomeSuccess, out.Kind)

	pos, err := repo.FindByPaymentID(ctx, "pay_1")
	require.NoError(t, err)
	require.NotNil(t, pos)
	assert.Equal(t, position.StatusActive, pos.Status)
	assert.Equal(t, int64(25000), pos.AaveSupplyCents)
	assert.NotEmpty(t, pos.AaveSupplyTxHash)
	assert.NotEmpty(t, pos.AvaxTxHash, "gas top-up recorded")
	assert.NotNil(t, pos.ExecutedAt)

	require.Equal(t, []chain.ActionKind{chain.ActionAaveSupply}, submittedKinds(fc))
	supply := fc.Submitted[0]
	assert.Equal(t, usdcToken, supply.Params.Token)
	assert.Equal(t, userWallet, supply.Params.OnBehalfOf)
	// 25000 cents is 250 USDC in 6-decimal base units.
	assert.Zero(t, supply.Params.Amount.Cmp(big.NewInt(250_000_000)))

	assert.Equal(t, []string{userWallet}, fc.Transfers)
}

func TestExecuteInsufficientHubBalance(t *testing.T) {
	ctx := context.Background()
	e, fc, repo := newTestExecutor()
	fc.SetBalance(hubWallet, usdcToken, big.NewInt(1))

	out := e.Execute(ctx, paymentEvent("pay_1", "conservative", 25000))
	require.Equal(t, OutcomePartialFailure, out.Kind)

	pos, err := repo.FindByPaymentID(ctx, "pay_1")
	require.NoError(t, err)
	// Gas was already sent, so the failure lands in the gas-sent bucket.
	assert.Equal(t, position.StatusGasSentCapFailed, pos.Status)
	assert.Equal(t, position.ErrInsufficientBalance, pos.ErrorType)
	assert.NotEmpty(t, pos.LastError)
	assert.Empty(t, fc.Submitted, "no transaction submitted without funds")
}

func TestExecuteClassifiesRevert(t *testing.T) {
	ctx := context.Background()
	e, fc, repo := newTestExecutor()
	fc.SubmitErrFor[chain.ActionAaveSupply] = errors.New("execution reverted: 29 reserve is paused")

	out := e.Execute(ctx, paymentEvent("pay_1", "conservative", 25000))
	require.Equal(t, OutcomePartialFailure, out.Kind)

	pos, err := repo.FindByPaymentID(ctx, "pay_1")
	require.NoError(t, err)
	assert.Equal(t, position.ErrReservePaused, pos.ErrorType)
}

func TestExecuteTerminalShortCircuits(t *testing.T) {
	ctx := context.Background()
	e, fc, repo := newTestExecutor()

	existing := position.New("pay_1", "ord_1", userWallet, "", position.StrategyConservative, 25000)
	existing.MarkActive()
	existing.MarkClosed()
	require.NoError(t, repo.Save(ctx, existing))

	out := e.Execute(ctx, paymentEvent("pay_1", "conservative", 25000))
	assert.Equal(t, OutcomeAlreadyComplete, out.Kind)
	assert.Empty(t, fc.Submitted)
	assert.Empty(t, fc.Transfers, "no gas sent for a closed position")
}

func TestExecuteSplit(t *testing.T) {
	ctx := context.Background()
	e, fc, repo := newTestExecutor()

	out := e.Execute(ctx, paymentEvent("pay_1", "split", 10000))
	require.Equal(t, OutcomeSuccess, out.Kind)

	pos, err := repo.FindByPaymentID(ctx, "pay_1")
	require.NoError(t, err)
	assert.Equal(t, int64(6000), pos.MorphoCentsA)
	assert.Equal(t, int64(4000), pos.MorphoCentsB)
	assert.NotEmpty(t, pos.MorphoTxHashA)
	assert.NotEmpty(t, pos.MorphoTxHashB)
	assert.NotEqual(t, pos.MorphoTxHashA, pos.MorphoTxHashB)

	require.Equal(t, []chain.ActionKind{chain.ActionMorphoDeposit, chain.ActionMorphoDeposit}, submittedKinds(fc))
	assert.Equal(t, vaultA, fc.Submitted[0].Params.Target)
	assert.Equal(t, vaultB, fc.Submitted[1].Params.Target)
}

func TestExecuteSplitOddAmount(t *testing.T) {
	ctx := context.Background()
	e, _, repo := newTestExecutor()

	// 99999 * 60 / 100 truncates; vault B takes the remainder so the
	// two legs always sum to the full amount.
	out := e.Execute(ctx, paymentEvent("pay_1", "split", 99999))
	require.Equal(t, OutcomeSuccess, out.Kind)

	pos, err := repo.FindByPaymentID(ctx, "pay_1")
	require.NoError(t, err)
	assert.Equal(t, pos.USDCCents, pos.MorphoCentsA+pos.MorphoCentsB)
}

func TestExecuteSplitRetrySkipsCompletedLeg(t *testing.T) {
	ctx := context.Background()
	e, fc, repo := newTestExecutor()

	// Simulate a first attempt where vault A landed and vault B failed.
	existing := position.New("pay_1", "ord_1", userWallet, "", position.StrategySplit, 10000)
	require.NoError(t, existing.MarkExecuting())
	existing.MorphoCentsA = 6000
	existing.MorphoTxHashA = "0xdone_vault_a"
	existing.AvaxTxHash = "0xdone_gas"
	existing.MarkProtocolFailed(position.ErrNetwork, "vault b: connection reset")
	require.NoError(t, repo.Save(ctx, existing))

	out := e.Execute(ctx, paymentEvent("pay_1", "split", 10000))
	require.Equal(t, OutcomeSuccess, out.Kind)

	pos, err := repo.FindByPaymentID(ctx, "pay_1")
	require.NoError(t, err)
	assert.Equal(t, position.StatusActive, pos.Status)
	assert.Equal(t, "0xdone_vault_a", pos.MorphoTxHashA, "completed leg untouched")
	assert.NotEmpty(t, pos.MorphoTxHashB)
	assert.Equal(t, 1, pos.RetryCount)

	// Only vault B was submitted, and no second gas top-up went out.
	require.Len(t, fc.Submitted, 1)
	assert.Equal(t, vaultB, fc.Submitted[0].Params.Target)
	assert.Empty(t, fc.Transfers)
}

func TestExecuteAggressive(t *testing.T) {
	ctx := context.Background()
	e, fc, repo := newTestExecutor()

	ev := paymentEvent("pay_1", "aggressive", 40000)
	ev.Note.DebitERGC = 1

	out := e.Execute(ctx, ev)
	require.Equal(t, OutcomeSuccess, out.Kind)

	pos, err := repo.FindByPaymentID(ctx, "pay_1")
	require.NoError(t, err)
	assert.Equal(t, int64(40000), pos.GMXCollateralCents)
	assert.Equal(t, int64(100000), pos.GMXPositionCents, "2.5x leverage")
	assert.Equal(t, int64(25), pos.GMXLeverageX10)
	assert.NotEmpty(t, pos.GMXOrderTxHash)

	require.Equal(t, []chain.ActionKind{chain.ActionGMXIncrease, chain.ActionTokenTransferFrom}, submittedKinds(fc))

	increase := fc.Submitted[0]
	assert.True(t, increase.Params.IsLong)
	assert.Zero(t, increase.Params.Amount.Cmp(big.NewInt(400_000_000)))
	assert.Zero(t, increase.Params.SizeDelta.Cmp(big.NewInt(1_000_000_000)))

	// The fee leaves the user's wallet, not the hub's.
	fee := fc.Submitted[1]
	assert.Equal(t, ergcToken, fee.Params.Token)
	assert.Equal(t, userWallet, fee.Params.From)
	assert.Equal(t, treasury, fee.Params.OnBehalfOf)
}

func TestExecuteAggressiveSkipsFeeWithoutBalance(t *testing.T) {
	ctx := context.Background()
	e, fc, _ := newTestExecutor()
	fc.SetBalance(userWallet, ergcToken, big.NewInt(10))

	ev := paymentEvent("pay_1", "aggressive", 40000)
	ev.Note.DebitERGC = 1

	out := e.Execute(ctx, ev)
	require.Equal(t, OutcomeSuccess, out.Kind)
	assert.Equal(t, []chain.ActionKind{chain.ActionGMXIncrease}, submittedKinds(fc))
}

func TestExecuteAggressiveFeeFailureIsNonFatal(t *testing.T) {
	ctx := context.Background()
	e, fc, repo := newTestExecutor()
	fc.SubmitErrFor[chain.ActionTokenTransferFrom] = errors.New("nonce too low")

	ev := paymentEvent("pay_1", "aggressive", 40000)
	ev.Note.DebitERGC = 1

	out := e.Execute(ctx, ev)
	require.Equal(t, OutcomeSuccess, out.Kind)

	pos, err := repo.FindByPaymentID(ctx, "pay_1")
	require.NoError(t, err)
	assert.Equal(t, position.StatusActive, pos.Status)
}

func TestExecuteConfirmTimeoutIsIndeterminate(t *testing.T) {
	ctx := context.Background()
	e, fc, repo := newTestExecutor()
	// Submission order is fixed: gas top-up, approval, then the supply.
	fc.ConfirmStatus["0xfake_aave_supply_0003"] = chain.ConfirmTimeout

	out := e.Execute(ctx, paymentEvent("pay_1", "conservative", 25000))
	require.Equal(t, OutcomeIndeterminate, out.Kind)
	assert.ErrorIs(t, out.Err, chain.ErrIndeterminate)

	pos, err := repo.FindByPaymentID(ctx, "pay_1")
	require.NoError(t, err)
	assert.Equal(t, position.StatusGasSentCapFailed, pos.Status)
	assert.Equal(t, position.ErrNetwork, pos.ErrorType)
	assert.Equal(t, "0xfake_aave_supply_0003", pos.PendingTxHash,
		"the unresolved hash is persisted for settlement")
}

func TestExecuteSettlesLandedPendingTx(t *testing.T) {
	ctx := context.Background()
	e, fc, repo := newTestExecutor()
	fc.ConfirmStatus["0xfake_aave_supply_0003"] = chain.ConfirmTimeout

	out := e.Execute(ctx, paymentEvent("pay_1", "conservative", 25000))
	require.Equal(t, OutcomeIndeterminate, out.Kind)

	// The transaction lands after the timeout window. A retried execution
	// settles the hash instead of supplying a second time.
	fc.ConfirmStatus["0xfake_aave_supply_0003"] = chain.ConfirmSuccess
	submittedBefore := len(fc.Submitted)

	out = e.Execute(ctx, paymentEvent("pay_1", "conservative", 25000))
	require.Equal(t, OutcomeSuccess, out.Kind)
	assert.Len(t, fc.Submitted, submittedBefore, "nothing resubmitted")

	pos, err := repo.FindByPaymentID(ctx, "pay_1")
	require.NoError(t, err)
	assert.Equal(t, position.StatusActive, pos.Status)
	assert.Empty(t, pos.PendingTxHash)
	assert.Equal(t, "0xfake_aave_supply_0003", pos.AaveSupplyTxHash)
	assert.Equal(t, int64(25000), pos.AaveSupplyCents)
}

func TestExecuteResubmitsRevertedPendingTx(t *testing.T) {
	ctx := context.Background()
	e, fc, repo := newTestExecutor()
	fc.ConfirmStatus["0xfake_aave_supply_0003"] = chain.ConfirmTimeout

	out := e.Execute(ctx, paymentEvent("pay_1", "conservative", 25000))
	require.Equal(t, OutcomeIndeterminate, out.Kind)

	// The pending transaction turns out reverted; the retry may safely
	// run the supply again.
	fc.ConfirmStatus["0xfake_aave_supply_0003"] = chain.ConfirmFailed

	out = e.Execute(ctx, paymentEvent("pay_1", "conservative", 25000))
	require.Equal(t, OutcomeSuccess, out.Kind)

	pos, err := repo.FindByPaymentID(ctx, "pay_1")
	require.NoError(t, err)
	assert.Equal(t, position.StatusActive, pos.Status)
	assert.Empty(t, pos.PendingTxHash)
	assert.NotEqual(t, "0xfake_aave_supply_0003", pos.AaveSupplyTxHash)
}

func TestExecuteRevertedTransaction(t *testing.T) {
	ctx := context.Background()
	e, fc, repo := newTestExecutor()
	fc.ConfirmStatus["0xfake_aave_supply_0003"] = chain.ConfirmFailed

	out := e.Execute(ctx, paymentEvent("pay_1", "conservative", 25000))
	require.Equal(t, OutcomePartialFailure, out.Kind)

	pos, err := repo.FindByPaymentID(ctx, "pay_1")
	require.NoError(t, err)
	assert.Equal(t, position.ErrTransactionFailed, pos.ErrorType)
}

func TestExecuteGasTopUpFailureIsNonFatal(t *testing.T) {
	ctx := context.Background()
	e, fc, repo := newTestExecutor()
	fc.TransferErr = errors.New("insufficient funds for gas")

	out := e.Execute(ctx, paymentEvent("pay_1", "conservative", 25000))
	require.Equal(t, OutcomeSuccess, out.Kind)

	pos, err := repo.FindByPaymentID(ctx, "pay_1")
	require.NoError(t, err)
	assert.Empty(t, pos.AvaxTxHash)
	assert.Equal(t, position.StatusActive, pos.Status)
}

func TestExecuteSaveFailureIsRetryable(t *testing.T) {
	ctx := context.Background()
	e, fc, repo := newTestExecutor()
	repo.SaveErr = errors.New("connection refused")

	out := e.Execute(ctx, paymentEvent("pay_1", "conservative", 25000))
	assert.Equal(t, OutcomeRetryable, out.Kind)
	assert.Error(t, out.Err)
	assert.Empty(t, fc.Submitted, "nothing reaches the chain without durable state")
}

func TestExecuteUnknownStrategy(t *testing.T) {
	ctx := context.Background()
	e, _, _ := newTestExecutor()

	out := e.Execute(ctx, paymentEvent("pay_1", "yolo", 25000))
	assert.Equal(t, OutcomeRetryable, out.Kind)
	assert.ErrorIs(t, out.Err, position.ErrUnknownStrategy)
}
