package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/tiltvault/tiltvault-cloud/internal/domain/position"
	"github.com/tiltvault/tiltvault-cloud/pkg/kv"
	"github.com/tiltvault/tiltvault-cloud/pkg/snowflake"
)

const (
	recencyIndexKey = "positions:recent"
	emailIndexKey   = "positions:email:"
	walletIndexKey  = "positions:wallet:"
	recencyKeep     = 1000
)

// PositionModel is the database DTO with Gorm tags.
type PositionModel struct {
	ID           int64  `gorm:"primaryKey"`
	PaymentID    string `gorm:"type:varchar(255);uniqueIndex;not null"`
	OrderID      string `gorm:"type:varchar(255);index"`
	UserEmail    string `gorm:"type:varchar(320);index"`
	WalletAddr   string `gorm:"type:varchar(42);index;not null"`
	StrategyType string `gorm:"type:varchar(32);not null"`
	USDCCents    int64  `gorm:"not null"`
	Status       string `gorm:"type:varchar(32);not null;index"`

	AaveSupplyCents  int64
	AaveSupplyTxHash string `gorm:"type:varchar(66)"`

	GMXCollateralCents int64
	GMXPositionCents   int64
	GMXLeverageX10     int64
	GMXOrderTxHash     string `gorm:"type:varchar(66)"`

	MorphoCentsA  int64
	MorphoCentsB  int64
	MorphoTxHashA string `gorm:"type:varchar(66)"`
	MorphoTxHashB string `gorm:"type:varchar(66)"`

	AvaxTxHash    string `gorm:"type:varchar(66)"`
	PendingTxHash string `gorm:"type:varchar(66)"`

	RefundTxHash string `gorm:"type:varchar(66)"`
	RefundCents  int64
	RefundedAt   *time.Time

	RetryCount int    `gorm:"not null;default:0"`
	ErrorType  string `gorm:"type:varchar(32)"`
	LastError  string `gorm:"type:text"`

	IntegrityHash string `gorm:"type:varchar(64)"`

	CreatedAt  time.Time `gorm:"not null"`
	ExecutedAt *time.Time
	ClosedAt   *time.Time
	UpdatedAt  time.Time
}

func (PositionModel) TableName() string {
	return "positions"
}

// Repository persists positions in Postgres and maintains lookup indexes
// in the kv store. The kv writes are best-effort: Postgres is the source
// of truth and index misses only degrade dashboard queries.
type Repository struct {
	db     *gorm.DB
	kv     kv.Store
	ids    *snowflake.Node
	logger *zap.Logger
}

func NewRepository(db *gorm.DB, store kv.Store, ids *snowflake.Node, logger *zap.Logger) *Repository {
	return &Repository{db: db, kv: store, ids: ids, logger: logger.Named("position_repo")}
}

func (r *Repository) FindByPaymentID(ctx context.Context, paymentID string) (*position.Position, error) {
	var model PositionModel
	if err := r.db.WithContext(ctx).Where("payment_id = ?", paymentID).First(&model).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return toDomain(model), nil
}

func (r *Repository) FindByID(ctx context.Context, id int64) (*position.Position, error) {
	var model PositionModel
	if err := r.db.WithContext(ctx).Where("id = ?", id).First(&model).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return toDomain(model), nil
}

func (r *Repository) Save(ctx context.Context, entity *position.Position) error {
	if entity.ID == 0 {
		entity.ID = r.ids.GenerateID()
	}
	entity.IntegrityHash = entity.ComputeIntegrityHash()

	model := toModel(entity)
	if err := r.db.WithContext(ctx).Save(&model).Error; err != nil {
		return err
	}

	r.indexPosition(ctx, entity)
	return nil
}

func (r *Repository) ListByEmail(ctx context.Context, email string, limit int) ([]*position.Position, error) {
	return r.list(ctx, r.db.WithContext(ctx).Where("user_email = ?", email).Order("created_at desc"), limit)
}

func (r *Repository) ListByWallet(ctx context.Context, wallet string, limit int) ([]*position.Position, error) {
	return r.list(ctx, r.db.WithContext(ctx).Where("wallet_addr = ?", wallet).Order("created_at desc"), limit)
}

func (r *Repository) ListStale(ctx context.Context, statuses []position.Status, olderThan time.Time, limit int) ([]*position.Position, error) {
	if len(statuses) == 0 {
		return nil, nil
	}
	query := r.db.WithContext(ctx).
		Where("status IN ? AND updated_at < ?", statusValues(statuses), olderThan).
		Order("updated_at asc")
	return r.list(ctx, query, limit)
}

func (r *Repository) ListByStatus(ctx context.Context, statuses []position.Status, limit int) ([]*position.Position, error) {
	if len(statuses) == 0 {
		return nil, nil
	}
	query := r.db.WithContext(ctx).
		Where("status IN ?", statusValues(statuses)).
		Order("updated_at desc")
	return r.list(ctx, query, limit)
}

func (r *Repository) list(ctx context.Context, query *gorm.DB, limit int) ([]*position.Position, error) {
	if limit > 0 {
		query = query.Limit(limit)
	}
	var models []PositionModel
	if err := query.Find(&models).Error; err != nil {
		return nil, err
	}
	items := make([]*position.Position, 0, len(models))
	for _, model := range models {
		items = append(items, toDomain(model))
	}
	return items, nil
}

// indexPosition refreshes the kv lookup indexes: a global recency sorted
// set plus per-email and per-wallet membership sets.
func (r *Repository) indexPosition(ctx context.Context, p *position.Position) {
	entry := fmt.Sprintf("%d:%s", p.ID, p.IntegrityHash)
	if err := r.kv.ZAdd(ctx, recencyIndexKey, kv.Member{
		Score: float64(p.UpdatedAt.UnixMilli()),
		Value: entry,
	}); err != nil {
		r.logger.Warn("recency_index_update_failed", zap.Error(err))
		return
	}
	// Keep only the newest entries; ranks below -recencyKeep are the tail.
	if err := r.kv.ZRemRangeByRank(ctx, recencyIndexKey, 0, -recencyKeep-1); err != nil {
		r.logger.Warn("recency_index_trim_failed", zap.Error(err))
	}
	if p.UserEmail != "" {
		if err := r.kv.SAdd(ctx, emailIndexKey+p.UserEmail, fmt.Sprintf("%d", p.ID)); err != nil {
			r.logger.Warn("email_index_update_failed", zap.Error(err))
		}
	}
	if err := r.kv.SAdd(ctx, walletIndexKey+p.WalletAddr, fmt.Sprintf("%d", p.ID)); err != nil {
		r.logger.Warn("wallet_index_update_failed", zap.Error(err))
	}
}

func statusValues(statuses []position.Status) []string {
	values := make([]string, 0, len(statuses))
	for _, status := range statuses {
		values = append(values, string(status))
	}
	return values
}

// Mappers

func toDomain(m PositionModel) *position.Position {
	return &position.Position{
		ID:           m.ID,
		PaymentID:    m.PaymentID,
		OrderID:      m.OrderID,
		UserEmail:    m.UserEmail,
		WalletAddr:   m.WalletAddr,
		StrategyType: position.StrategyType(m.StrategyType),
		USDCCents:    m.USDCCents,
		Status:       position.Status(m.Status),

		AaveSupplyCents:  m.AaveSupplyCents,
		AaveSupplyTxHash: m.AaveSupplyTxHash,

		GMXCollateralCents: m.GMXCollateralCents,
		GMXPositionCents:   m.GMXPositionCents,
		GMXLeverageX10:     m.GMXLeverageX10,
		GMXOrderTxHash:     m.GMXOrderTxHash,

		MorphoCentsA:  m.MorphoCentsA,
		MorphoCentsB:  m.MorphoCentsB,
		MorphoTxHashA: m.MorphoTxHashA,
		MorphoTxHashB: m.MorphoTxHashB,

		AvaxTxHash:    m.AvaxTxHash,
		PendingTxHash: m.PendingTxHash,

		RefundTxHash: m.RefundTxHash,
		RefundCents:  m.RefundCents,
		RefundedAt:   m.RefundedAt,

		RetryCount: m.RetryCount,
		ErrorType:  position.ErrorType(m.ErrorType),
		LastError:  m.LastError,

		IntegrityHash: m.IntegrityHash,

		CreatedAt:  m.CreatedAt,
		ExecutedAt: m.ExecutedAt,
		ClosedAt:   m.ClosedAt,
		UpdatedAt:  m.UpdatedAt,
	}
}

func toModel(p *position.Position) PositionModel {
	return PositionModel{
		ID:           p.ID,
		PaymentID:    p.PaymentID,
		OrderID:      p.OrderID,
		UserEmail:    p.UserEmail,
		WalletAddr:   p.WalletAddr,
		StrategyType: string(p.StrategyType),
		USDCCents:    p.USDCCents,
		Status:       string(p.Status),

		AaveSupplyCents:  p.AaveSupplyCents,
		AaveSupplyTxHash: p.AaveSupplyTxHash,

		GMXCollateralCents: p.GMXCollateralCents,
		GMXPositionCents:   p.GMXPositionCents,
		GMXLeverageX10:     p.GMXLeverageX10,
		GMXOrderTxHash:     p.GMXOrderTxHash,

		MorphoCentsA:  p.MorphoCentsA,
		MorphoCentsB:  p.MorphoCentsB,
		MorphoTxHashA: p.MorphoTxHashA,
		MorphoTxHashB: p.MorphoTxHashB,

		AvaxTxHash:    p.AvaxTxHash,
		PendingTxHash: p.PendingTxHash,

		RefundTxHash: p.RefundTxHash,
		RefundCents:  p.RefundCents,
		RefundedAt:   p.RefundedAt,

		RetryCount: p.RetryCount,
		ErrorType:  string(p.ErrorType),
		LastError:  p.LastError,

		IntegrityHash: p.IntegrityHash,

		CreatedAt:  p.CreatedAt,
		ExecutedAt: p.ExecutedAt,
		ClosedAt:   p.ClosedAt,
		UpdatedAt:  p.UpdatedAt,
	}
}
