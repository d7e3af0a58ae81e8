package position

import (
	"context"
	"time"
)

// Repository defines the interface for persisting Position entities.
type Repository interface {
	// FindByPaymentID retrieves the position for a payment, nil if absent.
	FindByPaymentID(ctx context.Context, paymentID string) (*Position, error)

	// FindByID retrieves a position by its ID, nil if absent.
	FindByID(ctx context.Context, id int64) (*Position, error)

	// Save persists a position (create or update) and refreshes the
	// integrity hash.
	Save(ctx context.Context, p *Position) error

	// ListByEmail retrieves a user's positions, newest first.
	ListByEmail(ctx context.Context, email string, limit int) ([]*Position, error)

	// ListByWallet retrieves a wallet's positions, newest first.
	ListByWallet(ctx context.Context, wallet string, limit int) ([]*Position, error)

	// ListStale retrieves positions in any of the given statuses whose
	// last update is older than the cutoff.
	ListStale(ctx context.Context, statuses []Status, olderThan time.Time, limit int) ([]*Position, error)

	// ListByStatus retrieves positions matching any of the provided statuses.
	ListByStatus(ctx context.Context, statuses []Status, limit int) ([]*Position, error)
}
