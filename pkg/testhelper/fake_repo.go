package testhelper

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/tiltvault/tiltvault-cloud/internal/domain/position"
)

// FakePositionRepo is an in-memory position.Repository for tests.
type FakePositionRepo struct {
	mu     sync.Mutex
	byID   map[int64]*position.Position
	nextID int64

	// SaveErr, when set, fails every Save.
	SaveErr error
}

func NewFakePositionRepo() *FakePositionRepo {
	return &FakePositionRepo{byID: map[int64]*position.Position{}}
}

func (r *FakePositionRepo) FindByPaymentID(_ context.Context, paymentID string) (*position.Position, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, p := range r.byID {
		if p.PaymentID == paymentID {
			return clonePosition(p), nil
		}
	}
	return nil, nil
}

func (r *FakePositionRepo) FindByID(_ context.Context, id int64) (*position.Position, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if p, ok := r.byID[id]; ok {
		return clonePosition(p), nil
	}
	return nil, nil
}

func (r *FakePositionRepo) Save(_ context.Context, p *position.Position) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.SaveErr != nil {
		return r.SaveErr
	}
	if p.ID == 0 {
		r.nextID++
		p.ID = r.nextID
	}
	p.IntegrityHash = p.ComputeIntegrityHash()
	r.byID[p.ID] = clonePosition(p)
	return nil
}

// SaveRaw stores the position as-is, without recomputing the integrity
// hash. Lets tests simulate row tampering.
func (r *FakePositionRepo) SaveRaw(_ context.Context, p *position.Position) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if p.ID == 0 {
		r.nextID++
		p.ID = r.nextID
	}
	r.byID[p.ID] = clonePosition(p)
	return nil
}

func (r *FakePositionRepo) ListByEmail(_ context.Context, email string, limit int) ([]*position.Position, error) {
	return r.filter(limit, func(p *position.Position) bool { return p.UserEmail == email }), nil
}

func (r *FakePositionRepo) ListByWallet(_ context.Context, wallet string, limit int) ([]*position.Position, error) {
	return r.filter(limit, func(p *position.Position) bool { return p.WalletAddr == wallet }), nil
}

func (r *FakePositionRepo) ListStale(_ context.Context, statuses []position.Status, olderThan time.Time, limit int) ([]*position.Position, error) {
	return r.filter(limit, func(p *position.Position) bool {
		return statusIn(p.Status, statuses) && p.UpdatedAt.Before(olderThan)
	}), nil
}

func (r *FakePositionRepo) ListByStatus(_ context.Context, statuses []position.Status, limit int) ([]*position.Position, error) {
	return r.filter(limit, func(p *position.Position) bool { return statusIn(p.Status, statuses) }), nil
}

func (r *FakePositionRepo) filter(limit int, keep func(*position.Position) bool) []*position.Position {
	r.mu.Lock()
	defer r.mu.Unlock()
	var items []*position.Position
	for _, p := range r.byID {
		if keep(p) {
			items = append(items, clonePosition(p))
		}
	}
	sort.Slice(items, func(i, j int) bool { return items[i].ID < items[j].ID })
	if limit > 0 && len(items) > limit {
		items = items[:limit]
	}
	return items
}

func statusIn(s position.Status, statuses []position.Status) bool {
	for _, candidate := range statuses {
		if s == candidate {
			return true
		}
	}
	return false
}

func clonePosition(p *position.Position) *position.Position {
	clone := *p
	return &clone
}
