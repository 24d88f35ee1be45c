package offer

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

// Registry 挂单持久化契约。写入按 offer ID 幂等，记录只做状态转换、从不删除。
type Registry interface {
	Upsert(ctx context.Context, o Offer) error
	// Transition 对未知 ID 返回 ErrUnknownOffer，不会新建记录。
	Transition(ctx context.Context, id ID, status Status, price *decimal.Decimal) error
	// SetGeneration 记录最近一次成功重报价的代数，未知 ID 返回 ErrUnknownOffer。
	SetGeneration(ctx context.Context, id ID, generation int) error
	FindByOwner(ctx context.Context, owner string) ([]Offer, error)
	Get(ctx context.Context, id ID) (Offer, error)
}

// MemoryRegistry 内存实现，用于测试与 dry-run。
type MemoryRegistry struct {
	mu     sync.RWMutex
	offers map[ID]*Offer
	sm     *StateMachine
	now    func() time.Time
}

func NewMemoryRegistry() *MemoryRegistry {
	return &MemoryRegistry{
		offers: make(map[ID]*Offer),
		sm:     NewStateMachine(),
		now:    time.Now,
	}
}

// Upsert 插入或整体覆盖。
func (r *MemoryRegistry) Upsert(_ context.Context, o Offer) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	o.UpdatedAt = r.now()
	r.offers[o.ID] = &o
	return nil
}

// Transition 收到分类结果后更新状态。
func (r *MemoryRegistry) Transition(_ context.Context, id ID, st Status, price *decimal.Decimal) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	o, ok := r.offers[id]
	if !ok {
		return ErrUnknownOffer
	}
	if err := r.sm.ValidateTransition(o.Status, st); err != nil {
		return err
	}
	o.Status = st
	if price != nil {
		o.Price = *price
	}
	o.UpdatedAt = r.now()
	return nil
}

func (r *MemoryRegistry) SetGeneration(_ context.Context, id ID, generation int) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	o, ok := r.offers[id]
	if !ok {
		return ErrUnknownOffer
	}
	o.Generation = generation
	o.UpdatedAt = r.now()
	return nil
}

// FindByOwner 按更新时间升序返回。
func (r *MemoryRegistry) FindByOwner(_ context.Context, owner string) ([]Offer, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Offer, 0)
	for _, o := range r.offers {
		if o.Owner == owner {
			out = append(out, *o)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].UpdatedAt.Equal(out[j].UpdatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].UpdatedAt.Before(out[j].UpdatedAt)
	})
	return out, nil
}

// Get 返回单条记录。
func (r *MemoryRegistry) Get(_ context.Context, id ID) (Offer, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	o, ok := r.offers[id]
	if !ok {
		return Offer{}, ErrUnknownOffer
	}
	return *o, nil
}

// Len 返回记录数。
func (r *MemoryRegistry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.offers)
}
