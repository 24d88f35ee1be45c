package store

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"stellar-mm/offer"
)

type offerRow struct {
	ID            uint   `gorm:"primaryKey"`
	OfferID       int64  `gorm:"uniqueIndex;not null"`
	Owner         string `gorm:"index;size:56;not null"`
	Side          string `gorm:"size:4;not null"`
	Type          string `gorm:"size:16"`
	SellingCode   string `gorm:"size:12"`
	SellingIssuer string `gorm:"size:56"`
	BuyingCode    string `gorm:"size:12"`
	BuyingIssuer  string `gorm:"size:56"`
	Amount        string `gorm:"size:32"`
	Price         string `gorm:"size:32"`
	Status        string `gorm:"size:16;index"`
	Generation    int
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

func (offerRow) TableName() string { return "offers" }

func toRow(o offer.Offer) offerRow {
	return offerRow{
		OfferID:       int64(o.ID),
		Owner:         o.Owner,
		Side:          string(o.Side),
		Type:          o.Side.Label(),
		SellingCode:   o.Selling.Code,
		SellingIssuer: o.Selling.Issuer,
		BuyingCode:    o.Buying.Code,
		BuyingIssuer:  o.Buying.Issuer,
		Amount:        o.Amount.String(),
		Price:         o.Price.String(),
		Status:        string(o.Status),
		Generation:    o.Generation,
	}
}

func (r offerRow) toOffer() (offer.Offer, error) {
	amount, err := decimal.NewFromString(r.Amount)
	if err != nil {
		return offer.Offer{}, fmt.Errorf("offer %d amount: %w", r.OfferID, err)
	}
	price, err := decimal.NewFromString(r.Price)
	if err != nil {
		return offer.Offer{}, fmt.Errorf("offer %d price: %w", r.OfferID, err)
	}
	return offer.Offer{
		ID:         offer.ID(r.OfferID),
		Owner:      r.Owner,
		Side:       offer.Side(r.Side),
		Selling:    offer.Asset{Code: r.SellingCode, Issuer: r.SellingIssuer},
		Buying:     offer.Asset{Code: r.BuyingCode, Issuer: r.BuyingIssuer},
		Amount:     amount,
		Price:      price,
		Status:     offer.Status(r.Status),
		Generation: r.Generation,
		UpdatedAt:  r.UpdatedAt,
	}, nil
}

// OfferRegistry 基于 SQLite 的挂单记录，offer_id 唯一。记录只做状态转换，从不删除。
type OfferRegistry struct {
	db    *gorm.DB
	sm    *offer.StateMachine
	locks sync.Map // offer.ID -> *sync.Mutex
}

var _ offer.Registry = (*OfferRegistry)(nil)

func NewOfferRegistry(db *gorm.DB) *OfferRegistry {
	return &OfferRegistry{db: db, sm: offer.NewStateMachine()}
}

func (r *OfferRegistry) lock(id offer.ID) func() {
	v, _ := r.locks.LoadOrStore(id, &sync.Mutex{})
	mu := v.(*sync.Mutex)
	mu.Lock()
	return mu.Unlock
}

// Upsert 按 offer_id 插入或整体更新。
func (r *OfferRegistry) Upsert(ctx context.Context, o offer.Offer) error {
	defer r.lock(o.ID)()
	row := toRow(o)
	err := r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "offer_id"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"owner", "side", "type", "selling_code", "selling_issuer", "buying_code", "buying_issuer",
			"amount", "price", "status", "generation", "updated_at",
		}),
	}).Create(&row).Error
	if err != nil {
		return fmt.Errorf("upsert offer %d: %w", o.ID, err)
	}
	return nil
}

// Transition 更新状态（及可选价格）。未知 ID 返回 offer.ErrUnknownOffer。
func (r *OfferRegistry) Transition(ctx context.Context, id offer.ID, st offer.Status, price *decimal.Decimal) error {
	defer r.lock(id)()
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var row offerRow
		if err := tx.Where("offer_id = ?", int64(id)).First(&row).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return fmt.Errorf("%w: %d", offer.ErrUnknownOffer, id)
			}
			return err
		}
		if err := r.sm.ValidateTransition(offer.Status(row.Status), st); err != nil {
			return err
		}
		updates := map[string]interface{}{
			"status":     string(st),
			"updated_at": time.Now(),
		}
		if price != nil {
			updates["price"] = price.String()
		}
		res := tx.Model(&offerRow{}).Where("offer_id = ?", int64(id)).Updates(updates)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return fmt.Errorf("%w: %d", offer.ErrUnknownOffer, id)
		}
		return nil
	})
}

// SetGeneration 只更新代数，不经过状态机。
func (r *OfferRegistry) SetGeneration(ctx context.Context, id offer.ID, generation int) error {
	defer r.lock(id)()
	res := r.db.WithContext(ctx).Model(&offerRow{}).Where("offer_id = ?", int64(id)).Updates(map[string]interface{}{
		"generation": generation,
		"updated_at": time.Now(),
	})
	if res.Error != nil {
		return fmt.Errorf("set generation of offer %d: %w", id, res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("%w: %d", offer.ErrUnknownOffer, id)
	}
	return nil
}

// FindByOwner 按更新时间升序返回。
func (r *OfferRegistry) FindByOwner(ctx context.Context, owner string) ([]offer.Offer, error) {
	var rows []offerRow
	if err := r.db.WithContext(ctx).Where("owner = ?", owner).Order("updated_at, offer_id").Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make([]offer.Offer, 0, len(rows))
	for _, row := range rows {
		o, err := row.toOffer()
		if err != nil {
			return nil, err
		}
		out = append(out, o)
	}
	return out, nil
}

func (r *OfferRegistry) Get(ctx context.Context, id offer.ID) (offer.Offer, error) {
	var row offerRow
	err := r.db.WithContext(ctx).Where("offer_id = ?", int64(id)).First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return offer.Offer{}, fmt.Errorf("%w: %d", offer.ErrUnknownOffer, id)
	}
	if err != nil {
		return offer.Offer{}, err
	}
	return row.toOffer()
}

// CountByStatus 各状态记录数。
func (r *OfferRegistry) CountByStatus(ctx context.Context) (map[offer.Status]int64, error) {
	type agg struct {
		Status string
		N      int64
	}
	var rows []agg
	if err := r.db.WithContext(ctx).Model(&offerRow{}).Select("status, count(*) as n").Group("status").Scan(&rows).Error; err != nil {
		return nil, err
	}
	out := make(map[offer.Status]int64, len(rows))
	for _, a := range rows {
		out[offer.Status(a.Status)] = a.N
	}
	return out, nil
}
