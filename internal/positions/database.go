package positions

import (
	"time"

	"gorm.io/gorm"
)

// ClosedPositionRecord is the audit row persisted when a position
// closes. The in-memory registry is authoritative while a position is
// open; only closures are written through.
type ClosedPositionRecord struct {
	gorm.Model  `json:"-"`
	PositionID  string    `gorm:"uniqueIndex" json:"position_id"`
	Symbol      string    `gorm:"index" json:"symbol"`
	Side        string    `json:"side"`
	OrderID     string    `json:"order_id"`
	ExitOrderID string    `json:"exit_order_id"`
	EntryPrice  float64   `json:"entry_price"`
	ExitPrice   float64   `json:"exit_price"`
	Quantity    float64   `json:"quantity"`
	RealizedPnL float64   `gorm:"column:realized_pnl" json:"realized_pnl"`
	Reason      string    `json:"reason"`
	OpenTime    time.Time `json:"open_time"`
	CloseTime   time.Time `gorm:"index" json:"close_time"`
}

type Database struct {
	db *gorm.DB
}

func NewDatabase(db *gorm.DB) *Database {
	return &Database{db: db}
}

// RecordClose persists a closure audit record.
func (d *Database) RecordClose(record *ClosedPositionRecord) error {
	return d.db.Create(record).Error
}

// RealizedPnLSince sums realized PnL over closures at or after t.
func (d *Database) RealizedPnLSince(t time.Time) (float64, error) {
	var total float64
	err := d.db.Model(&ClosedPositionRecord{}).
		Where("close_time >= ?", t).
		Select("COALESCE(SUM(realized_pnl), 0)").
		Scan(&total).Error
	return total, err
}

// RecentClosures returns the most recent closure records, newest first.
func (d *Database) RecentClosures(limit int) ([]ClosedPositionRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	var records []ClosedPositionRecord
	err := d.db.Order("close_time DESC").Limit(limit).Find(&records).Error
	return records, err
}
