package policy

import (
	"github.com/ksred/attribution-api/internal/types"
	"gorm.io/gorm"
)

type Database struct {
	db *gorm.DB
}

func NewDatabase(db *gorm.DB) *Database {
	return &Database{db: db}
}

// GetOpenPositions returns the eligible candidate set for an exit event:
// open positions matching the account and symbol, ordered by creation time.
func (d *Database) GetOpenPositions(tradingAccountID, symbol string) ([]types.Position, error) {
	var positions []types.Position
	err := d.db.
		Where("trading_account_id = ? AND symbol = ? AND status = ?", tradingAccountID, symbol, types.PositionOpen).
		Order("created_at ASC").
		Find(&positions).Error
	if err != nil {
		return nil, err
	}
	return positions, nil
}
