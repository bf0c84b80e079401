package exits

import (
	"errors"
	"fmt"

	"github.com/ksred/attribution-api/internal/types"
	"gorm.io/gorm"
)

type Database struct {
	db *gorm.DB
}

func NewDatabase(db *gorm.DB) *Database {
	return &Database{db: db}
}

// CreateExitEvent persists an immutable exit event.
func (d *Database) CreateExitEvent(event *types.ExitEvent) error {
	return d.db.Create(event).Error
}

// GetExitEvent retrieves an exit event by id, or nil when absent.
func (d *Database) GetExitEvent(exitID string) (*types.ExitEvent, error) {
	var event types.ExitEvent
	if err := d.db.Where("exit_id = ?", exitID).First(&event).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &event, nil
}

// GetExitEventByBrokerTradeID finds a previously recorded event for the same
// broker trade, used to skip redelivered trades during reconciliation.
func (d *Database) GetExitEventByBrokerTradeID(brokerTradeID string) (*types.ExitEvent, error) {
	var event types.ExitEvent
	if err := d.db.Where("broker_trade_id = ?", brokerTradeID).First(&event).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &event, nil
}

// CreatePosition seeds a new open position.
func (d *Database) CreatePosition(position *types.Position) error {
	return d.db.Create(position).Error
}

// GetPositions lists positions for an account, optionally filtered by symbol.
func (d *Database) GetPositions(tradingAccountID, symbol string) ([]types.Position, error) {
	query := d.db.Where("trading_account_id = ?", tradingAccountID)
	if symbol != "" {
		query = query.Where("symbol = ?", symbol)
	}

	var positions []types.Position
	if err := query.Order("created_at ASC").Find(&positions).Error; err != nil {
		return nil, fmt.Errorf("failed to list positions: %w", err)
	}
	return positions, nil
}
