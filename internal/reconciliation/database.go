package reconciliation

import (
	"errors"
	"fmt"
	"time"

	"github.com/ksred/attribution-api/internal/types"
	"gorm.io/gorm"
)

type Database struct {
	db *gorm.DB
}

func NewDatabase(db *gorm.DB) *Database {
	return &Database{db: db}
}

// GetOrdersForReconciliation selects non-terminal orders within the age
// window, oldest first, bounded by the batch size. Terminal and over-age
// orders never enter a pass.
func (d *Database) GetOrdersForReconciliation(scope Scope, now time.Time) ([]types.Order, error) {
	query := d.db.
		Where("status IN ?", []string{types.OrderPending, types.OrderPartial}).
		Where("created_at > ?", now.Add(-scope.MaxAge))

	if scope.TradingAccountID != "" {
		query = query.Where("trading_account_id = ?", scope.TradingAccountID)
	}
	if scope.BatchSize > 0 {
		query = query.Limit(scope.BatchSize)
	}

	var orders []types.Order
	if err := query.Order("created_at ASC").Find(&orders).Error; err != nil {
		return nil, fmt.Errorf("failed to select orders for reconciliation: %w", err)
	}
	return orders, nil
}

// GetOrder retrieves an order by internal id, or nil when absent.
func (d *Database) GetOrder(orderID string) (*types.Order, error) {
	var order types.Order
	if err := d.db.Where("order_id = ?", orderID).First(&order).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &order, nil
}

// UpdateOrderTx applies broker values to an order inside tx.
func (d *Database) UpdateOrderTx(tx *gorm.DB, order *types.Order) error {
	return tx.Save(order).Error
}

// CreateReport persists a run report.
func (d *Database) CreateReport(report *Report) error {
	return d.db.Create(report).Error
}

// CreateOrder seeds an internal order record; used by provisioning and the
// simulation.
func (d *Database) CreateOrder(order *types.Order) error {
	return d.db.Create(order).Error
}

// Transaction runs fn in a database transaction.
func (d *Database) Transaction(fn func(tx *gorm.DB) error) error {
	return d.db.Transaction(fn)
}
