package allocation

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

// GetOpenPositionsTx reads the candidate set inside the caller's transaction
// so the plan is applied against fresh state.
func (d *Database) GetOpenPositionsTx(tx *gorm.DB, tradingAccountID, symbol string) ([]types.Position, error) {
	var positions []types.Position
	err := tx.
		Where("trading_account_id = ? AND symbol = ? AND status = ?", tradingAccountID, symbol, types.PositionOpen).
		Order("created_at ASC").
		Find(&positions).Error
	if err != nil {
		return nil, fmt.Errorf("failed to fetch candidate positions: %w", err)
	}
	return positions, nil
}

// ApplyEntryTx decrements one position by its allocated quantity, closing it
// when nothing remains.
func (d *Database) ApplyEntryTx(tx *gorm.DB, entry planEntry) error {
	status := types.PositionOpen
	if entry.Remaining <= 0 {
		status = types.PositionClosed
	}

	result := tx.Model(&types.Position{}).
		Where("position_id = ? AND status = ?", entry.Position.PositionID, types.PositionOpen).
		Updates(map[string]interface{}{
			"quantity":   entry.Remaining,
			"status":     status,
			"updated_at": time.Now(),
		})
	if result.Error != nil {
		return fmt.Errorf("failed to update position %s: %w", entry.Position.PositionID, result.Error)
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("position %s no longer open", entry.Position.PositionID)
	}
	return nil
}

// CreateResultTx persists the result header and its ordered allocation rows.
func (d *Database) CreateResultTx(tx *gorm.DB, result *Result, allocations []Allocation) error {
	if err := tx.Create(result).Error; err != nil {
		return fmt.Errorf("failed to create allocation result: %w", err)
	}
	for i := range allocations {
		if err := tx.Create(&allocations[i]).Error; err != nil {
			return fmt.Errorf("failed to create allocation row: %w", err)
		}
	}
	return nil
}

// GetResult retrieves a result and its allocations by allocation id.
func (d *Database) GetResult(allocationID string) (*Result, []Allocation, error) {
	var result Result
	if err := d.db.Where("allocation_id = ?", allocationID).First(&result).Error; err != nil {
		return nil, nil, err
	}
	var allocations []Allocation
	if err := d.db.Where("allocation_id = ?", allocationID).Order("sequence ASC").Find(&allocations).Error; err != nil {
		return nil, nil, err
	}
	return &result, allocations, nil
}

// CreateCase inserts a new attribution case.
func (d *Database) CreateCase(c *Case) error {
	return d.db.Create(c).Error
}

// GetCase retrieves a case by id, or nil when it does not exist.
func (d *Database) GetCase(caseID string) (*Case, error) {
	var c Case
	if err := d.db.Where("case_id = ?", caseID).First(&c).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &c, nil
}

// GetPendingCaseByExitID retrieves the unresolved case for an exit event,
// or nil when none is open.
func (d *Database) GetPendingCaseByExitID(exitID string) (*Case, error) {
	var c Case
	err := d.db.Where("exit_id = ? AND status = ?", exitID, CasePending).First(&c).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &c, nil
}

// UpdateCase persists case state transitions.
func (d *Database) UpdateCase(c *Case) error {
	return d.db.Save(c).Error
}

// GetPendingCases lists unresolved cases, oldest first.
func (d *Database) GetPendingCases(limit int) ([]Case, error) {
	var cases []Case
	query := d.db.Where("status = ?", CasePending).Order("created_at ASC")
	if limit > 0 {
		query = query.Limit(limit)
	}
	if err := query.Find(&cases).Error; err != nil {
		return nil, err
	}
	return cases, nil
}

// GetExitEvent retrieves the exit event a case refers to.
func (d *Database) GetExitEvent(exitID string) (*types.ExitEvent, error) {
	var event types.ExitEvent
	if err := d.db.Where("exit_id = ?", exitID).First(&event).Error; err != nil {
		return nil, fmt.Errorf("failed to fetch exit event: %w", err)
	}
	return &event, nil
}
