package reconciliation

import (
	"time"

	"gorm.io/gorm"
)

// Scope bounds one reconciliation run. Reconciliation is bounded, not
// exhaustive: only non-terminal items newer than MaxAge are examined, at
// most BatchSize of them.
type Scope struct {
	TradingAccountID string        `json:"trading_account_id,omitempty"` // empty means all accounts
	MaxAge           time.Duration `json:"max_age"`
	BatchSize        int           `json:"batch_size"`
}

// Report aggregates one run. Per-item broker errors are counted here rather
// than aborting the batch.
type Report struct {
	gorm.Model   `json:"-"`
	ReportID     string    `gorm:"uniqueIndex" json:"report_id"`
	TotalChecked int       `json:"total_checked"`
	DriftCount   int       `json:"drift_count"`
	Corrected    int       `json:"corrected"`
	Errors       int       `json:"errors"`
	StartedAt    time.Time `json:"started_at"`
	CompletedAt  time.Time `json:"completed_at"`
}

func (Report) TableName() string { return "reconciliation_reports" }

// Drift describes one detected mismatch between internal state and broker
// ground truth.
type Drift struct {
	OrderID        string  `json:"order_id"`
	Field          string  `json:"field"` // status, filled_quantity
	InternalValue  string  `json:"internal_value"`
	BrokerValue    string  `json:"broker_value"`
	Corrected      bool    `json:"corrected"`
	CorrectiveExit string  `json:"corrective_exit,omitempty"`
	QuantityDelta  float64 `json:"quantity_delta,omitempty"`
}
