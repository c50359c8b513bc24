package storage

import "time"

// AlertRecord captures one dispatched alert for auditing and export.
type AlertRecord struct {
	ID          int64
	RuleID      string
	Symbol      string
	Condition   string
	Threshold   float64
	Price       float64
	Volume      float64
	ChangePct   float64
	Notional    float64
	Channels    []string
	TriggeredAt time.Time
	CreatedAt   time.Time
}
