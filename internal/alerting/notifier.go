package alerting

import (
	"context"
	"time"

	"tick-alerts/internal/rules"
)

// Event 封装一次触发的告警上下文。
type Event struct {
	RuleID    string
	Symbol    string
	Condition rules.ConditionType
	Threshold float64
	Price     float64
	Volume    float64
	Reference float64
	ChangePct float64
	Notional  float64
	At        time.Time
}

// Notifier 定义告警输送接口。每种通道一个实现；核心只依赖该接口，
// 不关心传输细节。
type Notifier interface {
	Send(ctx context.Context, event Event) error
}
