package service

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"tick-alerts/internal/alerting"
	"tick-alerts/internal/config"
	"tick-alerts/internal/dedup"
	"tick-alerts/internal/history"
	"tick-alerts/internal/market"
	"tick-alerts/internal/rules"
)

type captureNotifier struct {
	mu     sync.Mutex
	events []alerting.Event
}

func (c *captureNotifier) Send(_ context.Context, event alerting.Event) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, event)
	return nil
}

func (c *captureNotifier) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.events)
}

func (c *captureNotifier) last() alerting.Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.events[len(c.events)-1]
}

func newTestService(t *testing.T) (*Service, *captureNotifier, *rules.Registry) {
	t.Helper()

	logger := zerolog.Nop()
	capture := &captureNotifier{}
	dispatcher := alerting.NewDispatcher(
		map[rules.Channel]alerting.Notifier{rules.ChannelPush: capture},
		alerting.BreakerOptions{ConsecutiveFailures: 5, OpenTimeout: time.Minute},
		nil, logger,
	)

	registry := rules.NewRegistry(rules.NewFileStore(filepath.Join(t.TempDir(), "rules.json")), logger)

	cfg := &config.Config{
		Pipeline: config.PipelineConfig{Workers: 2, QueueSize: 16, DispatchTimeout: time.Second},
	}

	svc := New(cfg, nil, history.NewStore(100), registry, dedup.NewGate(), dispatcher, nil, nil, nil, logger)
	return svc, capture, registry
}

func tickAt(symbol string, price, volume float64, at time.Time) market.Tick {
	return market.Tick{Symbol: symbol, Price: price, Volume: volume, Timestamp: at.UnixMilli()}
}

func TestProcessTickFiresPriceAboveOnce(t *testing.T) {
	svc, capture, registry := newTestService(t)

	_, err := registry.Create(rules.Rule{
		ID:        "r1",
		Symbol:    "BTCUSDT",
		Condition: rules.PriceAbove{Threshold: 50000},
		Channels:  []rules.Channel{rules.ChannelPush},
		Active:    true,
		Cooldown:  5 * time.Minute,
	})
	if err != nil {
		t.Fatalf("创建规则失败: %v", err)
	}

	ctx := context.Background()
	base := time.Now()

	svc.ProcessTick(ctx, tickAt("BTCUSDT", 49900, 1, base))
	if got := capture.count(); got != 0 {
		t.Fatalf("阈值以下不应触发, 收到 %d 条告警", got)
	}

	// 阈值判定为闭区间, 恰好等于阈值也应触发
	svc.ProcessTick(ctx, tickAt("BTCUSDT", 50000, 1, base.Add(time.Second)))
	if got := capture.count(); got != 1 {
		t.Fatalf("期望 1 条告警, 实际 %d", got)
	}

	// 冷却期内再次满足条件不重复告警
	svc.ProcessTick(ctx, tickAt("BTCUSDT", 50100, 1, base.Add(2*time.Second)))
	if got := capture.count(); got != 1 {
		t.Fatalf("冷却期内不应重复告警, 实际 %d", got)
	}

	// 冷却期结束后可再次触发
	svc.ProcessTick(ctx, tickAt("BTCUSDT", 50200, 1, base.Add(5*time.Minute+time.Second)))
	if got := capture.count(); got != 2 {
		t.Fatalf("冷却期结束后应再次告警, 实际 %d", got)
	}

	event := capture.last()
	if event.RuleID != "r1" || event.Symbol != "BTCUSDT" {
		t.Fatalf("告警事件内容不符: %+v", event)
	}

	stored, err := registry.Get("r1")
	if err != nil {
		t.Fatalf("读取规则失败: %v", err)
	}
	if stored.LastTriggeredAt == nil {
		t.Fatal("触发后应记录 LastTriggeredAt")
	}
}

func TestProcessTickEvaluatesAgainstPriorHistory(t *testing.T) {
	svc, capture, registry := newTestService(t)

	if _, err := registry.Create(rules.Rule{
		ID:        "spike",
		Symbol:    "ETHUSDT",
		Condition: rules.VolumeSpike{ThresholdPct: 200, Window: 3},
		Channels:  []rules.Channel{rules.ChannelPush},
		Active:    true,
	}); err != nil {
		t.Fatalf("创建规则失败: %v", err)
	}

	ctx := context.Background()
	base := time.Now()

	// 基线成交量 10, 三笔建立历史
	for i := 0; i < 3; i++ {
		svc.ProcessTick(ctx, tickAt("ETHUSDT", 3000, 10, base.Add(time.Duration(i)*time.Second)))
	}
	if got := capture.count(); got != 0 {
		t.Fatalf("建立基线阶段不应触发, 实际 %d", got)
	}

	// 成交量 35 对基线均值 10 为 250%, 超过 200% 阈值
	svc.ProcessTick(ctx, tickAt("ETHUSDT", 3000, 35, base.Add(3*time.Second)))
	if got := capture.count(); got != 1 {
		t.Fatalf("成交量激增应触发一次, 实际 %d", got)
	}
	event := capture.last()
	if event.Reference != 10 {
		t.Fatalf("基线成交量应为 10, 实际 %v", event.Reference)
	}
	if event.ChangePct != 250 {
		t.Fatalf("涨幅应为 250%%, 实际 %v", event.ChangePct)
	}
}

func TestInactiveRulesAreSkipped(t *testing.T) {
	svc, capture, registry := newTestService(t)

	if _, err := registry.Create(rules.Rule{
		ID:        "off",
		Symbol:    "BTCUSDT",
		Condition: rules.PriceAbove{Threshold: 1},
		Channels:  []rules.Channel{rules.ChannelPush},
		Active:    false,
	}); err != nil {
		t.Fatalf("创建规则失败: %v", err)
	}

	svc.ProcessTick(context.Background(), tickAt("BTCUSDT", 100, 1, time.Now()))
	if got := capture.count(); got != 0 {
		t.Fatalf("停用的规则不应触发, 实际 %d", got)
	}
}

// unknownCondition passes registry validation but is rejected by the
// evaluator, standing in for a rule persisted by a newer build.
type unknownCondition struct{}

func (unknownCondition) Kind() rules.ConditionType { return "future_condition" }

func TestFailingRuleDoesNotBlockOthers(t *testing.T) {
	svc, capture, registry := newTestService(t)

	if _, err := registry.Create(rules.Rule{
		ID:        "broken",
		Symbol:    "BTCUSDT",
		Condition: unknownCondition{},
		Channels:  []rules.Channel{rules.ChannelPush},
		Active:    true,
	}); err != nil {
		t.Fatalf("创建规则失败: %v", err)
	}

	if _, err := registry.Create(rules.Rule{
		ID:        "healthy",
		Symbol:    "BTCUSDT",
		Condition: rules.PriceAbove{Threshold: 50},
		Channels:  []rules.Channel{rules.ChannelPush},
		Active:    true,
	}); err != nil {
		t.Fatalf("创建规则失败: %v", err)
	}

	svc.ProcessTick(context.Background(), tickAt("BTCUSDT", 100, 1, time.Now()))
	if got := capture.count(); got != 1 {
		t.Fatalf("健康规则应照常触发, 实际 %d", got)
	}
}
