package app

import (
	"context"
	"errors"
	"strings"
	"time"

	"tick-alerts/internal/dedup"
	"tick-alerts/internal/history"
	"tick-alerts/internal/market"
	"tick-alerts/internal/service"
)

// SimulateTick 注入一条合成行情, 走完整的评估与告警链路。
func (a *App) SimulateTick(ctx context.Context, opts SimulateOptions) error {
	if !a.Config.Alerting.Telegram.Enabled && !a.Config.Alerting.Webhook.Enabled {
		return errors.New("未配置任何告警通道")
	}

	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	if closeStore != nil {
		defer closeStore()
	}

	registry, err := a.newRegistry(ctx, store)
	if err != nil {
		return err
	}

	symbol := strings.ToUpper(opts.Symbol)
	if len(registry.ActiveForSymbol(symbol)) == 0 {
		return errors.New("该交易对没有启用的规则")
	}

	hist := history.NewStore(a.Config.History.Capacity)
	if seeder := a.newSeeder(); seeder != nil && a.Config.History.SeedLimit > 0 {
		ticks, err := seeder.RecentTicks(ctx, symbol, a.Config.History.SeedLimit)
		if err != nil {
			a.Logger.Warn().Err(err).Msg("历史数据拉取失败, 仅评估无历史依赖的规则")
		} else {
			hist.Seed(symbol, ticks)
		}
	}

	svc := service.New(a.Config, nil, hist, registry, dedup.NewGate(), a.newDispatcher(nil), nil, nil, nil, a.Logger)

	tick := market.Tick{
		Symbol:    symbol,
		Price:     opts.Price,
		Volume:    opts.Volume,
		Timestamp: time.Now().UnixMilli(),
	}
	svc.ProcessTick(ctx, tick)

	// 模拟产生的触发时间同样写回规则文档
	return registry.Flush(ctx)
}
