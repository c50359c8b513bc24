package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"tick-alerts/internal/alerting"
	"tick-alerts/internal/config"
	"tick-alerts/internal/dedup"
	"tick-alerts/internal/evaluate"
	"tick-alerts/internal/fetcher"
	"tick-alerts/internal/history"
	"tick-alerts/internal/market"
	"tick-alerts/internal/metrics"
	"tick-alerts/internal/rules"
	"tick-alerts/internal/storage"
	"tick-alerts/internal/stream"
)

// job carries one tick through the ingestion/evaluation hand-off. prior is
// the history snapshot taken before the tick was appended, so evaluators
// see a baseline that excludes the tick itself.
type job struct {
	tick  market.Tick
	prior []market.Tick
}

// Service orchestrates ingestion, evaluation, dedup, and dispatch.
type Service struct {
	streams    *stream.Manager
	history    *history.Store
	registry   *rules.Registry
	gate       *dedup.Gate
	dispatcher *alerting.Dispatcher
	seeder     fetcher.HistoryProvider
	audit      storage.AlertStore
	mets       *metrics.Metrics
	logger     zerolog.Logger

	feed     config.FeedConfig
	pipeline config.PipelineConfig
	seed     config.HistoryConfig

	jobs chan job
}

// New constructs the pipeline service. seeder and audit may be nil.
func New(cfg *config.Config, streams *stream.Manager, hist *history.Store, registry *rules.Registry, gate *dedup.Gate, dispatcher *alerting.Dispatcher, seeder fetcher.HistoryProvider, audit storage.AlertStore, mets *metrics.Metrics, logger zerolog.Logger) *Service {
	return &Service{
		streams:    streams,
		history:    hist,
		registry:   registry,
		gate:       gate,
		dispatcher: dispatcher,
		seeder:     seeder,
		audit:      audit,
		mets:       mets,
		logger:     logger.With().Str("component", "service").Logger(),
		feed:       cfg.Feed,
		pipeline:   cfg.Pipeline,
		seed:       cfg.History,
		jobs:       make(chan job, cfg.Pipeline.QueueSize),
	}
}

// Run watches the given symbols until ctx is cancelled. With no symbols
// given, the symbols referenced by stored rules are watched. Workers drain
// in-flight evaluations on shutdown; no new ticks are accepted.
func (s *Service) Run(ctx context.Context, symbols []string) error {
	if len(symbols) == 0 {
		symbols = s.registry.Symbols()
	}
	if len(symbols) == 0 {
		return errors.New("no symbols to watch: configure app.symbols or create rules")
	}

	var workers sync.WaitGroup
	for i := 0; i < s.pipeline.Workers; i++ {
		workers.Add(1)
		go func() {
			defer workers.Done()
			for j := range s.jobs {
				if s.mets != nil {
					s.mets.QueueDepth.Set(float64(len(s.jobs)))
				}
				s.processJob(j)
			}
		}()
	}

	var ingest sync.WaitGroup
	for _, symbol := range symbols {
		symbol := strings.ToUpper(symbol)
		ingest.Add(1)
		go func() {
			defer ingest.Done()
			s.ingest(ctx, symbol)
		}()
	}

	s.logger.Info().Strs("symbols", symbols).Msg("pipeline started")

	ingest.Wait()
	close(s.jobs)
	workers.Wait()
	s.streams.DisconnectAll()

	s.logger.Info().Msg("pipeline stopped")
	return ctx.Err()
}

// ingest owns one symbol: cold-start seed, stream subscription, and the
// append/enqueue loop. The sole writer into the symbol's history shard.
func (s *Service) ingest(ctx context.Context, symbol string) {
	s.seedHistory(ctx, symbol)

	key := strings.ToLower(symbol)
	url := fmt.Sprintf(s.feed.URLTemplate, key)

	sub, err := s.streams.Connect(ctx, key, url)
	if err != nil {
		s.logger.Error().Err(err).Str("symbol", symbol).Msg("subscribe failed")
		return
	}
	defer sub.Close()

	for {
		select {
		case <-ctx.Done():
			return

		case tick := <-sub.Ticks():
			prior := s.history.Snapshot(symbol, 0)
			s.history.Append(symbol, tick)
			if s.mets != nil {
				s.mets.TicksIngested.WithLabelValues(symbol).Inc()
			}

			select {
			case s.jobs <- job{tick: tick, prior: prior}:
			default:
				// Queue full: drop the evaluation rather than stall the
				// read path. History already holds the tick.
				s.logger.Warn().Str("symbol", symbol).Msg("evaluation queue full, tick skipped")
			}

		case err := <-sub.Errs():
			if errors.Is(err, stream.ErrExhausted) {
				s.registry.SetStale(symbol, true)
				s.logger.Error().Err(err).Str("symbol", symbol).
					Msg("feed exhausted; alerts for this symbol are stale until reconnected")
				continue
			}
			s.logger.Error().Err(err).Str("symbol", symbol).Msg("stream error")
		}
	}
}

// seedHistory backfills the rolling window once per symbol before the
// stream opens. Failures are logged and ingestion proceeds unseeded.
func (s *Service) seedHistory(ctx context.Context, symbol string) {
	if s.seeder == nil || s.seed.SeedLimit <= 0 {
		return
	}

	timeout := s.seed.SeedTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	seedCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	ticks, err := s.seeder.RecentTicks(seedCtx, symbol, s.seed.SeedLimit)
	if err != nil {
		s.logger.Warn().Err(err).Str("symbol", symbol).Msg("history seed failed; starting cold")
		return
	}
	s.history.Seed(symbol, ticks)
	s.logger.Info().Str("symbol", symbol).Int("ticks", len(ticks)).Msg("history seeded")
}

// ProcessTick runs one tick through the full evaluate/dedup/dispatch path
// synchronously. Exercised by the simulate command and tests.
func (s *Service) ProcessTick(ctx context.Context, tick market.Tick) {
	if ctx.Err() != nil {
		return
	}
	prior := s.history.Snapshot(tick.Symbol, 0)
	s.history.Append(tick.Symbol, tick)
	s.processJob(job{tick: tick, prior: prior})
}

func (s *Service) processJob(j job) {
	for _, rule := range s.registry.ActiveForSymbol(j.tick.Symbol) {
		s.evaluateRule(rule, j.tick, j.prior)
	}
}

// evaluateRule isolates one rule's evaluation: a panic or error in one
// rule never prevents evaluation of the others for the same tick.
func (s *Service) evaluateRule(rule rules.Rule, tick market.Tick, prior []market.Tick) {
	defer func() {
		if r := recover(); r != nil {
			if s.mets != nil {
				s.mets.EvaluationErrors.Inc()
			}
			s.logger.Error().
				Str("rule_id", rule.ID).
				Interface("panic", r).
				Msg("rule evaluation panicked")
		}
	}()

	if s.mets != nil {
		s.mets.Evaluations.Inc()
	}

	res, err := evaluate.Evaluate(rule, tick, prior)
	if err != nil {
		if errors.Is(err, evaluate.ErrInsufficientHistory) {
			s.logger.Debug().Err(err).Str("rule_id", rule.ID).Msg("skipping rule")
			return
		}
		if s.mets != nil {
			s.mets.EvaluationErrors.Inc()
		}
		s.logger.Warn().Err(err).Str("rule_id", rule.ID).Msg("rule evaluation failed")
		return
	}
	if !res.Triggered {
		return
	}

	now := tick.Time()
	if !s.gate.Admit(rule.ID, now, rule.Cooldown) {
		return
	}

	// Admission is the single point that records the firing, regardless of
	// whether the channel sends ultimately succeed.
	s.registry.MarkTriggered(rule.ID, now)

	event := alerting.Event{
		RuleID:    rule.ID,
		Symbol:    tick.Symbol,
		Condition: rule.Condition.Kind(),
		Threshold: thresholdForEvent(rule),
		Price:     tick.Price,
		Volume:    tick.Volume,
		Reference: res.Reference,
		ChangePct: res.ChangePct,
		Notional:  res.Notional,
		At:        now,
	}

	if s.mets != nil {
		s.mets.AlertsFired.WithLabelValues(tick.Symbol, string(event.Condition)).Inc()
	}
	s.logger.Info().
		Str("rule_id", rule.ID).
		Str("symbol", tick.Symbol).
		Str("condition", string(event.Condition)).
		Float64("price", tick.Price).
		Msg("alert triggered")

	timeout := s.pipeline.DispatchTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	dispatchCtx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	s.recordAlert(dispatchCtx, rule, event)
	s.dispatcher.Dispatch(dispatchCtx, rule, event)
}

func (s *Service) recordAlert(ctx context.Context, rule rules.Rule, event alerting.Event) {
	if s.audit == nil {
		return
	}

	channels := make([]string, 0, len(rule.Channels))
	for _, ch := range rule.Channels {
		channels = append(channels, string(ch))
	}

	record := storage.AlertRecord{
		RuleID:      event.RuleID,
		Symbol:      event.Symbol,
		Condition:   string(event.Condition),
		Threshold:   event.Threshold,
		Price:       event.Price,
		Volume:      event.Volume,
		ChangePct:   event.ChangePct,
		Notional:    event.Notional,
		Channels:    channels,
		TriggeredAt: event.At,
	}
	if _, err := s.audit.InsertAlert(ctx, record); err != nil {
		s.logger.Error().Err(err).Str("rule_id", rule.ID).Msg("failed to persist alert record")
	}
}

// Maintain is the periodic pass: flush the rules document, prune stale
// dedup state, and trim the audit trail.
func (s *Service) Maintain(retention time.Duration) func(ctx context.Context, at time.Time) error {
	return func(ctx context.Context, at time.Time) error {
		if err := s.registry.Flush(ctx); err != nil {
			return err
		}

		keep := make(map[string]struct{})
		for _, id := range s.registry.IDs() {
			keep[id] = struct{}{}
		}
		s.gate.Prune(at, keep)

		if s.audit != nil && retention > 0 {
			if err := s.audit.DeleteAlertsBefore(ctx, at.Add(-retention)); err != nil {
				return err
			}
		}
		return nil
	}
}

func thresholdForEvent(rule rules.Rule) float64 {
	switch cond := rule.Condition.(type) {
	case rules.PriceAbove:
		return cond.Threshold
	case rules.PriceBelow:
		return cond.Threshold
	case rules.PercentChange:
		return cond.ThresholdPct
	case rules.VolumeSpike:
		return cond.ThresholdPct
	case rules.WhaleActivity:
		return cond.MinNotional
	default:
		return 0
	}
}
