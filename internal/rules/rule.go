package rules

import (
	"encoding/json"
	"fmt"
	"math"
	"time"
)

// Channel identifies a notification delivery channel.
type Channel string

const (
	ChannelPush     Channel = "push"
	ChannelEmail    Channel = "email"
	ChannelTelegram Channel = "telegram"
	ChannelSMS      Channel = "sms"
)

// AllowedChannels enumerates every channel a rule may route to.
var AllowedChannels = map[Channel]struct{}{
	ChannelPush:     {},
	ChannelEmail:    {},
	ChannelTelegram: {},
	ChannelSMS:      {},
}

// Rule is one user-defined alert definition.
type Rule struct {
	ID              string
	Symbol          string
	Condition       Condition
	Channels        []Channel
	Active          bool
	Cooldown        time.Duration
	LastTriggeredAt *time.Time

	// Stale marks rules whose feed gave up reconnecting. Runtime state,
	// never persisted.
	Stale bool
}

// ruleRecord is the flat persisted representation of a Rule.
type ruleRecord struct {
	ID              string    `json:"id"`
	Symbol          string    `json:"symbol"`
	ConditionType   string    `json:"conditionType"`
	Threshold       float64   `json:"threshold"`
	Channels        []Channel `json:"channels"`
	Active          bool      `json:"active"`
	CooldownMs      int64     `json:"cooldownMs"`
	LastTriggeredAt *int64    `json:"lastTriggeredAt,omitempty"`
}

// MarshalJSON renders the flat record shape.
func (r Rule) MarshalJSON() ([]byte, error) {
	if r.Condition == nil {
		return nil, fmt.Errorf("rule %s has no condition", r.ID)
	}
	rec := ruleRecord{
		ID:            r.ID,
		Symbol:        r.Symbol,
		ConditionType: string(r.Condition.Kind()),
		Threshold:     thresholdOf(r.Condition),
		Channels:      r.Channels,
		Active:        r.Active,
		CooldownMs:    r.Cooldown.Milliseconds(),
	}
	if r.LastTriggeredAt != nil {
		ms := r.LastTriggeredAt.UnixMilli()
		rec.LastTriggeredAt = &ms
	}
	return json.Marshal(rec)
}

// UnmarshalJSON rebuilds the condition union from the flat record.
func (r *Rule) UnmarshalJSON(data []byte) error {
	var rec ruleRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return err
	}

	cond, err := ConditionFromRecord(ConditionType(rec.ConditionType), rec.Threshold)
	if err != nil {
		return err
	}

	r.ID = rec.ID
	r.Symbol = rec.Symbol
	r.Condition = cond
	r.Channels = rec.Channels
	r.Active = rec.Active
	r.Cooldown = time.Duration(rec.CooldownMs) * time.Millisecond
	r.LastTriggeredAt = nil
	if rec.LastTriggeredAt != nil {
		t := time.UnixMilli(*rec.LastTriggeredAt)
		r.LastTriggeredAt = &t
	}
	return nil
}

// Validate checks the rule invariants enforced on create and update.
func (r Rule) Validate() error {
	if r.Symbol == "" {
		return fmt.Errorf("%w: symbol must not be empty", ErrInvalidRule)
	}
	if r.Condition == nil {
		return fmt.Errorf("%w: condition is required", ErrInvalidRule)
	}

	threshold := thresholdOf(r.Condition)
	if math.IsNaN(threshold) || math.IsInf(threshold, 0) {
		return fmt.Errorf("%w: threshold must be finite", ErrInvalidRule)
	}
	switch r.Condition.Kind() {
	case TypePercentChange, TypeVolumeSpike:
		if threshold < 0 {
			return fmt.Errorf("%w: %s threshold must be non-negative", ErrInvalidRule, r.Condition.Kind())
		}
	}

	if r.Active && len(r.Channels) == 0 {
		return fmt.Errorf("%w: active rule requires at least one channel", ErrInvalidRule)
	}
	for _, ch := range r.Channels {
		if _, ok := AllowedChannels[ch]; !ok {
			return fmt.Errorf("%w: unknown channel %q", ErrInvalidRule, ch)
		}
	}

	if r.Cooldown < 0 {
		return fmt.Errorf("%w: cooldown must not be negative", ErrInvalidRule)
	}
	return nil
}
