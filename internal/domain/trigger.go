package domain

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
)

var ErrInvalidTrigger = errors.New("invalid trigger")

type TriggerKind string

const (
	TriggerOnce     TriggerKind = "once"
	TriggerDaily    TriggerKind = "daily"
	TriggerWeekly   TriggerKind = "weekly"
	TriggerInterval TriggerKind = "interval"
	TriggerCron     TriggerKind = "cron"
)

// Trigger is a tagged variant: Kind decides which of the other fields is meaningful.
type Trigger struct {
	Kind      TriggerKind `json:"kind"`
	At        *time.Time  `json:"at,omitempty"`          // once
	TimeOfDay string      `json:"time_of_day,omitempty"` // daily, "HH:MM"
	Every     Duration    `json:"every,omitempty"`       // interval
	Expr      string      `json:"expr,omitempty"`        // cron
}

func Once(at time.Time) Trigger { return Trigger{Kind: TriggerOnce, At: &at} }

func Daily(timeOfDay string) Trigger { return Trigger{Kind: TriggerDaily, TimeOfDay: timeOfDay} }

func Weekly() Trigger { return Trigger{Kind: TriggerWeekly} }

func Interval(period time.Duration) Trigger {
	return Trigger{Kind: TriggerInterval, Every: Duration(period)}
}

func Cron(expr string) Trigger { return Trigger{Kind: TriggerCron, Expr: expr} }

func (t Trigger) Validate() error {
	switch t.Kind {
	case TriggerOnce:
		if t.At == nil || t.At.IsZero() {
			return fmt.Errorf("%w: once requires at", ErrInvalidTrigger)
		}
	case TriggerDaily:
		if _, _, err := t.Clock(); err != nil {
			return err
		}
	case TriggerWeekly:
	case TriggerInterval:
		if t.Every <= 0 {
			return fmt.Errorf("%w: interval requires a positive period", ErrInvalidTrigger)
		}
	case TriggerCron:
		if _, err := cron.ParseStandard(t.Expr); err != nil {
			return fmt.Errorf("%w: cron expression %q: %v", ErrInvalidTrigger, t.Expr, err)
		}
	default:
		return fmt.Errorf("%w: unknown kind %q", ErrInvalidTrigger, t.Kind)
	}
	return nil
}

// Clock returns the hour and minute of a daily trigger.
func (t Trigger) Clock() (hour, minute int, err error) {
	parsed, perr := time.Parse("15:04", t.TimeOfDay)
	if perr != nil {
		return 0, 0, fmt.Errorf("%w: daily time %q must be HH:MM", ErrInvalidTrigger, t.TimeOfDay)
	}
	return parsed.Hour(), parsed.Minute(), nil
}

func (t Trigger) String() string {
	switch t.Kind {
	case TriggerOnce:
		if t.At != nil {
			return "once at " + t.At.Format(time.RFC3339)
		}
	case TriggerDaily:
		return "daily at " + t.TimeOfDay
	case TriggerInterval:
		return "every " + time.Duration(t.Every).String()
	case TriggerCron:
		return "cron " + t.Expr
	}
	return string(t.Kind)
}

// Duration is a time.Duration that travels through JSON as "90s" style text.
// Plain numbers are read as seconds.
type Duration time.Duration

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

func (d *Duration) UnmarshalJSON(b []byte) error {
	var secs float64
	if err := json.Unmarshal(b, &secs); err == nil {
		*d = Duration(time.Duration(secs * float64(time.Second)))
		return nil
	}
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return err
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return err
	}
	*d = Duration(v)
	return nil
}
