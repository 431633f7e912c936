package config

import (
	"encoding/json"
	"fmt"
	"time"
)

// Duration embeds time.Duration so config files can say "30s" or "10m"
// instead of nanosecond counts. Bare numbers in YAML are read as seconds.
type Duration struct {
	time.Duration
}

// DurationFrom wraps a time.Duration for use in config defaults.
func DurationFrom(d time.Duration) Duration {
	return Duration{Duration: d}
}

// IsZero reports whether no duration was set.
func (d Duration) IsZero() bool {
	return d.Duration == 0
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

func (d *Duration) UnmarshalText(text []byte) error {
	if len(text) == 0 {
		d.Duration = 0
		return nil
	}
	parsed, err := time.ParseDuration(string(text))
	if err != nil {
		return fmt.Errorf("parse duration %q: %w", string(text), err)
	}
	d.Duration = parsed
	return nil
}

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.Duration.String())
}

func (d *Duration) UnmarshalJSON(b []byte) error {
	if len(b) == 0 {
		d.Duration = 0
		return nil
	}
	var raw string
	if err := json.Unmarshal(b, &raw); err != nil {
		return fmt.Errorf("duration must be a string like \"30s\": %w", err)
	}
	return d.UnmarshalText([]byte(raw))
}

func (d Duration) MarshalYAML() (any, error) {
	return d.Duration.String(), nil
}

func (d *Duration) UnmarshalYAML(value func(any) error) error {
	var raw any
	if err := value(&raw); err != nil {
		return err
	}
	switch v := raw.(type) {
	case string:
		return d.UnmarshalText([]byte(v))
	case int:
		d.Duration = time.Duration(v) * time.Second
	case int64:
		d.Duration = time.Duration(v) * time.Second
	case float64:
		d.Duration = time.Duration(v * float64(time.Second))
	default:
		return fmt.Errorf("duration must be a string or a number of seconds, got %T", raw)
	}
	return nil
}
