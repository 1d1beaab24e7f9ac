package config

import (
	"fmt"
	"time"
)

// Duration is a time.Duration that unmarshals from YAML and
// environment strings like "15s" or "72h". Plain integers are read as
// nanoseconds for compatibility with Go's native encoding.
type Duration time.Duration

// D returns the native time.Duration.
func (d Duration) D() time.Duration {
	return time.Duration(d)
}

func (d Duration) String() string {
	return time.Duration(d).String()
}

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(unmarshal func(interface{}) error) error {
	var s string
	if err := unmarshal(&s); err == nil {
		return d.set(s)
	}
	var n int64
	if err := unmarshal(&n); err == nil {
		*d = Duration(n)
		return nil
	}
	return fmt.Errorf("duration must be a string like \"15s\" or an integer nanosecond count")
}

// UnmarshalText implements encoding.TextUnmarshaler for envconfig.
func (d *Duration) UnmarshalText(text []byte) error {
	return d.set(string(text))
}

func (d *Duration) set(s string) error {
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("parse duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

// MarshalYAML renders the human-readable form.
func (d Duration) MarshalYAML() (interface{}, error) {
	return d.String(), nil
}
