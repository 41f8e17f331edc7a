package heartbeat

import (
	"encoding/json"
	"math"
	"strconv"
	"time"

	"github.com/vinayprograms/kvbeat/errors"
)

// Option keys as they appear in raw configuration sources.
const (
	KeyTimeout  = "heartbeat_timeout"
	KeyInterval = "heartbeat_interval"
)

// Defaults applied to missing options.
const (
	DefaultTimeout  = 1000 * time.Millisecond
	DefaultInterval = 5000 * time.Millisecond
)

const (
	constraintPositive = "must be a non-zero positive number"
	constraintInteger  = "must have an integer value in milliseconds"
	constraintLarger   = `must be larger than "` + KeyTimeout + `"`
	constraintTooLarge = "is too large"
)

// Options is the caller-supplied heartbeat configuration.
// A zero field is treated as missing and takes its default.
type Options struct {
	// Timeout to wait for a pong before declaring the connection dead.
	// Default: 1s
	Timeout time.Duration

	// Interval between pings. Must be larger than Timeout.
	// Default: 5s
	Interval time.Duration
}

// DefaultOptions returns the defaults table.
func DefaultOptions() Options {
	return Options{
		Timeout:  DefaultTimeout,
		Interval: DefaultInterval,
	}
}

// withDefaults fills missing fields without touching explicit ones.
func (o Options) withDefaults() Options {
	d := DefaultOptions()
	if o.Timeout == 0 {
		o.Timeout = d.Timeout
	}
	if o.Interval == 0 {
		o.Interval = d.Interval
	}
	return o
}

// Config is a validated, immutable heartbeat configuration.
type Config struct {
	timeout  time.Duration
	interval time.Duration
}

// Timeout returns the pong deadline.
func (c Config) Timeout() time.Duration { return c.timeout }

// Interval returns the time between pings.
func (c Config) Interval() time.Duration { return c.interval }

// Options returns the config as Options.
func (c Config) Options() Options {
	return Options{Timeout: c.timeout, Interval: c.interval}
}

// NewConfig applies defaults to opts and validates the result.
//
// Both values must be positive whole milliseconds and Interval must be
// larger than Timeout, so a new ping never starts while the previous round's
// countdown can still fire. Failures carry code INVALID_CONFIG with the
// offending key in metadata "field".
func NewConfig(opts Options) (Config, error) {
	opts = opts.withDefaults()

	if err := validateMillis(KeyTimeout, opts.Timeout); err != nil {
		return Config{}, err
	}
	if err := validateMillis(KeyInterval, opts.Interval); err != nil {
		return Config{}, err
	}
	if opts.Interval <= opts.Timeout {
		return Config{}, errors.InvalidConfig(KeyInterval, constraintLarger)
	}

	return Config{timeout: opts.Timeout, interval: opts.Interval}, nil
}

func validateMillis(key string, d time.Duration) error {
	if d <= 0 {
		return errors.InvalidConfig(key, constraintPositive)
	}
	if d%time.Millisecond != 0 {
		return errors.InvalidConfig(key, constraintInteger)
	}
	return nil
}

// ParseOptions reads heartbeat_timeout and heartbeat_interval (integer
// milliseconds) from a raw key/value source such as a decoded TOML or JSON
// document. Absent or nil keys stay zero so NewConfig defaults them.
// Fractional, non-numeric and non-positive values are rejected with
// INVALID_CONFIG.
func ParseOptions(raw map[string]any) (Options, error) {
	var opts Options
	var err error

	if opts.Timeout, err = parseMillis(KeyTimeout, raw[KeyTimeout]); err != nil {
		return Options{}, err
	}
	if opts.Interval, err = parseMillis(KeyInterval, raw[KeyInterval]); err != nil {
		return Options{}, err
	}
	return opts, nil
}

func parseMillis(key string, v any) (time.Duration, error) {
	var ms int64

	switch n := v.(type) {
	case nil:
		return 0, nil
	case int:
		ms = int64(n)
	case int32:
		ms = int64(n)
	case int64:
		ms = n
	case uint32:
		ms = int64(n)
	case uint64:
		if n > math.MaxInt64 {
			return 0, errors.InvalidConfig(key, constraintTooLarge)
		}
		ms = int64(n)
	case float64:
		if n != math.Trunc(n) || math.IsInf(n, 0) || math.IsNaN(n) {
			return 0, errors.InvalidConfig(key, constraintInteger)
		}
		if n > math.MaxInt64 || n < math.MinInt64 {
			return 0, errors.InvalidConfig(key, constraintTooLarge)
		}
		ms = int64(n)
	case json.Number:
		i, err := strconv.ParseInt(n.String(), 10, 64)
		if err != nil {
			return 0, errors.InvalidConfig(key, constraintInteger, errors.WithCause(err))
		}
		ms = i
	default:
		return 0, errors.InvalidConfig(key, constraintInteger)
	}

	if ms <= 0 {
		return 0, errors.InvalidConfig(key, constraintPositive)
	}
	if ms > math.MaxInt64/int64(time.Millisecond) {
		return 0, errors.InvalidConfig(key, constraintTooLarge)
	}
	return time.Duration(ms) * time.Millisecond, nil
}
