package lifecycle

import (
	"fmt"
	"time"
)

// TTLNever is the expiration name for links that stay valid until read.
const TTLNever = "never"

var ttls = map[string]time.Duration{
	"1m":     time.Minute,
	"5m":     5 * time.Minute,
	"10m":    10 * time.Minute,
	"30m":    30 * time.Minute,
	"1h":     time.Hour,
	"24h":    24 * time.Hour,
	"7d":     7 * 24 * time.Hour,
	TTLNever: 0,
}

// TTLNames lists the accepted expiration names, shortest first.
var TTLNames = []string{"1m", "5m", "10m", "30m", "1h", "24h", "7d", TTLNever}

// ParseTTL resolves an expiration name. The empty string means never.
// A zero duration means the secret does not expire.
func ParseTTL(name string) (time.Duration, error) {
	if name == "" {
		return 0, nil
	}
	d, ok := ttls[name]
	if !ok {
		return 0, fmt.Errorf("%w: %q", ErrInvalidTTL, name)
	}
	return d, nil
}

func expiresAt(now time.Time, ttl time.Duration) *time.Time {
	if ttl == 0 {
		return nil
	}
	t := now.Add(ttl)
	return &t
}
