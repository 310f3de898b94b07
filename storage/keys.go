package storage

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// ObjectKey builds the deterministic storage key for one intake package:
// <prefix>/<yyyy>/<mm>/<referralID>/<packageID>.bin. The year/month
// partition doubles as the key's creation period for retention checks.
func ObjectKey(prefix string, t time.Time, referralID, packageID string) string {
	t = t.UTC()
	return fmt.Sprintf("%s/%04d/%02d/%s/%s.bin", strings.Trim(prefix, "/"), t.Year(), int(t.Month()), referralID, packageID)
}

// KeyCreatedAt parses the year/month period embedded in an object key.
func KeyCreatedAt(key string) (time.Time, error) {
	parts := strings.Split(strings.Trim(key, "/"), "/")
	if len(parts) < 4 {
		return time.Time{}, fmt.Errorf("storage: malformed object key %q", key)
	}

	year, err := strconv.Atoi(parts[1])
	if err != nil || year < 2000 || year > 9999 {
		return time.Time{}, fmt.Errorf("storage: malformed year in key %q", key)
	}
	month, err := strconv.Atoi(parts[2])
	if err != nil || month < 1 || month > 12 {
		return time.Time{}, fmt.Errorf("storage: malformed month in key %q", key)
	}

	return time.Date(year, time.Month(month), 1, 0, 0, 0, 0, time.UTC), nil
}

// IsExpired reports whether the key's creation period plus the retention
// window has passed. Malformed keys are never treated as expired; the
// error tells the sweeper to leave them alone.
func IsExpired(key string, retentionDays int, now time.Time) (bool, error) {
	createdAt, err := KeyCreatedAt(key)
	if err != nil {
		return false, err
	}
	// The period resolves to the start of the month; the whole month must
	// age out before the key can expire.
	cutoff := createdAt.AddDate(0, 1, 0).AddDate(0, 0, retentionDays)
	return now.UTC().After(cutoff), nil
}
