package db

import (
	"database/sql/driver"
	"fmt"
	"time"
)

// Timestamp stores a UTC time as RFC 3339 text in SQLite.
type Timestamp struct {
	time.Time
}

// Now returns the current time as a Timestamp.
func Now() Timestamp {
	return Timestamp{time.Now().UTC()}
}

// Value implements driver.Valuer.
func (t Timestamp) Value() (driver.Value, error) {
	return t.UTC().Format(time.RFC3339Nano), nil
}

// Scan implements sql.Scanner.
func (t *Timestamp) Scan(src interface{}) error {
	switch v := src.(type) {
	case nil:
		t.Time = time.Time{}
		return nil
	case time.Time:
		t.Time = v.UTC()
		return nil
	case string:
		return t.parse(v)
	case []byte:
		return t.parse(string(v))
	default:
		return fmt.Errorf("scan timestamp: unsupported type %T", src)
	}
}

func (t *Timestamp) parse(s string) error {
	if s == "" {
		t.Time = time.Time{}
		return nil
	}
	// RFC 3339 is what we write; the DATETIME layout covers rows written
	// by SQLite's CURRENT_TIMESTAMP.
	for _, layout := range []string{time.RFC3339Nano, time.RFC3339, "2006-01-02 15:04:05"} {
		if parsed, err := time.Parse(layout, s); err == nil {
			t.Time = parsed.UTC()
			return nil
		}
	}
	return fmt.Errorf("scan timestamp: unrecognized value %q", s)
}
