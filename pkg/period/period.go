package period

import (
	"fmt"
	"time"
)

// Period is the recurrence window of a repeatable activity. An activity id
// composed with a period label completes at most once per window; the bare id
// completes at most once ever.
type Period string

const (
	None    Period = ""
	Daily   Period = "daily"
	Monthly Period = "monthly"
)

// Label formats the window stamp for t in its location.
func Label(p Period, t time.Time) string {
	switch p {
	case Daily:
		return t.Format("2006-01-02")
	case Monthly:
		return t.Format("2006-01")
	default:
		return ""
	}
}

// Compose derives the activity id actually stored in the wallet's completed
// set. Same base id, same window, same result.
func Compose(baseID string, p Period, t time.Time) string {
	label := Label(p, t)
	if label == "" {
		return baseID
	}
	return fmt.Sprintf("%s_%s", baseID, label)
}
