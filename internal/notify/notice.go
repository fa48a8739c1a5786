// Package notify is the notification surface: short-lived messages shown to
// the user after an action, with a severity and a display duration.
package notify

import (
	"encoding/json"
	"time"
)

// Severity selects how a notice is styled.
type Severity string

const (
	Normal      Severity = "normal"
	Destructive Severity = "destructive"
)

// DefaultDuration is how long a notice stays on screen unless overridden.
const DefaultDuration = 5 * time.Second

// Notice is one transient message.
//
// WHY A CUSTOM JSON SHAPE?
// Browsers schedule the dismissal with setTimeout, which takes milliseconds.
// Encoding time.Duration as-is would send nanoseconds, so the wire form
// carries durationMs instead.
type Notice struct {
	Title    string
	Message  string
	Severity Severity
	Duration time.Duration
}

// Info builds a Normal notice with the default duration.
func Info(title, message string) Notice {
	return Notice{Title: title, Message: message, Severity: Normal, Duration: DefaultDuration}
}

// Error builds a Destructive notice with the default duration.
func Error(title, message string) Notice {
	return Notice{Title: title, Message: message, Severity: Destructive, Duration: DefaultDuration}
}

// IsDestructive reports whether n reports a failure.
func (n Notice) IsDestructive() bool { return n.Severity == Destructive }

type wireNotice struct {
	Title      string   `json:"title"`
	Message    string   `json:"message"`
	Severity   Severity `json:"severity"`
	DurationMs int64    `json:"durationMs"`
}

func (n Notice) MarshalJSON() ([]byte, error) {
	return json.Marshal(wireNotice{
		Title:      n.Title,
		Message:    n.Message,
		Severity:   n.Severity,
		DurationMs: n.Duration.Milliseconds(),
	})
}

func (n *Notice) UnmarshalJSON(b []byte) error {
	var w wireNotice
	if err := json.Unmarshal(b, &w); err != nil {
		return err
	}
	*n = Notice{
		Title:    w.Title,
		Message:  w.Message,
		Severity: w.Severity,
		Duration: time.Duration(w.DurationMs) * time.Millisecond,
	}
	if n.Severity == "" {
		n.Severity = Normal
	}
	return nil
}
