// Package logs holds the time-stamped, append-only log entries shown by the
// dashboard and the per-client cursors used to read them incrementally.
package logs

import "time"

type Level string

const (
	LevelDebug Level = "debug"
	LevelInfo  Level = "info"
	LevelWarn  Level = "warn"
	LevelError Level = "error"
)

// StreamActivity names the global activity feed.
const StreamActivity = "activity"

// BridgeStream names the log stream of a single bridge.
func BridgeStream(name string) string {
	return "bridge:" + name
}

// Entry is immutable once appended. Seq increases strictly within a stream
// and Time never decreases.
type Entry struct {
	Seq     uint64            `json:"seq"`
	Time    time.Time         `json:"time"`
	Level   Level             `json:"level"`
	Message string            `json:"message"`
	Context map[string]string `json:"context,omitempty"`
}

func ParseLevel(s string) Level {
	switch Level(s) {
	case LevelDebug, LevelWarn, LevelError:
		return Level(s)
	default:
		return LevelInfo
	}
}

func cloneContext(in map[string]string) map[string]string {
	if len(in) == 0 {
		return nil
	}
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
