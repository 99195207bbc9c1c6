package worker

import (
	"encoding/json"
	"regexp"
	"strings"
)

// Broadcast is one parsed [TASK_BROADCAST: ...] marker.
type Broadcast struct {
	Key   string
	Topic string
	Value interface{}
}

// broadcastPattern matches both forms:
//
//	[TASK_BROADCAST: key = value]
//	[TASK_BROADCAST: key@topic = value]
var broadcastPattern = regexp.MustCompile(`\[TASK_BROADCAST:\s*([^\]=@]+?)(?:@([^\]=]+?))?\s*=\s*([^\]]+)\]`)

// taskCompleteMarker is the sentinel a reply uses to declare itself done
// without a structured result.
const taskCompleteMarker = "[TASK_COMPLETE]"

// HasTaskComplete reports whether reply contains the completion sentinel.
func HasTaskComplete(reply string) bool {
	return strings.Contains(reply, taskCompleteMarker)
}

// ParseBroadcasts extracts every [TASK_BROADCAST: ...] marker from reply.
// Values that parse as JSON (numbers, booleans, objects, quoted strings)
// are coerced to their native type; anything else is kept as a trimmed
// string. A marker ends at the first `]`, so a value cannot contain one:
// a JSON array comes back as a truncated string.
func ParseBroadcasts(reply string) []Broadcast {
	matches := broadcastPattern.FindAllStringSubmatch(reply, -1)
	out := make([]Broadcast, 0, len(matches))
	for _, m := range matches {
		key := strings.TrimSpace(m[1])
		topic := strings.TrimSpace(m[2])
		raw := strings.TrimSpace(m[3])

		var value interface{}
		if err := json.Unmarshal([]byte(raw), &value); err != nil {
			value = raw
		}

		out = append(out, Broadcast{Key: key, Topic: topic, Value: value})
	}
	return out
}
