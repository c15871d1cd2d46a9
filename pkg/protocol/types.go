package protocol

import (
	"fmt"
	"strings"
)

// Kind identifies one upstream analytics worker.
type Kind string

// Worker kinds served by the gateway.
const (
	Worker1 Kind = "worker1"
	Worker2 Kind = "worker2"
	Worker5 Kind = "worker5"
	Worker6 Kind = "worker6"
)

// AllKinds lists every worker kind in route order.
var AllKinds = []Kind{Worker1, Worker2, Worker5, Worker6}

// Title returns the capitalised display name used in envelope messages
// (e.g. "Worker1").
func (k Kind) Title() string {
	s := string(k)
	if s == "" {
		return s
	}
	return strings.ToUpper(s[:1]) + s[1:]
}

// ParseKind accepts "worker1", "Worker1" or the bare number "1".
func ParseKind(s string) (Kind, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	if !strings.HasPrefix(s, "worker") {
		s = "worker" + s
	}
	for _, k := range AllKinds {
		if string(k) == s {
			return k, nil
		}
	}
	return "", fmt.Errorf("unknown worker kind %q", s)
}

// PlaybackStream is the stream name used for the paper-data SSE endpoint.
const PlaybackStream = "paper-data"
