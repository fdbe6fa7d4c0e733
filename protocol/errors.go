package protocol

import "fmt"

// ValidationError reports a malformed or unknown envelope. The payload is
// dropped without touching downstream state.
type ValidationError struct {
	Channel string // "chat" or "call"
	Type    string
	Reason  string
}

func (e *ValidationError) Error() string {
	if e.Type == "" {
		return fmt.Sprintf("protocol: invalid %s envelope: %s", e.Channel, e.Reason)
	}
	return fmt.Sprintf("protocol: invalid %s envelope %q: %s", e.Channel, e.Type, e.Reason)
}
