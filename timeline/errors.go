package timeline

import "fmt"

// ReconciliationError reports a confirmation that matched no pending
// message, typically a duplicate or late echo. Logged and ignored.
type ReconciliationError struct {
	CorrelationID string
	MessageID     int64
}

func (e *ReconciliationError) Error() string {
	return fmt.Sprintf("timeline: no pending message for correlation %q (server id %d)", e.CorrelationID, e.MessageID)
}
