package daemon

import (
	"github.com/cernvm/cernvm-webapi/internal/metrics"
	"github.com/cernvm/cernvm-webapi/internal/protocol"
)

// Callback forwards workflow outcomes to the page, correlated with the
// action id that spawned the workflow. Each worker terminates by firing
// exactly one terminal event through its callback, except for silent
// abort paths.
type Callback struct {
	conn    *Connection
	eventID string
}

func newCallback(conn *Connection, eventID string) *Callback {
	return &Callback{conn: conn, eventID: eventID}
}

// Fire emits a named event tagged with the workflow's correlation id.
func (cb *Callback) Fire(name string, args ...any) {
	cb.conn.SendEvent(name, args, cb.eventID)
}

// Succeed fires the terminal success event.
func (cb *Callback) Succeed(args ...any) {
	cb.Fire("succeed", args...)
}

// Failed fires the terminal failure event with its wire code.
func (cb *Callback) Failed(message string, code protocol.Code) {
	metrics.Get().FailuresTotal.WithLabelValues(code.String()).Inc()
	cb.Fire("failed", message, int(code))
}
