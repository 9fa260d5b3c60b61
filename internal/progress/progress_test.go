package progress

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recorded struct {
	event string
	args  []any
}

func recorder() (*[]recorded, Emitter) {
	var events []recorded
	return &events, func(event string, args []any) {
		events = append(events, recorded{event, args})
	}
}

func TestRootLifecycle(t *testing.T) {
	events, emit := recorder()
	root := NewRoot(emit)
	root.SetMax(2)

	sub := root.Begin("Preparing for session request")
	sub.SetMax(4)
	sub.Doing("Initializing hypervisor")
	sub.Done("Hypervisor ready")
	sub.Done("Crypto store initialized")
	sub.Done("Obtained information from VMCP endpoint")
	sub.Done("Request validated")
	sub.Complete("prepared")

	open := root.Begin("Open session")
	open.Complete("opened")

	root.Complete("Session open successfully")

	require.NotEmpty(t, *events)
	assert.Equal(t, "started", (*events)[0].event)

	last := (*events)[len(*events)-1]
	assert.Equal(t, "completed", last.event)
	assert.Equal(t, []any{"Session open successfully"}, last.args)
}

func TestFractionAggregation(t *testing.T) {
	root := NewRoot(nil)
	root.SetMax(2)

	sub := root.Begin("half one")
	sub.SetMax(2)
	assert.InDelta(t, 0.0, root.Fraction(), 0.001)

	sub.Done("step 1")
	// Half of the first of two root steps.
	assert.InDelta(t, 0.25, root.Fraction(), 0.001)

	sub.Complete("done")
	assert.InDelta(t, 0.5, root.Fraction(), 0.001)

	root.Complete("all done")
	assert.InDelta(t, 1.0, root.Fraction(), 0.001)
}

func TestStartedEmittedOnce(t *testing.T) {
	events, emit := recorder()
	root := NewRoot(emit)
	root.SetMax(3)

	root.Doing("a")
	root.Doing("b")
	root.Doing("c")

	var started int
	for _, e := range *events {
		if e.event == "started" {
			started++
		}
	}
	assert.Equal(t, 1, started)
}

func TestNilEmitterSafe(t *testing.T) {
	root := NewRoot(nil)
	sub := root.Begin("x")
	sub.Complete("y")
	root.Complete("z")
	assert.InDelta(t, 1.0, root.Fraction(), 0.001)
}
