package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestRegistrySingleton(t *testing.T) {
	a := Get()
	b := Get()
	assert.Same(t, a, b)
}

func TestCounters(t *testing.T) {
	r := Get()

	before := testutil.ToFloat64(r.ConnectionsTotal)
	r.ConnectionsTotal.Inc()
	assert.Equal(t, before+1, testutil.ToFloat64(r.ConnectionsTotal))

	r.ActionsTotal.WithLabelValues("handshake").Inc()
	assert.Equal(t, float64(1), testutil.ToFloat64(r.ActionsTotal.WithLabelValues("handshake")))

	r.SessionsActive.Set(3)
	assert.Equal(t, float64(3), testutil.ToFloat64(r.SessionsActive))
}
