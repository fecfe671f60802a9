package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

func TestRecorder_ObserveOperation(t *testing.T) {
	c := require.New(t)
	r := Recorder{}

	before := testutil.ToFloat64(operationsCounter.WithLabelValues("dispute", "OK"))
	r.ObserveOperation("dispute", "OK", 3*time.Millisecond)
	r.ObserveOperation("dispute", "INVALID_STATUS", time.Millisecond)

	c.Equal(before+1, testutil.ToFloat64(operationsCounter.WithLabelValues("dispute", "OK")))
	c.GreaterOrEqual(testutil.ToFloat64(operationsCounter.WithLabelValues("dispute", "INVALID_STATUS")), 1.0)
}

func TestRecorder_ObserveCustody(t *testing.T) {
	c := require.New(t)
	r := Recorder{}

	before := testutil.ToFloat64(custodyGauge)
	r.ObserveCustody(1000)
	r.ObserveCustody(-400)
	c.Equal(before+600, testutil.ToFloat64(custodyGauge))
}

func TestRecorder_ObservePublished(t *testing.T) {
	c := require.New(t)
	r := Recorder{}

	before := testutil.ToFloat64(outboxPublished.WithLabelValues("escrow.created"))
	r.ObservePublished("escrow.created")
	c.Equal(before+1, testutil.ToFloat64(outboxPublished.WithLabelValues("escrow.created")))
}
