package prometheus

import (
	"github.com/3rs4lg4d0/gosaga/metrics"
	"github.com/prometheus/client_golang/prometheus"
)

// Counter adapts a prometheus.Counter. Negative deltas are ignored because
// prometheus counters only go up.
type Counter struct {
	Counter prometheus.Counter
}

var _ metrics.Counter = (*Counter)(nil)

func (c *Counter) Inc(delta int64) {
	if delta <= 0 {
		return
	}
	c.Counter.Add(float64(delta))
}

// NewCounter registers a counter named name in reg and wraps it.
func NewCounter(reg prometheus.Registerer, namespace, name, help string) (*Counter, error) {
	c := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      name,
		Help:      help,
	})
	if err := reg.Register(c); err != nil {
		return nil, err
	}
	return &Counter{Counter: c}, nil
}
