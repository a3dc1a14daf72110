package tally

import (
	"github.com/3rs4lg4d0/gosaga/metrics"
	tally "github.com/uber-go/tally/v4"
)

// Counter adapts a tally.Counter.
type Counter struct {
	Counter tally.Counter
}

var _ metrics.Counter = (*Counter)(nil)

func (c *Counter) Inc(delta int64) {
	c.Counter.Inc(delta)
}

// NewCounter creates the counter name in scope, tagged with tags when there
// are any.
func NewCounter(scope tally.Scope, name string, tags map[string]string) *Counter {
	if len(tags) > 0 {
		scope = scope.Tagged(tags)
	}
	return &Counter{Counter: scope.Counter(name)}
}
