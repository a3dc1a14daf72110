package outbox

import (
	"time"
)

const (
	defaultMaxDispatchers          int           = 2
	defaultPollingInterval         time.Duration = time.Second * 3
	defaultMaxEventsPerInterval    int           = -1
	defaultMaxEventsPerBatch       int           = 100
	defaultSubscriptionInterval    time.Duration = time.Second * 10
	defaultDeliveryTimeout         time.Duration = time.Second * 10
	defaultInitialBackoff          time.Duration = time.Millisecond * 500
	defaultMaxBackoff              time.Duration = time.Second * 30
	defaultMaxConcurrentAggregates int           = 16
)

// Settings holds the general outbox configuration.
type Settings struct {
	MaxDispatchers          int           // in HA environments, maximum allowed number of dispatchers working concurrently
	PollingInterval         time.Duration // interval between database pollings by the dispatchers
	MaxEventsPerInterval    int           // maximum number of events to be processed by a dispatcher in each iteration (-1 = unlimited)
	MaxEventsPerBatch       int           // maximum number of events per batch
	SubscriptionInterval    time.Duration // interval between dispatcher subscription refreshes
	DeliveryTimeout         time.Duration // how long to wait for a broker acknowledgement
	InitialBackoff          time.Duration // first wait after a pass with broker failures
	MaxBackoff              time.Duration // upper bound of the wait between failing passes
	MaxConcurrentAggregates int           // aggregates relayed in parallel within a batch
}

// validateSettings validates the established settings and sets defaults if needed.
func validateSettings(s *Settings) {
	if s.MaxDispatchers <= 0 {
		s.MaxDispatchers = defaultMaxDispatchers
	}
	if s.PollingInterval <= 0 {
		s.PollingInterval = defaultPollingInterval
	}
	if s.MaxEventsPerInterval == 0 || s.MaxEventsPerInterval < -1 {
		s.MaxEventsPerInterval = defaultMaxEventsPerInterval
	}
	if s.MaxEventsPerBatch <= 0 {
		s.MaxEventsPerBatch = defaultMaxEventsPerBatch
	}
	if s.SubscriptionInterval <= 0 {
		s.SubscriptionInterval = defaultSubscriptionInterval
	}
	if s.DeliveryTimeout <= 0 {
		s.DeliveryTimeout = defaultDeliveryTimeout
	}
	if s.InitialBackoff <= 0 {
		s.InitialBackoff = defaultInitialBackoff
	}
	if s.MaxBackoff < s.InitialBackoff {
		s.MaxBackoff = defaultMaxBackoff
		if s.MaxBackoff < s.InitialBackoff {
			s.MaxBackoff = s.InitialBackoff
		}
	}
	if s.MaxConcurrentAggregates <= 0 {
		s.MaxConcurrentAggregates = defaultMaxConcurrentAggregates
	}
}
