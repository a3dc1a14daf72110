package saga

import "time"

const (
	defaultReplyTimeout    time.Duration = time.Second * 30
	defaultMaxAttempts     int           = 5
	defaultSweepInterval   time.Duration = time.Second * 5
	defaultSweepBatch      int           = 100
	defaultConflictRetries int           = 10
)

// Settings holds the orchestrator configuration.
type Settings struct {
	ReplyTimeout    time.Duration // how long a command may stay unanswered before being sent again
	MaxAttempts     int           // sends of the same command before the instance is FAILED
	SweepInterval   time.Duration // interval between timeout sweeps
	SweepBatch      int           // maximum instances handled per sweep
	ConflictRetries int           // optimistic concurrency retries per reply
}

// validateSettings validates the established settings and sets defaults if needed.
func validateSettings(s *Settings) {
	if s.ReplyTimeout <= 0 {
		s.ReplyTimeout = defaultReplyTimeout
	}
	if s.MaxAttempts <= 0 {
		s.MaxAttempts = defaultMaxAttempts
	}
	if s.SweepInterval <= 0 {
		s.SweepInterval = defaultSweepInterval
	}
	if s.SweepBatch <= 0 {
		s.SweepBatch = defaultSweepBatch
	}
	if s.ConflictRetries <= 0 {
		s.ConflictRetries = defaultConflictRetries
	}
}
