package main

import (
	"io"
	"net/http"
	"os"
	"time"

	"github.com/3rs4lg4d0/gosaga/internal/app"
	"github.com/3rs4lg4d0/gosaga/internal/config"
	"github.com/3rs4lg4d0/gosaga/logger"
	gslogrus "github.com/3rs4lg4d0/gosaga/logger/logrus"
	gszap "github.com/3rs4lg4d0/gosaga/logger/zap"
	gszerolog "github.com/3rs4lg4d0/gosaga/logger/zerolog"
	"github.com/3rs4lg4d0/gosaga/metrics"
	gsprom "github.com/3rs4lg4d0/gosaga/metrics/prometheus"
	gstally "github.com/3rs4lg4d0/gosaga/metrics/tally"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/sirupsen/logrus"
	tally "github.com/uber-go/tally/v4"
	tallyprom "github.com/uber-go/tally/v4/prometheus"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// GetLogger builds the configured logger.
func GetLogger(c *config.Config) (logger.Logger, error) {
	switch c.Logger {
	case "zap":
		level, err := zapcore.ParseLevel(c.LogLevel)
		if err != nil {
			return nil, err
		}
		cfg := zap.NewProductionConfig()
		cfg.Level = zap.NewAtomicLevelAt(level)
		l, err := cfg.Build()
		if err != nil {
			return nil, err
		}
		return &gszap.Logger{Logger: l}, nil
	case "logrus":
		level, err := logrus.ParseLevel(c.LogLevel)
		if err != nil {
			return nil, err
		}
		l := logrus.New()
		l.SetOutput(os.Stdout)
		l.SetLevel(level)
		return &gslogrus.Logger{Logger: l}, nil
	default:
		level, err := zerolog.ParseLevel(c.LogLevel)
		if err != nil {
			return nil, err
		}
		return &gszerolog.Logger{
			Logger: zerolog.New(zerolog.ConsoleWriter{
				Out:        os.Stdout,
				TimeFormat: time.RFC3339,
			}).
				Level(level).
				With().
				Timestamp().
				Logger(),
		}, nil
	}
}

var counters = []struct {
	name string
	help string
	set  func(m *app.Metrics, c metrics.Counter)
}{
	{"outbox_relayed_total", "Outbox records published to the broker.", func(m *app.Metrics, c metrics.Counter) { m.Relayed = c }},
	{"outbox_relay_failures_total", "Outbox records the broker rejected.", func(m *app.Metrics, c metrics.Counter) { m.RelayFailed = c }},
	{"sagas_completed_total", "Sagas that reached COMPLETED.", func(m *app.Metrics, c metrics.Counter) { m.SagasCompleted = c }},
	{"sagas_unsuccessful_total", "Sagas that were compensated or FAILED.", func(m *app.Metrics, c metrics.Counter) { m.SagasFailed = c }},
	{"commands_succeeded_total", "Participant commands answered with success.", func(m *app.Metrics, c metrics.Counter) { m.CommandsSucceeded = c }},
	{"commands_rejected_total", "Participant commands answered with failure.", func(m *app.Metrics, c metrics.Counter) { m.CommandsRejected = c }},
}

// GetMetrics builds the configured counters and the handler exposing them.
// The handler is nil when metrics are disabled.
func GetMetrics(c *config.Config) (app.Metrics, http.Handler, func(), error) {
	var m app.Metrics
	reg := prometheus.NewRegistry()
	handler := promhttp.HandlerFor(reg, promhttp.HandlerOpts{})

	switch c.Metrics {
	case "none":
		return m, nil, func() {}, nil
	case "prometheus":
		for _, ct := range counters {
			pc, err := gsprom.NewCounter(reg, "gosaga", ct.name, ct.help)
			if err != nil {
				return m, nil, nil, err
			}
			ct.set(&m, pc)
		}
		return m, handler, func() {}, nil
	default:
		scope, closer := tally.NewRootScope(tally.ScopeOptions{
			Prefix:         "gosaga",
			Separator:      tallyprom.DefaultSeparator,
			CachedReporter: tallyprom.NewReporter(tallyprom.Options{Registerer: reg}),
		}, time.Second)
		for _, ct := range counters {
			ct.set(&m, gstally.NewCounter(scope, ct.name, nil))
		}
		return m, handler, func() { closeQuietly(closer) }, nil
	}
}

func closeQuietly(c io.Closer) {
	_ = c.Close()
}
