package adapter

import (
	"go.opentelemetry.io/otel"

	"github.com/srediag/atsock/pkg/at"
)

const instrumentationName = "github.com/srediag/atsock"

// Instrument fills the channel config's meter and tracer from the global
// OpenTelemetry providers. Call before at.New; a config that keeps them nil
// simply runs uninstrumented.
func Instrument(conf *at.Config) *at.Config {
	if conf == nil {
		conf = at.DefaultConfig()
	}
	conf.Meter = otel.GetMeterProvider().Meter(instrumentationName)
	conf.Tracer = otel.GetTracerProvider().Tracer(instrumentationName)
	return conf
}
