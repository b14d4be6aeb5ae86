package relay

import (
	"context"
	"time"

	"github.com/sethvargo/go-envconfig"
)

// Config holds runtime configuration for the relay service.
type Config struct {
	NATSURL         string        `env:"NATS_URL,default=nats://127.0.0.1:4222"`
	Stream          string        `env:"RELAY_STREAM,default=ATTACHD_MESSAGES"`
	StreamSubjects  []string      `env:"RELAY_STREAM_SUBJECTS,default=attachd.messages.>"`
	InboundSubject  string        `env:"RELAY_INBOUND_SUBJECT,default=attachd.messages.outbound"`
	OutboundSubject string        `env:"RELAY_OUTBOUND_SUBJECT,default=attachd.messages.delivered"`
	Durable         string        `env:"RELAY_DURABLE,default=relay-outbound"`
	GatewayURL      string        `env:"AMS_GATEWAY_URL,required"`
	SessionToken    string        `env:"AMS_SESSION_TOKEN,required"`
	MaxConcurrency  int           `env:"RELAY_MAX_CONCURRENCY,default=0"`
	RequestTimeout  time.Duration `env:"RELAY_REQUEST_TIMEOUT,default=30s"`
	MetricsAddr     string        `env:"RELAY_METRICS_ADDR,default=:9090"`
	OTLPEndpoint    string        `env:"OTEL_EXPORTER_OTLP_ENDPOINT"`
}

// Options returns the subject settings from cfg.
func (c Config) Options() Options {
	return Options{
		InboundSubject:  c.InboundSubject,
		OutboundSubject: c.OutboundSubject,
		Durable:         c.Durable,
	}
}

// LoadConfig returns a Config populated from environment variables.
func LoadConfig(ctx context.Context) (Config, error) {
	return loadConfig(ctx, envconfig.OsLookuper())
}

func loadConfig(ctx context.Context, lookuper envconfig.Lookuper) (Config, error) {
	var cfg Config
	if err := envconfig.ProcessWith(ctx, &envconfig.Config{Target: &cfg, Lookuper: lookuper}); err != nil {
		return Config{}, err
	}
	return cfg, nil
}
