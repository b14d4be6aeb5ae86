package gateway

import (
	"context"
	"time"

	"github.com/sethvargo/go-envconfig"
)

// Config holds runtime configuration for ams-gw.
type Config struct {
	Addr           string        `env:"GATEWAY_ADDR,default=:8080"`
	Bucket         string        `env:"S3_BUCKET,required"`
	ViewTTL        time.Duration `env:"GATEWAY_VIEW_TTL,default=5m"`
	ProxyViews     bool          `env:"GATEWAY_PROXY_VIEWS,default=false"`
	MaxUploadBytes int64         `env:"GATEWAY_MAX_UPLOAD_BYTES,default=67108864"`
	AllowedOrigins []string      `env:"GATEWAY_CORS_ALLOWED_ORIGINS,default=*"`
	RateLimit      int           `env:"GATEWAY_RATE_LIMIT,default=600"`
	RequestTimeout time.Duration `env:"GATEWAY_REQUEST_TIMEOUT,default=60s"`
	OTLPEndpoint   string        `env:"OTEL_EXPORTER_OTLP_ENDPOINT"`
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
