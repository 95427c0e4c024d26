package processor

import (
	"fmt"
	"time"

	"github.com/Mindburn-Labs/helm-pay/pkg/payment"
)

// Kind selects a processor implementation.
type Kind string

const (
	KindSimulated Kind = "simulated"
	KindHTTP      Kind = "http"
)

// Config selects and tunes the processor.
type Config struct {
	Kind     Kind
	Endpoint string
	APIKey   string
	Timeout  time.Duration
	// RPS caps outgoing charges when positive.
	RPS   float64
	Burst int
}

// New builds the configured processor, rate limited when RPS is set.
func New(cfg Config) (payment.Processor, error) {
	var p payment.Processor
	switch cfg.Kind {
	case "", KindSimulated:
		p = NewSimulated()
	case KindHTTP:
		hp, err := NewHTTPProcessor(HTTPConfig{Endpoint: cfg.Endpoint, APIKey: cfg.APIKey, Timeout: cfg.Timeout})
		if err != nil {
			return nil, err
		}
		p = hp
	default:
		return nil, fmt.Errorf("unknown processor kind %q", cfg.Kind)
	}
	if cfg.RPS > 0 {
		p = NewRateLimited(p, cfg.RPS, cfg.Burst)
	}
	return p, nil
}
