// Package sms holds the SMS gateway adapters. Every adapter satisfies
// domain.SMSProvider and normalizes destination numbers before calling its
// gateway; callers obtain one through New and never name a concrete type.
package sms

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/cwygoda/herald/internal/config"
	"github.com/cwygoda/herald/internal/domain"
)

// Providers lists the names accepted by New.
var Providers = []string{"twilio", "teletalk", "zamanit", "log"}

// New builds the configured active provider, paced by RateLimit when set.
func New(cfg config.SMSConfig, logger *zap.Logger) (domain.SMSProvider, error) {
	var p domain.SMSProvider
	switch cfg.Provider {
	case "twilio":
		p = NewTwilio(cfg.Twilio, cfg.Timeout, logger)
	case "teletalk":
		p = NewTeletalk(cfg.Teletalk, cfg.Timeout, logger)
	case "zamanit":
		p = NewZamanIT(cfg.ZamanIT, cfg.Timeout, logger)
	case "log", "":
		p = NewLog(logger)
	default:
		return nil, fmt.Errorf("unknown sms provider %q (want one of %v)", cfg.Provider, Providers)
	}

	if cfg.RateLimit > 0 {
		p = NewRateLimited(p, cfg.RateLimit, cfg.RateBurst)
	}
	return p, nil
}
