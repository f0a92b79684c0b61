package sms

import (
	"context"

	"golang.org/x/time/rate"

	"github.com/cwygoda/herald/internal/domain"
)

// RateLimited paces calls to the wrapped provider with a token bucket.
// One native bulk request costs one token.
type RateLimited struct {
	domain.SMSProvider
	limiter *rate.Limiter
}

type rateLimitedBulk struct {
	*RateLimited
	bulk domain.BulkSMSProvider
}

// NewRateLimited wraps p at rps requests per second. The result keeps the
// BulkSMSProvider capability of p.
func NewRateLimited(p domain.SMSProvider, rps float64, burst int) domain.SMSProvider {
	if burst < 1 {
		burst = 1
	}
	rl := &RateLimited{SMSProvider: p, limiter: rate.NewLimiter(rate.Limit(rps), burst)}
	if bulk, ok := p.(domain.BulkSMSProvider); ok {
		return &rateLimitedBulk{RateLimited: rl, bulk: bulk}
	}
	return rl
}

func (p *RateLimited) SendSMS(ctx context.Context, to, message string) domain.SendResult {
	if err := p.limiter.Wait(ctx); err != nil {
		return failure(&domain.TransientProviderError{Provider: p.Name(), Err: err})
	}
	return p.SMSProvider.SendSMS(ctx, to, message)
}

func (p *rateLimitedBulk) SendBulkSMS(ctx context.Context, recipients []domain.Recipient, message string) []domain.DeliveryResult {
	if err := p.limiter.Wait(ctx); err != nil {
		tErr := &domain.TransientProviderError{Provider: p.Name(), Err: err}
		results := make([]domain.DeliveryResult, len(recipients))
		for i, r := range recipients {
			results[i] = domain.DeliveryResult{CustomerID: r.CustomerID, Phone: r.Phone, Error: tErr.Error(), Err: tErr}
		}
		return results
	}
	return p.bulk.SendBulkSMS(ctx, recipients, message)
}
