// Package notify fans one message out to many SMS recipients.
package notify

import (
	"context"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/cwygoda/herald/internal/domain"
)

const (
	DefaultBatchSize  = 10
	DefaultBatchDelay = time.Second
)

// BulkDispatcher sends one message to many recipients. Gateways with a
// native batch endpoint get the whole list; otherwise recipients are sent
// in fixed-size concurrent batches with a pause between batches.
type BulkDispatcher struct {
	provider  domain.SMSProvider
	batchSize int
	delay     time.Duration
	logger    *zap.Logger
}

type Option func(*BulkDispatcher)

func WithBatchSize(n int) Option {
	return func(d *BulkDispatcher) {
		if n > 0 {
			d.batchSize = n
		}
	}
}

// WithBatchDelay sets the pause between the end of one batch and the start
// of the next.
func WithBatchDelay(delay time.Duration) Option {
	return func(d *BulkDispatcher) { d.delay = delay }
}

func WithLogger(l *zap.Logger) Option {
	return func(d *BulkDispatcher) { d.logger = l }
}

func NewBulkDispatcher(provider domain.SMSProvider, opts ...Option) *BulkDispatcher {
	d := &BulkDispatcher{
		provider:  provider,
		batchSize: DefaultBatchSize,
		delay:     DefaultBatchDelay,
		logger:    zap.NewNop(),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Provider returns the gateway used for sends.
func (d *BulkDispatcher) Provider() domain.SMSProvider {
	return d.provider
}

// Send delivers message to every recipient and returns one result per
// recipient, in input order. It does not stop on individual failures; if
// ctx ends between batches the remaining recipients are reported as failed.
func (d *BulkDispatcher) Send(ctx context.Context, recipients []domain.Recipient, message string) []domain.DeliveryResult {
	if len(recipients) == 0 {
		return nil
	}
	if bulk, ok := d.provider.(domain.BulkSMSProvider); ok {
		d.logger.Debug("native bulk send", zap.String("provider", d.provider.Name()), zap.Int("recipients", len(recipients)))
		return bulk.SendBulkSMS(ctx, recipients, message)
	}

	results := make([]domain.DeliveryResult, len(recipients))
	batches := 0
	for start := 0; start < len(recipients); start += d.batchSize {
		if start > 0 {
			if err := sleep(ctx, d.delay); err != nil {
				for i := start; i < len(recipients); i++ {
					results[i] = failed(recipients[i], err)
				}
				break
			}
		}
		end := min(start+d.batchSize, len(recipients))
		d.sendBatch(ctx, recipients[start:end], message, results[start:end])
		batches++
	}

	d.logger.Info("bulk send finished",
		zap.String("provider", d.provider.Name()),
		zap.Int("recipients", len(recipients)),
		zap.Int("batches", batches),
		zap.Int("delivered", Delivered(results)),
		zap.Float64("cost", TotalCost(results)),
	)
	return results
}

// sendBatch sends to every recipient in batch concurrently and waits for all
// of them. out is the batch's window into the full result slice.
func (d *BulkDispatcher) sendBatch(ctx context.Context, batch []domain.Recipient, message string, out []domain.DeliveryResult) {
	var g errgroup.Group
	for i, r := range batch {
		i, r := i, r
		g.Go(func() error {
			res := d.provider.SendSMS(ctx, r.Phone, message)
			out[i] = domain.DeliveryResult{
				CustomerID: r.CustomerID,
				Phone:      r.Phone,
				Success:    res.Success,
				MessageID:  res.MessageID,
				Error:      res.Error,
				Cost:       res.Cost,
				Err:        res.Err,
			}
			if res.Success {
				return nil
			}
			if out[i].Error == "" {
				out[i].Error = "send failed"
			}
			d.logger.Warn("sms delivery failed",
				zap.String("provider", d.provider.Name()),
				zap.String("phone", r.Phone),
				zap.String("customer_id", r.CustomerID),
				zap.String("error", out[i].Error),
			)
			return nil
		})
	}
	g.Wait()
}

func failed(r domain.Recipient, err error) domain.DeliveryResult {
	return domain.DeliveryResult{CustomerID: r.CustomerID, Phone: r.Phone, Error: err.Error(), Err: err}
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// TotalCost sums the cost of successful deliveries.
func TotalCost(results []domain.DeliveryResult) float64 {
	var total float64
	for _, r := range results {
		if r.Success {
			total += r.Cost
		}
	}
	return total
}

// Delivered counts successful deliveries.
func Delivered(results []domain.DeliveryResult) int {
	n := 0
	for _, r := range results {
		if r.Success {
			n++
		}
	}
	return n
}
