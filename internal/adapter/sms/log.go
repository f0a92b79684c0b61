package sms

import (
	"context"
	"fmt"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/cwygoda/herald/internal/domain"
)

// Log is a provider for development: it logs every message instead of
// contacting a gateway.
type Log struct {
	logger *zap.Logger
	seq    atomic.Int64
}

func NewLog(logger *zap.Logger) *Log {
	return &Log{logger: logger}
}

func (l *Log) Name() string { return "log" }

func (l *Log) SendSMS(ctx context.Context, to, message string) domain.SendResult {
	phone, err := NormalizePhone(to)
	if err != nil {
		return failure(err)
	}
	id := fmt.Sprintf("log-%d", l.seq.Add(1))
	l.logger.Info("sms", zap.String("phone", phone), zap.String("message_id", id), zap.String("message", message))
	return domain.SendResult{Success: true, MessageID: id}
}

func (l *Log) ValidateCredentials(context.Context) error { return nil }
