package sms

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/cwygoda/herald/internal/config"
	"github.com/cwygoda/herald/internal/domain"
)

const zamanitBaseURL = "https://api.zamanit.com"

// ZamanIT sends single messages through the ZamanIT JSON API using a bearer
// API key.
type ZamanIT struct {
	gw     gateway
	apiKey string
	sender string
	logger *zap.Logger
}

// NewZamanIT creates a ZamanIT adapter from APIKey and SenderID.
func NewZamanIT(creds config.ProviderCredentials, timeout time.Duration, logger *zap.Logger) *ZamanIT {
	return &ZamanIT{
		gw:     newGateway("zamanit", creds.BaseURL, zamanitBaseURL, timeout),
		apiKey: creds.APIKey,
		sender: creds.SenderID,
		logger: logger,
	}
}

func (z *ZamanIT) Name() string { return "zamanit" }

func (z *ZamanIT) SendSMS(ctx context.Context, to, message string) domain.SendResult {
	if z.apiKey == "" {
		return failure(missingCredentials(z.Name()))
	}
	phone, err := NormalizePhone(to)
	if err != nil {
		return failure(err)
	}

	data, err := json.Marshal(map[string]string{
		"sender_id": z.sender,
		"to":        phone,
		"message":   message,
	})
	if err != nil {
		return failure(err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, z.gw.baseURL+"/api/v1/sms/send", bytes.NewReader(data))
	if err != nil {
		return failure(err)
	}
	req.Header.Set("Authorization", "Bearer "+z.apiKey)
	req.Header.Set("Content-Type", "application/json")

	var resp struct {
		Success   bool    `json:"success"`
		MessageID string  `json:"message_id"`
		Cost      float64 `json:"cost"`
		Error     string  `json:"error"`
	}
	if err := z.gw.do(req, &resp); err != nil {
		z.logger.Warn("sms send failed", zap.String("provider", z.Name()), zap.String("phone", phone), zap.Error(err))
		return failure(err)
	}
	if !resp.Success {
		return failure(fmt.Errorf("zamanit: %s", resp.Error))
	}
	return domain.SendResult{Success: true, MessageID: resp.MessageID, Cost: resp.Cost}
}

func (z *ZamanIT) ValidateCredentials(ctx context.Context) error {
	if z.apiKey == "" {
		return missingCredentials(z.Name())
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, z.gw.baseURL+"/api/v1/balance", nil)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+z.apiKey)

	var resp struct {
		Balance float64 `json:"balance"`
	}
	return z.gw.do(req, &resp)
}
