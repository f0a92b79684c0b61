package sms

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/cwygoda/herald/internal/config"
	"github.com/cwygoda/herald/internal/domain"
)

const (
	teletalkBaseURL = "https://bulksms.teletalk.com.bd"

	// teletalkMaxBatch is the gateway's per-request recipient limit.
	teletalkMaxBatch = 100
)

// Teletalk talks to the Teletalk bulk SMS gateway, which accepts many
// numbers in one request. It implements domain.BulkSMSProvider.
type Teletalk struct {
	gw       gateway
	username string
	password string
	sender   string
	logger   *zap.Logger
}

// NewTeletalk creates a Teletalk adapter. AccountID is the username, APIKey
// the password and SenderID the masking name.
func NewTeletalk(creds config.ProviderCredentials, timeout time.Duration, logger *zap.Logger) *Teletalk {
	return &Teletalk{
		gw:       newGateway("teletalk", creds.BaseURL, teletalkBaseURL, timeout),
		username: creds.AccountID,
		password: creds.APIKey,
		sender:   creds.SenderID,
		logger:   logger,
	}
}

func (t *Teletalk) Name() string { return "teletalk" }

type teletalkRequest struct {
	Username string   `json:"username"`
	Password string   `json:"password"`
	SenderID string   `json:"sender_id,omitempty"`
	MSISDN   []string `json:"msisdn,omitempty"`
	Message  string   `json:"message,omitempty"`
}

type teletalkResponse struct {
	Status  string `json:"status"`
	Message string `json:"message"`
	Results []struct {
		MSISDN    string  `json:"msisdn"`
		MessageID string  `json:"message_id"`
		Status    string  `json:"status"`
		Cost      float64 `json:"cost"`
		Error     string  `json:"error"`
	} `json:"results"`
}

func (t *Teletalk) SendSMS(ctx context.Context, to, message string) domain.SendResult {
	if t.username == "" || t.password == "" {
		return failure(missingCredentials(t.Name()))
	}
	if _, err := NormalizePhone(to); err != nil {
		return failure(err)
	}
	res := t.SendBulkSMS(ctx, []domain.Recipient{{Phone: to}}, message)[0]
	if res.Success {
		return domain.SendResult{Success: true, MessageID: res.MessageID, Cost: res.Cost}
	}
	return domain.SendResult{Error: res.Error, Err: res.Err}
}

// SendBulkSMS sends message to every recipient using as few gateway calls as
// possible. Results are in recipient order; numbers that fail normalization
// are reported without contacting the gateway.
func (t *Teletalk) SendBulkSMS(ctx context.Context, recipients []domain.Recipient, message string) []domain.DeliveryResult {
	results := make([]domain.DeliveryResult, len(recipients))
	var pending []int
	for i, r := range recipients {
		results[i] = domain.DeliveryResult{CustomerID: r.CustomerID, Phone: r.Phone}
		if t.username == "" || t.password == "" {
			setFailure(&results[i], missingCredentials(t.Name()))
			continue
		}
		phone, err := NormalizePhone(r.Phone)
		if err != nil {
			setFailure(&results[i], err)
			continue
		}
		results[i].Phone = phone
		pending = append(pending, i)
	}

	for start := 0; start < len(pending); start += teletalkMaxBatch {
		end := min(start+teletalkMaxBatch, len(pending))
		t.sendChunk(ctx, results, pending[start:end], message)
	}
	return results
}

func (t *Teletalk) sendChunk(ctx context.Context, results []domain.DeliveryResult, idx []int, message string) {
	fail := func(err error) {
		for _, i := range idx {
			setFailure(&results[i], err)
		}
	}

	body := teletalkRequest{
		Username: t.username,
		Password: t.password,
		SenderID: t.sender,
		Message:  message,
	}
	for _, i := range idx {
		body.MSISDN = append(body.MSISDN, results[i].Phone)
	}
	data, err := json.Marshal(body)
	if err != nil {
		fail(err)
		return
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.gw.baseURL+"/api/sendSMS", bytes.NewReader(data))
	if err != nil {
		fail(err)
		return
	}
	req.Header.Set("Content-Type", "application/json")

	var resp teletalkResponse
	if err := t.gw.do(req, &resp); err != nil {
		t.logger.Warn("bulk sms send failed", zap.String("provider", t.Name()), zap.Int("recipients", len(idx)), zap.Error(err))
		fail(err)
		return
	}
	if resp.Status != "success" {
		fail(fmt.Errorf("teletalk: %s", resp.Message))
		return
	}

	// A number may appear more than once; each occurrence takes the next
	// unused result for that number.
	byPhone := make(map[string][]int, len(resp.Results))
	for k, r := range resp.Results {
		byPhone[r.MSISDN] = append(byPhone[r.MSISDN], k)
	}
	for _, i := range idx {
		queue := byPhone[results[i].Phone]
		if len(queue) == 0 {
			setFailure(&results[i], errors.New("teletalk: no result for recipient"))
			continue
		}
		r := resp.Results[queue[0]]
		byPhone[results[i].Phone] = queue[1:]
		if r.Status != "sent" {
			setFailure(&results[i], fmt.Errorf("teletalk: %s", r.Error))
			continue
		}
		results[i].Success = true
		results[i].MessageID = r.MessageID
		results[i].Cost = r.Cost
	}
}

func setFailure(r *domain.DeliveryResult, err error) {
	r.Error = err.Error()
	r.Err = err
}

func (t *Teletalk) ValidateCredentials(ctx context.Context) error {
	if t.username == "" || t.password == "" {
		return missingCredentials(t.Name())
	}
	data, err := json.Marshal(teletalkRequest{Username: t.username, Password: t.password})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.gw.baseURL+"/api/balance", bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	var balance struct {
		Status  string  `json:"status"`
		Balance float64 `json:"balance"`
	}
	if err := t.gw.do(req, &balance); err != nil {
		return err
	}
	if balance.Status != "success" {
		return fmt.Errorf("%w: teletalk rejected account", domain.ErrInvalidCredentials)
	}
	return nil
}
