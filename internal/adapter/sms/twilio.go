package sms

import (
	"context"
	"fmt"
	"math"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/cwygoda/herald/internal/config"
	"github.com/cwygoda/herald/internal/domain"
)

const twilioBaseURL = "https://api.twilio.com"

// Twilio sends messages through the Twilio Messages REST API, authenticated
// with the account SID and auth token.
type Twilio struct {
	gw         gateway
	accountSID string
	authToken  string
	from       string
	logger     *zap.Logger
}

// NewTwilio creates a Twilio adapter. AccountID is the account SID, APIKey
// the auth token and SenderID the sending number or messaging service.
func NewTwilio(creds config.ProviderCredentials, timeout time.Duration, logger *zap.Logger) *Twilio {
	return &Twilio{
		gw:         newGateway("twilio", creds.BaseURL, twilioBaseURL, timeout),
		accountSID: creds.AccountID,
		authToken:  creds.APIKey,
		from:       creds.SenderID,
		logger:     logger,
	}
}

func (t *Twilio) Name() string { return "twilio" }

type twilioMessage struct {
	SID          string  `json:"sid"`
	Status       string  `json:"status"`
	Price        *string `json:"price"`
	ErrorCode    *int    `json:"error_code"`
	ErrorMessage *string `json:"error_message"`
}

func (t *Twilio) SendSMS(ctx context.Context, to, message string) domain.SendResult {
	if t.accountSID == "" || t.authToken == "" {
		return failure(missingCredentials(t.Name()))
	}
	phone, err := NormalizePhone(to)
	if err != nil {
		return failure(err)
	}

	form := url.Values{}
	form.Set("To", "+"+phone)
	form.Set("From", t.from)
	form.Set("Body", message)

	endpoint := fmt.Sprintf("%s/2010-04-01/Accounts/%s/Messages.json", t.gw.baseURL, url.PathEscape(t.accountSID))
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return failure(err)
	}
	req.SetBasicAuth(t.accountSID, t.authToken)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	var msg twilioMessage
	if err := t.gw.do(req, &msg); err != nil {
		t.logger.Warn("sms send failed", zap.String("provider", t.Name()), zap.String("phone", phone), zap.Error(err))
		return failure(err)
	}
	if msg.Status == "failed" || msg.Status == "undelivered" {
		reason := msg.Status
		if msg.ErrorMessage != nil {
			reason = *msg.ErrorMessage
		}
		return failure(fmt.Errorf("twilio: message %s %s", msg.SID, reason))
	}

	return domain.SendResult{Success: true, MessageID: msg.SID, Cost: twilioPrice(msg.Price)}
}

// twilioPrice converts Twilio's signed price string ("-0.00750") to a
// positive cost. The price is often null until the message is sent.
func twilioPrice(price *string) float64 {
	if price == nil {
		return 0
	}
	v, err := strconv.ParseFloat(*price, 64)
	if err != nil {
		return 0
	}
	return math.Abs(v)
}

func (t *Twilio) ValidateCredentials(ctx context.Context) error {
	if t.accountSID == "" || t.authToken == "" {
		return missingCredentials(t.Name())
	}
	endpoint := fmt.Sprintf("%s/2010-04-01/Accounts/%s.json", t.gw.baseURL, url.PathEscape(t.accountSID))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return err
	}
	req.SetBasicAuth(t.accountSID, t.authToken)

	var account struct {
		Status string `json:"status"`
	}
	if err := t.gw.do(req, &account); err != nil {
		return err
	}
	if account.Status != "active" {
		return fmt.Errorf("%w: twilio account is %s", domain.ErrInvalidCredentials, account.Status)
	}
	return nil
}
