package domain

import (
	"encoding/json"
	"fmt"
	"time"
)

// Payload is the type-tagged data carried by a job. Each JobType has
// exactly one concrete payload shape.
type Payload interface {
	JobType() JobType
	Validate() error
}

// OrderItem is a single line of an order summary.
type OrderItem struct {
	Name      string  `json:"name"`
	SKU       string  `json:"sku,omitempty"`
	Quantity  int     `json:"quantity"`
	UnitPrice float64 `json:"unitPrice"`
}

// LineTotal returns quantity times unit price.
func (i OrderItem) LineTotal() float64 {
	return float64(i.Quantity) * i.UnitPrice
}

// Customer is the customer snapshot embedded in order payloads.
type Customer struct {
	ID      string `json:"id"`
	Name    string `json:"name"`
	Email   string `json:"email,omitempty"`
	Phone   string `json:"phone,omitempty"`
	Address string `json:"address,omitempty"`
}

// NewOrderNotification alerts staff (and acknowledges the customer) when an
// order is placed.
type NewOrderNotification struct {
	OrderID     string      `json:"orderId"`
	OrderNumber string      `json:"orderNumber"`
	Customer    Customer    `json:"customer"`
	Items       []OrderItem `json:"items"`
	Total       float64     `json:"total"`
	Currency    string      `json:"currency"`
	PaymentType string      `json:"paymentType,omitempty"`
	PlacedAt    time.Time   `json:"placedAt"`
}

func (NewOrderNotification) JobType() JobType { return TypeNewOrderNotification }

func (p NewOrderNotification) Validate() error {
	if p.OrderID == "" {
		return &ValidationError{Field: "orderId", Err: ErrInvalidPayload}
	}
	if p.OrderNumber == "" {
		return &ValidationError{Field: "orderNumber", Err: ErrInvalidPayload}
	}
	return nil
}

// GenerateInvoice carries everything needed to render an invoice, so the
// handler never re-reads order state.
type GenerateInvoice struct {
	OrderID     string      `json:"orderId"`
	OrderNumber string      `json:"orderNumber"`
	Customer    Customer    `json:"customer"`
	Items       []OrderItem `json:"items"`
	Subtotal    float64     `json:"subtotal"`
	Shipping    float64     `json:"shipping"`
	Discount    float64     `json:"discount"`
	Total       float64     `json:"total"`
	Currency    string      `json:"currency"`
	IssuedAt    time.Time   `json:"issuedAt"`
}

func (GenerateInvoice) JobType() JobType { return TypeGenerateInvoice }

func (p GenerateInvoice) Validate() error {
	if p.OrderNumber == "" {
		return &ValidationError{Field: "orderNumber", Err: ErrInvalidPayload}
	}
	if len(p.Items) == 0 {
		return &ValidationError{Field: "items", Err: ErrInvalidPayload}
	}
	return nil
}

// SendEmail is a generic templated email.
type SendEmail struct {
	To       string         `json:"to"`
	Subject  string         `json:"subject"`
	Template string         `json:"template"`
	Data     map[string]any `json:"data,omitempty"`
}

func (SendEmail) JobType() JobType { return TypeSendEmail }

func (p SendEmail) Validate() error {
	if p.To == "" {
		return &ValidationError{Field: "to", Err: ErrInvalidPayload}
	}
	if p.Template == "" {
		return &ValidationError{Field: "template", Err: ErrInvalidPayload}
	}
	return nil
}

// Recipient is a bulk SMS destination.
type Recipient struct {
	Phone      string `json:"phone"`
	CustomerID string `json:"customerId"`
}

// SendBulkSMS sends the same message to many recipients, e.g. a campaign.
type SendBulkSMS struct {
	CampaignID string      `json:"campaignId"`
	Recipients []Recipient `json:"recipients"`
	Message    string      `json:"message"`
}

func (SendBulkSMS) JobType() JobType { return TypeSendBulkSMS }

func (p SendBulkSMS) Validate() error {
	if len(p.Recipients) == 0 {
		return &ValidationError{Field: "recipients", Err: ErrInvalidPayload}
	}
	if p.Message == "" {
		return &ValidationError{Field: "message", Err: ErrInvalidPayload}
	}
	return nil
}

// DecodePayload decodes data into the concrete payload for t and validates
// it. Unknown types return ErrUnknownJobType.
func DecodePayload(t JobType, data []byte) (Payload, error) {
	var p Payload
	switch t {
	case TypeNewOrderNotification:
		p = decodeInto[NewOrderNotification](data)
	case TypeGenerateInvoice:
		p = decodeInto[GenerateInvoice](data)
	case TypeSendEmail:
		p = decodeInto[SendEmail](data)
	case TypeSendBulkSMS:
		p = decodeInto[SendBulkSMS](data)
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownJobType, t)
	}
	if p == nil {
		return nil, &ValidationError{Field: "payload", Err: fmt.Errorf("%w: malformed %s payload", ErrInvalidPayload, t)}
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return p, nil
}

func decodeInto[T Payload](data []byte) Payload {
	var p T
	if err := json.Unmarshal(data, &p); err != nil {
		return nil
	}
	return p
}
