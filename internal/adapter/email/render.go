package email

import (
	"bytes"
	"embed"
	"errors"
	"fmt"
	htmltemplate "html/template"
	texttemplate "text/template"

	"github.com/cwygoda/herald/internal/domain"
)

//go:embed templates/*.html templates/*.txt
var templateFS embed.FS

var ErrUnknownTemplate = errors.New("unknown email template")

var funcs = map[string]any{
	"money": func(amount float64, currency string) string {
		if currency == "" {
			return fmt.Sprintf("%.2f", amount)
		}
		return fmt.Sprintf("%.2f %s", amount, currency)
	},
}

// Renderer renders the embedded templates. Every template exists in an
// HTML and a plain-text variant.
type Renderer struct {
	html *htmltemplate.Template
	text *texttemplate.Template
}

func NewRenderer() (*Renderer, error) {
	html, err := htmltemplate.New("").Funcs(funcs).ParseFS(templateFS, "templates/*.html")
	if err != nil {
		return nil, fmt.Errorf("parse html templates: %w", err)
	}
	text, err := texttemplate.New("").Funcs(funcs).ParseFS(templateFS, "templates/*.txt")
	if err != nil {
		return nil, fmt.Errorf("parse text templates: %w", err)
	}
	return &Renderer{html: html, text: text}, nil
}

// Render executes both variants of the named template.
func (r *Renderer) Render(name string, data any) (htmlBody, textBody string, err error) {
	ht := r.html.Lookup(name + ".html")
	tt := r.text.Lookup(name + ".txt")
	if ht == nil || tt == nil {
		return "", "", &domain.ValidationError{Field: "template", Err: fmt.Errorf("%w: %q", ErrUnknownTemplate, name)}
	}

	var hb, tb bytes.Buffer
	if err := ht.Execute(&hb, data); err != nil {
		return "", "", fmt.Errorf("render %s.html: %w", name, err)
	}
	if err := tt.Execute(&tb, data); err != nil {
		return "", "", fmt.Errorf("render %s.txt: %w", name, err)
	}
	return hb.String(), tb.String(), nil
}

// Message renders a template into a ready-to-send message.
func (r *Renderer) Message(to []string, subject, name string, data any) (domain.EmailMessage, error) {
	html, text, err := r.Render(name, data)
	if err != nil {
		return domain.EmailMessage{}, err
	}
	return domain.EmailMessage{To: to, Subject: subject, HTMLBody: html, TextBody: text}, nil
}
