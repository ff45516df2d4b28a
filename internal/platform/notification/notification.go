// Package notification renders and delivers patient emails: consent
// requests and billing statement links.
package notification

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// EmailSender delivers one message. Implementations: SESSender, LogSender,
// MockEmailSender.
type EmailSender interface {
	SendEmail(ctx context.Context, to, subject, body string) error
}

const (
	TemplateConsentRequest = "consent-request"
	TemplateStatementReady = "statement-ready"
)

type Template struct {
	ID      string `json:"id"`
	Name    string `json:"name"`
	Subject string `json:"subject"`
	Body    string `json:"body"`
}

// TemplateEngine holds templates with {{key}} placeholders.
type TemplateEngine struct {
	mu        sync.RWMutex
	templates map[string]*Template
}

func NewTemplateEngine() *TemplateEngine {
	e := &TemplateEngine{templates: make(map[string]*Template)}
	e.RegisterTemplate(Template{
		ID:      TemplateConsentRequest,
		Name:    "Consent Request",
		Subject: "Please review and sign your care program consent",
		Body: "Dear {{patient_name}},\n\n" +
			"{{provider_name}} at {{practice_name}} has invited you to enroll in a care management program. " +
			"Please review and sign the consent form using the secure link below:\n\n" +
			"{{consent_link}}\n\n" +
			"This link expires in {{expires_in}}.",
	})
	e.RegisterTemplate(Template{
		ID:      TemplateStatementReady,
		Name:    "Statement Ready",
		Subject: "Your statement for {{period}} is available",
		Body: "Dear {{patient_name}},\n\n" +
			"Your statement for {{period}} is ready. Balance due: {{balance}}.\n\n" +
			"Download it here: {{statement_link}}",
	})
	return e
}

func (e *TemplateEngine) RegisterTemplate(t Template) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.templates[t.ID] = &t
}

// Render replaces {{key}} placeholders. Keys missing from data are left as-is.
func (e *TemplateEngine) Render(templateID string, data map[string]string) (subject, body string, err error) {
	e.mu.RLock()
	t, ok := e.templates[templateID]
	e.mu.RUnlock()
	if !ok {
		return "", "", fmt.Errorf("template %q not found", templateID)
	}

	subject, body = t.Subject, t.Body
	for k, v := range data {
		placeholder := "{{" + k + "}}"
		subject = strings.ReplaceAll(subject, placeholder, v)
		body = strings.ReplaceAll(body, placeholder, v)
	}
	return subject, body, nil
}

// Notification is the record of one delivery attempt.
type Notification struct {
	ID         string     `json:"id"`
	Recipient  string     `json:"recipient"`
	Subject    string     `json:"subject"`
	TemplateID string     `json:"template_id"`
	Status     string     `json:"status"`
	CreatedAt  time.Time  `json:"created_at"`
	SentAt     *time.Time `json:"sent_at,omitempty"`
	Error      string     `json:"error,omitempty"`
}

var ErrNoRecipient = errors.New("recipient email is required")

// Notifier renders a template and hands it to the configured sender.
type Notifier struct {
	sender    EmailSender
	templates *TemplateEngine
}

func NewNotifier(sender EmailSender, templates *TemplateEngine) *Notifier {
	return &Notifier{sender: sender, templates: templates}
}

func (n *Notifier) SendFromTemplate(ctx context.Context, templateID string, data map[string]string, recipient string) (*Notification, error) {
	if strings.TrimSpace(recipient) == "" {
		return nil, ErrNoRecipient
	}
	subject, body, err := n.templates.Render(templateID, data)
	if err != nil {
		return nil, fmt.Errorf("render template: %w", err)
	}

	out := &Notification{
		ID:         uuid.NewString(),
		Recipient:  recipient,
		Subject:    subject,
		TemplateID: templateID,
		Status:     "pending",
		CreatedAt:  time.Now().UTC(),
	}
	if err := n.sender.SendEmail(ctx, recipient, subject, body); err != nil {
		out.Status = "failed"
		out.Error = err.Error()
		return out, fmt.Errorf("send %s: %w", templateID, err)
	}
	sentAt := time.Now().UTC()
	out.Status = "sent"
	out.SentAt = &sentAt
	return out, nil
}

// EmailCall records a single call to SendEmail.
type EmailCall struct {
	To      string
	Subject string
	Body    string
}

// MockEmailSender is a test double for EmailSender.
type MockEmailSender struct {
	mu         sync.Mutex
	calls      []EmailCall
	ShouldFail bool
	FailError  string
}

func (m *MockEmailSender) SendEmail(_ context.Context, to, subject, body string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, EmailCall{To: to, Subject: subject, Body: body})
	if m.ShouldFail {
		return errors.New(m.FailError)
	}
	return nil
}

func (m *MockEmailSender) Calls() []EmailCall {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]EmailCall, len(m.calls))
	copy(out, m.calls)
	return out
}
