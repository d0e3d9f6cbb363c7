package email

import (
	"errors"
	"fmt"
	"net/mail"
	"strings"
	"time"
)

// Email is an ingested message. It is immutable once stored.
type Email struct {
	ID             string    `json:"id"`
	Sender         string    `json:"sender"`
	Recipients     []string  `json:"recipients"`
	Subject        string    `json:"subject"`
	Body           string    `json:"body"`
	ReceivedAt     time.Time `json:"received_at"`
	HasAttachments bool      `json:"has_attachments"`
}

// Validate checks the fields the classifier needs.
func (e Email) Validate() error {
	var errs []error
	if strings.TrimSpace(e.ID) == "" {
		errs = append(errs, errors.New("id is required"))
	}
	if strings.TrimSpace(e.Sender) == "" {
		errs = append(errs, errors.New("sender is required"))
	}
	if e.ReceivedAt.IsZero() {
		errs = append(errs, errors.New("received_at is required"))
	}
	if len(errs) > 0 {
		return fmt.Errorf("invalid email %q: %w", e.ID, errors.Join(errs...))
	}
	return nil
}

// SenderAddress returns the lower-cased bare address of the sender,
// e.g. "boss@corp.com" for "The Boss <Boss@Corp.com>".
func (e Email) SenderAddress() string {
	return Address(e.Sender)
}

// NormalizedSubject returns Normalize(e.Subject).
func (e Email) NormalizedSubject() string { return Normalize(e.Subject) }

// NormalizedBody returns Normalize(e.Body).
func (e Email) NormalizedBody() string { return Normalize(e.Body) }

// Address extracts the address part of an RFC 5322 mailbox string and
// lower-cases it. Strings that do not parse are trimmed and lower-cased as-is.
func Address(s string) string {
	s = strings.TrimSpace(s)
	if a, err := mail.ParseAddress(s); err == nil {
		return strings.ToLower(a.Address)
	}
	if i := strings.LastIndex(s, "<"); i >= 0 {
		if j := strings.LastIndex(s, ">"); j > i {
			return strings.ToLower(strings.TrimSpace(s[i+1 : j]))
		}
	}
	return strings.ToLower(s)
}

// DisplayName returns the display-name part of a mailbox string, or "".
func DisplayName(s string) string {
	if a, err := mail.ParseAddress(strings.TrimSpace(s)); err == nil {
		return a.Name
	}
	if i := strings.Index(s, "<"); i > 0 {
		return strings.Trim(strings.TrimSpace(s[:i]), `"`)
	}
	return ""
}
