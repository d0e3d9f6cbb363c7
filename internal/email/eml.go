package email

import (
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	_ "github.com/emersion/go-message/charset"
	"github.com/emersion/go-message/mail"
	"github.com/google/uuid"
)

// ParseEML reads an RFC 5322 message and converts it to an Email.
// The first text/plain part becomes the body; when only text/html is present
// it is converted with FromHTML. fallback is used as ReceivedAt when the
// message has no usable Date header.
func ParseEML(r io.Reader, fallback time.Time) (Email, error) {
	mr, err := mail.CreateReader(r)
	if err != nil {
		return Email{}, fmt.Errorf("reading message: %w", err)
	}
	defer mr.Close()

	var e Email
	h := mr.Header

	if id, err := h.MessageID(); err == nil && id != "" {
		e.ID = id
	} else {
		e.ID = uuid.New().String()
	}

	if from, err := h.AddressList("From"); err == nil && len(from) > 0 {
		e.Sender = from[0].Address
		if from[0].Name != "" {
			e.Sender = fmt.Sprintf("%s <%s>", from[0].Name, from[0].Address)
		}
	} else {
		e.Sender = strings.TrimSpace(h.Get("From"))
	}

	for _, field := range []string{"To", "Cc"} {
		list, err := h.AddressList(field)
		if err != nil {
			continue
		}
		for _, a := range list {
			e.Recipients = append(e.Recipients, a.Address)
		}
	}

	if subj, err := h.Subject(); err == nil {
		e.Subject = subj
	} else {
		e.Subject = h.Get("Subject")
	}

	if d, err := h.Date(); err == nil && !d.IsZero() {
		e.ReceivedAt = d.UTC()
	} else {
		e.ReceivedAt = fallback.UTC()
	}

	var text, htmlBody string
	for {
		part, err := mr.NextPart()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			// Keep whatever parsed before the broken part.
			break
		}

		switch ph := part.Header.(type) {
		case *mail.InlineHeader:
			ct, _, _ := ph.ContentType()
			body, err := io.ReadAll(part.Body)
			if err != nil {
				continue
			}
			switch {
			case strings.HasPrefix(ct, "text/plain") && text == "":
				text = string(body)
			case strings.HasPrefix(ct, "text/html") && htmlBody == "":
				htmlBody = string(body)
			}
		case *mail.AttachmentHeader:
			e.HasAttachments = true
			io.Copy(io.Discard, part.Body)
		}
	}

	if text != "" {
		e.Body = text
	} else if htmlBody != "" {
		e.Body = FromHTML(htmlBody)
	}
	return e, nil
}
