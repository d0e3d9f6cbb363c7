package search

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"time"

	"github.com/kalambet/inboxrank/internal/email"
	"github.com/kalambet/inboxrank/internal/storage"
)

// Field identifies an indexed email field.
type Field string

const (
	FieldSubject Field = "subject"
	FieldSender  Field = "sender"
	FieldBody    Field = "body"
)

// Fields lists indexed fields in a fixed order.
var Fields = []Field{FieldSubject, FieldSender, FieldBody}

// Document holds the per-field term frequencies of one email. It is derived
// entirely from the email and can always be rebuilt.
type Document struct {
	EmailID    string
	ReceivedAt time.Time
	Terms      map[Field]map[string]int
}

// BuildDocument tokenizes the indexed fields of e.
func BuildDocument(e email.Email) Document {
	d := Document{
		EmailID:    e.ID,
		ReceivedAt: e.ReceivedAt.UTC().Truncate(time.Second),
		Terms:      make(map[Field]map[string]int, len(Fields)),
	}
	sources := map[Field]string{
		FieldSubject: e.Subject,
		FieldSender:  e.Sender,
		FieldBody:    e.Body,
	}
	for _, f := range Fields {
		tf := make(map[string]int)
		for _, t := range IndexTerms(sources[f]) {
			tf[t]++
		}
		d.Terms[f] = tf
	}
	return d
}

// Postings flattens d into sorted postings.
func (d Document) Postings() []storage.Posting {
	var out []storage.Posting
	for _, f := range Fields {
		for term, n := range d.Terms[f] {
			out = append(out, storage.Posting{Term: term, EmailID: d.EmailID, Field: string(f), TF: n})
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Field != out[j].Field {
			return out[i].Field < out[j].Field
		}
		return out[i].Term < out[j].Term
	})
	return out
}

// Hash fingerprints the document contents so stale index rows can be detected.
func (d Document) Hash() string {
	h := sha256.New()
	fmt.Fprintf(h, "%s\x00%d\x00", d.EmailID, d.ReceivedAt.Unix())
	for _, p := range d.Postings() {
		fmt.Fprintf(h, "%s\x00%s\x00%d\x00", p.Field, p.Term, p.TF)
	}
	return hex.EncodeToString(h.Sum(nil))
}
