// Package decode normalizes a fetched multi-part message into the reply
// text, sender and threading reference the correlation step needs.
package decode

import (
	"bytes"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/mail"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/PuerkitoBio/goquery"
	"github.com/emersion/go-message/charset"

	"github.com/Sabbir3x/outreach/internal/mailbox"
)

// ErrDecodeFailure marks a message whose body cannot be extracted. The
// engine skips such items and still advances past them.
var ErrDecodeFailure = errors.New("message decode failure")

// Decoded is the normalized view of an inbound message
type Decoded struct {
	MessageID     string
	ThreadID      string
	PlainText     string
	IsHTML        bool
	Sender        string
	SenderAddress string
	InReplyToID   string
	ReceivedAt    time.Time
}

// Decode extracts the reply body, sender and In-Reply-To reference from m
func Decode(m *mailbox.RawMessage) (Decoded, error) {
	if m == nil || m.Payload == nil {
		return Decoded{}, fmt.Errorf("%w: message has no payload", ErrDecodeFailure)
	}

	part := firstLeaf(m.Payload, "text/plain")
	isHTML := false
	if part == nil {
		part = firstLeaf(m.Payload, "text/html")
		isHTML = true
	}
	if part == nil {
		return Decoded{}, fmt.Errorf("%w: no text/plain or text/html part", ErrDecodeFailure)
	}

	body, err := decodeBody(part)
	if err != nil {
		return Decoded{}, err
	}

	text := body
	if !isHTML {
		text = StripQuoted(body)
	}

	sender := strings.TrimSpace(m.Header("From"))
	return Decoded{
		MessageID:     m.ID,
		ThreadID:      m.ThreadID,
		PlainText:     text,
		IsHTML:        isHTML,
		Sender:        sender,
		SenderAddress: senderAddress(sender),
		InReplyToID:   InReplyTo(m.Header("In-Reply-To")),
		ReceivedAt:    m.ReceivedAt,
	}, nil
}

// firstLeaf walks the part tree depth first and returns the first leaf of mimeType
func firstLeaf(p *mailbox.Part, mimeType string) *mailbox.Part {
	if p == nil {
		return nil
	}
	if len(p.Parts) == 0 {
		if mediaType(p.MimeType) == mimeType {
			return p
		}
		return nil
	}
	for _, child := range p.Parts {
		if found := firstLeaf(child, mimeType); found != nil {
			return found
		}
	}
	return nil
}

func mediaType(v string) string {
	mt, _, err := mime.ParseMediaType(v)
	if err != nil {
		return strings.ToLower(strings.TrimSpace(v))
	}
	return mt
}

func decodeBody(p *mailbox.Part) (string, error) {
	var raw []byte
	switch p.BodyEncoding {
	case mailbox.EncodingNone:
		raw = []byte(p.Body)
	case mailbox.EncodingBase64URL:
		data := strings.Map(func(r rune) rune {
			if r == '\r' || r == '\n' || r == ' ' {
				return -1
			}
			return r
		}, p.Body)
		b, err := base64.URLEncoding.DecodeString(data)
		if err != nil {
			b, err = base64.RawURLEncoding.DecodeString(strings.TrimRight(data, "="))
		}
		if err != nil {
			return "", fmt.Errorf("%w: %s body: %v", ErrDecodeFailure, p.MimeType, err)
		}
		raw = b
	default:
		return "", fmt.Errorf("%w: unknown body encoding %q", ErrDecodeFailure, p.BodyEncoding)
	}

	if cs := partCharset(p); cs != "" && cs != "utf-8" && cs != "utf8" && cs != "us-ascii" {
		r, err := charset.Reader(cs, bytes.NewReader(raw))
		if err != nil {
			return "", fmt.Errorf("%w: %s body: %v", ErrDecodeFailure, p.MimeType, err)
		}
		if raw, err = io.ReadAll(r); err != nil {
			return "", fmt.Errorf("%w: %s body: %v", ErrDecodeFailure, p.MimeType, err)
		}
	}

	if !utf8.Valid(raw) {
		return "", fmt.Errorf("%w: %s body is not valid UTF-8", ErrDecodeFailure, p.MimeType)
	}
	return strings.ReplaceAll(string(raw), "\r\n", "\n"), nil
}

// partCharset returns the lower-cased charset parameter of the part's
// content type, looking at the part headers when MimeType carries none.
func partCharset(p *mailbox.Part) string {
	for _, v := range []string{p.MimeType, p.Headers["Content-Type"], p.Headers["content-type"]} {
		if v == "" {
			continue
		}
		if _, params, err := mime.ParseMediaType(v); err == nil && params["charset"] != "" {
			return strings.ToLower(strings.TrimSpace(params["charset"]))
		}
	}
	return ""
}

// StripQuoted cuts text at the first quotation header. Without one the
// whole text is the reply.
func StripQuoted(text string) string {
	lines := strings.SplitAfter(text, "\n")
	offset := 0
	for i, line := range lines {
		if isQuoteHeader(lines, i) {
			return strings.TrimRight(text[:offset], " \t\r\n")
		}
		offset += len(line)
	}
	return text
}

// isQuoteHeader reports whether lines[i] opens an "On <date>, <someone>
// wrote:" attribution. The attribution may wrap onto one more line and must
// mention a date or an address.
func isQuoteHeader(lines []string, i int) bool {
	first := strings.TrimSpace(lines[i])
	if !strings.HasPrefix(first, "On ") {
		return false
	}
	attribution := first
	if !endsWithWrote(first) {
		if i+1 >= len(lines) {
			return false
		}
		next := strings.TrimSpace(lines[i+1])
		if strings.HasPrefix(next, "On ") || !endsWithWrote(next) {
			return false
		}
		attribution += " " + next
	}
	return strings.ContainsAny(attribution, "0123456789@")
}

func endsWithWrote(line string) bool {
	return line == "wrote:" || strings.HasSuffix(line, " wrote:")
}

// InReplyTo returns the first message id of an In-Reply-To header value
// without its angle brackets, or "" if absent.
func InReplyTo(v string) string {
	fields := strings.Fields(v)
	if len(fields) == 0 {
		return ""
	}
	return strings.TrimSuffix(strings.TrimPrefix(fields[0], "<"), ">")
}

func senderAddress(from string) string {
	if from == "" {
		return ""
	}
	if addr, err := mail.ParseAddress(from); err == nil {
		return addr.Address
	}
	if i := strings.LastIndex(from, "<"); i >= 0 {
		if j := strings.Index(from[i:], ">"); j > 0 {
			return strings.TrimSpace(from[i+1 : i+j])
		}
	}
	return from
}

// Preview returns a single-line plain text preview of at most n runes.
// HTML is flattened to its text content.
func Preview(text string, isHTML bool, n int) string {
	if isHTML {
		if doc, err := goquery.NewDocumentFromReader(strings.NewReader(text)); err == nil {
			doc.Find("script, style, head").Remove()
			text = doc.Text()
		}
	}
	text = strings.Join(strings.Fields(text), " ")
	if n <= 0 || utf8.RuneCountInString(text) <= n {
		return text
	}
	runes := []rune(text)
	return string(runes[:n]) + "…"
}
