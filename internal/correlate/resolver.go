// Package correlate attributes an inbound reply to the outbound message it
// answers and the contact who sent it.
package correlate

import (
	"context"
	"fmt"

	"github.com/Sabbir3x/outreach/internal/decode"
	"github.com/Sabbir3x/outreach/internal/store"
)

// Method records which rule attributed a reply
type Method string

const (
	MethodInReplyTo   Method = "in_reply_to"
	MethodSenderEmail Method = "sender_email"
	MethodNone        Method = "none"
)

// Result is the attribution of one reply. Both references are nil on a miss.
type Result struct {
	Contact  *store.Contact
	Outbound *store.OutboundMessage
	Method   Method
}

// ContactID returns the attributed contact's public id, or nil
func (r Result) ContactID() *string {
	if r.Contact == nil {
		return nil
	}
	id := r.Contact.PublicID
	return &id
}

// OutboundID returns the answered outbound message id, or nil
func (r Result) OutboundID() *int64 {
	if r.Outbound == nil {
		return nil
	}
	id := r.Outbound.ID
	return &id
}

// Resolver applies the attribution rules in order; the first match wins
type Resolver struct {
	dir store.Directory
}

func NewResolver(dir store.Directory) *Resolver {
	return &Resolver{dir: dir}
}

// Resolve tries the threading header first, then the sender address.
// An unattributed reply is not an error.
func (r *Resolver) Resolve(ctx context.Context, d decode.Decoded) (Result, error) {
	if d.InReplyToID != "" {
		out, err := r.dir.OutboundByMessageID(ctx, d.InReplyToID)
		if err != nil {
			return Result{}, fmt.Errorf("lookup outbound %q: %w", d.InReplyToID, err)
		}
		if out != nil {
			res := Result{Outbound: out, Method: MethodInReplyTo}
			if out.ContactID != "" {
				c, err := r.dir.ContactByID(ctx, out.ContactID)
				if err != nil {
					return Result{}, fmt.Errorf("lookup contact %q: %w", out.ContactID, err)
				}
				res.Contact = c
			}
			return res, nil
		}
	}

	if d.SenderAddress != "" {
		c, err := r.dir.ContactByEmail(ctx, d.SenderAddress)
		if err != nil {
			return Result{}, fmt.Errorf("lookup contact by sender: %w", err)
		}
		if c != nil {
			return Result{Contact: c, Method: MethodSenderEmail}, nil
		}
	}

	return Result{Method: MethodNone}, nil
}
