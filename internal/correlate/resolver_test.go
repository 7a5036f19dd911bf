package correlate

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Sabbir3x/outreach/internal/decode"
	"github.com/Sabbir3x/outreach/internal/store"
)

type fakeDirectory struct {
	contacts []*store.Contact
	outbound []*store.OutboundMessage
	err      error
}

func (f *fakeDirectory) OutboundByMessageID(ctx context.Context, id string) (*store.OutboundMessage, error) {
	if f.err != nil {
		return nil, f.err
	}
	for _, o := range f.outbound {
		if o.ProviderMessageID == id || o.RFCMessageID == id {
			return o, nil
		}
	}
	return nil, nil
}

func (f *fakeDirectory) ContactByID(ctx context.Context, publicID string) (*store.Contact, error) {
	for _, c := range f.contacts {
		if c.PublicID == publicID {
			return c, nil
		}
	}
	return nil, nil
}

func (f *fakeDirectory) ContactByEmail(ctx context.Context, email string) (*store.Contact, error) {
	if f.err != nil {
		return nil, f.err
	}
	for _, c := range f.contacts {
		if c.Email != nil && *c.Email == email {
			return c, nil
		}
	}
	return nil, nil
}

func strPtr(s string) *string { return &s }

func fixture() *fakeDirectory {
	return &fakeDirectory{
		contacts: []*store.Contact{
			{PublicID: "C1", Name: "Acme", Email: strPtr("owner@acme.test")},
			{PublicID: "C2", Name: "Other", Email: strPtr("reply@other.test")},
		},
		outbound: []*store.OutboundMessage{
			{ID: 7, ContactID: "C1", ProviderMessageID: "M1", RFCMessageID: "1b2c@team.test"},
		},
	}
}

func TestResolveHeaderWinsOverSenderEmail(t *testing.T) {
	r := NewResolver(fixture())

	res, err := r.Resolve(context.Background(), decode.Decoded{
		InReplyToID:   "M1",
		SenderAddress: "reply@other.test",
	})
	require.NoError(t, err)
	assert.Equal(t, MethodInReplyTo, res.Method)
	require.NotNil(t, res.Contact)
	assert.Equal(t, "C1", res.Contact.PublicID)
	require.NotNil(t, res.OutboundID())
	assert.Equal(t, int64(7), *res.OutboundID())
}

func TestResolveByStampedMessageID(t *testing.T) {
	r := NewResolver(fixture())

	res, err := r.Resolve(context.Background(), decode.Decoded{InReplyToID: "1b2c@team.test"})
	require.NoError(t, err)
	assert.Equal(t, MethodInReplyTo, res.Method)
	assert.Equal(t, "C1", *res.ContactID())
}

func TestResolveFallsBackToSenderEmail(t *testing.T) {
	r := NewResolver(fixture())

	res, err := r.Resolve(context.Background(), decode.Decoded{
		InReplyToID:   "unknown-id",
		SenderAddress: "reply@other.test",
	})
	require.NoError(t, err)
	assert.Equal(t, MethodSenderEmail, res.Method)
	assert.Equal(t, "C2", *res.ContactID())
	assert.Nil(t, res.OutboundID())
}

func TestResolveSenderEmailIsExact(t *testing.T) {
	r := NewResolver(fixture())

	res, err := r.Resolve(context.Background(), decode.Decoded{SenderAddress: "Reply@Other.test"})
	require.NoError(t, err)
	assert.Equal(t, MethodNone, res.Method)
	assert.Nil(t, res.ContactID())
}

func TestResolveMissIsNotAnError(t *testing.T) {
	r := NewResolver(fixture())

	res, err := r.Resolve(context.Background(), decode.Decoded{SenderAddress: "stranger@nowhere.test"})
	require.NoError(t, err)
	assert.Equal(t, MethodNone, res.Method)
	assert.Nil(t, res.Contact)
	assert.Nil(t, res.Outbound)
	assert.Nil(t, res.ContactID())
	assert.Nil(t, res.OutboundID())
}

func TestResolvePropagatesStoreErrors(t *testing.T) {
	dir := fixture()
	dir.err = errors.New("db is locked")
	r := NewResolver(dir)

	_, err := r.Resolve(context.Background(), decode.Decoded{InReplyToID: "M1"})
	require.Error(t, err)
	assert.ErrorIs(t, err, dir.err)
}
