// Package identity verifies and decodes identity-provider webhooks. The
// provider signs deliveries with Svix; signature checks are done by the
// svix library and this package maps the user events.
package identity

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	svix "github.com/svix/svix-webhooks/go"
)

const (
	HeaderID        = "svix-id"
	HeaderTimestamp = "svix-timestamp"
	HeaderSignature = "svix-signature"

	secretPrefix = "whsec_"
)

var (
	ErrMissingHeaders   = errors.New("identity: missing webhook signature headers")
	ErrInvalidSignature = errors.New("identity: invalid webhook signature")
)

// Event types handled by the user sync.
const (
	EventUserCreated = "user.created"
	EventUserUpdated = "user.updated"
	EventUserDeleted = "user.deleted"
)

// Verifier checks webhook signatures against a shared secret.
type Verifier struct {
	wh *svix.Webhook
}

// NewVerifier accepts the provider's "whsec_" base64 secret. Secrets without
// the prefix are used as raw key bytes.
func NewVerifier(secret string) (*Verifier, error) {
	if secret == "" {
		return nil, errors.New("identity: webhook secret is required")
	}
	var (
		wh  *svix.Webhook
		err error
	)
	if strings.HasPrefix(secret, secretPrefix) {
		wh, err = svix.NewWebhook(secret)
	} else {
		wh, err = svix.NewWebhookRaw([]byte(secret))
	}
	if err != nil {
		return nil, fmt.Errorf("identity: webhook secret: %w", err)
	}
	return &Verifier{wh: wh}, nil
}

// Verify validates the signature headers of a delivery against body. Stale
// or future timestamps fail as invalid signatures.
func (v *Verifier) Verify(h http.Header, body []byte) error {
	if h.Get(HeaderID) == "" || h.Get(HeaderTimestamp) == "" || h.Get(HeaderSignature) == "" {
		return ErrMissingHeaders
	}
	if err := v.wh.Verify(body, h); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}
	return nil
}

// Event is a decoded user webhook delivery.
type Event struct {
	Type string   `json:"type"`
	Data UserData `json:"data"`
}

// UserData is the user object carried by user.* events.
type UserData struct {
	ID                    string         `json:"id"`
	FirstName             string         `json:"first_name"`
	LastName              string         `json:"last_name"`
	ImageURL              string         `json:"image_url"`
	PrimaryEmailAddressID string         `json:"primary_email_address_id"`
	EmailAddresses        []EmailAddress `json:"email_addresses"`
	Deleted               bool           `json:"deleted"`
}

type EmailAddress struct {
	ID           string `json:"id"`
	EmailAddress string `json:"email_address"`
}

// PrimaryEmail returns the primary address, or the first one listed.
func (u UserData) PrimaryEmail() string {
	for _, e := range u.EmailAddresses {
		if e.ID == u.PrimaryEmailAddressID {
			return e.EmailAddress
		}
	}
	if len(u.EmailAddresses) > 0 {
		return u.EmailAddresses[0].EmailAddress
	}
	return ""
}

// ParseEvent decodes a verified delivery body.
func ParseEvent(body []byte) (*Event, error) {
	var ev Event
	if err := json.Unmarshal(body, &ev); err != nil {
		return nil, fmt.Errorf("identity: decoding event: %w", err)
	}
	if ev.Type == "" || ev.Data.ID == "" {
		return nil, errors.New("identity: event is missing type or user id")
	}
	return &ev, nil
}
