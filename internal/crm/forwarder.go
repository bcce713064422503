// Package crm talks to the CRM marketplace: it forwards inbound WhatsApp
// messages into conversations and exchanges OAuth codes for tokens.
package crm

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/pkg/errors"
	"github.com/talkincode/wabridge/config"
	"github.com/talkincode/wabridge/internal/domain"
)

const DefaultBaseURL = "https://services.leadconnectorhq.com"

type Attachment struct {
	URL  string `json:"url"`
	Type string `json:"type"`
	Name string `json:"name"`
}

// InboundPayload is the body posted to the conversation messages endpoint.
type InboundPayload struct {
	LocationID  string       `json:"locationId"`
	ContactID   *string      `json:"contactId"`
	Phone       string       `json:"phone"`
	Message     string       `json:"message"`
	Attachments []Attachment `json:"attachments,omitempty"`
}

// NewInboundPayload builds the CRM payload for a stored inbound message.
func NewInboundPayload(locationID string, m *domain.Message) InboundPayload {
	p := InboundPayload{
		LocationID: locationID,
		Phone:      m.FromNumber,
	}
	if m.Body != nil {
		p.Message = *m.Body
	}
	if m.MediaURL != nil {
		typ := "image"
		if m.MediaMime != nil && *m.MediaMime != "" {
			typ = *m.MediaMime
		}
		p.Attachments = []Attachment{{
			URL:  *m.MediaURL,
			Type: typ,
			Name: fmt.Sprintf("whatsapp_media_%d", m.ID),
		}}
	}
	return p
}

// Forwarder posts inbound messages to the CRM with resty.
type Forwarder struct {
	client     *resty.Client
	apiVersion string
}

func NewForwarder(cfg config.CRMConfig) *Forwarder {
	base := strings.TrimRight(cfg.BaseURL, "/")
	if base == "" {
		base = DefaultBaseURL
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	client := resty.New().
		SetBaseURL(base).
		SetTimeout(timeout).
		SetHeader("Accept", "application/json").
		SetHeader("Content-Type", "application/json")
	return &Forwarder{client: client, apiVersion: cfg.APIVersion}
}

// Forward delivers one message with the installation's access token.
func (f *Forwarder) Forward(ctx context.Context, inst *domain.ProviderInstallation, payload InboundPayload) error {
	req := f.client.R().
		SetContext(ctx).
		SetAuthToken(inst.AccessToken).
		SetBody(payload)
	if f.apiVersion != "" {
		req.SetHeader("Version", f.apiVersion)
	}
	resp, err := req.Post("/conversations/messages")
	if err != nil {
		return errors.Wrap(err, "crm forward")
	}
	if resp.IsError() {
		return errors.Errorf("crm forward: status %d: %s", resp.StatusCode(), truncate(resp.String(), 256))
	}
	return nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
