package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"time"

	"github.com/go-resty/resty/v2"
)

// Mailgun posts messages to a Mailgun-compatible HTTP API
type Mailgun struct {
	client *resty.Client
	from   string
}

// NewMailgun creates a gateway for baseURL (for example https://api.mailgun.net/v3/<domain>)
func NewMailgun(baseURL, apiKey, from string) *Mailgun {
	client := resty.New().
		SetBaseURL(baseURL).
		SetBasicAuth("api", apiKey).
		SetTimeout(10 * time.Second).
		SetRetryCount(2).
		SetRetryWaitTime(500 * time.Millisecond)
	return &Mailgun{client: client, from: from}
}

// Send renders the template and posts one batch message. Recipient variables keep each
// recipient from seeing the others.
func (m *Mailgun) Send(ctx context.Context, recipients []string, template string, args map[string]string) error {
	if len(recipients) == 0 {
		return nil
	}
	email, err := Render(template, args)
	if err != nil {
		return err
	}

	vars := make(map[string]struct{}, len(recipients))
	for _, r := range recipients {
		vars[r] = struct{}{}
	}
	varsJSON, err := json.Marshal(vars)
	if err != nil {
		return fmt.Errorf("failed to encode recipient variables: %w", err)
	}

	form := url.Values{}
	form.Set("from", m.from)
	for _, r := range recipients {
		form.Add("to", r)
	}
	form.Set("recipient-variables", string(varsJSON))
	form.Set("subject", email.Subject)
	form.Set("html", email.HTML)

	resp, err := m.client.R().
		SetContext(ctx).
		SetFormDataFromValues(form).
		Post("/messages")
	if err != nil {
		return fmt.Errorf("failed to send %s: %w", template, err)
	}
	if resp.IsError() {
		return fmt.Errorf("failed to send %s: status %d: %s", template, resp.StatusCode(), resp.String())
	}
	return nil
}
