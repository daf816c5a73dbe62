package lnproxy

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/pkg/errors"
)

// ErrWrapFailed marks a relay refusal (bad invoice, relay overloaded).
// It is a first-class outcome the privacy workflow counts and reacts to,
// unlike transport errors which are plain uncertainty.
var ErrWrapFailed = errors.New("lnproxy: wrap rejected")

// Client talks to an lnproxy-compatible invoice privacy relay.
type Client struct {
	client  *http.Client
	baseURL string
}

// NewClient initializes an lnproxy relay client
func NewClient(baseURL string) *Client {
	return &Client{
		client:  &http.Client{Timeout: 10 * time.Second},
		baseURL: strings.TrimRight(baseURL, "/"),
	}
}

// Wrap asks the relay to re-issue the invoice from its own node, hiding
// the original issuer. Returns the wrapped invoice, ErrWrapFailed when the
// relay refuses, or a transport error when nothing can be concluded.
func (c *Client) Wrap(ctx context.Context, invoice string) (string, error) {
	payload, err := json.Marshal(map[string]string{"invoice": invoice})
	if err != nil {
		return "", errors.Wrap(err, "failed to marshal wrap request")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/spec", bytes.NewReader(payload))
	if err != nil {
		return "", errors.Wrap(err, "failed to create wrap request")
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return "", errors.Wrap(err, "failed to reach relay")
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return "", errors.Wrapf(ErrWrapFailed, "status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var result struct {
		ProxyInvoice string `json:"proxy_invoice"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return "", errors.Wrap(err, "failed to decode wrap response")
	}
	if result.ProxyInvoice == "" {
		return "", errors.Wrap(ErrWrapFailed, "empty proxy invoice")
	}
	return result.ProxyInvoice, nil
}
