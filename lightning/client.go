package lightning

import (
	"context"
	"crypto/tls"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
)

// Invoice holds the decoded fields the engine validates against.
type Invoice struct {
	PaymentHash string
	AmountSats  int64
	Destination string
	Description string
}

// Client talks to an LND node over its REST API. It is both the invoice
// decoder and the settlement oracle.
type Client struct {
	client   *http.Client
	baseURL  string
	macaroon string // hex-encoded
}

// NewClient initializes an LND REST client
func NewClient(baseURL, macaroonHex string) *Client {
	transport := &http.Transport{
		// LND serves its own certificate; operators pin it at the network
		// layer or run on localhost.
		TLSClientConfig: &tls.Config{InsecureSkipVerify: true},
	}
	return &Client{
		client:   &http.Client{Timeout: 10 * time.Second, Transport: transport},
		baseURL:  strings.TrimRight(baseURL, "/"),
		macaroon: macaroonHex,
	}
}

func (c *Client) get(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return errors.Wrap(err, "failed to create request")
	}
	if c.macaroon != "" {
		req.Header.Set("Grpc-Metadata-macaroon", c.macaroon)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return errors.Wrap(err, "failed to send request")
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return errors.Errorf("unexpected status code: %d", resp.StatusCode)
	}
	return errors.Wrap(json.NewDecoder(resp.Body).Decode(out), "failed to decode response")
}

// DecodeInvoice decodes a BOLT11 payment request via the node.
func (c *Client) DecodeInvoice(ctx context.Context, invoice string) (*Invoice, error) {
	var decoded struct {
		PaymentHash string `json:"payment_hash"`
		NumSatoshis string `json:"num_satoshis"`
		Destination string `json:"destination"`
		Description string `json:"description"`
	}
	if err := c.get(ctx, "/v1/payreq/"+invoice, &decoded); err != nil {
		return nil, err
	}
	if decoded.PaymentHash == "" {
		return nil, errors.New("invalid payment request: no payment hash")
	}
	amount, err := strconv.ParseInt(decoded.NumSatoshis, 10, 64)
	if err != nil {
		return nil, errors.Wrap(err, "invalid invoice amount")
	}
	return &Invoice{
		PaymentHash: decoded.PaymentHash,
		AmountSats:  amount,
		Destination: decoded.Destination,
		Description: decoded.Description,
	}, nil
}

// IsSettled reports whether the invoice with the given payment hash has
// been settled. Transport failures surface as errors, never as false.
func (c *Client) IsSettled(ctx context.Context, paymentHash string) (bool, error) {
	hashBytes, err := hex.DecodeString(paymentHash)
	if err != nil {
		return false, errors.Wrap(err, "invalid payment hash")
	}
	// LND's REST lookup takes the hash base64url-encoded without padding.
	encoded := strings.TrimRight(base64.URLEncoding.EncodeToString(hashBytes), "=")

	var invoice struct {
		Settled bool   `json:"settled"`
		State   string `json:"state"` // OPEN, SETTLED, CANCELED, ACCEPTED
	}
	if err := c.get(ctx, "/v1/invoice/"+encoded, &invoice); err != nil {
		return false, err
	}
	return invoice.Settled && invoice.State == "SETTLED", nil
}
