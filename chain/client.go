package chain

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
)

// TxStatus is the subset of Esplora's transaction status the engine needs.
type TxStatus struct {
	Confirmed   bool  `json:"confirmed"`
	BlockHeight int64 `json:"block_height"`
}

type txResponse struct {
	Txid   string   `json:"txid"`
	Status TxStatus `json:"status"`
	Vout   []struct {
		ScriptPubkeyAddress string `json:"scriptpubkey_address"`
		Value               int64  `json:"value"`
	} `json:"vout"`
}

// Confirmation is the oracle's answer for one deposit check.
type Confirmation struct {
	// Found is false while the transaction is unknown to the chain API;
	// the other fields are meaningless then.
	Found bool
	// Confirmations is 0 while the transaction sits in the mempool.
	Confirmations int
	// MatchedAmount is the value in sats paid to the watched address by
	// this transaction, 0 if the transaction does not pay it.
	MatchedAmount int64
}

// Client talks to an Esplora-compatible chain API (Blockstream).
type Client struct {
	client  *http.Client
	baseURL string
}

// NewClient initializes an Esplora chain client
func NewClient(baseURL string) *Client {
	return &Client{
		client:  &http.Client{Timeout: 10 * time.Second},
		baseURL: strings.TrimRight(baseURL, "/"),
	}
}

// TipHeight returns the current best block height.
func (c *Client) TipHeight(ctx context.Context) (int64, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/blocks/tip/height", nil)
	if err != nil {
		return 0, errors.Wrap(err, "failed to create tip request")
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return 0, errors.Wrap(err, "failed to fetch tip height")
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return 0, errors.Errorf("unexpected status code: %d", resp.StatusCode)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return 0, errors.Wrap(err, "failed to read tip height")
	}
	height, err := strconv.ParseInt(strings.TrimSpace(string(body)), 10, 64)
	if err != nil {
		return 0, errors.Wrap(err, "failed to parse tip height")
	}
	return height, nil
}

// Confirmations reports how many confirmations a deposit transaction has
// and how many sats it pays to the given address. An unknown txid yields
// Found == false, not an error; transport or API failures yield an error
// that callers must treat as "no new information".
func (c *Client) Confirmations(ctx context.Context, address, txid string) (Confirmation, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/tx/"+txid, nil)
	if err != nil {
		return Confirmation{}, errors.Wrap(err, "failed to create tx request")
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return Confirmation{}, errors.Wrap(err, "failed to fetch transaction")
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		// Not in the mempool yet. Distinct from API failure.
		return Confirmation{Found: false}, nil
	}
	if resp.StatusCode != http.StatusOK {
		return Confirmation{}, errors.Errorf("unexpected status code: %d", resp.StatusCode)
	}

	var tx txResponse
	if err := json.NewDecoder(resp.Body).Decode(&tx); err != nil {
		return Confirmation{}, errors.Wrap(err, "failed to decode transaction")
	}

	result := Confirmation{Found: true}
	for _, out := range tx.Vout {
		if out.ScriptPubkeyAddress == address {
			result.MatchedAmount += out.Value
		}
	}

	if tx.Status.Confirmed {
		tip, err := c.TipHeight(ctx)
		if err != nil {
			return Confirmation{}, err
		}
		result.Confirmations = int(tip - tx.Status.BlockHeight + 1)
	}
	return result, nil
}
