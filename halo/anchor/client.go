package anchor

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// Request is the body posted to the anchoring service.
type Request struct {
	BatchCode   string   `json:"batchCode"`
	BatchNumber int64    `json:"batchNumber"`
	MerkleRoot  string   `json:"merkleRoot"`
	IPFSHash    string   `json:"ipfsHash,omitempty"`
	PostCodes   []string `json:"postCodes"`
}

// Response reports the anchoring transaction. BlockHeight is zero until
// the transaction is confirmed.
type Response struct {
	TxID        string `json:"txId"`
	BlockHeight int64  `json:"blockHeight"`
}

type Client struct {
	URL        string
	HTTPClient *http.Client
}

func NewClient(url string) *Client {
	return &Client{
		URL:        strings.TrimRight(url, "/"),
		HTTPClient: &http.Client{Timeout: 30 * time.Second},
	}
}

func (c *Client) Submit(ctx context.Context, in Request) (Response, error) {
	body, err := json.Marshal(in)
	if err != nil {
		return Response{}, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.URL, bytes.NewReader(body))
	if err != nil {
		return Response{}, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return Response{}, err
	}
	defer resp.Body.Close()

	b, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return Response{}, err
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg := strings.TrimSpace(string(b))
		if msg == "" {
			msg = "empty response"
		}
		return Response{}, fmt.Errorf("anchor http %d: %s", resp.StatusCode, msg)
	}
	var out Response
	if err := json.Unmarshal(b, &out); err != nil {
		return Response{}, fmt.Errorf("anchor response: %w", err)
	}
	if out.BlockHeight < 0 {
		return Response{}, fmt.Errorf("anchor response: negative block height %d", out.BlockHeight)
	}
	return out, nil
}
