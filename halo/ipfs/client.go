package ipfs

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"time"
)

var ErrEmptyResponse = errors.New("ipfs: empty response")

// Client talks to a kubo-compatible HTTP API rooted at BaseURL
// (for example http://127.0.0.1:5001/api/v0).
type Client struct {
	BaseURL    string
	HTTPClient *http.Client
}

func New(baseURL string) *Client {
	return &Client{
		BaseURL: strings.TrimRight(baseURL, "/"),
		HTTPClient: &http.Client{
			Timeout: 15 * time.Second,
		},
	}
}

// PutJSON encodes v, adds it as a pinned file named name and returns its CID.
func (c *Client) PutJSON(ctx context.Context, name string, v any) (string, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return c.Add(ctx, name, data)
}

// Add uploads data as a single pinned CIDv1 file.
func (c *Client) Add(ctx context.Context, name string, data []byte) (string, error) {
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	fw, err := mw.CreateFormFile("file", name)
	if err != nil {
		return "", err
	}
	if _, err := fw.Write(data); err != nil {
		return "", err
	}
	if err := mw.Close(); err != nil {
		return "", err
	}

	q := url.Values{}
	q.Set("pin", "true")
	q.Set("cid-version", "1")
	body, status, header, trailer, err := c.post(ctx, "/add", q, mw.FormDataContentType(), &buf)
	if err != nil {
		return "", err
	}
	if status < 200 || status >= 300 {
		return "", httpError(status, body, header, trailer)
	}
	if msg := streamError(header, trailer); msg != "" {
		return "", fmt.Errorf("ipfs add: %s", msg)
	}
	return extractCID(body)
}

func (c *Client) post(ctx context.Context, apiPath string, q url.Values, contentType string, payload io.Reader) (body []byte, status int, header http.Header, trailer http.Header, err error) {
	fullURL := c.BaseURL + apiPath
	if q != nil {
		fullURL += "?" + q.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, fullURL, payload)
	if err != nil {
		return nil, 0, nil, nil, err
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return nil, 0, nil, nil, err
	}
	defer resp.Body.Close()

	b, readErr := io.ReadAll(resp.Body)
	if readErr != nil {
		return nil, resp.StatusCode, nil, nil, readErr
	}
	return b, resp.StatusCode, resp.Header.Clone(), resp.Trailer, nil
}

// streamError reports an error kubo signals after a 200 response through
// the X-Stream-Error header or trailer.
func streamError(header, trailer http.Header) string {
	for _, h := range []http.Header{trailer, header} {
		if h == nil {
			continue
		}
		if v := strings.TrimSpace(h.Get("X-Stream-Error")); v != "" {
			return v
		}
	}
	return ""
}

func httpError(status int, body []byte, header http.Header, trailer http.Header) error {
	msg := ""
	b := bytes.TrimSpace(body)
	if len(b) > 0 && b[0] == '{' {
		var e struct {
			Message string `json:"Message"`
		}
		if err := json.Unmarshal(b, &e); err == nil {
			msg = strings.TrimSpace(e.Message)
		}
	}
	if msg == "" {
		msg = string(b)
	}
	if msg == "" {
		msg = streamError(header, trailer)
	}
	if msg == "" && len(trailer) > 0 {
		var parts []string
		for k := range trailer {
			for _, v := range trailer.Values(k) {
				parts = append(parts, fmt.Sprintf("%s: %s", k, v))
			}
		}
		sort.Strings(parts)
		msg = strings.Join(parts, "; ")
	}
	if msg == "" {
		msg = "empty response"
	}
	return fmt.Errorf("ipfs http %d: %s", status, msg)
}

// extractCID reads the Hash of the last object in an add response. kubo
// streams one JSON object per line.
func extractCID(body []byte) (string, error) {
	body = bytes.TrimSpace(body)
	if len(body) == 0 {
		return "", ErrEmptyResponse
	}
	var hash string
	dec := json.NewDecoder(bytes.NewReader(body))
	for {
		var obj struct {
			Name string `json:"Name"`
			Hash string `json:"Hash"`
			Cid  string `json:"Cid"`
		}
		if err := dec.Decode(&obj); err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return "", err
		}
		switch {
		case obj.Hash != "":
			hash = obj.Hash
		case obj.Cid != "":
			hash = obj.Cid
		}
	}
	if hash == "" {
		return "", fmt.Errorf("cid not found in response")
	}
	return hash, nil
}
