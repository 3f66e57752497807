package node

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/ryandielhenn/zephyrsync/pkg/registry"
)

// Client is the consumer's transport: it asks peers for their last id and
// sends them file requests over HTTP.
type Client struct {
	self string
	http *http.Client
}

// NewClient identifies requests as coming from self. A nil hc uses
// http.DefaultClient; callers bound calls with the context.
func NewClient(self string, hc *http.Client) *Client {
	if hc == nil {
		hc = http.DefaultClient
	}
	return &Client{self: self, http: hc}
}

func (c *Client) RequestLastID(ctx context.Context, peer registry.Peer) (uint64, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, peerURL(peer.Addr, LastIDPath, nil), nil)
	if err != nil {
		return 0, err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	if err := checkStatus(resp, http.StatusOK); err != nil {
		return 0, err
	}
	var out lastIDResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return 0, fmt.Errorf("decode last id from %s: %w", peer.ID, err)
	}
	return out.LastID, nil
}

func (c *Client) SendFileRequest(ctx context.Context, peer registry.Peer, ranges string) error {
	u := peerURL(peer.Addr, DeliverPath, url.Values{"from": {c.self}})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u, strings.NewReader(ranges))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "text/plain")
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	return checkStatus(resp, http.StatusAccepted)
}

func checkStatus(resp *http.Response, want int) error {
	if resp.StatusCode == want {
		return nil
	}
	msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	return fmt.Errorf("%w: %d %s", errUnexpectedStatus, resp.StatusCode, strings.TrimSpace(string(msg)))
}
