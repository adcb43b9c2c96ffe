package peers

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/mesh-intelligence/dicomvault/pkg/types"
)

const contentTypeDICOM = "application/dicom"

// Peer identifies a remote archive reachable over HTTP.
type Peer struct {
	Name     string `json:"name"`
	BaseURL  string `json:"url"`
	Username string `json:"username,omitempty"`
	Password string `json:"password,omitempty"`
}

// Client talks to one remote peer's REST interface.
type Client struct {
	peer       Peer
	httpClient *http.Client
	log        *logrus.Entry
}

// NewClient builds a client with a default HTTP client bounded by timeout.
func NewClient(peer Peer, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return NewClientWithHTTPClient(peer, &http.Client{Timeout: timeout})
}

// NewClientWithHTTPClient builds a client over a caller-supplied HTTP
// client, e.g. an instrumented one.
func NewClientWithHTTPClient(peer Peer, client *http.Client) *Client {
	if client == nil {
		client = &http.Client{Timeout: 15 * time.Second}
	}
	return &Client{
		peer:       peer,
		httpClient: client,
		log:        logrus.WithField("peer", peer.Name),
	}
}

// Peer returns the remote's descriptor.
func (c *Client) Peer() Peer {
	return c.peer
}

// StoreInstance POSTs one DICOM file to the peer's /instances endpoint
// and returns the public id the peer assigned.
func (c *Client) StoreInstance(ctx context.Context, data []byte) (string, error) {
	targetURL := c.peer.BaseURL + "/instances"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, targetURL, bytes.NewReader(data))
	if err != nil {
		return "", fmt.Errorf("building store request: %w", err)
	}
	req.Header.Set("Content-Type", contentTypeDICOM)
	if c.peer.Username != "" {
		req.SetBasicAuth(c.peer.Username, c.peer.Password)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("posting instance to %s: %w", c.peer.Name, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		c.log.WithFields(logrus.Fields{
			"status": resp.StatusCode,
			"body":   string(body),
		}).Warn("peer rejected instance")
		return "", fmt.Errorf("peer %s returned status %d", c.peer.Name, resp.StatusCode)
	}

	var result struct {
		ID string `json:"ID"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return "", fmt.Errorf("decoding store response: %w", err)
	}
	return result.ID, nil
}

// GetInstanceFile retrieves the raw DICOM bytes of an instance from the
// peer.
func (c *Client) GetInstanceFile(ctx context.Context, publicID string) ([]byte, error) {
	targetURL := fmt.Sprintf("%s/instances/%s/file", c.peer.BaseURL, publicID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, targetURL, nil)
	if err != nil {
		return nil, fmt.Errorf("building file request: %w", err)
	}
	if c.peer.Username != "" {
		req.SetBasicAuth(c.peer.Username, c.peer.Password)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetching instance from %s: %w", c.peer.Name, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return nil, fmt.Errorf("instance %s on peer %s: %w", publicID, c.peer.Name, types.ErrUnknownResource)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("peer %s returned status %d", c.peer.Name, resp.StatusCode)
	}
	return io.ReadAll(resp.Body)
}
