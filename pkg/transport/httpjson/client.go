package httpjson

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/amirimatin/members-manager/pkg/transport"
)

// Client is a thin HTTP client for the management API, with optional TLS
// and simple retry with backoff.
type Client struct {
	httpc     *http.Client
	transport *http.Transport
	isTLS     bool
}

// NewClient constructs a new Client with the given timeout.
func NewClient(timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 3 * time.Second
	}
	tr := &http.Transport{}
	return &Client{httpc: &http.Client{Timeout: timeout, Transport: tr}, transport: tr}
}

// UseTLS sets the TLS config for the underlying HTTP client and switches the
// request scheme to https.
func (c *Client) UseTLS(cfg *tls.Config) *Client {
	if c.transport != nil {
		c.transport.TLSClientConfig = cfg
	}
	c.isTLS = cfg != nil
	return c
}

func (c *Client) scheme() string {
	if c.isTLS {
		return "https"
	}
	return "http"
}

func (c *Client) postJSON(ctx context.Context, addr, path string, req, out any) error {
	url := fmt.Sprintf("%s://%s%s", c.scheme(), addr, path)
	body, err := json.Marshal(req)
	if err != nil {
		return err
	}
	var lastErr error
	for attempt := 0; attempt < 3; attempt++ {
		httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
		if err != nil {
			return err
		}
		httpReq.Header.Set("Content-Type", "application/json")

		resp, doErr := c.httpc.Do(httpReq)
		if doErr != nil {
			lastErr = doErr
		} else {
			lastErr = func() error {
				defer resp.Body.Close()
				b, _ := io.ReadAll(resp.Body)
				if resp.StatusCode != http.StatusOK {
					return fmt.Errorf("%s status %d: %s", path, resp.StatusCode, string(b))
				}
				return json.Unmarshal(b, out)
			}()
			if lastErr == nil {
				return nil
			}
		}

		select {
		case <-ctx.Done():
			if lastErr == nil {
				lastErr = ctx.Err()
			}
			return lastErr
		case <-time.After(time.Duration(100*(1<<attempt)) * time.Millisecond):
		}
	}
	return lastErr
}

// JoinNode dispatches a join_node RPC over HTTP/JSON.
func (c *Client) JoinNode(ctx context.Context, addr string, req transport.JoinNodeRequest) (transport.JoinNodeReply, error) {
	var out transport.JoinNodeReply
	err := c.postJSON(ctx, addr, "/join_node", req, &out)
	return out, err
}

// UpdateNodeConfiguration dispatches an update_node_configuration RPC over
// HTTP/JSON.
func (c *Client) UpdateNodeConfiguration(ctx context.Context, addr string, req transport.ConfigurationUpdateRequest) (transport.ConfigurationUpdateReply, error) {
	var out transport.ConfigurationUpdateReply
	err := c.postJSON(ctx, addr, "/update_node_configuration", req, &out)
	return out, err
}

// Hello dispatches the best-effort startup hello RPC over HTTP/JSON. A peer
// that 404s the endpoint (rolling upgrade, older binary) is reported back as
// transport.ErrMethodNotFound rather than as a transport error.
func (c *Client) Hello(ctx context.Context, addr string, req transport.HelloRequest) (transport.HelloReply, error) {
	url := fmt.Sprintf("%s://%s/hello", c.scheme(), addr)
	body, err := json.Marshal(req)
	if err != nil {
		return transport.HelloReply{}, err
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return transport.HelloReply{}, err
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.httpc.Do(httpReq)
	if err != nil {
		return transport.HelloReply{}, err
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusNotImplemented || resp.StatusCode == http.StatusNotFound {
		return transport.HelloReply{Error: transport.ErrMethodNotFound}, nil
	}
	b, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK {
		return transport.HelloReply{}, fmt.Errorf("hello status %d: %s", resp.StatusCode, string(b))
	}
	var out transport.HelloReply
	if err := json.Unmarshal(b, &out); err != nil {
		return transport.HelloReply{}, err
	}
	return out, nil
}

var _ transport.RPCClient = (*Client)(nil)
