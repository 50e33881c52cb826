package client

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/holiman/uint256"
	"github.com/pkg/errors"

	"github.com/mezonai/posnode/api"
	"github.com/mezonai/posnode/jsonx"
	"github.com/mezonai/posnode/transaction"
)

type Config struct {
	Endpoint string
	Timeout  time.Duration
}

// NodeClient talks to a node's admin API.
type NodeClient struct {
	cfg  Config
	http *http.Client
}

func NewClient(cfg Config) *NodeClient {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	endpoint := strings.TrimRight(cfg.Endpoint, "/")
	if !strings.HasPrefix(endpoint, "http://") && !strings.HasPrefix(endpoint, "https://") {
		endpoint = "http://" + endpoint
	}
	cfg.Endpoint = endpoint
	return &NodeClient{cfg: cfg, http: &http.Client{Timeout: cfg.Timeout}}
}

// APIError is a rejection returned by the node.
type APIError struct {
	Status  int    `json:"-"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *APIError) Error() string {
	return fmt.Sprintf("%d %s: %s", e.Status, e.Code, e.Message)
}

func (c *NodeClient) do(ctx context.Context, method, path string, in, out interface{}) error {
	var body io.Reader
	if in != nil {
		data, err := jsonx.Marshal(in)
		if err != nil {
			return errors.Wrap(err, "encode request")
		}
		body = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.cfg.Endpoint+path, body)
	if err != nil {
		return errors.Wrap(err, "build request")
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return errors.Wrapf(err, "%s %s", method, path)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return errors.Wrap(err, "read response")
	}
	if resp.StatusCode >= 300 {
		apiErr := &APIError{Status: resp.StatusCode}
		if jsonx.Unmarshal(data, apiErr) != nil || apiErr.Code == "" {
			apiErr.Message = strings.TrimSpace(string(data))
		}
		return apiErr
	}
	if out == nil {
		return nil
	}
	return errors.Wrap(jsonx.Unmarshal(data, out), "decode response")
}

func (c *NodeClient) CheckHealth(ctx context.Context) error {
	return c.do(ctx, http.MethodGet, "/health", nil, nil)
}

func (c *NodeClient) Status(ctx context.Context) (*api.StatusResponse, error) {
	var out api.StatusResponse
	if err := c.do(ctx, http.MethodGet, "/status", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *NodeClient) SubmitTransaction(ctx context.Context, tx *transaction.Transaction) (*api.SubmitTxResponse, error) {
	var out api.SubmitTxResponse
	if err := c.do(ctx, http.MethodPost, "/transactions", tx, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *NodeClient) Stake(ctx context.Context, amount *uint256.Int) (*api.StakeResponse, error) {
	var out api.StakeResponse
	if err := c.do(ctx, http.MethodPost, "/stake", api.StakeRequest{Amount: amount}, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *NodeClient) Unstake(ctx context.Context, amount *uint256.Int) (*api.StakeResponse, error) {
	var out api.StakeResponse
	if err := c.do(ctx, http.MethodPost, "/unstake", api.StakeRequest{Amount: amount}, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *NodeClient) Balance(ctx context.Context, address string) (*uint256.Int, error) {
	var out struct {
		Balance *uint256.Int `json:"balance"`
	}
	if err := c.do(ctx, http.MethodGet, "/balance/"+address, nil, &out); err != nil {
		return nil, err
	}
	return out.Balance, nil
}

func (c *NodeClient) ConnectPeer(ctx context.Context, host string, port int) error {
	return c.do(ctx, http.MethodPost, "/peers", api.ConnectRequest{Host: host, Port: port}, nil)
}
