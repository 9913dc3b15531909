package collective

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"distributed-ppo-rl/internal/params"
)

// Client is one rank of a group coordinated by a Server.
type Client struct {
	BaseURL string
	HTTP    *http.Client

	rank int
	size int
	seq  uint64
}

// NewClient returns a group member. The default HTTP client has no timeout
// because collective calls block until the slowest rank arrives; bound them
// with WithTimeout instead.
func NewClient(baseURL string, rank, size int) (*Client, error) {
	if size <= 0 || rank < 0 || rank >= size {
		return nil, fmt.Errorf("%w: rank %d size %d", ErrBadRank, rank, size)
	}
	return &Client{
		BaseURL: strings.TrimRight(baseURL, "/"),
		HTTP:    &http.Client{},
		rank:    rank,
		size:    size,
	}, nil
}

func (c *Client) Rank() int { return c.rank }

func (c *Client) Size() int { return c.size }

func (c *Client) AllReduceSum(ctx context.Context, buf []float64) ([]float64, error) {
	c.seq++
	return c.post(ctx, "/allreduce", contributeRequest{Seq: c.seq, Rank: c.rank, Data: params.EncodeFloats(buf)})
}

func (c *Client) Broadcast(ctx context.Context, root int, buf []float64) ([]float64, error) {
	c.seq++
	req := contributeRequest{Seq: c.seq, Rank: c.rank, Root: root}
	if c.rank == root {
		req.Data = params.EncodeFloats(buf)
	}
	return c.post(ctx, "/broadcast", req)
}

func (c *Client) post(ctx context.Context, path string, payload contributeRequest) ([]float64, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+path, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		var failure struct {
			Error string `json:"error"`
		}
		_ = json.NewDecoder(resp.Body).Decode(&failure)
		return nil, fmt.Errorf("collective %s seq %d: coordinator returned %d: %s", path, payload.Seq, resp.StatusCode, failure.Error)
	}
	var out contributeResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, err
	}
	data, err := params.DecodeFloats(out.Data)
	if err != nil {
		return nil, fmt.Errorf("collective %s seq %d: %w", path, payload.Seq, err)
	}
	return data, nil
}
