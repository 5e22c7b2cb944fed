// Provide primitive to work with bundler and paymaster RPC endpoints.
// Every method is stateless; a Client can be shared between goroutines.
package bundler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/ethereum/go-ethereum/rpc"

	"github.com/AvaProtocol/ap-gasless/pkg/erc4337/aaerrors"
)

const defaultRequestTimeout = 30 * time.Second

// Client is a JSON-RPC client whose errors are normalized into the
// aaerrors taxonomy.
type Client struct {
	name    string
	url     string
	client  *rpc.Client
	timeout time.Duration
}

type ClientOption func(*clientOptions)

type clientOptions struct {
	headers    map[string]string
	timeout    time.Duration
	httpClient *http.Client
}

func WithHeader(key, value string) ClientOption {
	return func(o *clientOptions) {
		o.headers[key] = value
	}
}

func WithTimeout(d time.Duration) ClientOption {
	return func(o *clientOptions) {
		o.timeout = d
	}
}

func WithHTTPClient(c *http.Client) ClientOption {
	return func(o *clientOptions) {
		o.httpClient = c
	}
}

// NewClient dials url. name only labels errors and logs.
func NewClient(ctx context.Context, name, url string, opts ...ClientOption) (*Client, error) {
	o := &clientOptions{headers: map[string]string{}, timeout: defaultRequestTimeout}
	for _, opt := range opts {
		opt(o)
	}

	rpcOpts := []rpc.ClientOption{}
	for k, v := range o.headers {
		rpcOpts = append(rpcOpts, rpc.WithHeader(k, v))
	}
	if o.httpClient != nil {
		rpcOpts = append(rpcOpts, rpc.WithHTTPClient(o.httpClient))
	}

	c, err := rpc.DialOptions(ctx, url, rpcOpts...)
	if err != nil {
		return nil, fmt.Errorf("error creating %s client: %w", name, err)
	}
	return &Client{name: name, url: url, client: c, timeout: o.timeout}, nil
}

func (c *Client) Name() string { return c.name }

func (c *Client) Close() {
	c.client.Close()
}

// Call performs one JSON-RPC request. result may be nil-able; a JSON null
// result leaves it untouched.
func (c *Client) Call(ctx context.Context, result any, method string, args ...any) error {
	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	err := c.client.CallContext(ctx, result, method, args...)
	if err == nil {
		return nil
	}
	return c.normalize(method, err)
}

type rpcErrorBody struct {
	Error *struct {
		Code    int             `json:"code"`
		Message string          `json:"message"`
		Data    json.RawMessage `json:"data"`
	} `json:"error"`
}

func (c *Client) normalize(method string, err error) error {
	var httpErr rpc.HTTPError
	if errors.As(err, &httpErr) {
		// some providers answer 4xx with a regular JSON-RPC error body
		var body rpcErrorBody
		if json.Unmarshal(httpErr.Body, &body) == nil && body.Error != nil {
			return &aaerrors.ProtocolError{
				Provider: c.name,
				Method:   method,
				Code:     body.Error.Code,
				Message:  body.Error.Message,
				Data:     rawData(body.Error.Data),
			}
		}
		return &aaerrors.TransportError{Provider: c.name, Method: method, StatusCode: httpErr.StatusCode, Err: err}
	}

	var rpcErr rpc.Error
	if errors.As(err, &rpcErr) {
		pe := &aaerrors.ProtocolError{
			Provider: c.name,
			Method:   method,
			Code:     rpcErr.ErrorCode(),
			Message:  rpcErr.Error(),
		}
		var dataErr rpc.DataError
		if errors.As(err, &dataErr) {
			pe.Data = dataErr.ErrorData()
		}
		return pe
	}

	var syntaxErr *json.SyntaxError
	var typeErr *json.UnmarshalTypeError
	if errors.As(err, &syntaxErr) || errors.As(err, &typeErr) {
		return &aaerrors.TransportError{Provider: c.name, Method: method, Malformed: true, Err: err}
	}

	return &aaerrors.TransportError{Provider: c.name, Method: method, Err: err}
}

func rawData(raw json.RawMessage) any {
	if len(raw) == 0 {
		return nil
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return string(raw)
	}
	return v
}
