package invoke

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"xdao.co/capres/envelope"
	"xdao.co/capres/keys"
)

// Retry policy defaults: transient transport failures retry with exponential
// backoff up to a fixed attempt ceiling.
const (
	DefaultInitialBackoff = 100 * time.Millisecond
	DefaultBackoffFactor  = 2.0
	DefaultMaxAttempts    = 5
	DefaultMaxInFlight    = 32
)

// ClientOptions configure a Client.
type ClientOptions struct {
	// CallerVersion is the semantic version the caller reports in requests.
	CallerVersion string

	// MaxInFlight bounds concurrent requests per endpoint. Zero means
	// DefaultMaxInFlight.
	MaxInFlight int

	// MaxAttempts caps retries of transient failures. Zero means
	// DefaultMaxAttempts.
	MaxAttempts int

	// Dialer overrides the network dialer, for in-memory transports in tests.
	Dialer func(ctx context.Context, endpoint string) (net.Conn, error)

	Log zerolog.Logger
}

// Target names one resolved invocation target.
type Target struct {
	Endpoint    string
	Capability  string
	ProviderKey string // expected response signer key; empty skips pinning
	Token       string // compact capability token
}

// Client issues signed capability invocations. Its endpoint-connection map is
// its only shared mutable state; connections are created at most once per
// endpoint, and racing creators converge on one connection. Safe for
// concurrent use.
type Client struct {
	kp   *keys.Keypair
	opts ClientOptions

	mu    sync.Mutex
	conns map[string]*endpointConn
}

type endpointConn struct {
	cc       *grpc.ClientConn
	client   InvokerClient
	inFlight chan struct{}
}

// NewClient builds a client signing with kp.
func NewClient(kp *keys.Keypair, opts ClientOptions) (*Client, error) {
	if kp == nil {
		return nil, errors.New("invoke: caller keypair is required")
	}
	if opts.CallerVersion == "" {
		return nil, errors.New("invoke: caller version is required")
	}
	if opts.MaxInFlight <= 0 {
		opts.MaxInFlight = DefaultMaxInFlight
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = DefaultMaxAttempts
	}
	return &Client{kp: kp, opts: opts, conns: make(map[string]*endpointConn)}, nil
}

// Close tears down all cached connections.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	var firstErr error
	for endpoint, ec := range c.conns {
		if err := ec.cc.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		delete(c.conns, endpoint)
	}
	return firstErr
}

// conn returns the connection for endpoint, dialing it on first use.
func (c *Client) conn(endpoint string) (*endpointConn, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if ec, ok := c.conns[endpoint]; ok {
		return ec, nil
	}
	dialOpts := []grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	}
	if c.opts.Dialer != nil {
		dialOpts = append(dialOpts, grpc.WithContextDialer(c.opts.Dialer))
	}
	cc, err := grpc.DialContext(context.Background(), endpoint, dialOpts...)
	if err != nil {
		return nil, fmt.Errorf("invoke: dial %s: %w", endpoint, err)
	}
	ec := &endpointConn{
		cc:       cc,
		client:   NewInvokerClient(cc),
		inFlight: make(chan struct{}, c.opts.MaxInFlight),
	}
	c.conns[endpoint] = ec
	return ec, nil
}

func (ec *endpointConn) acquire(ctx context.Context) error {
	select {
	case ec.inFlight <- struct{}{}:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("%w: %v", ErrTooManyInFlight, ctx.Err())
	}
}

func (ec *endpointConn) release() { <-ec.inFlight }

// buildRequest assembles and signs a request envelope.
func (c *Client) buildRequest(target Target, args map[string]envelope.TypedValue, traceID string) (*envelope.CommandRequest, error) {
	if traceID == "" {
		traceID = uuid.NewString()
	}
	req := &envelope.CommandRequest{
		RequestID:       uuid.NewString(),
		CapabilityName:  target.Capability,
		CallerVersion:   c.opts.CallerVersion,
		CallerIdentity:  c.kp.SignerKey(),
		TimestampUnix:   time.Now().Unix(),
		TraceID:         traceID,
		CapabilityToken: target.Token,
		Arguments:       args,
	}
	if err := envelope.SignRequest(req, c.kp); err != nil {
		return nil, err
	}
	return req, nil
}

func (c *Client) retryPolicy(ctx context.Context) backoff.BackOff {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = DefaultInitialBackoff
	bo.Multiplier = DefaultBackoffFactor
	bo.RandomizationFactor = 0
	return backoff.WithContext(backoff.WithMaxRetries(bo, uint64(c.opts.MaxAttempts-1)), ctx)
}

// Invoke sends one signed unary invocation and verifies the signed response.
// Transient transport failures retry with backoff; a missing or invalid
// response signature is fatal and never retried. Cancelling ctx halts further
// retries immediately.
func (c *Client) Invoke(ctx context.Context, target Target, args map[string]envelope.TypedValue) (*envelope.CommandResponse, error) {
	req, err := c.buildRequest(target, args, traceFromContext(ctx))
	if err != nil {
		return nil, err
	}
	payload, err := envelope.EncodeRequest(req)
	if err != nil {
		return nil, err
	}
	ec, err := c.conn(target.Endpoint)
	if err != nil {
		return nil, err
	}

	var resp *envelope.CommandResponse
	attempt := 0
	op := func() error {
		attempt++
		if err := ec.acquire(ctx); err != nil {
			return backoff.Permanent(err)
		}
		defer ec.release()

		out, rpcErr := ec.client.Invoke(ctx, wrapperspb.Bytes(payload))
		if rpcErr != nil {
			if transient(rpcErr) {
				c.opts.Log.Warn().
					Str("endpoint", target.Endpoint).
					Str("requestId", req.RequestID).
					Int("attempt", attempt).
					Err(rpcErr).
					Msg("transient invocation failure")
				return rpcErr
			}
			return backoff.Permanent(mapRPC(rpcErr))
		}
		decoded, derr := envelope.DecodeResponse(out.GetValue())
		if derr != nil {
			return backoff.Permanent(derr)
		}
		if verr := c.verifyResponse(req, decoded, target.ProviderKey); verr != nil {
			return backoff.Permanent(verr)
		}
		resp = decoded
		return nil
	}
	if err := backoff.Retry(op, c.retryPolicy(ctx)); err != nil {
		return nil, err
	}
	return resp, nil
}

// InvokeStream sends one signed streaming invocation. Each partial response
// is signature-verified and handed to fn in sequence order; the final
// response is returned. Streams are never retried mid-flight.
func (c *Client) InvokeStream(ctx context.Context, target Target, args map[string]envelope.TypedValue, fn func(*envelope.CommandResponse) error) (*envelope.CommandResponse, error) {
	req, err := c.buildRequest(target, args, traceFromContext(ctx))
	if err != nil {
		return nil, err
	}
	payload, err := envelope.EncodeRequest(req)
	if err != nil {
		return nil, err
	}
	ec, err := c.conn(target.Endpoint)
	if err != nil {
		return nil, err
	}
	if err := ec.acquire(ctx); err != nil {
		return nil, err
	}
	defer ec.release()

	stream, err := ec.client.InvokeStream(ctx, wrapperspb.Bytes(payload))
	if err != nil {
		return nil, mapRPC(err)
	}

	wantSeq := 0
	for {
		out, rerr := stream.Recv()
		if rerr != nil {
			return nil, mapRPC(rerr)
		}
		resp, derr := envelope.DecodeResponse(out.GetValue())
		if derr != nil {
			return nil, derr
		}
		if verr := c.verifyResponse(req, resp, target.ProviderKey); verr != nil {
			return nil, verr
		}
		if resp.Seq != wantSeq {
			return nil, fmt.Errorf("%w: seq %d, want %d", ErrResponseMismatch, resp.Seq, wantSeq)
		}
		wantSeq++
		if resp.Final {
			return resp, nil
		}
		if fn != nil {
			if ferr := fn(resp); ferr != nil {
				return nil, ferr
			}
		}
	}
}

func (c *Client) verifyResponse(req *envelope.CommandRequest, resp *envelope.CommandResponse, providerKey string) error {
	if err := envelope.VerifyResponse(resp, providerKey); err != nil {
		return err
	}
	if resp.RequestID != req.RequestID {
		return fmt.Errorf("%w: request id %q, want %q", ErrResponseMismatch, resp.RequestID, req.RequestID)
	}
	return nil
}

type traceKey struct{}

// WithTraceID attaches a trace id that outgoing requests will carry.
func WithTraceID(ctx context.Context, traceID string) context.Context {
	return context.WithValue(ctx, traceKey{}, traceID)
}

func traceFromContext(ctx context.Context) string {
	if v, ok := ctx.Value(traceKey{}).(string); ok {
		return v
	}
	return ""
}
