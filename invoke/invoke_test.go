package invoke

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"errors"
	"net"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"xdao.co/capres/audit"
	"xdao.co/capres/envelope"
	"xdao.co/capres/keys"
	"xdao.co/capres/token"
	"xdao.co/capres/typesig"
)

func testKeypair(t *testing.T, seedByte byte) *keys.Keypair {
	t.Helper()
	kp, err := keys.Ed25519FromSeed(bytes.Repeat([]byte{seedByte}, 32))
	require.NoError(t, err)
	return kp
}

type fixture struct {
	server   *Server
	client   *Client
	audit    *audit.MemoryLog
	token    string
	provider *keys.Keypair
}

func newFixtureWith(t *testing.T, provider *keys.Keypair) *fixture {
	t.Helper()
	caller := testKeypair(t, 0x0C)
	issuerSeed := bytes.Repeat([]byte{0x1D}, ed25519.SeedSize)
	issuerPriv := ed25519.NewKeyFromSeed(issuerSeed)
	issuer := &token.Issuer{Key: issuerPriv}

	compact, _, err := issuer.Issue(token.IssueOptions{
		Subject:      caller.SignerKey(),
		Capabilities: []string{"convert", "count"},
		TTL:          time.Hour,
	})
	require.NoError(t, err)

	reg := typesig.NewRegistry()
	auditLog := audit.NewMemoryLog(zerolog.Nop())
	srv := &Server{
		Keypair:  provider,
		Verifier: &token.Verifier{Key: issuerPriv.Public().(ed25519.PublicKey)},
		Types:    reg,
		Audit:    auditLog,
		Log:      zerolog.Nop(),
	}

	convertSig, err := typesig.ParseSignature("(input:bytes, format:string) -> bytes")
	require.NoError(t, err)
	require.NoError(t, srv.Register(Capability{
		Name:      "convert",
		Signature: convertSig,
		Handler: func(ctx context.Context, args map[string]envelope.TypedValue) (envelope.TypedValue, error) {
			return envelope.Bytes(append([]byte("converted:"), args["input"].Bytes...)), nil
		},
	}))

	countSig, err := typesig.ParseSignature("(upTo:int) -> int")
	require.NoError(t, err)
	require.NoError(t, srv.Register(Capability{
		Name:      "count",
		Signature: countSig,
		Stream: func(ctx context.Context, args map[string]envelope.TypedValue, emit func(envelope.TypedValue) error) error {
			for i := int64(1); i <= args["upTo"].Int; i++ {
				if err := emit(envelope.Int(i)); err != nil {
					return err
				}
			}
			return nil
		},
	}))

	lis := bufconn.Listen(1024 * 1024)
	gs := grpc.NewServer()
	RegisterInvokerServer(gs, srv)
	go func() { _ = gs.Serve(lis) }()
	t.Cleanup(gs.Stop)

	client, err := NewClient(caller, ClientOptions{
		CallerVersion: "1.0.0",
		Dialer: func(ctx context.Context, endpoint string) (net.Conn, error) {
			return lis.Dial()
		},
		Log: zerolog.Nop(),
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })

	return &fixture{server: srv, client: client, audit: auditLog, token: compact, provider: provider}
}

func (f *fixture) target(capability string) Target {
	return Target{
		Endpoint:    "bufnet",
		Capability:  capability,
		ProviderKey: f.provider.SignerKey(),
		Token:       f.token,
	}
}

func TestInvokeSuccess(t *testing.T) {
	f := newFixtureWith(t, testKeypair(t, 0x51))
	resp, err := f.client.Invoke(context.Background(), f.target("convert"), map[string]envelope.TypedValue{
		"input":  envelope.Bytes([]byte("data")),
		"format": envelope.String("jpeg"),
	})
	require.NoError(t, err)
	require.Equal(t, envelope.StatusSuccess, resp.Status)
	require.Equal(t, []byte("converted:data"), resp.Result.Bytes)

	entries, err := f.audit.Entries()
	require.NoError(t, err)
	require.Len(t, entries, 1)
	require.Equal(t, "Success", entries[0].Outcome)
	require.Equal(t, "convert", entries[0].CapabilityName)
	require.NotEmpty(t, entries[0].RequestSignature)
	require.NotEmpty(t, entries[0].ResponseSignature)
	require.NoError(t, f.audit.Verify())
}

func TestInvokeRejectsBadArguments(t *testing.T) {
	f := newFixtureWith(t, testKeypair(t, 0x51))
	resp, err := f.client.Invoke(context.Background(), f.target("convert"), map[string]envelope.TypedValue{
		"input":  envelope.String("not bytes"),
		"format": envelope.String("jpeg"),
	})
	require.NoError(t, err)
	require.Equal(t, envelope.StatusInvalidArguments, resp.Status)

	entries, _ := f.audit.Entries()
	require.Len(t, entries, 1)
	require.Equal(t, "InvalidArguments", entries[0].Outcome)
}

func TestInvokeRejectsBadToken(t *testing.T) {
	f := newFixtureWith(t, testKeypair(t, 0x51))
	target := f.target("convert")
	target.Token = "not-a-token"
	resp, err := f.client.Invoke(context.Background(), target, map[string]envelope.TypedValue{
		"input":  envelope.Bytes([]byte("x")),
		"format": envelope.String("png"),
	})
	require.NoError(t, err)
	require.Equal(t, envelope.StatusUnauthorized, resp.Status)
}

func TestInvokeUnknownCapability(t *testing.T) {
	f := newFixtureWith(t, testKeypair(t, 0x51))
	target := f.target("transcode")
	_, err := f.client.Invoke(context.Background(), target, nil)
	require.ErrorIs(t, err, ErrCommandNotFound)
}

func TestInvokeStream(t *testing.T) {
	f := newFixtureWith(t, testKeypair(t, 0x51))
	var got []int64
	final, err := f.client.InvokeStream(context.Background(), f.target("count"),
		map[string]envelope.TypedValue{"upTo": envelope.Int(3)},
		func(partial *envelope.CommandResponse) error {
			got = append(got, partial.Result.Int)
			return nil
		})
	require.NoError(t, err)
	require.Equal(t, []int64{1, 2, 3}, got)
	require.True(t, final.Final)
	require.Equal(t, envelope.StatusSuccess, final.Status)
	require.Equal(t, 3, final.Seq)
}

func TestServerFreshnessWindow(t *testing.T) {
	f := newFixtureWith(t, testKeypair(t, 0x51))
	caller := testKeypair(t, 0x0C)
	now := time.Now()
	f.server.Now = func() time.Time { return now }

	cases := []struct {
		name   string
		offset time.Duration
		want   envelope.Status
	}{
		{"too old", -301 * time.Second, envelope.StatusUnauthorized},
		{"too new", 61 * time.Second, envelope.StatusUnauthorized},
		{"within window", -100 * time.Second, envelope.StatusSuccess},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := &envelope.CommandRequest{
				RequestID:       "req-" + tc.name,
				CapabilityName:  "convert",
				CallerVersion:   "1.0.0",
				CallerIdentity:  caller.SignerKey(),
				TimestampUnix:   now.Add(tc.offset).Unix(),
				TraceID:         "trace",
				CapabilityToken: f.token,
				Arguments: map[string]envelope.TypedValue{
					"input":  envelope.Bytes([]byte("x")),
					"format": envelope.String("png"),
				},
			}
			require.NoError(t, envelope.SignRequest(req, caller))
			payload, err := envelope.EncodeRequest(req)
			require.NoError(t, err)

			out, err := f.server.Invoke(context.Background(), wrapperspb.Bytes(payload))
			require.NoError(t, err)
			resp, err := envelope.DecodeResponse(out.GetValue())
			require.NoError(t, err)
			require.Equal(t, tc.want, resp.Status)
		})
	}
}

func TestServerRejectsTamperedRequest(t *testing.T) {
	f := newFixtureWith(t, testKeypair(t, 0x51))
	caller := testKeypair(t, 0x0C)
	req := &envelope.CommandRequest{
		RequestID:       "req-1",
		CapabilityName:  "convert",
		CallerVersion:   "1.0.0",
		CallerIdentity:  caller.SignerKey(),
		TimestampUnix:   time.Now().Unix(),
		TraceID:         "trace",
		CapabilityToken: f.token,
		Arguments: map[string]envelope.TypedValue{
			"input":  envelope.Bytes([]byte("x")),
			"format": envelope.String("png"),
		},
	}
	require.NoError(t, envelope.SignRequest(req, caller))
	req.CapabilityName = "transcode" // mutate a signed field

	payload, err := envelope.EncodeRequest(req)
	require.NoError(t, err)
	out, err := f.server.Invoke(context.Background(), wrapperspb.Bytes(payload))
	require.NoError(t, err)
	resp, err := envelope.DecodeResponse(out.GetValue())
	require.NoError(t, err)
	require.Equal(t, envelope.StatusUnauthorized, resp.Status)
}

// flakyServer fails a fixed number of calls with a transient code, then
// delegates.
type flakyServer struct {
	UnimplementedInvokerServer
	inner    InvokerServer
	failures int32
	calls    int32
}

func (s *flakyServer) Invoke(ctx context.Context, in *wrapperspb.BytesValue) (*wrapperspb.BytesValue, error) {
	n := atomic.AddInt32(&s.calls, 1)
	if n <= atomic.LoadInt32(&s.failures) {
		return nil, status.Error(codes.Unavailable, "try again")
	}
	return s.inner.Invoke(ctx, in)
}

func dialClient(t *testing.T, srv InvokerServer) *Client {
	t.Helper()
	lis := bufconn.Listen(1024 * 1024)
	gs := grpc.NewServer()
	RegisterInvokerServer(gs, srv)
	go func() { _ = gs.Serve(lis) }()
	t.Cleanup(gs.Stop)

	client, err := NewClient(testKeypair(t, 0x0C), ClientOptions{
		CallerVersion: "1.0.0",
		Dialer: func(ctx context.Context, endpoint string) (net.Conn, error) {
			return lis.Dial()
		},
		Log: zerolog.Nop(),
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })
	return client
}

func TestTransientFailuresRetry(t *testing.T) {
	f := newFixtureWith(t, testKeypair(t, 0x51))
	flaky := &flakyServer{inner: f.server, failures: 2}
	client := dialClient(t, flaky)

	resp, err := client.Invoke(context.Background(), f.target("convert"), map[string]envelope.TypedValue{
		"input":  envelope.Bytes([]byte("x")),
		"format": envelope.String("png"),
	})
	require.NoError(t, err)
	require.Equal(t, envelope.StatusSuccess, resp.Status)
	require.Equal(t, int32(3), atomic.LoadInt32(&flaky.calls))
}

func TestRetriesStopAtAttemptCeiling(t *testing.T) {
	f := newFixtureWith(t, testKeypair(t, 0x51))
	flaky := &flakyServer{inner: f.server, failures: 100}
	client := dialClient(t, flaky)

	_, err := client.Invoke(context.Background(), f.target("convert"), map[string]envelope.TypedValue{
		"input":  envelope.Bytes([]byte("x")),
		"format": envelope.String("png"),
	})
	require.Error(t, err)
	require.Equal(t, int32(DefaultMaxAttempts), atomic.LoadInt32(&flaky.calls))
}

func TestCancelDuringBackoffHaltsRetries(t *testing.T) {
	f := newFixtureWith(t, testKeypair(t, 0x51))
	flaky := &flakyServer{inner: f.server, failures: 100}
	client := dialClient(t, flaky)

	// Cancel while the client is waiting out the first backoff interval:
	// the first attempt has happened, the second never does.
	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(30*time.Millisecond, cancel)

	_, err := client.Invoke(ctx, f.target("convert"), map[string]envelope.TypedValue{
		"input":  envelope.Bytes([]byte("x")),
		"format": envelope.String("png"),
	})
	require.Error(t, err)
	require.Equal(t, int32(1), atomic.LoadInt32(&flaky.calls))

	time.Sleep(3 * DefaultInitialBackoff)
	require.Equal(t, int32(1), atomic.LoadInt32(&flaky.calls))
}

// gatedServer parks every invocation until released.
type gatedServer struct {
	UnimplementedInvokerServer
	inner   InvokerServer
	started chan struct{}
	release chan struct{}
}

func (s *gatedServer) Invoke(ctx context.Context, in *wrapperspb.BytesValue) (*wrapperspb.BytesValue, error) {
	s.started <- struct{}{}
	<-s.release
	return s.inner.Invoke(ctx, in)
}

func TestInFlightBoundAppliesBackpressure(t *testing.T) {
	f := newFixtureWith(t, testKeypair(t, 0x51))
	gated := &gatedServer{
		inner:   f.server,
		started: make(chan struct{}, 1),
		release: make(chan struct{}),
	}

	lis := bufconn.Listen(1024 * 1024)
	gs := grpc.NewServer()
	RegisterInvokerServer(gs, gated)
	go func() { _ = gs.Serve(lis) }()
	t.Cleanup(gs.Stop)

	client, err := NewClient(testKeypair(t, 0x0C), ClientOptions{
		CallerVersion: "1.0.0",
		MaxInFlight:   1,
		Dialer: func(ctx context.Context, endpoint string) (net.Conn, error) {
			return lis.Dial()
		},
		Log: zerolog.Nop(),
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })

	args := map[string]envelope.TypedValue{
		"input":  envelope.Bytes([]byte("x")),
		"format": envelope.String("png"),
	}

	done := make(chan error, 1)
	go func() {
		resp, ierr := client.Invoke(context.Background(), f.target("convert"), args)
		if ierr == nil && resp.Status != envelope.StatusSuccess {
			ierr = errors.New("unexpected status " + string(resp.Status))
		}
		done <- ierr
	}()
	<-gated.started

	// The single in-flight slot is held; a second invocation cannot even
	// transmit and fails once its context expires.
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	_, err = client.Invoke(ctx, f.target("convert"), args)
	require.ErrorIs(t, err, ErrTooManyInFlight)

	close(gated.release)
	require.NoError(t, <-done)
}

// terminalServer always fails with a non-transient code.
type terminalServer struct {
	UnimplementedInvokerServer
	calls int32
}

func (s *terminalServer) Invoke(ctx context.Context, in *wrapperspb.BytesValue) (*wrapperspb.BytesValue, error) {
	atomic.AddInt32(&s.calls, 1)
	return nil, status.Error(codes.InvalidArgument, "bad envelope")
}

func TestTerminalFailuresDoNotRetry(t *testing.T) {
	f := newFixtureWith(t, testKeypair(t, 0x51))
	srv := &terminalServer{}
	client := dialClient(t, srv)

	_, err := client.Invoke(context.Background(), f.target("convert"), nil)
	require.Error(t, err)
	require.Equal(t, int32(1), atomic.LoadInt32(&srv.calls))
}

// tamperingServer signs a valid response, then flips the status afterwards.
type tamperingServer struct {
	UnimplementedInvokerServer
	kp    *keys.Keypair
	calls int32
}

func (s *tamperingServer) Invoke(ctx context.Context, in *wrapperspb.BytesValue) (*wrapperspb.BytesValue, error) {
	atomic.AddInt32(&s.calls, 1)
	req, err := envelope.DecodeRequest(in.GetValue())
	if err != nil {
		return nil, status.Error(codes.InvalidArgument, "bad envelope")
	}
	resp := &envelope.CommandResponse{
		RequestID:     req.RequestID,
		Status:        envelope.StatusUnauthorized,
		TimestampUnix: time.Now().Unix(),
		Final:         true,
	}
	if err := envelope.SignResponse(resp, s.kp); err != nil {
		return nil, status.Error(codes.Internal, "sign failed")
	}
	resp.Status = envelope.StatusSuccess
	b, _ := envelope.EncodeResponse(resp)
	return wrapperspb.Bytes(b), nil
}

func TestTamperedResponseIsFatal(t *testing.T) {
	provider := testKeypair(t, 0x51)
	f := newFixtureWith(t, provider)
	srv := &tamperingServer{kp: provider}
	client := dialClient(t, srv)

	_, err := client.Invoke(context.Background(), f.target("convert"), nil)
	require.Error(t, err)
	require.True(t, errors.Is(err, envelope.ErrSignatureInvalid))
	require.Equal(t, int32(1), atomic.LoadInt32(&srv.calls))
}

func TestConnectionCreatedOncePerEndpoint(t *testing.T) {
	f := newFixtureWith(t, testKeypair(t, 0x51))
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = f.client.Invoke(context.Background(), f.target("convert"), map[string]envelope.TypedValue{
				"input":  envelope.Bytes([]byte("x")),
				"format": envelope.String("png"),
			})
		}()
	}
	wg.Wait()

	f.client.mu.Lock()
	defer f.client.mu.Unlock()
	require.Len(t, f.client.conns, 1)
}
