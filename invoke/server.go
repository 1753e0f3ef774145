package invoke

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"xdao.co/capres/audit"
	"xdao.co/capres/envelope"
	"xdao.co/capres/keys"
	"xdao.co/capres/token"
	"xdao.co/capres/typesig"
)

// Handler executes one capability invocation over validated arguments.
type Handler func(ctx context.Context, args map[string]envelope.TypedValue) (envelope.TypedValue, error)

// StreamHandler executes a streaming invocation, emitting partial results.
// Returning nil yields a Success final response; an error yields the mapped
// failure status.
type StreamHandler func(ctx context.Context, args map[string]envelope.TypedValue, emit func(envelope.TypedValue) error) error

// Capability binds a name to its declared signature and handler.
type Capability struct {
	Name      string
	Signature typesig.Signature
	Handler   Handler
	Stream    StreamHandler
}

// Server verifies, executes, audits, and answers capability invocations.
//
// Every request runs the same ordered pipeline: request signature and
// freshness, capability token, argument types, execution, response signature,
// audit append. Verification failures produce signed rejection responses, so
// the caller always holds provider-signed evidence of the outcome.
type Server struct {
	UnimplementedInvokerServer

	Keypair  *keys.Keypair
	Verifier *token.Verifier
	Types    *typesig.Registry
	Audit    audit.Log
	Now      func() time.Time
	Log      zerolog.Logger

	mu           sync.RWMutex
	capabilities map[string]Capability
}

// Register makes a capability invokable.
func (s *Server) Register(c Capability) error {
	if c.Name == "" {
		return errors.New("invoke: capability name is required")
	}
	if c.Handler == nil && c.Stream == nil {
		return fmt.Errorf("invoke: capability %q has no handler", c.Name)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.capabilities == nil {
		s.capabilities = make(map[string]Capability)
	}
	s.capabilities[c.Name] = c
	return nil
}

func (s *Server) lookup(name string) (Capability, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.capabilities[name]
	return c, ok
}

func (s *Server) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}

// Invoke handles a unary invocation.
func (s *Server) Invoke(ctx context.Context, in *wrapperspb.BytesValue) (*wrapperspb.BytesValue, error) {
	req, err := envelope.DecodeRequest(in.GetValue())
	if err != nil {
		return nil, status.Error(codes.InvalidArgument, "malformed request envelope")
	}
	started := s.now()

	var cap Capability
	st := s.admit(req)
	if st == "" {
		var ok bool
		cap, ok = s.lookup(req.CapabilityName)
		if !ok {
			return nil, status.Errorf(codes.NotFound, "no capability %q registered", req.CapabilityName)
		}
		st = s.validate(cap, req)
	}

	var result envelope.TypedValue
	if st == "" {
		st, result = s.execute(ctx, cap, req)
	}

	resp, err := s.finish(req, st, result, 0, true, started)
	if err != nil {
		return nil, status.Error(codes.Internal, "response signing failed")
	}
	b, err := envelope.EncodeResponse(resp)
	if err != nil {
		return nil, status.Error(codes.Internal, "response encoding failed")
	}
	return wrapperspb.Bytes(b), nil
}

// InvokeStream handles a streaming invocation: the same up-front
// verification, then a sequence of signed partial responses terminated by a
// final status-bearing response.
func (s *Server) InvokeStream(in *wrapperspb.BytesValue, stream Invoker_InvokeStreamServer) error {
	req, err := envelope.DecodeRequest(in.GetValue())
	if err != nil {
		return status.Error(codes.InvalidArgument, "malformed request envelope")
	}
	started := s.now()
	ctx := stream.Context()

	var cap Capability
	st := s.admit(req)
	if st == "" {
		var ok bool
		cap, ok = s.lookup(req.CapabilityName)
		if !ok {
			return status.Errorf(codes.NotFound, "no capability %q registered", req.CapabilityName)
		}
		if cap.Stream == nil {
			return status.Errorf(codes.Unimplemented, "capability %q does not stream", req.CapabilityName)
		}
		st = s.validate(cap, req)
	}

	seq := 0
	if st == "" {
		emit := func(partial envelope.TypedValue) error {
			resp := &envelope.CommandResponse{
				RequestID:     req.RequestID,
				Status:        envelope.StatusSuccess,
				TimestampUnix: s.now().Unix(),
				Seq:           seq,
				Result:        partial,
			}
			if serr := envelope.SignResponse(resp, s.Keypair); serr != nil {
				return serr
			}
			b, eerr := envelope.EncodeResponse(resp)
			if eerr != nil {
				return eerr
			}
			if serr := stream.Send(wrapperspb.Bytes(b)); serr != nil {
				return serr
			}
			seq++
			return nil
		}
		st = s.runStream(ctx, cap, req, emit)
	}

	final, err := s.finish(req, st, envelope.TypedValue{}, seq, true, started)
	if err != nil {
		return status.Error(codes.Internal, "response signing failed")
	}
	b, err := envelope.EncodeResponse(final)
	if err != nil {
		return status.Error(codes.Internal, "response encoding failed")
	}
	return stream.Send(wrapperspb.Bytes(b))
}

// admit runs the pre-dispatch security checks: envelope signature, freshness
// window, capability token. An empty status means admitted.
func (s *Server) admit(req *envelope.CommandRequest) envelope.Status {
	if err := envelope.VerifyRequest(req); err != nil {
		s.Log.Warn().Str("requestId", req.RequestID).Err(err).Msg("request signature rejected")
		return envelope.StatusUnauthorized
	}
	if err := envelope.CheckFreshness(req.TimestampUnix, s.now()); err != nil {
		s.Log.Warn().Str("requestId", req.RequestID).Err(err).Msg("request outside freshness window")
		return envelope.StatusUnauthorized
	}
	if _, err := s.Verifier.Verify(req.CapabilityToken, req.CapabilityName); err != nil {
		s.Log.Warn().Str("requestId", req.RequestID).Err(err).Msg("capability token rejected")
		return envelope.StatusUnauthorized
	}
	return ""
}

// validate re-checks deserialized argument values against the declared
// signature. Static checks alone cannot be trusted across a network boundary.
func (s *Server) validate(cap Capability, req *envelope.CommandRequest) envelope.Status {
	if err := s.Types.ValidateArgs(cap.Signature, req.Arguments); err != nil {
		s.Log.Warn().Str("requestId", req.RequestID).Err(err).Msg("argument validation failed")
		return envelope.StatusInvalidArguments
	}
	return ""
}

func (s *Server) execute(ctx context.Context, cap Capability, req *envelope.CommandRequest) (envelope.Status, envelope.TypedValue) {
	result, err := cap.Handler(ctx, req.Arguments)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return envelope.StatusTimeout, envelope.TypedValue{}
		}
		s.Log.Error().Str("requestId", req.RequestID).Err(err).Msg("capability handler failed")
		return envelope.StatusInternalError, envelope.TypedValue{}
	}
	return envelope.StatusSuccess, result
}

func (s *Server) runStream(ctx context.Context, cap Capability, req *envelope.CommandRequest, emit func(envelope.TypedValue) error) envelope.Status {
	if err := cap.Stream(ctx, req.Arguments, emit); err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return envelope.StatusTimeout
		}
		s.Log.Error().Str("requestId", req.RequestID).Err(err).Msg("stream handler failed")
		return envelope.StatusInternalError
	}
	return envelope.StatusSuccess
}

// finish signs the terminal response and appends the audit entry. The append
// happens after the response is computed; it orders the record, not dispatch.
func (s *Server) finish(req *envelope.CommandRequest, st envelope.Status, result envelope.TypedValue, seq int, final bool, started time.Time) (*envelope.CommandResponse, error) {
	resp := &envelope.CommandResponse{
		RequestID:     req.RequestID,
		Status:        st,
		TimestampUnix: s.now().Unix(),
		Seq:           seq,
		Final:         final,
		Result:        result,
	}
	if err := envelope.SignResponse(resp, s.Keypair); err != nil {
		return nil, err
	}

	entry := audit.Entry{
		RequestID:         req.RequestID,
		TraceID:           req.TraceID,
		CallerIdentity:    req.CallerIdentity,
		CapabilityName:    req.CapabilityName,
		Outcome:           string(st),
		DurationMillis:    s.now().Sub(started).Milliseconds(),
		TimestampUnix:     resp.TimestampUnix,
		ResponseSignature: base64.StdEncoding.EncodeToString(resp.Signature.Value),
	}
	if req.Signature != nil {
		entry.RequestSignature = base64.StdEncoding.EncodeToString(req.Signature.Value)
	}
	if _, err := s.Audit.Append(entry); err != nil {
		s.Log.Error().Str("requestId", req.RequestID).Err(err).Msg("audit append failed")
	}
	return resp, nil
}
