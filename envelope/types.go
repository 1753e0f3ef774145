// Package envelope defines the signed request/response envelopes of the
// invocation protocol and their canonical encoding.
//
// The canonical form of an envelope is deterministic JSON: object keys in
// lexicographic order, fixed scalar formatting, no insignificant whitespace,
// and the signature field excluded. The canonical bytes are the exact bytes
// signed and verified; Verify re-encodes the received envelope and checks the
// signature against that re-encoding, so a non-canonical transport encoding
// can never smuggle unsigned data.
package envelope

// ValueKind tags a TypedValue.
type ValueKind string

const (
	KindString ValueKind = "string"
	KindInt    ValueKind = "int"
	KindFloat  ValueKind = "float"
	KindBool   ValueKind = "bool"
	KindBytes  ValueKind = "bytes"
	KindList   ValueKind = "list"
	KindMap    ValueKind = "map"
)

// TypedValue is the tagged union carried in arguments and results.
type TypedValue struct {
	Kind  ValueKind
	Str   string
	Int   int64
	Float float64
	Bool  bool
	Bytes []byte
	List  []TypedValue
	Map   map[string]TypedValue
}

func String(s string) TypedValue      { return TypedValue{Kind: KindString, Str: s} }
func Int(i int64) TypedValue          { return TypedValue{Kind: KindInt, Int: i} }
func Float(f float64) TypedValue      { return TypedValue{Kind: KindFloat, Float: f} }
func Bool(b bool) TypedValue          { return TypedValue{Kind: KindBool, Bool: b} }
func Bytes(b []byte) TypedValue       { return TypedValue{Kind: KindBytes, Bytes: b} }
func List(vs ...TypedValue) TypedValue {
	return TypedValue{Kind: KindList, List: vs}
}
func Map(m map[string]TypedValue) TypedValue { return TypedValue{Kind: KindMap, Map: m} }

// Signature is a detached signature over canonical envelope bytes.
type Signature struct {
	Algorithm string `json:"algorithm"` // signature algorithm (ed25519, dilithium3)
	PublicKey string `json:"publicKey"` // base64 raw public key
	Value     []byte `json:"value"`     // raw signature bytes
}

// Status classifies a completed invocation.
type Status string

const (
	StatusSuccess          Status = "Success"
	StatusInvalidArguments Status = "InvalidArguments"
	StatusUnauthorized     Status = "Unauthorized"
	StatusInternalError    Status = "InternalError"
	StatusTimeout          Status = "Timeout"
)

// CommandRequest is the signed invocation request envelope.
//
// The signature covers requestId, capabilityName, callerVersion,
// callerIdentity, timestampUnix, traceId, and arguments. The capability token
// is independently signed by its issuer and is therefore excluded.
type CommandRequest struct {
	RequestID       string                `json:"requestId"`
	CapabilityName  string                `json:"capabilityName"`
	CallerVersion   string                `json:"callerVersion"`
	CallerIdentity  string                `json:"callerIdentity"` // signer-key string of the caller
	TimestampUnix   int64                 `json:"timestampUnix"`
	TraceID         string                `json:"traceId"`
	CapabilityToken string                `json:"capabilityToken,omitempty"` // compact token, verified separately
	Arguments       map[string]TypedValue `json:"arguments"`
	Signature       *Signature            `json:"signature,omitempty"`
}

// CommandResponse is the signed invocation response envelope. Streaming
// invocations emit a sequence of these with increasing Seq; the final
// element has Final set and carries the terminal Status.
type CommandResponse struct {
	RequestID     string     `json:"requestId"`
	Status        Status     `json:"status"`
	TimestampUnix int64      `json:"timestampUnix"`
	Seq           int        `json:"seq"`
	Final         bool       `json:"final"`
	Result        TypedValue `json:"result"`
	Signature     *Signature `json:"signature,omitempty"`
}
