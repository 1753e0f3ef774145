package envelope

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// MarshalJSON emits the tagged {"t":...,"v":...} form, identical to the
// canonical encoding for a single value.
func (v TypedValue) MarshalJSON() ([]byte, error) {
	var sb strings.Builder
	if err := writeValue(&sb, v); err != nil {
		return nil, err
	}
	return []byte(sb.String()), nil
}

func (v *TypedValue) UnmarshalJSON(data []byte) error {
	var tagged struct {
		T string          `json:"t"`
		V json.RawMessage `json:"v"`
	}
	if err := json.Unmarshal(data, &tagged); err != nil {
		return err
	}
	switch ValueKind(tagged.T) {
	case KindString:
		*v = TypedValue{Kind: KindString}
		return json.Unmarshal(tagged.V, &v.Str)
	case KindInt:
		var s string
		if err := json.Unmarshal(tagged.V, &s); err != nil {
			return err
		}
		i, err := strconv.ParseInt(s, 10, 64)
		if err != nil {
			return fmt.Errorf("envelope: invalid int value %q: %w", s, err)
		}
		*v = TypedValue{Kind: KindInt, Int: i}
		return nil
	case KindFloat:
		var s string
		if err := json.Unmarshal(tagged.V, &s); err != nil {
			return err
		}
		f, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return fmt.Errorf("envelope: invalid float value %q: %w", s, err)
		}
		*v = TypedValue{Kind: KindFloat, Float: f}
		return nil
	case KindBool:
		*v = TypedValue{Kind: KindBool}
		return json.Unmarshal(tagged.V, &v.Bool)
	case KindBytes:
		var s string
		if err := json.Unmarshal(tagged.V, &s); err != nil {
			return err
		}
		b, err := base64.StdEncoding.DecodeString(s)
		if err != nil {
			return fmt.Errorf("envelope: invalid bytes value: %w", err)
		}
		*v = TypedValue{Kind: KindBytes, Bytes: b}
		return nil
	case KindList:
		*v = TypedValue{Kind: KindList}
		return json.Unmarshal(tagged.V, &v.List)
	case KindMap:
		*v = TypedValue{Kind: KindMap}
		return json.Unmarshal(tagged.V, &v.Map)
	case "none":
		*v = TypedValue{}
		return nil
	default:
		return fmt.Errorf("envelope: unknown value kind %q", tagged.T)
	}
}

// EncodeRequest serializes a request (including signature and token) for
// transport.
func EncodeRequest(req *CommandRequest) ([]byte, error) {
	return json.Marshal(req)
}

// DecodeRequest deserializes a transported request. Verification happens
// separately against the re-encoded canonical scope.
func DecodeRequest(data []byte) (*CommandRequest, error) {
	var req CommandRequest
	if err := json.Unmarshal(data, &req); err != nil {
		return nil, fmt.Errorf("envelope: malformed request: %w", err)
	}
	return &req, nil
}

// EncodeResponse serializes a response for transport.
func EncodeResponse(resp *CommandResponse) ([]byte, error) {
	return json.Marshal(resp)
}

// DecodeResponse deserializes a transported response.
func DecodeResponse(data []byte) (*CommandResponse, error) {
	var resp CommandResponse
	if err := json.Unmarshal(data, &resp); err != nil {
		return nil, fmt.Errorf("envelope: malformed response: %w", err)
	}
	return &resp, nil
}
