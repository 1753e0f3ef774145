package envelope

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// CanonicalRequestBytes renders the signed scope of a request: a JSON object
// with lexicographically sorted keys and fixed scalar formatting. Signature
// and capability token are excluded.
func CanonicalRequestBytes(req *CommandRequest) ([]byte, error) {
	var sb strings.Builder
	sb.WriteByte('{')
	writeKey(&sb, "arguments")
	if err := writeValueMap(&sb, req.Arguments); err != nil {
		return nil, err
	}
	sb.WriteByte(',')
	writeKey(&sb, "callerIdentity")
	writeString(&sb, req.CallerIdentity)
	sb.WriteByte(',')
	writeKey(&sb, "callerVersion")
	writeString(&sb, req.CallerVersion)
	sb.WriteByte(',')
	writeKey(&sb, "capabilityName")
	writeString(&sb, req.CapabilityName)
	sb.WriteByte(',')
	writeKey(&sb, "requestId")
	writeString(&sb, req.RequestID)
	sb.WriteByte(',')
	writeKey(&sb, "timestampUnix")
	sb.WriteString(strconv.FormatInt(req.TimestampUnix, 10))
	sb.WriteByte(',')
	writeKey(&sb, "traceId")
	writeString(&sb, req.TraceID)
	sb.WriteByte('}')
	return []byte(sb.String()), nil
}

// CanonicalResponseBytes renders the signed scope of a response. The
// signature field is excluded.
func CanonicalResponseBytes(resp *CommandResponse) ([]byte, error) {
	var sb strings.Builder
	sb.WriteByte('{')
	writeKey(&sb, "final")
	sb.WriteString(strconv.FormatBool(resp.Final))
	sb.WriteByte(',')
	writeKey(&sb, "requestId")
	writeString(&sb, resp.RequestID)
	sb.WriteByte(',')
	writeKey(&sb, "result")
	if err := writeValue(&sb, resp.Result); err != nil {
		return nil, err
	}
	sb.WriteByte(',')
	writeKey(&sb, "seq")
	sb.WriteString(strconv.Itoa(resp.Seq))
	sb.WriteByte(',')
	writeKey(&sb, "status")
	writeString(&sb, string(resp.Status))
	sb.WriteByte(',')
	writeKey(&sb, "timestampUnix")
	sb.WriteString(strconv.FormatInt(resp.TimestampUnix, 10))
	sb.WriteByte('}')
	return []byte(sb.String()), nil
}

func writeKey(sb *strings.Builder, key string) {
	writeString(sb, key)
	sb.WriteByte(':')
}

func writeString(sb *strings.Builder, s string) {
	// encoding/json escaping is deterministic for a given string.
	b, _ := json.Marshal(s)
	sb.Write(b)
}

func writeValue(sb *strings.Builder, v TypedValue) error {
	switch v.Kind {
	case KindString:
		sb.WriteString(`{"t":"string","v":`)
		writeString(sb, v.Str)
	case KindInt:
		// Decimal string so 64-bit values survive every JSON decoder.
		sb.WriteString(`{"t":"int","v":`)
		writeString(sb, strconv.FormatInt(v.Int, 10))
	case KindFloat:
		sb.WriteString(`{"t":"float","v":`)
		writeString(sb, strconv.FormatFloat(v.Float, 'g', -1, 64))
	case KindBool:
		sb.WriteString(`{"t":"bool","v":`)
		sb.WriteString(strconv.FormatBool(v.Bool))
	case KindBytes:
		sb.WriteString(`{"t":"bytes","v":`)
		writeString(sb, base64.StdEncoding.EncodeToString(v.Bytes))
	case KindList:
		sb.WriteString(`{"t":"list","v":[`)
		for i, e := range v.List {
			if i > 0 {
				sb.WriteByte(',')
			}
			if err := writeValue(sb, e); err != nil {
				return err
			}
		}
		sb.WriteByte(']')
	case KindMap:
		sb.WriteString(`{"t":"map","v":`)
		if err := writeValueMap(sb, v.Map); err != nil {
			return err
		}
	case "":
		// Zero value stands for "no result".
		sb.WriteString(`{"t":"none","v":null`)
	default:
		return fmt.Errorf("envelope: unknown value kind %q", v.Kind)
	}
	sb.WriteByte('}')
	return nil
}

func writeValueMap(sb *strings.Builder, m map[string]TypedValue) error {
	sb.WriteByte('{')
	names := make([]string, 0, len(m))
	for k := range m {
		names = append(names, k)
	}
	sort.Strings(names)
	for i, k := range names {
		if i > 0 {
			sb.WriteByte(',')
		}
		writeKey(sb, k)
		if err := writeValue(sb, m[k]); err != nil {
			return err
		}
	}
	sb.WriteByte('}')
	return nil
}
