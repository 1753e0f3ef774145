// Package audit records completed invocations in an append-only, hash-chained
// log.
//
// Each entry is rendered to a canonical text form (sorted keys, one section)
// and content-addressed; the entry embeds the CID of its predecessor, so any
// mutation, insertion, or reordering is detectable by walking the chain.
// Appends are serialized, total-ordering recorded outcomes per provider.
package audit

import (
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"xdao.co/capres/identity"
)

// ChainRoot is the PrevCID of the first entry in a log.
const ChainRoot = "genesis"

var ErrChainBroken = errors.New("audit: hash chain broken")

// Entry describes one completed invocation. Index and PrevCID are assigned by
// the log at append time; all other fields come from the server.
type Entry struct {
	Index          uint64
	PrevCID        string
	RequestID      string
	TraceID        string
	CallerIdentity string
	CapabilityName string
	Outcome        string
	DurationMillis int64
	TimestampUnix  int64

	// Base64 request and response signatures, binding the recorded outcome to
	// the signed exchange.
	RequestSignature  string
	ResponseSignature string
}

// Render produces the canonical text form of an entry: an AUDIT header
// followed by sorted "Key: Value" lines, no trailing newline.
func Render(e Entry) []byte {
	pairs := map[string]string{
		"Caller-Identity":    e.CallerIdentity,
		"Capability-Name":    e.CapabilityName,
		"Duration-Millis":    strconv.FormatInt(e.DurationMillis, 10),
		"Index":              strconv.FormatUint(e.Index, 10),
		"Outcome":            e.Outcome,
		"Prev-CID":           e.PrevCID,
		"Request-ID":         e.RequestID,
		"Request-Signature":  e.RequestSignature,
		"Response-Signature": e.ResponseSignature,
		"Timestamp-Unix":     strconv.FormatInt(e.TimestampUnix, 10),
		"Trace-ID":           e.TraceID,
	}
	keys := make([]string, 0, len(pairs))
	for k := range pairs {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	b.WriteString("AUDIT")
	for _, k := range keys {
		b.WriteString("\n")
		b.WriteString(k)
		b.WriteString(": ")
		b.WriteString(pairs[k])
	}
	return []byte(b.String())
}

// CID returns the content identifier of the entry's canonical form.
func CID(e Entry) string {
	return identity.CIDString(Render(e))
}

// Parse reads the canonical text form back into an Entry.
func Parse(data []byte) (Entry, error) {
	lines := strings.Split(string(data), "\n")
	if len(lines) == 0 || lines[0] != "AUDIT" {
		return Entry{}, errors.New("audit: missing AUDIT header")
	}
	pairs := make(map[string]string, len(lines)-1)
	for _, line := range lines[1:] {
		k, v, ok := strings.Cut(line, ": ")
		if !ok {
			return Entry{}, fmt.Errorf("audit: malformed line %q", line)
		}
		pairs[k] = v
	}
	index, err := strconv.ParseUint(pairs["Index"], 10, 64)
	if err != nil {
		return Entry{}, fmt.Errorf("audit: bad Index: %w", err)
	}
	duration, err := strconv.ParseInt(pairs["Duration-Millis"], 10, 64)
	if err != nil {
		return Entry{}, fmt.Errorf("audit: bad Duration-Millis: %w", err)
	}
	ts, err := strconv.ParseInt(pairs["Timestamp-Unix"], 10, 64)
	if err != nil {
		return Entry{}, fmt.Errorf("audit: bad Timestamp-Unix: %w", err)
	}
	return Entry{
		Index:             index,
		PrevCID:           pairs["Prev-CID"],
		RequestID:         pairs["Request-ID"],
		TraceID:           pairs["Trace-ID"],
		CallerIdentity:    pairs["Caller-Identity"],
		CapabilityName:    pairs["Capability-Name"],
		Outcome:           pairs["Outcome"],
		DurationMillis:    duration,
		TimestampUnix:     ts,
		RequestSignature:  pairs["Request-Signature"],
		ResponseSignature: pairs["Response-Signature"],
	}, nil
}

// VerifyChain checks that entries form an unbroken chain from ChainRoot:
// indexes are sequential and each entry's PrevCID equals the CID of its
// predecessor's canonical form.
func VerifyChain(entries []Entry) error {
	prev := ChainRoot
	for i, e := range entries {
		if e.Index != uint64(i) {
			return fmt.Errorf("entry %d has index %d: %w", i, e.Index, ErrChainBroken)
		}
		if e.PrevCID != prev {
			return fmt.Errorf("entry %d prev-cid mismatch: %w", i, ErrChainBroken)
		}
		prev = CID(e)
	}
	return nil
}
