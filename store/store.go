// Package store persists capability advertisements.
//
// Stores are append-only and keyed strictly by CID: an advertisement is never
// mutated in place, and a provider replaces one by publishing a successor that
// declares Supersedes. Snapshots surface only live heads, sorted by CID, so
// detection over the same snapshot is deterministic.
package store

import (
	"errors"
	"fmt"
	"sort"

	"xdao.co/capres/advert"
)

var (
	ErrNotFound   = errors.New("store: advertisement not found")
	ErrImmutable  = errors.New("store: immutable object violation")
	ErrInvalidCID = errors.New("store: invalid CID")
)

// Store is an append-only advertisement store.
//
// Contract:
// - Put MUST be idempotent and MUST reject non-canonical documents.
// - Stored advertisements MUST be immutable.
// - Get MUST return ErrNotFound when the CID is absent.
// - Listing methods and Snapshot return live heads only, sorted by CID.
type Store interface {
	Put(raw []byte) (string, error)
	Get(cid string) (*advert.Advertisement, error)
	Has(cid string) bool
	ListByURI(uri string) ([]*advert.Advertisement, error)
	ListByName(name string) ([]*advert.Advertisement, error)
	Snapshot() ([]*advert.Advertisement, error)
}

// ValidateSupersession enforces supersession semantics.
//
// B supersedes A when:
// - B declares Supersedes equal to CID(A)
// - B and A claim the same capability URI
// - B and A are distinct documents
func ValidateSupersession(newAd, oldAd *advert.Advertisement) error {
	if newAd.CID() == oldAd.CID() {
		return errors.New("supersession invalid: successor identical to predecessor")
	}
	if got, want := newAd.Supersedes(), oldAd.CID(); got != want {
		return fmt.Errorf("supersession invalid: Supersedes=%q does not match predecessor CID=%q", got, want)
	}
	if newAd.URI() != oldAd.URI() {
		return fmt.Errorf("supersession invalid: URI mismatch old=%q new=%q", oldAd.URI(), newAd.URI())
	}
	return nil
}

// liveHeads filters out superseded advertisements and returns the remainder
// sorted by CID.
func liveHeads(all []*advert.Advertisement) []*advert.Advertisement {
	superseded := make(map[string]bool)
	for _, a := range all {
		if s := a.Supersedes(); s != "" {
			superseded[s] = true
		}
	}
	var heads []*advert.Advertisement
	for _, a := range all {
		if !superseded[a.CID()] {
			heads = append(heads, a)
		}
	}
	sort.Slice(heads, func(i, j int) bool { return heads[i].CID() < heads[j].CID() })
	return heads
}

func filterURI(ads []*advert.Advertisement, uri string) []*advert.Advertisement {
	var out []*advert.Advertisement
	for _, a := range ads {
		if a.URI() == uri {
			out = append(out, a)
		}
	}
	return out
}

func filterName(ads []*advert.Advertisement, name string) []*advert.Advertisement {
	var out []*advert.Advertisement
	for _, a := range ads {
		if a.Name() == name {
			out = append(out, a)
		}
	}
	return out
}
