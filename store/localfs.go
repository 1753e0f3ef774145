package store

import (
	"bytes"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"xdao.co/capres/advert"
	"xdao.co/capres/identity"
)

// LocalFS is a local filesystem-backed advertisement store.
//
// Advertisements are stored immutably and keyed strictly by CID. This
// implementation is offline and deterministic: it never uses the network and
// never depends on wall-clock time.
type LocalFS struct {
	root string
}

// NewLocalFS constructs a store rooted at root. The directory will be created
// if needed.
func NewLocalFS(root string) (*LocalFS, error) {
	if root == "" {
		return nil, errors.New("store: root directory is required")
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, err
	}
	return &LocalFS{root: root}, nil
}

func (s *LocalFS) Put(raw []byte) (string, error) {
	a, err := advert.Parse(raw)
	if err != nil {
		return "", err
	}
	id := a.CID()
	if sup := a.Supersedes(); sup != "" {
		old, gerr := s.Get(sup)
		if gerr != nil {
			return "", fmt.Errorf("supersession invalid: predecessor %q: %w", sup, gerr)
		}
		if verr := ValidateSupersession(a, old); verr != nil {
			return "", verr
		}
	}

	path := s.pathFor(id)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", err
	}

	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o444)
	if err != nil {
		if os.IsExist(err) {
			existing, rerr := os.ReadFile(path)
			if rerr != nil || !bytes.Equal(existing, a.Raw()) {
				return "", ErrImmutable
			}
			return id, nil
		}
		return "", err
	}

	if _, err := f.Write(a.Raw()); err != nil {
		_ = f.Close()
		_ = os.Remove(path)
		return "", err
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		_ = os.Remove(path)
		return "", err
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(path)
		return "", err
	}
	return id, nil
}

func (s *LocalFS) Get(cid string) (*advert.Advertisement, error) {
	if cid == "" {
		return nil, ErrInvalidCID
	}
	b, err := os.ReadFile(s.pathFor(cid))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	if identity.CIDString(b) != cid {
		return nil, fmt.Errorf("store: stored bytes do not match CID %q: %w", cid, ErrImmutable)
	}
	return advert.Parse(b)
}

func (s *LocalFS) Has(cid string) bool {
	if cid == "" {
		return false
	}
	_, err := os.Stat(s.pathFor(cid))
	return err == nil
}

func (s *LocalFS) all() ([]*advert.Advertisement, error) {
	var out []*advert.Advertisement
	err := filepath.WalkDir(s.root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		b, rerr := os.ReadFile(path)
		if rerr != nil {
			return rerr
		}
		a, perr := advert.Parse(b)
		if perr != nil {
			return fmt.Errorf("store: %s: %w", path, perr)
		}
		if identity.CIDString(b) != filepath.Base(path) {
			return fmt.Errorf("store: %s: %w", path, ErrImmutable)
		}
		out = append(out, a)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *LocalFS) Snapshot() ([]*advert.Advertisement, error) {
	all, err := s.all()
	if err != nil {
		return nil, err
	}
	return liveHeads(all), nil
}

func (s *LocalFS) ListByURI(uri string) ([]*advert.Advertisement, error) {
	heads, err := s.Snapshot()
	if err != nil {
		return nil, err
	}
	return filterURI(heads, uri), nil
}

func (s *LocalFS) ListByName(name string) ([]*advert.Advertisement, error) {
	heads, err := s.Snapshot()
	if err != nil {
		return nil, err
	}
	return filterName(heads, name), nil
}

func (s *LocalFS) pathFor(cid string) string {
	if len(cid) < 2 {
		return filepath.Join(s.root, cid)
	}
	return filepath.Join(s.root, cid[:2], cid)
}
