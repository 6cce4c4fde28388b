package objectstore

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"

	"github.com/ipfs/go-cid"
)

// LocalFS stores each object as a read-only file named by its CID, sharded by
// the first two characters of the CID.
type LocalFS struct {
	root string
}

// NewLocalFS opens (and creates) a store rooted at root.
func NewLocalFS(root string) (*LocalFS, error) {
	if root == "" {
		return nil, errors.New("objectstore: root directory is required")
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, err
	}
	return &LocalFS{root: root}, nil
}

func (s *LocalFS) Put(ctx context.Context, data []byte) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	id, err := PointerFor(data)
	if err != nil {
		return "", err
	}

	path := s.pathFor(id)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", err
	}

	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o444)
	if err != nil {
		if !os.IsExist(err) {
			return "", err
		}
		existing, rerr := s.read(id)
		if rerr != nil || !bytes.Equal(existing, data) {
			return "", ErrImmutable
		}
		return id.String(), nil
	}

	if _, err := f.Write(data); err != nil {
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
	return id.String(), nil
}

func (s *LocalFS) Get(ctx context.Context, pointer string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	id, err := ParsePointer(pointer)
	if err != nil {
		return nil, err
	}
	return s.read(id)
}

// Has reports whether pointer is stored.
func (s *LocalFS) Has(pointer string) bool {
	id, err := ParsePointer(pointer)
	if err != nil {
		return false
	}
	_, err = os.Stat(s.pathFor(id))
	return err == nil
}

func (s *LocalFS) read(id cid.Cid) ([]byte, error) {
	b, err := os.ReadFile(s.pathFor(id))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	if err := check(id, b); err != nil {
		return nil, err
	}
	return b, nil
}

func (s *LocalFS) pathFor(id cid.Cid) string {
	name := id.String()
	if len(name) < 2 {
		return filepath.Join(s.root, name)
	}
	return filepath.Join(s.root, name[:2], name)
}
