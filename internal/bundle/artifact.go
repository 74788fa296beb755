package bundle

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path"

	"github.com/go-git/go-billy/v5"
	"github.com/go-git/go-billy/v5/memfs"
	"github.com/go-git/go-billy/v5/osfs"
	"github.com/google/uuid"
)

// Store is the blob area where finished bundles live. Artifacts are
// immutable once stored; Put publishes atomically from the reader's point of
// view. A missing artifact is reported as ErrArtifactMissing, never as a
// crash, because records can outlive externally pruned files.
type Store interface {
	Put(ctx context.Context, name string, r io.Reader) (int64, error)
	Open(ctx context.Context, name string) (io.ReadCloser, error)
	Remove(ctx context.Context, name string) error
}

var _ Store = (*FSStore)(nil)

// FSStore keeps artifacts on a filesystem. The billy abstraction lets tests
// run against an in-memory filesystem while production uses a directory
// root.
type FSStore struct {
	fsys billy.Filesystem // required
}

// NewFSStore returns a store rooted at the given directory.
func NewFSStore(root string) *FSStore {
	return &FSStore{fsys: osfs.New(root)}
}

// NewMemStore returns an in-memory store for tests.
func NewMemStore() *FSStore {
	return &FSStore{fsys: memfs.New()}
}

// Put writes the artifact under a temporary name and renames it into place,
// so readers never observe a partial file. A transient write error is
// retried once.
func (s *FSStore) Put(_ context.Context, name string, r io.Reader) (int64, error) {
	n, err := s.put(name, r)
	if err != nil {
		if seeker, ok := r.(io.Seeker); ok {
			if _, seekErr := seeker.Seek(0, io.SeekStart); seekErr == nil {
				n, err = s.put(name, r)
			}
		}
	}
	if err != nil {
		return 0, fmt.Errorf("bundle.FSStore: put %q: %w", name, err)
	}

	return n, nil
}

func (s *FSStore) put(name string, r io.Reader) (int64, error) {
	dir := path.Dir(name)
	if dir != "." {
		if err := s.fsys.MkdirAll(dir, 0o777); err != nil {
			return 0, err
		}
	}

	tempName := name + ".tmp-" + uuid.NewString()
	f, err := s.fsys.Create(tempName)
	if err != nil {
		return 0, err
	}

	n, err := io.Copy(f, r)
	if closeErr := f.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		_ = s.fsys.Remove(tempName)
		return 0, err
	}

	if err = s.fsys.Rename(tempName, name); err != nil {
		_ = s.fsys.Remove(tempName)
		return 0, err
	}

	return n, nil
}

func (s *FSStore) Open(_ context.Context, name string) (io.ReadCloser, error) {
	f, err := s.fsys.Open(name)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("bundle.FSStore: open %q: %w", name, ErrArtifactMissing)
		}
		return nil, fmt.Errorf("bundle.FSStore: open %q: %w", name, err)
	}

	return f, nil
}

func (s *FSStore) Remove(_ context.Context, name string) error {
	err := s.fsys.Remove(name)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("bundle.FSStore: remove %q: %w", name, ErrArtifactMissing)
		}
		return fmt.Errorf("bundle.FSStore: remove %q: %w", name, err)
	}

	return nil
}
