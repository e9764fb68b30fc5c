package smgr

import (
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/pkg/errors"

	"tvam/htup"
)

var ErrBlockTooLarge = errors.New("page larger than block size")

// Relation is an open handle on a relation's fork files.
type Relation struct {
	mgr         *Manager
	rnode       RelFileNode
	persistence Persistence

	mu    sync.Mutex
	files map[ForkNumber]*os.File
}

func (r *Relation) RelFileNode() RelFileNode {
	return r.rnode
}

func (r *Relation) Persistence() Persistence {
	return r.persistence
}

// Path is the file name of fork.
func (r *Relation) Path(fork ForkNumber) string {
	return r.mgr.path(r.rnode, r.persistence, fork)
}

// Create creates the fork file; an existing file is reused.
func (r *Relation) Create(fork ForkNumber) error {
	_, err := r.file(fork, true)
	return err
}

func (r *Relation) Exists(fork ForkNumber) bool {
	_, err := os.Stat(r.Path(fork))
	return err == nil
}

func (r *Relation) file(fork ForkNumber, create bool) (*os.File, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if f, ok := r.files[fork]; ok {
		return f, nil
	}
	path := r.Path(fork)
	flags := os.O_RDWR
	if create {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, errors.Wrapf(err, "create directory for %s", r.rnode)
		}
		flags |= os.O_CREATE
	}
	f, err := os.OpenFile(path, flags, 0o600)
	if err != nil {
		return nil, errors.Wrapf(err, "open %s fork of %s", fork, r.rnode)
	}
	r.files[fork] = f
	return f, nil
}

// Write stores page at block blk, zero padding it to BlockSize.
func (r *Relation) Write(fork ForkNumber, blk htup.BlockNumber, page []byte) error {
	if len(page) > BlockSize {
		return errors.Wrapf(ErrBlockTooLarge, "%d bytes", len(page))
	}
	f, err := r.file(fork, false)
	if err != nil {
		return err
	}
	buf := make([]byte, BlockSize)
	copy(buf, page)
	if _, err = f.WriteAt(buf, int64(blk)*BlockSize); err != nil {
		return errors.Wrapf(err, "write block %d of %s", blk, r.rnode)
	}
	return nil
}

func (r *Relation) Read(fork ForkNumber, blk htup.BlockNumber) ([]byte, error) {
	f, err := r.file(fork, false)
	if err != nil {
		return nil, err
	}
	buf := make([]byte, BlockSize)
	if _, err = f.ReadAt(buf, int64(blk)*BlockSize); err != nil {
		if err == io.EOF {
			return nil, errors.Errorf("block %d of %s is beyond end of file", blk, r.rnode)
		}
		return nil, errors.Wrapf(err, "read block %d of %s", blk, r.rnode)
	}
	return buf, nil
}

// NBlocks is the number of blocks in fork.
func (r *Relation) NBlocks(fork ForkNumber) (htup.BlockNumber, error) {
	info, err := os.Stat(r.Path(fork))
	if err != nil {
		return 0, errors.Wrapf(err, "stat %s fork of %s", fork, r.rnode)
	}
	return htup.BlockNumber((info.Size() + BlockSize - 1) / BlockSize), nil
}

// Truncate cuts fork down to nblocks. Permanent relations log it first.
func (r *Relation) Truncate(fork ForkNumber, nblocks htup.BlockNumber) error {
	f, err := r.file(fork, false)
	if err != nil {
		return err
	}
	if r.persistence == Permanent {
		if err = r.mgr.LogTruncate(r.rnode, fork, nblocks); err != nil {
			return err
		}
	}
	return errors.Wrapf(f.Truncate(int64(nblocks)*BlockSize), "truncate %s", r.rnode)
}

// ImmedSync forces fork to disk without going through any buffer.
func (r *Relation) ImmedSync(fork ForkNumber) error {
	f, err := r.file(fork, false)
	if err != nil {
		return err
	}
	return errors.Wrapf(f.Sync(), "sync %s fork of %s", fork, r.rnode)
}

// Unlink closes and removes every fork file.
func (r *Relation) Unlink() error {
	r.Close()
	for fork := range forkSuffix {
		if err := os.Remove(r.Path(fork)); err != nil && !os.IsNotExist(err) {
			return err
		}
	}
	return nil
}

// Close releases the open files; the handle can be reused afterwards.
func (r *Relation) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	var first error
	for fork, f := range r.files {
		if err := f.Close(); err != nil && first == nil {
			first = err
		}
		delete(r.files, fork)
	}
	return first
}
