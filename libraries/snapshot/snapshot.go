// Copyright 2026 Dolthub, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package snapshot keeps graphs on local disk so they load without a round
// trip to upstream.
//
// A snapshot is a directory holding a "uid" marker naming the graph, the
// file-backed region "blobs" and a lock file held for as long as the
// snapshot is open.
package snapshot

import (
	"bytes"
	"os"
	"path/filepath"

	"github.com/dolthub/fslock"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	goerrors "gopkg.in/src-d/go-errors.v1"

	"github.com/dolthub/blobgraph/store/blobs"
	"github.com/dolthub/blobgraph/store/graph"
	"github.com/dolthub/blobgraph/store/payload"
	"github.com/dolthub/blobgraph/store/region"
)

const (
	uidFile   = "uid"
	blobsFile = "blobs"
	lockFile  = "LOCK"
)

var (
	ErrLocked      = goerrors.NewKind("snapshot %s is in use by another process")
	ErrNotSnapshot = goerrors.NewKind("%s is not a graph snapshot: %s")
	ErrExists      = goerrors.NewKind("snapshot %s already holds graph %s")
)

// Dir is an open, locked snapshot directory.
type Dir struct {
	path string
	uid  uuid.UUID
	lck  *fslock.Lock
}

func lock(path string) (*fslock.Lock, error) {
	lck := fslock.New(filepath.Join(path, lockFile))
	if err := lck.TryLock(); err != nil {
		if err == fslock.ErrLocked {
			return nil, ErrLocked.New(path)
		}
		return nil, errors.Wrapf(err, "locking snapshot %s", path)
	}
	return lck, nil
}

// Create makes |path| a snapshot of graph |uid|. An existing snapshot of the
// same graph is opened instead; one of another graph is an error.
func Create(path string, uid uuid.UUID) (*Dir, error) {
	if err := os.MkdirAll(path, 0o755); err != nil {
		return nil, err
	}
	lck, err := lock(path)
	if err != nil {
		return nil, err
	}
	existing, err := readUID(path)
	switch {
	case err == nil && existing != uid:
		lck.Unlock()
		return nil, ErrExists.New(path, existing)
	case err != nil && !os.IsNotExist(errors.Cause(err)):
		lck.Unlock()
		return nil, err
	case err != nil:
		if err := os.WriteFile(filepath.Join(path, uidFile), []byte(uid.String()+"\n"), 0o644); err != nil {
			lck.Unlock()
			return nil, err
		}
	}
	return &Dir{path: path, uid: uid, lck: lck}, nil
}

// OpenDir opens the existing snapshot at |path|.
func OpenDir(path string) (*Dir, error) {
	uid, err := readUID(path)
	if err != nil {
		if os.IsNotExist(errors.Cause(err)) {
			return nil, ErrNotSnapshot.New(path, "no uid marker")
		}
		return nil, err
	}
	lck, err := lock(path)
	if err != nil {
		return nil, err
	}
	return &Dir{path: path, uid: uid, lck: lck}, nil
}

func readUID(path string) (uuid.UUID, error) {
	data, err := os.ReadFile(filepath.Join(path, uidFile))
	if err != nil {
		return uuid.Nil, errors.WithStack(err)
	}
	uid, err := uuid.ParseBytes(bytes.TrimSpace(data))
	if err != nil {
		return uuid.Nil, ErrNotSnapshot.New(path, "uid marker does not hold a uid")
	}
	return uid, nil
}

func (d *Dir) UID() uuid.UUID {
	return d.uid
}

func (d *Dir) Path() string {
	return d.path
}

// HasData reports whether the blobs file holds at least a graph header.
func (d *Dir) HasData() bool {
	fi, err := os.Stat(filepath.Join(d.path, blobsFile))
	return err == nil && fi.Size() >= blobs.HeaderSize
}

// Region maps the blobs file with room for |capacity| bytes.
func (d *Dir) Region(capacity int, opts ...region.Option) (*region.Region, error) {
	return region.OpenFile(filepath.Join(d.path, blobsFile), capacity, opts...)
}

// Close releases the lock. Regions mapped from |d| must be closed first.
func (d *Dir) Close() error {
	return d.lck.Unlock()
}

// Store keeps one snapshot directory per graph under a root directory.
type Store struct {
	root     string
	capacity int
}

func NewStore(root string, capacity int) (*Store, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, err
	}
	return &Store{root: root, capacity: capacity}, nil
}

func (s *Store) Path(uid uuid.UUID) string {
	return filepath.Join(s.root, uid.String())
}

// List returns the uids of every snapshot under the root.
func (s *Store) List() ([]uuid.UUID, error) {
	ents, err := os.ReadDir(s.root)
	if err != nil {
		return nil, err
	}
	var ret []uuid.UUID
	for _, e := range ents {
		if !e.IsDir() {
			continue
		}
		uid, err := readUID(filepath.Join(s.root, e.Name()))
		if err != nil {
			continue
		}
		ret = append(ret, uid)
	}
	return ret, nil
}

// Graph is a graph living in a snapshot directory.
type Graph struct {
	*graph.GraphData
	Dir *Dir
}

// Close drops the graph's owner reference and unlocks the directory.
func (g *Graph) Close() error {
	err := g.GraphData.Release()
	if uerr := g.Dir.Close(); err == nil {
		err = uerr
	}
	return err
}

// Load opens the snapshot of |uid|. |ok| is false if there is none.
func (s *Store) Load(uid uuid.UUID, opts graph.Options, ropts ...region.Option) (g *Graph, ok bool, err error) {
	path := s.Path(uid)
	if _, err := os.Stat(filepath.Join(path, uidFile)); os.IsNotExist(err) {
		return nil, false, nil
	}
	dir, err := OpenDir(path)
	if err != nil {
		return nil, false, err
	}
	if dir.uid != uid {
		dir.Close()
		return nil, false, ErrNotSnapshot.New(path, "uid marker names graph "+dir.uid.String())
	}
	if !dir.HasData() {
		dir.Close()
		return nil, false, nil
	}
	r, err := dir.Region(s.capacity, ropts...)
	if err != nil {
		dir.Close()
		return nil, false, err
	}
	gd, err := graph.Open(r, opts)
	if err != nil {
		r.Close()
		dir.Close()
		return nil, false, err
	}
	if gd.UID() != uid {
		gd.Release()
		dir.Close()
		return nil, false, ErrNotSnapshot.New(path, "blobs belong to graph "+gd.UID().String())
	}
	return &Graph{GraphData: gd, Dir: dir}, true, nil
}

// Create formats a new snapshot for |uid|: a fresh graph, or with |replica|
// an empty copy to be filled from upstream.
func (s *Store) Create(uid uuid.UUID, replica bool, opts graph.Options, ropts ...region.Option) (*Graph, error) {
	dir, err := Create(s.Path(uid), uid)
	if err != nil {
		return nil, err
	}
	r, err := dir.Region(s.capacity, ropts...)
	if err != nil {
		dir.Close()
		return nil, err
	}
	var gd *graph.GraphData
	if replica {
		gd, err = graph.NewReplica(uid, r, opts)
	} else {
		gd, err = graph.New(uid, r, opts)
	}
	if err != nil {
		r.Close()
		dir.Close()
		return nil, err
	}
	if err := r.Flush(); err != nil {
		gd.Release()
		dir.Close()
		return nil, err
	}
	return &Graph{GraphData: gd, Dir: dir}, nil
}

// WriteUpdate stores |u| in the file at |path|.
func WriteUpdate(path string, u *payload.Update) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := u.Encode(f); err != nil {
		f.Close()
		return errors.Wrapf(err, "writing update to %s", path)
	}
	return f.Close()
}

// ReadUpdate loads an update written by WriteUpdate.
func ReadUpdate(path string) (*payload.Update, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	u, err := payload.Decode(f)
	if err != nil {
		return nil, errors.Wrapf(err, "reading update from %s", path)
	}
	return u, nil
}
