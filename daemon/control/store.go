// store.go - Config snapshot persistence.
// Copyright (C) 2024  Nyx Authors.
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as
// published by the Free Software Foundation, either version 3 of the
// License, or (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <http://www.gnu.org/licenses/>.

package control

import (
	"encoding/binary"
	"errors"
	"time"

	"github.com/fxamacker/cbor/v2"
	bolt "go.etcd.io/bbolt"
)

var (
	versionsBucket = []byte("config_versions")

	// ErrNoSuchVersion is returned for rollbacks to unknown
	// versions.
	ErrNoSuchVersion = errors.New("control: no such config version")
)

// Snapshot is one persisted configuration version.
type Snapshot struct {
	Version   uint64    `cbor:"1,keyasint"`
	CreatedAt time.Time `cbor:"2,keyasint"`
	// Raw is the TOML config body.
	Raw []byte `cbor:"3,keyasint"`
}

// Store persists config snapshots in a bolt database.
type Store struct {
	db *bolt.DB
}

// OpenStore opens (creating if needed) the snapshot database.
func OpenStore(path string) (*Store, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, err
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, berr := tx.CreateBucketIfNotExists(versionsBucket)
		return berr
	})
	if err != nil {
		db.Close()
		return nil, err
	}
	return &Store{db: db}, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

func versionKey(v uint64) []byte {
	var k [8]byte
	binary.BigEndian.PutUint64(k[:], v)
	return k[:]
}

// CreateSnapshot persists raw as a new version and returns it.
func (s *Store) CreateSnapshot(raw []byte) (*Snapshot, error) {
	var snap *Snapshot
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(versionsBucket)
		seq, err := b.NextSequence()
		if err != nil {
			return err
		}
		snap = &Snapshot{
			Version:   seq,
			CreatedAt: time.Now().UTC(),
			Raw:       raw,
		}
		blob, err := cbor.Marshal(snap)
		if err != nil {
			return err
		}
		return b.Put(versionKey(seq), blob)
	})
	if err != nil {
		return nil, err
	}
	return snap, nil
}

// Snapshot loads one version.
func (s *Store) Snapshot(version uint64) (*Snapshot, error) {
	var snap *Snapshot
	err := s.db.View(func(tx *bolt.Tx) error {
		blob := tx.Bucket(versionsBucket).Get(versionKey(version))
		if blob == nil {
			return ErrNoSuchVersion
		}
		snap = new(Snapshot)
		return cbor.Unmarshal(blob, snap)
	})
	if err != nil {
		return nil, err
	}
	return snap, nil
}

// Versions lists all persisted versions in ascending order.
func (s *Store) Versions() ([]*Snapshot, error) {
	var out []*Snapshot
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(versionsBucket).ForEach(func(_, blob []byte) error {
			snap := new(Snapshot)
			if err := cbor.Unmarshal(blob, snap); err != nil {
				return err
			}
			out = append(out, snap)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}
