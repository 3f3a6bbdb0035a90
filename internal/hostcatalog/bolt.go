// Package hostcatalog stands in for the live catalog the restore
// planner checks for name collisions and commits restored VMs into: a
// narrow bolt-backed key/value store, keyed by VM name, so a real VM
// object model could implement the same HostCatalog interface in
// production.
package hostcatalog

import (
	"encoding/json"
	"path/filepath"
	"sort"
	"time"

	"github.com/boltdb/bolt"
)

// Entry is the subset of a VM's catalog record the restore planner
// needs to decide name collisions and template/netvm availability, and
// the target for a committed restore.
type Entry struct {
	Name     string `json:"name"`
	Label    string `json:"label"`
	Template string `json:"template,omitempty"`
	NetVM    string `json:"netvm,omitempty"`
	Kind     string `json:"kind"`
}

// HostCatalog is the narrow contract the restore planner (C7) needs
// from whatever is standing in for the live VM catalog on the target
// host: name lookup for collision/template/netvm checks, enumeration,
// and committing newly restored VMs.
type HostCatalog interface {
	Lookup(name string) (Entry, bool, error)
	List() ([]Entry, error)
	Put(e Entry) error
	Delete(name string) error
	Close() error
}

var bucketVMs = []byte("vms")

// BoltHostCatalog is the default HostCatalog, backed by a single bolt
// database file (the restore command's --host-catalog path).
type BoltHostCatalog struct {
	db *bolt.DB
}

// OpenBoltHostCatalog opens (creating if necessary) the bolt database at
// path and ensures its single bucket exists.
func OpenBoltHostCatalog(path string) (*BoltHostCatalog, error) {
	db, err := bolt.Open(filepath.Clean(path), 0600, &bolt.Options{Timeout: 2 * time.Second})
	if err != nil {
		return nil, err
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, e := tx.CreateBucketIfNotExists(bucketVMs)
		return e
	})
	if err != nil {
		db.Close()
		return nil, err
	}
	return &BoltHostCatalog{db: db}, nil
}

func (c *BoltHostCatalog) Close() error { return c.db.Close() }

// Lookup returns the entry named name, if present.
func (c *BoltHostCatalog) Lookup(name string) (Entry, bool, error) {
	var entry Entry
	var found bool
	err := c.db.View(func(tx *bolt.Tx) error {
		bk := tx.Bucket(bucketVMs)
		v := bk.Get([]byte(name))
		if v == nil {
			return nil
		}
		found = true
		return json.Unmarshal(v, &entry)
	})
	return entry, found, err
}

// List returns every entry, sorted by name for deterministic output.
func (c *BoltHostCatalog) List() ([]Entry, error) {
	var entries []Entry
	err := c.db.View(func(tx *bolt.Tx) error {
		bk := tx.Bucket(bucketVMs)
		return bk.ForEach(func(k, v []byte) error {
			var e Entry
			if err := json.Unmarshal(v, &e); err != nil {
				return err
			}
			entries = append(entries, e)
			return nil
		})
	})
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name < entries[j].Name })
	return entries, err
}

// Put inserts or overwrites e, keyed by e.Name.
func (c *BoltHostCatalog) Put(e Entry) error {
	data, err := json.Marshal(e)
	if err != nil {
		return err
	}
	return c.db.Update(func(tx *bolt.Tx) error {
		bk := tx.Bucket(bucketVMs)
		return bk.Put([]byte(e.Name), data)
	})
}

// Delete removes the entry named name, if present. Deleting an absent
// name is not an error.
func (c *BoltHostCatalog) Delete(name string) error {
	return c.db.Update(func(tx *bolt.Tx) error {
		bk := tx.Bucket(bucketVMs)
		return bk.Delete([]byte(name))
	})
}
