package bolt

import (
	"encoding/json"
	"fmt"

	"go.etcd.io/bbolt"

	"github.com/snehjoshi/epochdist/internal/distpkg"
)

// PackageStore persists distpkg records as JSON in the packages bucket.
type PackageStore struct {
	p *Provider
}

var _ distpkg.Store = (*PackageStore)(nil)

func (s *PackageStore) Put(rec distpkg.Record) error {
	val, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("bolt: marshal package %s: %w", rec.ID, err)
	}
	err = s.p.update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketPackages).Put([]byte(rec.ID), val)
	})
	if err != nil {
		return fmt.Errorf("bolt: put package %s: %w", rec.ID, err)
	}
	return nil
}

func (s *PackageStore) Get(id string) (distpkg.Record, error) {
	var rec distpkg.Record
	err := s.p.view(func(tx *bbolt.Tx) error {
		val := tx.Bucket(bucketPackages).Get([]byte(id))
		if val == nil {
			return fmt.Errorf("%w: %s", distpkg.ErrNotFound, id)
		}
		return json.Unmarshal(val, &rec)
	})
	if err != nil {
		return distpkg.Record{}, fmt.Errorf("bolt: get package: %w", err)
	}
	return rec, nil
}

func (s *PackageStore) Delete(id string) error {
	err := s.p.update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketPackages)
		if b.Get([]byte(id)) == nil {
			return fmt.Errorf("%w: %s", distpkg.ErrNotFound, id)
		}
		return b.Delete([]byte(id))
	})
	if err != nil {
		return fmt.Errorf("bolt: delete package: %w", err)
	}
	return nil
}

// ForEach calls fn for every stored record. Iteration stops at the first error.
func (s *PackageStore) ForEach(fn func(rec distpkg.Record) error) error {
	return s.p.view(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketPackages).ForEach(func(k, v []byte) error {
			var rec distpkg.Record
			if err := json.Unmarshal(v, &rec); err != nil {
				return fmt.Errorf("bolt: decode package %s: %w", k, err)
			}
			return fn(rec)
		})
	})
}
