// Package directory is the Key Directory (§4.1): a flat table of one
// public key record per address. Reads dominate and the working set fits
// in memory, so a single RWMutex-guarded map suffices. The lock is shared by
// all keys and is held only for the map operation itself; while a reader
// holds it, a writer to any key, related or not, waits.
package directory

import (
	"errors"
	"sync"
	"time"

	"github.com/idena-relay/relay/internal/domain"
)

var (
	ErrInvalidAddress = errors.New("directory: invalid address")
	ErrPayloadTooLarge = errors.New("directory: public key exceeds size cap")
	ErrNotFound        = errors.New("directory: not found")
	ErrBatchTooLarge   = errors.New("directory: batch exceeds maximum size")
)

// Directory is the concurrency-safe Key Directory store.
type Directory struct {
	maxKeyBytes int
	maxBatch    int

	mu sync.RWMutex
	m  map[domain.Address]domain.PublicKeyRecord
}

// New returns an empty Directory. maxKeyBytes bounds a stored public key's
// length; maxBatch bounds GetBatch's input size.
func New(maxKeyBytes, maxBatch int) *Directory {
	return &Directory{
		maxKeyBytes: maxKeyBytes,
		maxBatch:    maxBatch,
		m:           make(map[domain.Address]domain.PublicKeyRecord),
	}
}

// Store upserts the public key for address. On overwrite, CreatedAt is
// preserved and UpdatedAt advances.
func (d *Directory) Store(address domain.Address, publicKey string) (domain.PublicKeyRecord, error) {
	if !address.Valid() {
		return domain.PublicKeyRecord{}, ErrInvalidAddress
	}
	if len(publicKey) > d.maxKeyBytes {
		return domain.PublicKeyRecord{}, ErrPayloadTooLarge
	}

	now := time.Now().UTC()

	d.mu.Lock()
	defer d.mu.Unlock()

	rec, exists := d.m[address]
	if exists {
		rec.PublicKey = publicKey
		rec.UpdatedAt = now
	} else {
		rec = domain.PublicKeyRecord{
			Address:   address,
			PublicKey: publicKey,
			CreatedAt: now,
			UpdatedAt: now,
		}
	}
	d.m[address] = rec
	return rec, nil
}

// Get returns the record for address, or ErrNotFound.
func (d *Directory) Get(address domain.Address) (domain.PublicKeyRecord, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	rec, ok := d.m[address]
	if !ok {
		return domain.PublicKeyRecord{}, ErrNotFound
	}
	return rec, nil
}

// GetBatch returns the records that exist among addresses, silently
// omitting the rest. Fails if len(addresses) exceeds the configured
// maximum.
func (d *Directory) GetBatch(addresses []domain.Address) (map[domain.Address]domain.PublicKeyRecord, error) {
	if len(addresses) > d.maxBatch {
		return nil, ErrBatchTooLarge
	}

	d.mu.RLock()
	defer d.mu.RUnlock()

	out := make(map[domain.Address]domain.PublicKeyRecord, len(addresses))
	for _, a := range addresses {
		if rec, ok := d.m[a]; ok {
			out[a] = rec
		}
	}
	return out, nil
}

// Delete removes address's record. Idempotent.
func (d *Directory) Delete(address domain.Address) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.m, address)
}

// Has reports whether address has a stored record.
func (d *Directory) Has(address domain.Address) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	_, ok := d.m[address]
	return ok
}
