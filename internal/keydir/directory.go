// Package keydir keeps the ephemeral per-user public key directory.
package keydir

import (
	"encoding/json"
	"sync"
)

// Directory maps uids to their published encryption and signing keys.
// Keys are opaque client values; last writer wins and nothing expires.
type Directory struct {
	mu   sync.RWMutex
	pub  map[string]json.RawMessage
	sign map[string]json.RawMessage
}

// New builds an empty directory.
func New() *Directory {
	return &Directory{
		pub:  make(map[string]json.RawMessage),
		sign: make(map[string]json.RawMessage),
	}
}

// SetPub stores the encryption key for uid.
func (d *Directory) SetPub(uid string, key json.RawMessage) {
	d.set(d.pub, uid, key)
}

// SetSignPub stores the signing key for uid.
func (d *Directory) SetSignPub(uid string, key json.RawMessage) {
	d.set(d.sign, uid, key)
}

// Pub returns the encryption key for uid.
func (d *Directory) Pub(uid string) (json.RawMessage, bool) {
	return d.get(d.pub, uid)
}

// SignPub returns the signing key for uid.
func (d *Directory) SignPub(uid string) (json.RawMessage, bool) {
	return d.get(d.sign, uid)
}

func (d *Directory) set(m map[string]json.RawMessage, uid string, key json.RawMessage) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(key) == 0 {
		// publishing without a key field clears the entry
		delete(m, uid)
		return
	}
	m[uid] = append(json.RawMessage(nil), key...)
}

func (d *Directory) get(m map[string]json.RawMessage, uid string) (json.RawMessage, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	key, ok := m[uid]
	if !ok {
		return nil, false
	}
	return append(json.RawMessage(nil), key...), true
}
