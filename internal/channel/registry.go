package channel

import "crypto/sha256"

// KeySize is the AES-128 key length used for group channels.
const KeySize = 16

// Entry is one known channel with its derived key material.
type Entry struct {
	Name string
	Key  [KeySize]byte
	// Hash is the one-byte channel identifier carried in group payloads:
	// the first byte of SHA-256 over the key (double hash). Distinct names
	// can collide, so lookups return every candidate.
	Hash byte
}

// DeriveKey returns the channel key: the first 16 bytes of SHA-256 over the
// UTF-8 channel name.
func DeriveKey(name string) [KeySize]byte {
	sum := sha256.Sum256([]byte(name))

	var key [KeySize]byte
	copy(key[:], sum[:KeySize])

	return key
}

// Registry maps known channel names to derived keys. It is populated once at
// startup and read-only during packet processing.
type Registry struct {
	entries []Entry
	byName  map[string]int
	byHash  map[byte][]int
}

func NewRegistry(names ...string) *Registry {
	r := &Registry{
		byName: make(map[string]int),
		byHash: make(map[byte][]int),
	}
	for _, name := range names {
		r.Register(name)
	}

	return r
}

// Register derives and caches the key for name. Re-registering an existing
// name is a no-op, preserving first-registration order.
func (r *Registry) Register(name string) {
	if _, ok := r.byName[name]; ok {
		return
	}

	key := DeriveKey(name)
	hashSum := sha256.Sum256(key[:])
	entry := Entry{Name: name, Key: key, Hash: hashSum[0]}

	r.byName[name] = len(r.entries)
	r.byHash[entry.Hash] = append(r.byHash[entry.Hash], len(r.entries))
	r.entries = append(r.entries, entry)
}

func (r *Registry) KeyFor(name string) ([KeySize]byte, bool) {
	idx, ok := r.byName[name]
	if !ok {
		return [KeySize]byte{}, false
	}

	return r.entries[idx].Key, true
}

// All returns every entry in registration order.
func (r *Registry) All() []Entry {
	out := make([]Entry, len(r.entries))
	copy(out, r.entries)

	return out
}

// Candidates returns the entries whose channel hash matches, in registration
// order. Usually zero or one entry; more on hash collisions.
func (r *Registry) Candidates(hash byte) []Entry {
	idxs := r.byHash[hash]
	if len(idxs) == 0 {
		return nil
	}

	out := make([]Entry, 0, len(idxs))
	for _, i := range idxs {
		out = append(out, r.entries[i])
	}

	return out
}

func (r *Registry) Len() int {
	return len(r.entries)
}

// Names returns the registered channel names in registration order.
func (r *Registry) Names() []string {
	out := make([]string, len(r.entries))
	for i, e := range r.entries {
		out[i] = e.Name
	}

	return out
}
