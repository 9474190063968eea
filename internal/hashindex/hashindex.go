// Package hashindex implements the primary-key index used by storage nodes:
// an open-addressed hash table whose buckets are chains of 64-byte cache
// lines of packed 64-bit entries. Values are 47-bit references into the
// node's log-structured store; the index never owns the referenced data.
//
// The index is not internally synchronized. Callers (typically a single
// writer per partition) are responsible for external synchronization.
package hashindex

import (
	"encoding/binary"
	"errors"
)

// EntriesPerCacheLine is the number of 64-bit entry words per cache line.
// The last word of each line either holds a regular entry or a chain pointer
// to an overflow line.
const EntriesPerCacheLine = 8

const lastSlot = EntriesPerCacheLine - 1

// MaxReference is the largest value a Reference may carry: entries budget
// 47 bits for it.
const MaxReference = 1<<47 - 1

const (
	chainBit = 1 << 47
	ptrMask  = 1<<47 - 1
)

var ErrOutOfRange = errors.New("hashindex: value does not fit in 47 bits")

// Reference is an opaque handle to an object in the log-structured store,
// at most 47 bits wide.
type Reference uint64

// Key identifies an object: a table id plus a variable-length byte key.
type Key struct {
	TableID uint64
	Key     []byte
}

const (
	fnvOffset64 = 14695981039346656037
	fnvPrime64  = 1099511628211
)

// Hash returns the 64-bit FNV-1a hash of the key. The top 16 bits are the
// secondary hash stored inline in entries; the low 48 bits select a bucket.
func (k Key) Hash() uint64 {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], k.TableID)

	hash := uint64(fnvOffset64)
	for _, b := range buf {
		hash ^= uint64(b)
		hash *= fnvPrime64
	}
	for _, b := range k.Key {
		hash ^= uint64(b)
		hash *= fnvPrime64
	}
	return hash
}

// KeyComparer resolves a candidate reference back to its key material. The
// index only stores 16 bits of hash per entry, so every secondary-hash match
// is confirmed through the comparer before it is returned.
type KeyComparer interface {
	Matches(key Key, candidate Reference) bool
}

// PerfCounters instrument the index. Snapshot via HashIndex.Perf.
type PerfCounters struct {
	LookupCalls          uint64
	LookupChainsFollowed uint64
	LookupCollisions     uint64
	ReplaceCalls         uint64
	InsertChainsFollowed uint64
	RemoveCalls          uint64
}

// pack builds an entry word from a secondary hash, a chain flag, and a 47-bit
// value. The value is refused if it does not fit the budget.
func pack(hash uint64, chain bool, ptr uint64) (uint64, error) {
	if ptr > ptrMask {
		return 0, ErrOutOfRange
	}
	word := hash<<48 | ptr
	if chain {
		word |= chainBit
	}
	return word, nil
}

func unpack(word uint64) (hash uint64, chain bool, ptr uint64) {
	return word >> 48, word&chainBit != 0, word & ptrMask
}

func isChain(word uint64) bool {
	return word&chainBit != 0
}

func hashMatches(word uint64, secondary uint64) bool {
	return word != 0 && !isChain(word) && word>>48 == secondary
}

type cacheLine struct {
	entries [EntriesPerCacheLine]uint64
}

// HashIndex maps keys to references. All cache lines, buckets and overflow
// alike, live in one growable arena; chain pointers are arena indices, which
// keeps entries packable on any address width.
type HashIndex struct {
	numBuckets uint64
	lines      []cacheLine
	comparer   KeyComparer
	perf       PerfCounters
}

// New creates an index with the requested number of buckets, rounded down to
// a power of two (minimum 1).
func New(numBuckets uint64, comparer KeyComparer) *HashIndex {
	n := nearestPowerOfTwo(numBuckets)
	return &HashIndex{
		numBuckets: n,
		lines:      make([]cacheLine, n),
		comparer:   comparer,
	}
}

func nearestPowerOfTwo(n uint64) uint64 {
	if n == 0 {
		return 1
	}
	for n&(n-1) != 0 {
		n &= n - 1
	}
	return n
}

// NumBuckets returns the rounded bucket count.
func (h *HashIndex) NumBuckets() uint64 {
	return h.numBuckets
}

// Perf returns a snapshot of the instrumentation counters.
func (h *HashIndex) Perf() PerfCounters {
	return h.perf
}

// findBucket maps a key to its bucket line index and secondary hash.
func (h *HashIndex) findBucket(key Key) (bucket uint64, secondary uint64) {
	hash := key.Hash()
	return (hash & 0x0000ffffffffffff) & (h.numBuckets - 1), hash >> 48
}

// lookupEntry walks the cache-line chain at bucket looking for an entry that
// matches both the secondary hash and, via the comparer, the full key.
// Returns the arena line index and slot, or ok == false.
func (h *HashIndex) lookupEntry(bucket uint64, secondary uint64, key Key) (line uint64, slot int, ok bool) {
	h.perf.LookupCalls++

	line = bucket
	for {
		cl := &h.lines[line]
		for slot = 0; slot < EntriesPerCacheLine; slot++ {
			word := cl.entries[slot]
			if hashMatches(word, secondary) {
				if h.comparer.Matches(key, Reference(word&ptrMask)) {
					return line, slot, true
				}
				h.perf.LookupCollisions++
			}
		}
		last := cl.entries[lastSlot]
		if !isChain(last) {
			return 0, 0, false
		}
		h.perf.LookupChainsFollowed++
		line = last & ptrMask
	}
}

// Lookup returns the reference stored for key.
func (h *HashIndex) Lookup(key Key) (Reference, bool) {
	bucket, secondary := h.findBucket(key)
	line, slot, ok := h.lookupEntry(bucket, secondary, key)
	if !ok {
		return 0, false
	}
	return Reference(h.lines[line].entries[slot] & ptrMask), true
}

// Replace inserts or overwrites the entry for key. It reports true if an
// existing entry was overwritten. When the bucket's terminal cache line is
// full, the data entry in its last slot is displaced into a freshly chained
// overflow line together with the new entry.
func (h *HashIndex) Replace(key Key, ref Reference) (bool, error) {
	if uint64(ref) > MaxReference {
		return false, ErrOutOfRange
	}
	h.perf.ReplaceCalls++

	bucket, secondary := h.findBucket(key)
	if line, slot, ok := h.lookupEntry(bucket, secondary, key); ok {
		word, _ := pack(secondary, false, uint64(ref))
		h.lines[line].entries[slot] = word
		return true, nil
	}

	word, err := pack(secondary, false, uint64(ref))
	if err != nil {
		return false, err
	}

	line := bucket
	for {
		cl := &h.lines[line]
		for slot := 0; slot < EntriesPerCacheLine; slot++ {
			if cl.entries[slot] == 0 {
				cl.entries[slot] = word
				return false, nil
			}
		}
		last := cl.entries[lastSlot]
		if isChain(last) {
			h.perf.InsertChainsFollowed++
			line = last & ptrMask
			continue
		}

		// Terminal line is full of data. Displace the last entry into a new
		// overflow line along with the new entry, and chain to it.
		overflow, err := h.appendLine()
		if err != nil {
			return false, err
		}
		h.lines[overflow].entries[0] = last
		h.lines[overflow].entries[1] = word
		chain, err := pack(0, true, overflow)
		if err != nil {
			return false, err
		}
		h.lines[line].entries[lastSlot] = chain
		return false, nil
	}
}

func (h *HashIndex) appendLine() (uint64, error) {
	idx := uint64(len(h.lines))
	if idx > ptrMask {
		return 0, ErrOutOfRange
	}
	h.lines = append(h.lines, cacheLine{})
	return idx, nil
}

// Remove deletes the entry for key, reporting whether one existed. Freed
// slots are not compacted across chain boundaries.
func (h *HashIndex) Remove(key Key) bool {
	h.perf.RemoveCalls++

	bucket, secondary := h.findBucket(key)
	line, slot, ok := h.lookupEntry(bucket, secondary, key)
	if !ok {
		return false
	}
	h.lines[line].entries[slot] = 0
	return true
}

// ForEach invokes fn once for every stored reference, passing cookie
// through, and returns the number of callbacks made. Order is deterministic
// for a given table state.
func (h *HashIndex) ForEach(fn func(ref Reference, cookie interface{}), cookie interface{}) uint64 {
	var calls uint64
	for bucket := uint64(0); bucket < h.numBuckets; bucket++ {
		line := bucket
		for {
			cl := &h.lines[line]
			for slot := 0; slot < EntriesPerCacheLine; slot++ {
				word := cl.entries[slot]
				if word == 0 || isChain(word) {
					continue
				}
				fn(Reference(word&ptrMask), cookie)
				calls++
			}
			last := cl.entries[lastSlot]
			if !isChain(last) {
				break
			}
			line = last & ptrMask
		}
	}
	return calls
}
