// Package util contains internal helpers (hashing, sharding, padding).
//revive:disable:var-naming  // allow 'util' as an internal helpers package name
package util

import (
	"hash/maphash"

	"github.com/cespare/xxhash/v2"
)

// seed is fixed per process so hashes are stable for the lifetime of a cache.
var seed = maphash.MakeSeed()

// Hash64 hashes a comparable key into 64 well-mixed bits.
// Strings go through xxhash, integer widths through a finalizer mix,
// everything else through maphash.Comparable. The result feeds shard
// selection, read-buffer striping and the frequency sketch, so it has to be
// uniform in the low bits as well as the high ones.
func Hash64[K comparable](k K) uint64 {
	switch v := any(k).(type) {
	case string:
		return xxhash.Sum64String(v)
	case [16]byte:
		return xxhash.Sum64(v[:])
	case [32]byte:
		return xxhash.Sum64(v[:])

	case uint8:
		return Mix64(uint64(v))
	case uint16:
		return Mix64(uint64(v))
	case uint32:
		return Mix64(uint64(v))
	case uint64:
		return Mix64(v)
	case uint:
		return Mix64(uint64(v))
	case uintptr:
		return Mix64(uint64(v))
	case int8:
		return Mix64(uint64(uint8(v)))
	case int16:
		return Mix64(uint64(uint16(v)))
	case int32:
		return Mix64(uint64(uint32(v)))
	case int64:
		return Mix64(uint64(v))
	case int:
		return Mix64(uint64(v))
	default:
		return maphash.Comparable(seed, k)
	}
}

// Mix64 is the splitmix64 finalizer.
func Mix64(x uint64) uint64 {
	x ^= x >> 30
	x *= 0xbf58476d1ce4e5b9
	x ^= x >> 27
	x *= 0x94d049bb133111eb
	x ^= x >> 31
	return x
}
