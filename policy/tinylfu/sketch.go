package tinylfu

import (
	"math/bits"

	"github.com/IvanBrykalov/boundcache/internal/util"
)

const (
	resetMask = 0x7777777777777777
	oneMask   = 0x1111111111111111

	// maxTableSize bounds the sketch at 8 GiB of counters.
	maxTableSize = 1 << 30
)

var seeds = [4]uint64{0xc3a5c85c97cb3127, 0xb492b66fbe98f273, 0x9ae16a3b2f90404f, 0xcbf29ce484222325}

// sketch is a count-min sketch of 4-bit counters packed sixteen to a word.
// Each key owns one counter in four different words. When the number of
// increments reaches sampleSize every counter is halved, so popularity ages
// out.
type sketch struct {
	table      []uint64
	tableMask  uint64
	sampleSize int64
	size       int64
}

func (s *sketch) initialized() bool { return s.table != nil }

// ensureCapacity grows the table for roughly maximum distinct keys.
// Growing drops the accumulated counts.
func (s *sketch) ensureCapacity(maximum int64) {
	maximum = min(max(maximum, 0), maxTableSize)
	if int64(len(s.table)) >= maximum && s.initialized() {
		return
	}
	n := max(util.NextPow2(uint64(maximum)), 8)
	s.table = make([]uint64, n)
	s.tableMask = n - 1
	s.sampleSize = 10 * maximum
	if maximum == 0 {
		s.sampleSize = 10
	}
	s.size = 0
}

// frequency returns the estimated number of occurrences of hash, at most 15.
func (s *sketch) frequency(hash uint64) int {
	if !s.initialized() {
		return 0
	}
	start := (hash & 3) << 2
	freq := uint64(15)
	for i := uint64(0); i < 4; i++ {
		idx := s.indexOf(hash, i)
		count := (s.table[idx] >> ((start + i) << 2)) & 0xf
		freq = min(freq, count)
	}
	return int(freq)
}

// increment bumps the counters of hash unless all of them are saturated.
func (s *sketch) increment(hash uint64) {
	if !s.initialized() {
		return
	}
	start := (hash & 3) << 2
	added := false
	for i := uint64(0); i < 4; i++ {
		if s.incrementAt(s.indexOf(hash, i), start+i) {
			added = true
		}
	}
	if added {
		s.size++
		if s.size == s.sampleSize {
			s.reset()
		}
	}
}

func (s *sketch) incrementAt(i, j uint64) bool {
	offset := j << 2
	mask := uint64(0xf) << offset
	if s.table[i]&mask != mask {
		s.table[i] += 1 << offset
		return true
	}
	return false
}

// reset halves every counter. Odd counters lose their low bit; that loss is
// subtracted from size before halving it.
func (s *sketch) reset() {
	var count int64
	for i, w := range s.table {
		count += int64(bits.OnesCount64(w & oneMask))
		s.table[i] = (w >> 1) & resetMask
	}
	s.size = (s.size - count>>2) >> 1
}

func (s *sketch) indexOf(hash, i uint64) uint64 {
	h := (hash + seeds[i]) * seeds[i]
	h += h >> 32
	return h & s.tableMask
}
