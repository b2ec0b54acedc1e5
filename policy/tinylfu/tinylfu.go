// Package tinylfu implements the W-TinyLFU eviction policy.
//
// New entries enter a small LRU admission window. Entries leaving the window
// compete with the coldest entry of the segmented main region: the one with
// the higher estimated frequency stays. The main region is split into a
// probation segment and a protected segment for entries that were touched
// again while on probation. A hill climber resizes the window towards the
// split that maximizes the sampled hit rate.
package tinylfu

import (
	"math"
	"math/rand/v2"

	"github.com/IvanBrykalov/boundcache/policy"
)

const (
	queueWindow uint8 = iota + 1
	queueProbation
	queueProtected
)

const (
	percentMain          = 0.99
	percentMainProtected = 0.80

	climberRestartThreshold = 0.05
	climberStepPercent      = 0.0625
	climberStepDecayRate    = 0.98

	// admitHashDoSThreshold is the candidate frequency above which a losing
	// candidate is still admitted with probability 1/128.
	admitHashDoSThreshold = 6

	// queueTransferThreshold bounds the nodes moved between regions per pass.
	queueTransferThreshold = 1000

	maximumCapacity = math.MaxInt64 - math.MaxInt32
)

type tinyLFUPolicy[K comparable] struct{}

// New returns a Policy factory that constructs W-TinyLFU evictors.
func New[K comparable]() policy.Policy[K] { return tinyLFUPolicy[K]{} }

// New implements policy.Policy.
func (tinyLFUPolicy[K]) New(maximum int64) policy.Evictor[K] {
	e := &tinyLFU[K]{
		window:    policy.NewDeque[K](queueWindow),
		probation: policy.NewDeque[K](queueProbation),
		protected: policy.NewDeque[K](queueProtected),
		rnd:       rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64())),
	}
	e.SetMaximum(maximum)
	return e
}

type tinyLFU[K comparable] struct {
	window, probation, protected *policy.Deque[K]
	sketch                       sketch
	rnd                          *rand.Rand

	maximum      int64
	weightedSize int64
	count        int64

	windowMaximum             int64
	windowWeightedSize        int64
	mainProtectedMaximum      int64
	mainProtectedWeightedSize int64

	adjustment            int64
	stepSize              float64
	hitsInSample          int64
	missesInSample        int64
	previousSampleHitRate float64
}

// OnAdd admits n into the window and records a miss. Nodes heavier than the
// window go to its cold end so they are considered first.
func (p *tinyLFU[K]) OnAdd(n policy.Node[K], _ func(policy.Node[K])) {
	w := n.PolicyWeight()
	weightedSize := p.weightedSize
	p.weightedSize += w
	p.windowWeightedSize += w
	p.count++
	if weightedSize >= p.maximum>>1 {
		p.sketch.ensureCapacity(p.sketchCapacity())
	}
	p.sketch.increment(n.Hash())
	p.missesInSample++

	if w > p.windowMaximum {
		p.window.PushFront(n)
	} else {
		p.window.PushBack(n)
	}
}

// sketchCapacity sizes the sketch by the entry bound, or by the entry count
// when entries carry arbitrary weights.
func (p *tinyLFU[K]) sketchCapacity() int64 {
	if p.weightedSize == p.count {
		return max(p.maximum, p.count)
	}
	return p.count
}

// OnAccess records a hit and reorders n within its region. A probation hit
// promotes the node to the protected segment.
func (p *tinyLFU[K]) OnAccess(n policy.Node[K]) {
	p.sketch.increment(n.Hash())
	switch n.Links().Queue() {
	case queueWindow:
		p.window.MoveToBack(n)
	case queueProbation:
		p.reorderProbation(n)
	case queueProtected:
		p.protected.MoveToBack(n)
	default:
		return
	}
	p.hitsInSample++
}

func (p *tinyLFU[K]) reorderProbation(n policy.Node[K]) {
	w := n.PolicyWeight()
	if w > p.mainProtectedMaximum {
		p.probation.MoveToBack(n)
		return
	}
	p.probation.Remove(n)
	p.protected.PushBack(n)
	p.mainProtectedWeightedSize += w
}

// OnUpdate charges the weight delta to n's region and treats the write as an
// access.
func (p *tinyLFU[K]) OnUpdate(n policy.Node[K], oldWeight int64, _ func(policy.Node[K])) {
	delta := n.PolicyWeight() - oldWeight
	switch n.Links().Queue() {
	case queueWindow:
		p.windowWeightedSize += delta
	case queueProtected:
		p.mainProtectedWeightedSize += delta
	case queueProbation:
	default:
		return
	}
	p.weightedSize += delta
	p.OnAccess(n)
}

// OnRemove unlinks n from whichever region holds it.
func (p *tinyLFU[K]) OnRemove(n policy.Node[K]) {
	if n.Links().Queue() != 0 {
		p.unlink(n)
	}
}

func (p *tinyLFU[K]) unlink(n policy.Node[K]) {
	w := n.PolicyWeight()
	switch n.Links().Queue() {
	case queueWindow:
		p.window.Remove(n)
		p.windowWeightedSize -= w
	case queueProbation:
		p.probation.Remove(n)
	case queueProtected:
		p.protected.Remove(n)
		p.mainProtectedWeightedSize -= w
	}
	p.weightedSize -= w
	p.count--
}

func (p *tinyLFU[K]) evictNode(n policy.Node[K], evict func(policy.Node[K])) {
	p.unlink(n)
	evict(n)
}

// Evict moves the window overflow to probation and then evicts from the main
// region until the total weight fits.
func (p *tinyLFU[K]) Evict(evict func(policy.Node[K])) {
	p.evictFromMain(p.evictFromWindow(), evict)
}

// evictFromWindow demotes weighted nodes from the window's cold end to the
// back of probation while the window is over its budget. It returns how many
// nodes became admission candidates.
func (p *tinyLFU[K]) evictFromWindow() int {
	candidates := 0
	n := p.window.Front()
	for p.windowWeightedSize > p.windowMaximum && n != nil {
		next := policy.Next(n)
		if w := n.PolicyWeight(); w != 0 {
			p.window.Remove(n)
			p.probation.PushBack(n)
			p.windowWeightedSize -= w
			candidates++
		}
		n = next
	}
	return candidates
}

// evictFromMain evicts until the total weight fits. Candidates are taken
// from the hot end of probation (the nodes just demoted from the window) and
// victims from its cold end; each duel evicts the less frequent of the two.
// Once candidates run out victims are evicted unconditionally, moving on to
// the protected segment and then the window.
func (p *tinyLFU[K]) evictFromMain(candidates int, evict func(policy.Node[K])) {
	victimQueue := queueProbation
	victim := p.probation.Front()
	candidate := p.probation.Back()

	for p.weightedSize > p.maximum {
		if candidates <= 0 {
			candidate = nil
		}
		if candidate == nil && victim == nil {
			switch victimQueue {
			case queueProbation:
				victim, victimQueue = p.protected.Front(), queueProtected
				continue
			case queueProtected:
				victim, victimQueue = p.window.Front(), queueWindow
				continue
			}
			return
		}

		// Zero-weight nodes never free capacity.
		if victim != nil && victim.PolicyWeight() == 0 {
			victim = policy.Next(victim)
			continue
		}
		if candidate != nil && candidate.PolicyWeight() == 0 {
			candidate = p.nextCandidate(candidate, candidates)
			candidates--
			continue
		}

		switch {
		case victim == nil:
			evicted := candidate
			candidate = policy.Prev(candidate)
			candidates--
			p.evictNode(evicted, evict)
			continue
		case candidate == nil:
			evicted := victim
			victim = policy.Next(victim)
			p.evictNode(evicted, evict)
			continue
		case candidate == victim:
			victim = policy.Next(victim)
			p.evictNode(candidate, evict)
			candidate = nil
			continue
		case candidate.PolicyWeight() > p.maximum:
			evicted := candidate
			candidate = p.nextCandidate(candidate, candidates)
			candidates--
			p.evictNode(evicted, evict)
			continue
		}

		candidates--
		if p.admit(candidate.Hash(), victim.Hash()) {
			evicted := victim
			victim = policy.Next(victim)
			p.evictNode(evicted, evict)
			candidate = policy.Prev(candidate)
		} else {
			evicted := candidate
			candidate = p.nextCandidate(candidate, candidates)
			p.evictNode(evicted, evict)
		}
	}
}

func (p *tinyLFU[K]) nextCandidate(n policy.Node[K], candidates int) policy.Node[K] {
	if candidates > 0 {
		return policy.Prev(n)
	}
	return policy.Next(n)
}

// admit reports whether the candidate should replace the victim. Ties keep
// the victim. A popular candidate still wins 1 in 128 duels so an attacker
// cannot pin a victim by inflating its frequency through collisions.
func (p *tinyLFU[K]) admit(candidate, victim uint64) bool {
	victimFreq := p.sketch.frequency(victim)
	candidateFreq := p.sketch.frequency(candidate)
	if candidateFreq > victimFreq {
		return true
	}
	if candidateFreq < admitHashDoSThreshold {
		return false
	}
	return p.rnd.IntN(128) == 0
}

// Climb adapts the window size to the hit rate of the last sample.
func (p *tinyLFU[K]) Climb() {
	p.determineAdjustment()
	p.demoteFromMainProtected()
	switch {
	case p.adjustment > 0:
		p.increaseWindow()
	case p.adjustment < 0:
		p.decreaseWindow()
	}
}

func (p *tinyLFU[K]) determineAdjustment() {
	if !p.sketch.initialized() {
		p.previousSampleHitRate = 0
		p.hitsInSample, p.missesInSample = 0, 0
		return
	}
	requests := p.hitsInSample + p.missesInSample
	if requests < p.sketch.sampleSize {
		return
	}

	hitRate := float64(p.hitsInSample) / float64(requests)
	change := hitRate - p.previousSampleHitRate
	amount := p.stepSize
	if change < 0 {
		amount = -p.stepSize
	}
	next := climberStepDecayRate * amount
	if math.Abs(change) >= climberRestartThreshold {
		next = climberStepPercent * float64(p.maximum)
		if amount < 0 {
			next = -next
		}
	}
	p.previousSampleHitRate = hitRate
	p.adjustment = int64(amount)
	p.stepSize = next
	p.hitsInSample, p.missesInSample = 0, 0
}

// increaseWindow moves up to adjustment weight from the main region's cold
// end into the window.
func (p *tinyLFU[K]) increaseWindow() {
	if p.mainProtectedMaximum == 0 {
		return
	}
	quota := min(p.adjustment, p.mainProtectedMaximum)
	p.mainProtectedMaximum -= quota
	p.windowMaximum += quota
	p.demoteFromMainProtected()

	for i := 0; i < queueTransferThreshold; i++ {
		candidate := p.probation.Front()
		fromProbation := true
		if candidate == nil || quota < candidate.PolicyWeight() {
			candidate = p.protected.Front()
			fromProbation = false
		}
		if candidate == nil {
			break
		}
		w := candidate.PolicyWeight()
		if quota < w {
			break
		}
		quota -= w
		if fromProbation {
			p.probation.Remove(candidate)
		} else {
			p.protected.Remove(candidate)
			p.mainProtectedWeightedSize -= w
		}
		p.window.PushBack(candidate)
		p.windowWeightedSize += w
	}

	p.mainProtectedMaximum += quota
	p.windowMaximum -= quota
	p.adjustment = quota
}

// decreaseWindow moves up to -adjustment weight from the window's cold end
// into probation.
func (p *tinyLFU[K]) decreaseWindow() {
	if p.windowMaximum <= 1 {
		return
	}
	quota := min(-p.adjustment, max(0, p.windowMaximum-1))
	p.mainProtectedMaximum += quota
	p.windowMaximum -= quota

	for i := 0; i < queueTransferThreshold; i++ {
		candidate := p.window.Front()
		if candidate == nil {
			break
		}
		w := candidate.PolicyWeight()
		if quota < w {
			break
		}
		quota -= w
		p.window.Remove(candidate)
		p.windowWeightedSize -= w
		p.probation.PushBack(candidate)
	}

	p.mainProtectedMaximum -= quota
	p.windowMaximum += quota
	p.adjustment = -quota
}

// demoteFromMainProtected moves the protected overflow back to probation.
func (p *tinyLFU[K]) demoteFromMainProtected() {
	for i := 0; i < queueTransferThreshold && p.mainProtectedWeightedSize > p.mainProtectedMaximum; i++ {
		n := p.protected.Front()
		if n == nil {
			break
		}
		p.protected.Remove(n)
		p.probation.PushBack(n)
		p.mainProtectedWeightedSize -= n.PolicyWeight()
	}
}

// SetMaximum resizes the regions and restarts the hill climber.
func (p *tinyLFU[K]) SetMaximum(maximum int64) {
	maximum = min(max(maximum, 0), maximumCapacity)
	window := maximum - int64(percentMain*float64(maximum))
	p.maximum = maximum
	p.windowMaximum = window
	p.mainProtectedMaximum = int64(percentMainProtected * float64(maximum-window))
	p.hitsInSample, p.missesInSample = 0, 0
	p.adjustment = 0
	p.stepSize = -climberStepPercent * float64(maximum)
	if p.sketch.initialized() && p.weightedSize >= maximum>>1 {
		p.sketch.ensureCapacity(p.sketchCapacity())
	}
}

func (p *tinyLFU[K]) Maximum() int64      { return p.maximum }
func (p *tinyLFU[K]) WeightedSize() int64 { return p.weightedSize }

// Coldest walks probation, then protected, then the window.
func (p *tinyLFU[K]) Coldest(yield func(policy.Node[K]) bool) {
	if p.probation.Walk(yield) && p.protected.Walk(yield) {
		p.window.Walk(yield)
	}
}

// Frequency returns the sketch estimate for hash. It is meant for tests and
// diagnostics.
func (p *tinyLFU[K]) Frequency(hash uint64) int { return p.sketch.frequency(hash) }
