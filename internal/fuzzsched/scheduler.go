// Package fuzzsched implements the energy-based seed scheduler (S) from
// spec.md section 4.5: a max-heap over seeds keyed on an AFL
// calculate_score-style energy value, with capacity enforcement and a FIFO
// fallback strategy.
package fuzzsched

import (
	"container/heap"
)

// Strategy selects how select_next() orders seeds.
type Strategy int

const (
	Energy Strategy = iota
	FIFO
)

// Seed is one corpus entry. CoverageBits is the popcount of this seed's own
// coverage snapshot, used only as the energy formula's "cov" term; the
// seed's raw coverage bitmap itself is not retained (spec.md section 4.5
// only needs the scalar).
type Seed struct {
	Data           []byte
	CoverageBits   int
	ExecTimeUs     uint64
	ExecCount      int
	Energy         float64
	DiscoveredAtUs uint64
	initial        bool
	heapIndex      int
}

// Options configures one Scheduler.
type Options struct {
	Strategy       Strategy
	MaxSeeds       int
	MaxSeedsMemory int64
}

// Scheduler owns the corpus and its priority ordering.
type Scheduler struct {
	opts Options

	heap seedHeap
	fifo []*Seed

	meanExecTimeUs float64
	meanCoverage   float64
	count          float64

	totalBytes int64
}

// New constructs an empty Scheduler.
func New(opts Options) *Scheduler {
	s := &Scheduler{opts: opts}
	heap.Init(&s.heap)

	return s
}

// Len returns the number of seeds currently held.
func (s *Scheduler) Len() int {
	if s.opts.Strategy == FIFO {
		return len(s.fifo)
	}

	return len(s.heap)
}

// AddSeed inserts a new seed, updates the running means, and evicts the
// minimum-energy non-initial seed if capacity is exceeded (spec.md section
// 4.5's capacity enforcement). initial marks seeds loaded from the initial
// corpus directory, which are never evicted.
func (s *Scheduler) AddSeed(data []byte, coverageBits int, execTimeUs uint64, discoveredAtUs uint64, initial bool) *Seed {
	seed := &Seed{
		Data:           data,
		CoverageBits:   coverageBits,
		ExecTimeUs:     execTimeUs,
		DiscoveredAtUs: discoveredAtUs,
		initial:        initial,
	}

	s.updateMeans(execTimeUs, coverageBits)
	seed.Energy = s.energy(seed)

	if s.opts.Strategy == FIFO {
		s.fifo = append(s.fifo, seed)
	} else {
		heap.Push(&s.heap, seed)
	}

	s.totalBytes += int64(len(data))

	s.enforceCapacity()

	return seed
}

// SelectNext pops the top seed, increments its exec_count, recomputes its
// energy, and pushes it back (spec.md section 4.5). Under the FIFO strategy
// it instead returns the seed at the head of the ring, moves it to the tail
// and increments its exec_count; its energy is left as it was. Returns nil
// if empty.
func (s *Scheduler) SelectNext() *Seed {
	if s.opts.Strategy == FIFO {
		return s.selectNextFIFO()
	}

	return s.selectNextEnergy()
}

func (s *Scheduler) selectNextEnergy() *Seed {
	if len(s.heap) == 0 {
		return nil
	}

	top := heap.Pop(&s.heap).(*Seed)
	top.ExecCount++
	top.Energy = s.energy(top)
	heap.Push(&s.heap, top)

	s.updateMeans(top.ExecTimeUs, top.CoverageBits)

	return top
}

func (s *Scheduler) selectNextFIFO() *Seed {
	if len(s.fifo) == 0 {
		return nil
	}

	top := s.fifo[0]
	s.fifo = append(s.fifo[1:], top)
	top.ExecCount++

	return top
}

// SeedAt returns a seed chosen by the caller's index modulo corpus size,
// used by the fuzz loop to pick a splice partner (spec.md section 4.6's
// "draw a second random seed"). i is taken as a uint64 specifically so that
// a full-range random draw (e.g. (*fuzzmutate.Rand).Uint64()) can never wrap
// to a negative Go int and turn the modulo below into a negative index.
func (s *Scheduler) SeedAt(i uint64) *Seed {
	if s.opts.Strategy == FIFO {
		if len(s.fifo) == 0 {
			return nil
		}

		return s.fifo[i%uint64(len(s.fifo))]
	}

	if len(s.heap) == 0 {
		return nil
	}

	return s.heap[i%uint64(len(s.heap))]
}

func (s *Scheduler) updateMeans(execTimeUs uint64, coverageBits int) {
	s.count++
	n := s.count

	s.meanExecTimeUs += (float64(execTimeUs) - s.meanExecTimeUs) / n
	s.meanCoverage += (float64(coverageBits) - s.meanCoverage) / n
}

// energy computes the AFL calculate_score approximation from spec.md
// section 4.5.
func (s *Scheduler) energy(seed *Seed) float64 {
	base := 100.0

	t := float64(seed.ExecTimeUs)
	muT := s.meanExecTimeUs

	switch {
	case muT > 0 && t*4 < muT:
		base = 300
	case muT > 0 && t*2 < muT:
		base = 200
	case muT > 0 && t < muT:
		base = 150
	case muT > 0 && t*2 > muT:
		base = 75
	case muT > 0 && t*4 > muT:
		base = 50
	}

	cov := float64(seed.CoverageBits)
	muC := s.meanCoverage

	switch {
	case muC > 0 && cov*0.3 > muC:
		base *= 3
	case muC > 0 && cov*0.5 > muC:
		base *= 2
	case muC > 0 && cov*0.75 > muC:
		base *= 1.5
	case muC > 0 && cov < muC*0.25:
		base *= 0.25
	case muC > 0 && cov < muC*0.5:
		base *= 0.5
	case muC > 0 && cov < muC*0.75:
		base *= 0.75
	}

	base /= 1 + 0.2*float64(seed.ExecCount)

	return clampEnergy(base, 1, 1600)
}

func clampEnergy(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}

	if v > hi {
		return hi
	}

	return v
}

func (s *Scheduler) enforceCapacity() {
	for s.overCapacity() {
		if !s.evictMinEnergyNonInitial() {
			return
		}
	}
}

func (s *Scheduler) overCapacity() bool {
	if s.opts.MaxSeeds > 0 && s.Len() > s.opts.MaxSeeds {
		return true
	}

	if s.opts.MaxSeedsMemory > 0 && s.totalBytes > s.opts.MaxSeedsMemory {
		return true
	}

	return false
}

func (s *Scheduler) evictMinEnergyNonInitial() bool {
	if s.opts.Strategy == FIFO {
		minIdx := -1
		var minEnergy float64

		for i, seed := range s.fifo {
			if seed.initial {
				continue
			}

			if minIdx == -1 || seed.Energy < minEnergy {
				minIdx = i
				minEnergy = seed.Energy
			}
		}

		if minIdx == -1 {
			return false
		}

		s.totalBytes -= int64(len(s.fifo[minIdx].Data))
		s.fifo = append(s.fifo[:minIdx], s.fifo[minIdx+1:]...)

		return true
	}

	minIdx := -1
	var minEnergy float64

	for i, seed := range s.heap {
		if seed.initial {
			continue
		}

		if minIdx == -1 || seed.Energy < minEnergy {
			minIdx = i
			minEnergy = seed.Energy
		}
	}

	if minIdx == -1 {
		return false
	}

	victim := heap.Remove(&s.heap, minIdx).(*Seed)
	s.totalBytes -= int64(len(victim.Data))

	return true
}

// Seeds returns every seed currently held, in no particular order, for
// checkpoint serialization.
func (s *Scheduler) Seeds() []*Seed {
	if s.opts.Strategy == FIFO {
		out := make([]*Seed, len(s.fifo))
		copy(out, s.fifo)

		return out
	}

	out := make([]*Seed, len(s.heap))
	copy(out, s.heap)

	return out
}

// seedHeap implements container/heap.Interface as a max-heap on Energy.
type seedHeap []*Seed

func (h seedHeap) Len() int            { return len(h) }
func (h seedHeap) Less(i, j int) bool  { return h[i].Energy > h[j].Energy }
func (h seedHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].heapIndex = i
	h[j].heapIndex = j
}

func (h *seedHeap) Push(x any) {
	seed := x.(*Seed)
	seed.heapIndex = len(*h)
	*h = append(*h, seed)
}

func (h *seedHeap) Pop() any {
	old := *h
	n := len(old)
	seed := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]

	return seed
}
