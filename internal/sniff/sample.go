package sniff

import (
	"math/rand/v2"
	"strings"
)

// Reservoir keeps a uniform random sample of the values it is fed
// (Algorithm R). The RNG is seeded so that re-analyzing the same file picks
// the same sample.
type Reservoir struct {
	size   int
	seen   int64
	values []string
	rng    *rand.Rand
}

func NewReservoir(size int, seed uint64) *Reservoir {
	if size <= 0 {
		size = 1
	}
	return &Reservoir{
		size:   size,
		values: make([]string, 0, min(size, 1024)),
		rng:    rand.New(rand.NewPCG(seed, 0x9e3779b97f4a7c15)),
	}
}

// Add offers v to the sample. Blank values are counted but not kept.
func (r *Reservoir) Add(v string) {
	v = strings.TrimSpace(v)
	if v == "" {
		return
	}
	r.seen++
	if len(r.values) < r.size {
		r.values = append(r.values, v)
		return
	}
	if j := r.rng.Int64N(r.seen); j < int64(r.size) {
		r.values[j] = v
	}
}

func (r *Reservoir) Values() []string { return r.values }

// Seen is the number of non-blank values offered.
func (r *Reservoir) Seen() int64 { return r.seen }

// Sampler samples every column of a file. Columns are reported in the order
// they were first observed.
type Sampler struct {
	size  int
	order []string
	cols  map[string]*Reservoir
}

func NewSampler(size int) *Sampler {
	return &Sampler{size: size, cols: make(map[string]*Reservoir)}
}

func (s *Sampler) Observe(column, value string) {
	r, ok := s.cols[column]
	if !ok {
		r = NewReservoir(s.size, uint64(len(s.order)+1))
		s.cols[column] = r
		s.order = append(s.order, column)
	}
	r.Add(value)
}

func (s *Sampler) Columns() []string { return s.order }

func (s *Sampler) Values(column string) []string {
	if r, ok := s.cols[column]; ok {
		return r.Values()
	}
	return nil
}
