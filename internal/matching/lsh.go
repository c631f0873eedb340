package matching

import (
	"math/rand"

	"github.com/steakknife/hamming"

	"autogeoref/internal/features"
)

// LSHOptions configures the multi-table locality sensitive hash index used
// for approximate binary matching.
type LSHOptions struct {
	Tables          int
	KeyBits         int
	MultiProbeLevel int
	Seed            int64
}

// DefaultLSHOptions returns 12 tables of 20-bit keys probed up to 2 bit flips.
func DefaultLSHOptions() LSHOptions {
	return LSHOptions{Tables: 12, KeyBits: 20, MultiProbeLevel: 2, Seed: 42}
}

// LSH matches binary descriptors through hash buckets built from random
// bit subsets. Candidates from every probed bucket are re-ranked with the
// exact Hamming distance, so only recall is approximate.
type LSH struct {
	opts LSHOptions
}

// NewLSH returns an LSH matcher; non-positive fields take their defaults.
func NewLSH(opts LSHOptions) *LSH {
	def := DefaultLSHOptions()
	if opts.Tables <= 0 {
		opts.Tables = def.Tables
	}
	if opts.KeyBits <= 0 || opts.KeyBits > 32 {
		opts.KeyBits = def.KeyBits
	}
	if opts.MultiProbeLevel < 0 {
		opts.MultiProbeLevel = 0
	}
	return &LSH{opts: opts}
}

func (l *LSH) Name() string { return "flann" }

type lshTable struct {
	bits    []int
	buckets map[uint32][]int
}

func (t *lshTable) key(row []byte) uint32 {
	var k uint32
	for i, b := range t.bits {
		if row[b>>3]&(1<<(uint(b)&7)) != 0 {
			k |= 1 << uint(i)
		}
	}
	return k
}

func (l *LSH) build(train [][]byte) []*lshTable {
	width := len(train[0]) * 8
	keyBits := l.opts.KeyBits
	if keyBits > width {
		keyBits = width
	}
	rng := rand.New(rand.NewSource(l.opts.Seed))
	tables := make([]*lshTable, l.opts.Tables)
	for i := range tables {
		t := &lshTable{bits: rng.Perm(width)[:keyBits], buckets: make(map[uint32][]int)}
		for ti, row := range train {
			k := t.key(row)
			t.buckets[k] = append(t.buckets[k], ti)
		}
		tables[i] = t
	}
	return tables
}

// probes returns key and every key within MultiProbeLevel bit flips of it.
func (l *LSH) probes(key uint32, bits int) []uint32 {
	out := []uint32{key}
	if l.opts.MultiProbeLevel >= 1 {
		for i := 0; i < bits; i++ {
			out = append(out, key^(1<<uint(i)))
		}
	}
	if l.opts.MultiProbeLevel >= 2 {
		for i := 0; i < bits; i++ {
			for j := i + 1; j < bits; j++ {
				out = append(out, key^(1<<uint(i))^(1<<uint(j)))
			}
		}
	}
	return out
}

func (l *LSH) KnnMatch(query, train features.Descriptors, k int) ([][]Match, error) {
	if k <= 0 || query.Len() == 0 || train.Len() == 0 {
		return [][]Match{}, nil
	}
	if err := checkPair(query, train, features.Binary); err != nil {
		return nil, err
	}

	tables := l.build(train.Bits)
	seen := make([]int, train.Len())
	out := make([][]Match, query.Len())
	var candidates []int

	for qi, q := range query.Bits {
		stamp := qi + 1
		candidates = candidates[:0]
		for _, t := range tables {
			for _, key := range l.probes(t.key(q), len(t.bits)) {
				for _, ti := range t.buckets[key] {
					if seen[ti] != stamp {
						seen[ti] = stamp
						candidates = append(candidates, ti)
					}
				}
			}
		}
		sortInts(candidates)

		best := topK{k: k}
		for _, ti := range candidates {
			best.offer(Match{QueryIdx: qi, TrainIdx: ti, Distance: float64(hamming.Bytes(q, train.Bits[ti]))})
		}
		out[qi] = best.items
	}
	return out, nil
}

// sortInts is an insertion sort; candidate lists are short and mostly ordered.
func sortInts(a []int) {
	for i := 1; i < len(a); i++ {
		for j := i; j > 0 && a[j] < a[j-1]; j-- {
			a[j], a[j-1] = a[j-1], a[j]
		}
	}
}
