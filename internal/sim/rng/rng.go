// Package rng provides named, independent, counter-based pseudo-random
// streams. A stream's future output depends only on its own key and draw
// count, never on the order of access across streams, which makes restoring
// a stream to a given count bit-exact.
package rng

import (
	"crypto/sha256"
	"encoding/binary"
	"math"
	"sort"
)

const golden = 0x9e3779b97f4a7c15

// mix64 is the splitmix64 finalizer.
func mix64(v uint64) uint64 {
	v ^= v >> 30
	v *= 0xbf58476d1ce4e5b9
	v ^= v >> 27
	v *= 0x94d049bb133111eb
	v ^= v >> 31
	return v
}

// streamKey derives a stream's key from the global seed and its name.
// Derivation is pure, so two streams never collide regardless of the order
// in which they are created across runs.
func streamKey(seed uint64, name string) uint64 {
	h := sha256.New()
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], seed)
	h.Write(b[:])
	h.Write([]byte(name))
	sum := h.Sum(nil)
	return binary.LittleEndian.Uint64(sum[:8])
}

// Stream is a single named generator. Draw i is mix64(key + i*golden): a
// pure function of (key, count), so export/import of the counter reproduces
// all subsequent draws exactly.
type Stream struct {
	name  string
	key   uint64
	count uint64
}

func (s *Stream) Name() string { return s.name }

// Count returns the number of draws taken so far.
func (s *Stream) Count() uint64 { return s.count }

func (s *Stream) Uint64() uint64 {
	s.count++
	return mix64(s.key + s.count*golden)
}

// Float64 returns a uniform value in [0, 1) with 53 bits of precision.
func (s *Stream) Float64() float64 {
	return float64(s.Uint64()>>11) / (1 << 53)
}

// IntN returns a uniform value in [0, n). n must be > 0.
func (s *Stream) IntN(n int) int {
	if n <= 0 {
		panic("rng: IntN with non-positive n")
	}
	return int(s.Uint64() % uint64(n))
}

// NormFloat64 returns a standard normal draw via Box-Muller. The second
// value of the pair is discarded so that stream state stays a bare counter.
func (s *Stream) NormFloat64() float64 {
	u1 := s.Float64()
	for u1 == 0 {
		u1 = s.Float64()
	}
	u2 := s.Float64()
	return math.Sqrt(-2*math.Log(u1)) * math.Cos(2*math.Pi*u2)
}

// LogNormal returns exp(mu + sigma*Z).
func (s *Stream) LogNormal(mu, sigma float64) float64 {
	return math.Exp(mu + sigma*s.NormFloat64())
}

// Poisson draws from a Poisson distribution. Knuth's product method is used
// for small lambda; large lambda falls back to a normal approximation so the
// draw count stays bounded.
func (s *Stream) Poisson(lambda float64) int {
	if lambda <= 0 {
		return 0
	}
	if lambda > 30 {
		v := lambda + math.Sqrt(lambda)*s.NormFloat64()
		if v < 0 {
			return 0
		}
		return int(math.Round(v))
	}
	l := math.Exp(-lambda)
	k := 0
	p := 1.0
	for {
		k++
		p *= s.Float64()
		if p <= l {
			return k - 1
		}
	}
}

// Categorical returns an index drawn proportionally to weights. Negative
// weights count as zero; if no weight is positive the last index is
// returned.
func (s *Stream) Categorical(weights []float64) int {
	if len(weights) == 0 {
		panic("rng: Categorical with no weights")
	}
	total := 0.0
	for _, w := range weights {
		if w > 0 {
			total += w
		}
	}
	if total <= 0 {
		return len(weights) - 1
	}
	u := s.Float64() * total
	acc := 0.0
	for i, w := range weights {
		if w <= 0 {
			continue
		}
		acc += w
		if u < acc {
			return i
		}
	}
	return len(weights) - 1
}

// StreamState is one stream's persisted form.
type StreamState struct {
	Name  string
	Key   uint64
	Count uint64
}

// State is the manager's persisted form. Streams are sorted by name so the
// encoding inside snapshots is canonical.
type State struct {
	Seed    uint64
	Streams []StreamState
}

// Manager allocates and tracks named streams. It is only ever mutated from
// the single tick goroutine, so it carries no locks.
type Manager struct {
	seed    uint64
	streams map[string]*Stream
}

func New(seed uint64) *Manager {
	return &Manager{seed: seed, streams: map[string]*Stream{}}
}

func (m *Manager) Seed() uint64 { return m.seed }

// Reset discards all streams and installs a new global seed.
func (m *Manager) Reset(seed uint64) {
	m.seed = seed
	m.streams = map[string]*Stream{}
}

// Stream returns the stream for name, creating it at count zero on first
// use. The call is idempotent: the same name always yields a handle over the
// same logical stream.
func (m *Manager) Stream(name string) *Stream {
	if s, ok := m.streams[name]; ok {
		return s
	}
	s := &Stream{name: name, key: streamKey(m.seed, name)}
	m.streams[name] = s
	return s
}

// ExportState captures every stream's counter, sorted by name.
func (m *Manager) ExportState() State {
	st := State{Seed: m.seed, Streams: make([]StreamState, 0, len(m.streams))}
	for _, s := range m.streams {
		st.Streams = append(st.Streams, StreamState{Name: s.name, Key: s.key, Count: s.count})
	}
	sort.Slice(st.Streams, func(i, j int) bool { return st.Streams[i].Name < st.Streams[j].Name })
	return st
}

// ImportState replaces all stream state. Restoring from a snapshot must
// reproduce identical subsequent draws to a run that never snapshotted;
// existing handles are invalidated, callers re-acquire streams by name.
func (m *Manager) ImportState(st State) {
	m.seed = st.Seed
	m.streams = make(map[string]*Stream, len(st.Streams))
	for _, ss := range st.Streams {
		m.streams[ss.Name] = &Stream{name: ss.Name, key: ss.Key, count: ss.Count}
	}
}
