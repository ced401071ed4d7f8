package engine

import (
	"bytes"
	"crypto/sha256"
	"encoding/gob"
	"encoding/hex"
	"fmt"
	"math"

	"econsim.ai/internal/sim/rng"
)

// payloadV1 is the full simulation state captured in every snapshot: the
// clock, all RNG stream counters and every group's serialized state, in
// registration order. Only scalars and slices, so the gob encoding is
// canonical and the content hash is meaningful.
type payloadV1 struct {
	Version int
	Tick    uint64
	Rng     rng.State
	Groups  []groupStateV1
}

type groupStateV1 struct {
	Name string
	Data []byte
}

const payloadVersion = 1

func (s *Scheduler) encodePayload() ([]byte, error) {
	p := payloadV1{
		Version: payloadVersion,
		Tick:    s.tick,
		Rng:     s.rng.ExportState(),
		Groups:  make([]groupStateV1, len(s.groups)),
	}
	for i, g := range s.groups {
		data, err := g.SerializeState()
		if err != nil {
			return nil, fmt.Errorf("engine: serialize group %s: %w", g.Name(), err)
		}
		p.Groups[i] = groupStateV1{Name: g.Name(), Data: data}
	}
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(&p); err != nil {
		return nil, fmt.Errorf("engine: encode payload: %w", err)
	}
	return buf.Bytes(), nil
}

func decodePayload(data []byte) (*payloadV1, error) {
	var p payloadV1
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&p); err != nil {
		return nil, fmt.Errorf("engine: decode payload: %w", err)
	}
	if p.Version != payloadVersion {
		return nil, fmt.Errorf("engine: unsupported payload version %d", p.Version)
	}
	return &p, nil
}

// restorePayload applies a decoded payload: clock, RNG streams and all
// group states. The group set is verified against the payload before
// anything is mutated so a mismatched snapshot cannot leave partial state.
func (s *Scheduler) restorePayload(p *payloadV1) error {
	if len(p.Groups) != len(s.groups) {
		return fmt.Errorf("engine: payload has %d groups, scheduler has %d", len(p.Groups), len(s.groups))
	}
	for i, g := range s.groups {
		if p.Groups[i].Name != g.Name() {
			return fmt.Errorf("engine: payload group %d is %q, scheduler has %q", i, p.Groups[i].Name, g.Name())
		}
	}
	for i, g := range s.groups {
		if err := g.RestoreState(p.Groups[i].Data); err != nil {
			return fmt.Errorf("engine: restore group %s: %w", g.Name(), err)
		}
	}
	s.rng.ImportState(p.Rng)
	s.tick = p.Tick
	return nil
}

func (s *Scheduler) restorePayloadBytes(data []byte) error {
	p, err := decodePayload(data)
	if err != nil {
		return err
	}
	return s.restorePayload(p)
}

// PayloadInfo is the inspectable header of a snapshot payload, for tooling.
type PayloadInfo struct {
	Version    int
	Tick       uint64
	Seed       uint64
	RngStreams []RngStreamInfo
	Groups     []GroupInfo
}

type RngStreamInfo struct {
	Name  string
	Count uint64
}

type GroupInfo struct {
	Name  string
	Bytes int
}

// InspectPayload decodes a raw snapshot payload without applying it.
func InspectPayload(data []byte) (PayloadInfo, error) {
	p, err := decodePayload(data)
	if err != nil {
		return PayloadInfo{}, err
	}
	info := PayloadInfo{Version: p.Version, Tick: p.Tick, Seed: p.Rng.Seed}
	for _, st := range p.Rng.Streams {
		info.RngStreams = append(info.RngStreams, RngStreamInfo{Name: st.Name, Count: st.Count})
	}
	for _, g := range p.Groups {
		info.Groups = append(info.Groups, GroupInfo{Name: g.Name, Bytes: len(g.Data)})
	}
	return info, nil
}

// ResumeLatest restores the newest stored snapshot, if any. It must be
// called before Run; once the loop owns the scheduler state the only way
// back in time is RewindTo.
func (s *Scheduler) ResumeLatest() (uint64, bool, error) {
	if s.store == nil {
		return 0, false, nil
	}
	info, ok, err := s.store.NearestAtOrBefore(math.MaxUint64)
	if err != nil || !ok {
		return 0, false, err
	}
	data, _, err := s.store.Load(info.Tick)
	if err != nil {
		return 0, false, err
	}
	p, err := decodePayload(data)
	if err != nil {
		return 0, false, err
	}
	if err := s.restorePayload(p); err != nil {
		return 0, false, err
	}
	s.refreshStatus()
	return info.Tick, true, nil
}

// StateDigest returns the SHA-256 of the current full state payload. Two
// runs from the same seed and command sequence produce identical digests at
// every tick.
func (s *Scheduler) StateDigest() (string, error) {
	data, err := s.encodePayload()
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}
