package delta

import (
	"encoding/binary"
	"fmt"
	"sync"

	"github.com/cespare/xxhash/v2"
)

const (
	numChainShards = 64
	chainShardMask = numChainShards - 1
)

// ChainID identifies one DeltaMetadata record in the arena. IDs start at 1.
type ChainID uint64

// NoChain marks the end of a backward chain
const NoChain ChainID = 0

// DeltaMetadataEntry identifies the byte range of one delta write relative to its base page
type DeltaMetadataEntry struct {
	BlockOffset uint16 `json:"blockOffset"` // Page inside the delta line holding the payload
	PageOffset  uint16 `json:"pageOffset"`  // First modified byte of the base page
	Size        uint16 `json:"size"`        // Modified byte count
}

// DeltaMetadata is one version in a base page's delta chain.
// Once a newer version points at it, it is never modified again.
type DeltaMetadata struct {
	ID       ChainID              `json:"id"`
	Entries  []DeltaMetadataEntry `json:"entries"`
	BasePage PageAddress          `json:"basePage"`
	Previous ChainID              `json:"previous"` // NoChain for the first delta over the base page
	Line     Line                 `json:"line"`

	payloads [][]byte
}

// Payload returns the bytes recorded for Entries[i]
func (m DeltaMetadata) Payload(i int) []byte {
	if i < 0 || i >= len(m.payloads) {
		return nil
	}
	return m.payloads[i]
}

// Patch is one byte range written over a base page
type Patch struct {
	Offset int
	Data   []byte
}

// ChainInfo describes the current head of a base page's chain
type ChainInfo struct {
	Head      ChainID `json:"head"`
	Length    int     `json:"length"`
	Line      Line    `json:"line"`
	NextBlock int     `json:"nextBlock"` // Next free page inside Line
}

// Full reports whether n more delta pages would overflow the chain's line
func (ci ChainInfo) Full(n int) bool {
	return ci.NextBlock+n > ci.Line.Pages
}

type chainShard struct {
	mu    sync.RWMutex
	heads map[PageAddress]ChainInfo
}

// ChainStore is an arena of delta metadata records with a per-base-page
// head table. Records are addressed by ChainID, never by pointer.
type ChainStore struct {
	pageSize int

	arenaMu sync.RWMutex
	arena   []DeltaMetadata

	shards [numChainShards]*chainShard
}

// NewChainStore creates an empty store for pages of pageSize bytes
func NewChainStore(pageSize int) *ChainStore {
	s := &ChainStore{
		pageSize: pageSize,
		arena:    make([]DeltaMetadata, 0, 1024),
	}
	for i := range s.shards {
		s.shards[i] = &chainShard{heads: make(map[PageAddress]ChainInfo)}
	}
	return s
}

func (s *ChainStore) shard(base PageAddress) *chainShard {
	var key [8]byte
	binary.LittleEndian.PutUint64(key[:], uint64(base))
	return s.shards[xxhash.Sum64(key[:])&chainShardMask]
}

// Head returns the chain head for base, if a chain exists
func (s *ChainStore) Head(base PageAddress) (ChainInfo, bool) {
	sh := s.shard(base)
	sh.mu.RLock()
	defer sh.mu.RUnlock()
	ci, ok := sh.heads[base]
	return ci, ok
}

// ChainLength returns the number of versions chained to base
func (s *ChainStore) ChainLength(base PageAddress) int {
	ci, _ := s.Head(base)
	return ci.Length
}

// Get returns the record for id
func (s *ChainStore) Get(id ChainID) (DeltaMetadata, bool) {
	s.arenaMu.RLock()
	defer s.arenaMu.RUnlock()
	if id == NoChain || int(id) > len(s.arena) {
		return DeltaMetadata{}, false
	}
	return s.arena[id-1], true
}

// Len returns the number of records in the arena
func (s *ChainStore) Len() int {
	s.arenaMu.RLock()
	defer s.arenaMu.RUnlock()
	return len(s.arena)
}

// Bases returns the number of base pages with a live chain
func (s *ChainStore) Bases() int {
	n := 0
	for _, sh := range s.shards {
		sh.mu.RLock()
		n += len(sh.heads)
		sh.mu.RUnlock()
	}
	return n
}

// RecordDelta appends a single-range delta over base and returns its entry
func (s *ChainStore) RecordDelta(base PageAddress, offset int, data []byte) (DeltaMetadataEntry, ChainID, error) {
	id, err := s.RecordDeltas(base, nil, Patch{Offset: offset, Data: data})
	if err != nil {
		return DeltaMetadataEntry{}, NoChain, err
	}
	md, _ := s.Get(id)
	return md.Entries[0], id, nil
}

// RecordDeltas appends a new version holding patches over base. The new
// version's Previous points at the prior head, which becomes immutable
// history. When line is non-nil the chain moves to that line and block
// offsets restart from its first page. Each patch occupies one delta page.
func (s *ChainStore) RecordDeltas(base PageAddress, line *Line, patches ...Patch) (ChainID, error) {
	if err := s.checkPatches(patches); err != nil {
		return NoChain, err
	}

	sh := s.shard(base)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	ci := sh.heads[base]
	if line != nil {
		ci.Line = *line
		ci.NextBlock = 0
	}
	return s.appendLocked(sh, base, ci, patches), nil
}

// LineAllocator supplies a fresh delta line for a base page
type LineAllocator func(base PageAddress) (*Line, error)

// Append records patches over base, moving the chain to a line from alloc
// when base has no chain yet or its line cannot hold the patches. The
// capacity check and the append share one critical section, so concurrent
// writers to the same base page never overrun a line. alloc runs with the
// base page's shard locked. newLine reports whether alloc was used.
func (s *ChainStore) Append(base PageAddress, alloc LineAllocator, patches ...Patch) (id ChainID, newLine bool, err error) {
	if err := s.checkPatches(patches); err != nil {
		return NoChain, false, err
	}

	sh := s.shard(base)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	ci, ok := sh.heads[base]
	if !ok || ci.Full(len(patches)) {
		line, err := alloc(base)
		if err == nil && line == nil {
			err = fmt.Errorf("no line returned")
		}
		if err != nil {
			return NoChain, false, fmt.Errorf("%w: base page %d: %v", ErrProvision, base, err)
		}
		if line.Pages < len(patches) {
			return NoChain, false, fmt.Errorf("%w: line %d holds %d pages, need %d",
				ErrPayloadSize, line.ID, line.Pages, len(patches))
		}
		ci.Line = *line
		ci.NextBlock = 0
		newLine = true
	}
	return s.appendLocked(sh, base, ci, patches), newLine, nil
}

func (s *ChainStore) checkPatches(patches []Patch) error {
	if len(patches) == 0 {
		return fmt.Errorf("%w: no patches", ErrPayloadSize)
	}
	for _, p := range patches {
		if p.Offset < 0 || len(p.Data) == 0 || p.Offset+len(p.Data) > s.pageSize {
			return fmt.Errorf("%w: offset %d size %d on a %d byte page",
				ErrPayloadSize, p.Offset, len(p.Data), s.pageSize)
		}
	}
	return nil
}

// appendLocked requires sh.mu held
func (s *ChainStore) appendLocked(sh *chainShard, base PageAddress, ci ChainInfo, patches []Patch) ChainID {

	md := DeltaMetadata{
		Entries:  make([]DeltaMetadataEntry, len(patches)),
		BasePage: base,
		Previous: ci.Head,
		Line:     ci.Line,
		payloads: make([][]byte, len(patches)),
	}
	for i, p := range patches {
		md.Entries[i] = DeltaMetadataEntry{
			BlockOffset: uint16(ci.NextBlock + i),
			PageOffset:  uint16(p.Offset),
			Size:        uint16(len(p.Data)),
		}
		md.payloads[i] = append([]byte(nil), p.Data...)
	}

	s.arenaMu.Lock()
	md.ID = ChainID(len(s.arena) + 1)
	s.arena = append(s.arena, md)
	s.arenaMu.Unlock()

	ci.Head = md.ID
	ci.Length++
	ci.NextBlock += len(patches)
	sh.heads[base] = ci
	return md.ID
}

// Versions returns the chain's records from newest to oldest
func (s *ChainStore) Versions(base PageAddress) []DeltaMetadata {
	ci, ok := s.Head(base)
	if !ok {
		return nil
	}
	s.arenaMu.RLock()
	defer s.arenaMu.RUnlock()
	out := make([]DeltaMetadata, 0, ci.Length)
	for id := ci.Head; id != NoChain; id = s.arena[id-1].Previous {
		out = append(out, s.arena[id-1])
	}
	return out
}

// ResolveChain returns every entry chained to base from newest to oldest
func (s *ChainStore) ResolveChain(base PageAddress) []DeltaMetadataEntry {
	versions := s.Versions(base)
	var out []DeltaMetadataEntry
	for _, v := range versions {
		for i := len(v.Entries) - 1; i >= 0; i-- {
			out = append(out, v.Entries[i])
		}
	}
	return out
}

// Reconstruct applies the chain oldest to newest over a copy of basePage
func (s *ChainStore) Reconstruct(base PageAddress, basePage []byte) ([]byte, error) {
	if len(basePage) != s.pageSize {
		return nil, fmt.Errorf("%w: base page is %d bytes, want %d", ErrPayloadSize, len(basePage), s.pageSize)
	}
	versions := s.Versions(base)
	if versions == nil {
		return nil, fmt.Errorf("%w: %d", ErrNoChain, base)
	}
	page := append([]byte(nil), basePage...)
	for v := len(versions) - 1; v >= 0; v-- {
		for i, e := range versions[v].Entries {
			copy(page[e.PageOffset:int(e.PageOffset)+int(e.Size)], versions[v].payloads[i])
		}
	}
	return page, nil
}

// Detach drops base's head so the next delta starts a fresh chain.
// The records stay in the arena. Used once the chain has been consolidated.
func (s *ChainStore) Detach(base PageAddress) (ChainInfo, bool) {
	sh := s.shard(base)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	ci, ok := sh.heads[base]
	delete(sh.heads, base)
	return ci, ok
}
