package delta

import (
	"bytes"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestChainStoreCausality(t *testing.T) {
	s := NewChainStore(4096)
	const base = PageAddress(100)
	line := &Line{ID: 3, FirstPage: 1000, Pages: 8}

	_, ok := s.Head(base)
	require.False(t, ok)

	a, err := s.RecordDeltas(base, line, Patch{Offset: 0, Data: []byte("AAAA")})
	require.NoError(t, err)
	b, err := s.RecordDeltas(base, nil, Patch{Offset: 2, Data: []byte("BB")})
	require.NoError(t, err)
	c, err := s.RecordDeltas(base, nil, Patch{Offset: 3, Data: []byte("C")})
	require.NoError(t, err)

	t.Run("ids are assigned from one", func(t *testing.T) {
		require.Equal(t, ChainID(1), a)
		require.Equal(t, ChainID(2), b)
		require.Equal(t, ChainID(3), c)
	})

	t.Run("each version points at the previous head", func(t *testing.T) {
		md, ok := s.Get(c)
		require.True(t, ok)
		require.Equal(t, b, md.Previous)
		md, _ = s.Get(b)
		require.Equal(t, a, md.Previous)
		md, _ = s.Get(a)
		require.Equal(t, NoChain, md.Previous)
	})

	t.Run("resolve walks newest to oldest", func(t *testing.T) {
		entries := s.ResolveChain(base)
		require.Equal(t, []DeltaMetadataEntry{
			{BlockOffset: 2, PageOffset: 3, Size: 1},
			{BlockOffset: 1, PageOffset: 2, Size: 2},
			{BlockOffset: 0, PageOffset: 0, Size: 4},
		}, entries)

		versions := s.Versions(base)
		require.Len(t, versions, 3)
		require.Equal(t, []ChainID{c, b, a}, []ChainID{versions[0].ID, versions[1].ID, versions[2].ID})
	})

	t.Run("reconstruct applies oldest to newest", func(t *testing.T) {
		page := bytes.Repeat([]byte{'.'}, 4096)
		got, err := s.Reconstruct(base, page)
		require.NoError(t, err)
		require.Equal(t, "AABC....", string(got[:8]))
		require.Equal(t, byte('.'), page[0], "base page must not be modified")
	})

	t.Run("head tracks the line", func(t *testing.T) {
		ci, ok := s.Head(base)
		require.True(t, ok)
		require.Equal(t, c, ci.Head)
		require.Equal(t, 3, ci.Length)
		require.Equal(t, 3, ci.NextBlock)
		require.Equal(t, uint32(3), ci.Line.ID)
		require.False(t, ci.Full(5))
		require.True(t, ci.Full(6))
	})
}

func TestChainStorePayloadIsCopied(t *testing.T) {
	s := NewChainStore(64)
	data := []byte("hello")
	_, id, err := s.RecordDelta(7, 10, data)
	require.NoError(t, err)
	copy(data, "XXXXX")

	md, ok := s.Get(id)
	require.True(t, ok)
	require.Equal(t, []byte("hello"), md.Payload(0))
	require.Nil(t, md.Payload(1))
}

func TestChainStoreLineSwitch(t *testing.T) {
	s := NewChainStore(512)
	first := &Line{ID: 1, FirstPage: 0, Pages: 2}
	second := &Line{ID: 2, FirstPage: 2, Pages: 2}

	_, err := s.RecordDeltas(5, first, Patch{Offset: 0, Data: []byte{1}}, Patch{Offset: 8, Data: []byte{2}})
	require.NoError(t, err)
	ci, _ := s.Head(5)
	require.True(t, ci.Full(1))

	id, err := s.RecordDeltas(5, second, Patch{Offset: 16, Data: []byte{3}})
	require.NoError(t, err)
	md, _ := s.Get(id)
	require.Equal(t, uint32(2), md.Line.ID)
	require.Equal(t, uint16(0), md.Entries[0].BlockOffset)

	// The chain crosses lines but stays linked
	require.Len(t, s.ResolveChain(5), 3)
	require.Equal(t, 2, s.ChainLength(5))
}

func TestChainStoreRejectsBadPatches(t *testing.T) {
	s := NewChainStore(16)
	tests := []struct {
		name  string
		patch []Patch
	}{
		{"no patches", nil},
		{"empty data", []Patch{{Offset: 0}}},
		{"negative offset", []Patch{{Offset: -1, Data: []byte{1}}}},
		{"past page end", []Patch{{Offset: 10, Data: make([]byte, 7)}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := s.RecordDeltas(1, nil, tt.patch...)
			require.ErrorIs(t, err, ErrPayloadSize)
		})
	}
	require.Equal(t, 0, s.Len())
	require.Equal(t, 0, s.Bases())
}

func TestChainStoreDetach(t *testing.T) {
	s := NewChainStore(32)
	_, _, err := s.RecordDelta(9, 0, []byte("old"))
	require.NoError(t, err)

	ci, ok := s.Detach(9)
	require.True(t, ok)
	require.Equal(t, 1, ci.Length)
	_, ok = s.Detach(9)
	require.False(t, ok)

	_, err = s.Reconstruct(9, make([]byte, 32))
	require.ErrorIs(t, err, ErrNoChain)

	_, id, err := s.RecordDelta(9, 0, []byte("new"))
	require.NoError(t, err)
	md, _ := s.Get(id)
	require.Equal(t, NoChain, md.Previous)
	require.Equal(t, 2, s.Len(), "detached records stay in the arena")
}

func TestChainStoreReconstructSizeMismatch(t *testing.T) {
	s := NewChainStore(32)
	_, _, err := s.RecordDelta(1, 0, []byte("x"))
	require.NoError(t, err)
	_, err = s.Reconstruct(1, make([]byte, 16))
	require.ErrorIs(t, err, ErrPayloadSize)
}

func TestChainStoreConcurrentBases(t *testing.T) {
	s := NewChainStore(4096)
	var wg sync.WaitGroup
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			base := PageAddress(w)
			for i := 0; i < 100; i++ {
				if _, _, err := s.RecordDelta(base, i, []byte(fmt.Sprintf("%d", i%10))); err != nil {
					t.Error(err)
					return
				}
			}
		}(w)
	}
	wg.Wait()

	require.Equal(t, 800, s.Len())
	require.Equal(t, 8, s.Bases())
	for w := 0; w < 8; w++ {
		require.Equal(t, 100, s.ChainLength(PageAddress(w)))
		require.Len(t, s.ResolveChain(PageAddress(w)), 100)
	}
}

func TestChainStoreAppend(t *testing.T) {
	s := NewChainStore(512)
	var lines []Line
	alloc := func(base PageAddress) (*Line, error) {
		l := Line{ID: uint32(len(lines) + 1), FirstPage: PageAddress(len(lines) * 2), Pages: 2}
		lines = append(lines, l)
		return &l, nil
	}

	for i := 0; i < 5; i++ {
		id, newLine, err := s.Append(9, alloc, Patch{Offset: i, Data: []byte{byte(i)}})
		require.NoError(t, err)
		require.Equal(t, i%2 == 0, newLine, "write %d", i)
		md, _ := s.Get(id)
		require.Equal(t, uint16(i%2), md.Entries[0].BlockOffset)
		require.Equal(t, uint32(i/2+1), md.Line.ID)
	}
	require.Len(t, lines, 3)
	require.Equal(t, 5, s.ChainLength(9))

	t.Run("allocation failure leaves the chain alone", func(t *testing.T) {
		_, _, err := s.Append(9, func(PageAddress) (*Line, error) {
			return nil, fmt.Errorf("no free lines")
		}, Patch{Offset: 0, Data: []byte{1}}, Patch{Offset: 1, Data: []byte{2}})
		require.ErrorIs(t, err, ErrProvision)
		require.Equal(t, 5, s.ChainLength(9))
	})

	t.Run("line smaller than the patch set", func(t *testing.T) {
		_, _, err := s.Append(10, func(PageAddress) (*Line, error) {
			return &Line{ID: 99, Pages: 1}, nil
		}, Patch{Offset: 0, Data: []byte{1}}, Patch{Offset: 1, Data: []byte{2}})
		require.ErrorIs(t, err, ErrPayloadSize)
		_, ok := s.Head(10)
		require.False(t, ok)
	})
}

func TestChainStoreAppendSharedBase(t *testing.T) {
	s := NewChainStore(4096)
	const pagesPerLine = 4

	var mu sync.Mutex
	nextID := uint32(0)
	alloc := func(PageAddress) (*Line, error) {
		mu.Lock()
		defer mu.Unlock()
		nextID++
		return &Line{ID: nextID, Pages: pagesPerLine}, nil
	}

	const writers, perWriter = 8, 100
	var wg sync.WaitGroup
	for w := 0; w < writers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < perWriter; i++ {
				if _, _, err := s.Append(7, alloc, Patch{Offset: i, Data: []byte{1}}); err != nil {
					t.Error(err)
					return
				}
			}
		}()
	}
	wg.Wait()

	versions := s.Versions(7)
	require.Len(t, versions, writers*perWriter)
	require.Equal(t, uint32(writers*perWriter/pagesPerLine), nextID)

	used := make(map[[2]uint32]bool)
	for _, v := range versions {
		off := v.Entries[0].BlockOffset
		require.Less(t, int(off), pagesPerLine)
		key := [2]uint32{v.Line.ID, uint32(off)}
		require.False(t, used[key], "line %d block %d written twice", v.Line.ID, off)
		used[key] = true
	}
}
