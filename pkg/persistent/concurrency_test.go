package persistent

import (
	"sort"
	"sync"
	"sync/atomic"
	"testing"
	"unsafe"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordKey struct {
	Writer uint32
	Seq    uint32
}

func TestConcurrentPublishAndIterate(t *testing.T) {
	const (
		writers    = 8
		perWriter  = 400
		readers    = 4
		recordSize = int(unsafe.Sizeof(testRecord{}))
	)
	a := newTestAllocator(t, 1<<20, 0, "stress")

	var done atomic.Bool
	seen := make([][]recordKey, readers)
	var readersWG sync.WaitGroup
	for r := 0; r < readers; r++ {
		readersWG.Add(1)
		go func(r int) {
			defer readersWG.Done()
			it := NewIterator(a)
			drain := func() {
				for ref, typ := range it.All() {
					if typ != testRecordType {
						continue
					}
					rec := GetAsObject[testRecord](a, ref, testRecordType)
					if rec == nil || rec.Writer >= writers || rec.Seq >= perWriter || rec.Value != uint64(rec.Writer)<<32|uint64(rec.Seq) {
						t.Errorf("reader %d saw a torn record at %d: %+v", r, ref, rec)
						return
					}
					seen[r] = append(seen[r], recordKey{rec.Writer, rec.Seq})
				}
			}
			for !done.Load() {
				drain()
			}
			drain()
		}(r)
	}

	var writersWG sync.WaitGroup
	for w := 0; w < writers; w++ {
		writersWG.Add(1)
		go func(w uint32) {
			defer writersWG.Done()
			for seq := uint32(0); seq < perWriter; seq++ {
				ref := a.Reserve(recordSize)
				if ref == ReferenceNull {
					t.Errorf("writer %d: allocation %d failed", w, seq)
					return
				}
				rec := GetAsObject[testRecord](a, ref, TypeIDAny)
				rec.Writer, rec.Seq, rec.Value = w, seq, uint64(w)<<32|uint64(seq)
				if !a.Publish(ref, testRecordType) {
					t.Errorf("writer %d: publish %d failed", w, seq)
					return
				}
			}
		}(uint32(w))
	}
	writersWG.Wait()
	done.Store(true)
	readersWG.Wait()

	require.False(t, a.IsCorrupt())
	var want []recordKey
	for w := uint32(0); w < writers; w++ {
		for seq := uint32(0); seq < perWriter; seq++ {
			want = append(want, recordKey{w, seq})
		}
	}
	for r, got := range seen {
		sort.Slice(got, func(i, j int) bool {
			if got[i].Writer != got[j].Writer {
				return got[i].Writer < got[j].Writer
			}
			return got[i].Seq < got[j].Seq
		})
		if diff := cmp.Diff(want, got); diff != "" {
			t.Errorf("reader %d records mismatch (-want +got):\n%s", r, diff)
		}
	}
}

func TestSharedIteratorHandsOutEachBlockOnce(t *testing.T) {
	a := newTestAllocator(t, 1<<16, 0, "")
	const n = 500
	for i := 0; i < n; i++ {
		ref := a.Allocate(8, testRecordType)
		require.NotEqual(t, ReferenceNull, ref)
		a.MakeIterable(ref)
	}

	it := NewIterator(a)
	var mu sync.Mutex
	got := map[Reference]int{}
	var wg sync.WaitGroup
	for g := 0; g < 6; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				ref := it.NextOfType(testRecordType)
				if ref == ReferenceNull {
					return
				}
				mu.Lock()
				got[ref]++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Len(t, got, n)
	for ref, count := range got {
		assert.Equal(t, 1, count, "ref %d", ref)
	}
	assert.False(t, a.IsCorrupt())
}

func TestDelayedAllocationConverges(t *testing.T) {
	a := newTestAllocator(t, 1<<16, 0, "")
	var slot atomic.Uint32
	const racers = 16

	results := make([][]byte, racers)
	var wg sync.WaitGroup
	for i := 0; i < racers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			d := NewDelayedAllocation(a, &slot, testRecordType, 64, 16)
			results[i] = d.Get()
		}(i)
	}
	wg.Wait()

	ref := Reference(slot.Load())
	require.NotEqual(t, ReferenceNull, ref)
	assert.Equal(t, uint32(testRecordType), a.GetType(ref))
	want := unsafe.SliceData(a.GetBlockData(ref, testRecordType, 64)[16:])
	for i, b := range results {
		require.Len(t, b, 48, "racer %d", i)
		assert.Same(t, want, unsafe.SliceData(b), "racer %d", i)
	}
}

func TestDelayedAllocationSlotInSegment(t *testing.T) {
	a := newTestAllocator(t, 4096, 0, "")
	holder := a.Allocate(8, otherType)
	slot := SlotAt(a.GetBlockData(holder, otherType, 8))
	require.NotNil(t, slot)

	d := NewDelayedAllocation(a, slot, testRecordType, 32, 0)
	assert.Equal(t, ReferenceNull, d.Reference())
	b := d.Get()
	require.Len(t, b, 32)
	b[0] = 7

	// Another view of the same slot, as another process would have.
	other := NewDelayedAllocation(a, SlotAt(a.GetBlockData(holder, otherType, 8)), testRecordType, 32, 0)
	assert.Equal(t, d.Reference(), other.Reference())
	assert.Equal(t, byte(7), other.Get()[0])

	assert.Nil(t, SlotAt(make([]byte, 3)))
}

func TestDelayedAllocationFailures(t *testing.T) {
	a := newTestAllocator(t, 128, 0, "")
	var slot atomic.Uint32
	assert.Nil(t, NewDelayedAllocation(a, &slot, 1, 0, 0))
	assert.Nil(t, NewDelayedAllocation(a, &slot, 1, 8, 8))

	d := NewDelayedAllocation(a, &slot, 1, 1000, 0)
	assert.Nil(t, d.Get(), "does not fit")
	assert.Equal(t, ReferenceNull, d.Reference())

	// A stored reference of the wrong type is not used.
	ref := a.Allocate(8, 2)
	slot.Store(uint32(ref))
	assert.Nil(t, NewDelayedAllocation(a, &slot, 1, 8, 0).Get())
}
