package main

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"
	"unsafe"

	"github.com/dustin/go-humanize"
	"github.com/panjf2000/ants/v2"

	"github.com/srediag/shmem/pkg/persistent"
	"github.com/srediag/shmem/pkg/shm"
)

const stressRecordType = 0x57E55001

type stressRecord struct {
	Writer uint32
	Seq    uint32
	Check  uint64
}

func (r *stressRecord) valid() bool {
	return r.Check == uint64(r.Writer)<<32|uint64(r.Seq)
}

type stressCmd struct {
	Size     shm.ByteSize `help:"Segment size" default:"64MiB"`
	Writers  int          `help:"Concurrent writers" default:"8"`
	Readers  int          `help:"Concurrent readers" default:"4"`
	Records  int          `help:"Records per writer" default:"10000"`
	File     string       `help:"Back the segment with this file instead of anonymous memory"`
	Snapshot string       `help:"Write a snapshot of the segment to this file when done"`
}

type stressResult struct {
	written atomic.Int64
	seen    atomic.Int64
	torn    atomic.Int64
}

func (c *stressCmd) Run(g *globals) error {
	if c.Writers <= 0 || c.Readers < 0 || c.Records <= 0 {
		return errors.New("writers and records must be positive")
	}
	var a *persistent.Allocator
	if c.File != "" {
		f, err := persistent.OpenFileAllocator(c.File, int(c.Size), 1, "shmtool-stress", persistent.ReadWrite)
		if err != nil {
			return err
		}
		defer f.Close()
		a = f.Allocator
	} else {
		l, err := persistent.NewLocalAllocator(int(c.Size), 1, "shmtool-stress")
		if err != nil {
			return err
		}
		defer l.Close()
		a = l.Allocator
	}

	res, elapsed, err := runStress(a, c.Writers, c.Readers, c.Records)
	if err != nil {
		return err
	}
	fmt.Fprintf(g.out, "wrote %s records in %v (%s/s), readers saw %s, torn %d\n",
		humanize.Comma(res.written.Load()), elapsed.Round(time.Millisecond),
		humanize.Comma(int64(float64(res.written.Load())/elapsed.Seconds())),
		humanize.Comma(res.seen.Load()), res.torn.Load())
	if err := describe(g, a, true); err != nil {
		return err
	}
	if c.Snapshot != "" {
		if err := a.WriteSnapshot(c.Snapshot); err != nil {
			return err
		}
	}
	if err := a.Flush(true); err != nil {
		return err
	}
	if res.torn.Load() != 0 || a.IsCorrupt() {
		return errors.New("stress run found inconsistent records")
	}
	return nil
}

// runStress publishes records from writers while readers walk the list.
// Writers stop early when the segment fills up.
func runStress(a *persistent.Allocator, writers, readers, records int) (*stressResult, time.Duration, error) {
	pool, err := ants.NewPool(writers + readers)
	if err != nil {
		return nil, 0, err
	}
	defer pool.Release()

	res := &stressResult{}
	var done atomic.Bool
	var writersWG, readersWG sync.WaitGroup
	start := time.Now()

	for r := 0; r < readers; r++ {
		readersWG.Add(1)
		err := pool.Submit(func() {
			defer readersWG.Done()
			it := persistent.NewIterator(a)
			for {
				finished := done.Load()
				for rec := persistent.GetNextObject[stressRecord](it, stressRecordType); rec != nil; rec = persistent.GetNextObject[stressRecord](it, stressRecordType) {
					res.seen.Add(1)
					if !rec.valid() {
						res.torn.Add(1)
					}
				}
				if finished || a.IsCorrupt() {
					return
				}
			}
		})
		if err != nil {
			readersWG.Done()
			done.Store(true)
			readersWG.Wait()
			return nil, 0, err
		}
	}

	for w := 0; w < writers; w++ {
		writersWG.Add(1)
		writer := uint32(w)
		err := pool.Submit(func() {
			defer writersWG.Done()
			for seq := uint32(0); seq < uint32(records); seq++ {
				ref := a.Reserve(int(unsafe.Sizeof(stressRecord{})))
				if ref == persistent.ReferenceNull {
					return
				}
				rec := persistent.GetAsObject[stressRecord](a, ref, persistent.TypeIDAny)
				rec.Writer, rec.Seq = writer, seq
				rec.Check = uint64(writer)<<32 | uint64(seq)
				if a.Publish(ref, stressRecordType) {
					res.written.Add(1)
				}
			}
		})
		if err != nil {
			writersWG.Done()
			break
		}
	}
	writersWG.Wait()
	elapsed := time.Since(start)
	done.Store(true)
	readersWG.Wait()
	return res, elapsed, nil
}
