package main

import (
	"fmt"
	"sort"

	"github.com/dustin/go-humanize"

	"github.com/srediag/shmem/pkg/persistent"
)

type inspectCmd struct {
	File  string `arg:"" help:"Allocator file" type:"existingfile"`
	Types bool   `help:"Count iterable records per type"`
}

func (c *inspectCmd) Run(g *globals) error {
	a, err := persistent.OpenFileAllocator(c.File, 0, 0, "", persistent.ReadOnly)
	if err != nil {
		return err
	}
	defer a.Close()
	return describe(g, a.Allocator, c.Types)
}

func describe(g *globals, a *persistent.Allocator, types bool) error {
	info := a.MemoryInfo()
	fmt.Fprintf(g.out, "name:     %q\n", a.Name())
	fmt.Fprintf(g.out, "id:       %d\n", a.Id())
	fmt.Fprintf(g.out, "version:  %d\n", a.Version())
	fmt.Fprintf(g.out, "state:    %d\n", a.MemoryState())
	fmt.Fprintf(g.out, "size:     %s\n", humanize.IBytes(info.Total))
	fmt.Fprintf(g.out, "used:     %s\n", humanize.IBytes(uint64(a.Used())))
	fmt.Fprintf(g.out, "free:     %s\n", humanize.IBytes(info.Free))
	fmt.Fprintf(g.out, "full:     %v\n", a.IsFull())

	counts := map[uint32]int{}
	records := 0
	for _, typ := range persistent.NewIterator(a).All() {
		counts[typ]++
		records++
	}
	fmt.Fprintf(g.out, "records:  %s\n", humanize.Comma(int64(records)))
	fmt.Fprintf(g.out, "corrupt:  %v\n", a.IsCorrupt())
	if !types {
		return nil
	}
	ids := make([]uint32, 0, len(counts))
	for id := range counts {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	for _, id := range ids {
		fmt.Fprintf(g.out, "  type %#08x: %d\n", id, counts[id])
	}
	return nil
}
