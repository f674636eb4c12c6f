package shm

import (
	"cmp"
	"slices"

	cmap "github.com/orcaman/concurrent-map/v2"
)

// TrackedRegion is the live mapping footprint of one region in this process,
// summed over every mapping made from it or from its duplicates.
type TrackedRegion struct {
	GUID     GUID
	Mappings int
	Bytes    uint64
}

var tracker = cmap.NewStringer[GUID, TrackedRegion]()

func track(guid GUID, bytes uint64) {
	tracker.Upsert(guid, TrackedRegion{GUID: guid, Mappings: 1, Bytes: bytes},
		func(exist bool, old, fresh TrackedRegion) TrackedRegion {
			if !exist {
				return fresh
			}
			old.Mappings++
			old.Bytes += bytes
			return old
		})
}

func untrack(guid GUID, bytes uint64) {
	tracker.Upsert(guid, TrackedRegion{GUID: guid},
		func(exist bool, old, fresh TrackedRegion) TrackedRegion {
			if !exist {
				return fresh
			}
			old.Mappings--
			old.Bytes -= bytes
			return old
		})
	tracker.RemoveCb(guid, func(_ GUID, v TrackedRegion, exists bool) bool {
		return exists && v.Mappings <= 0
	})
}

// Tracked lists the regions that currently have mappings in this process.
func Tracked() []TrackedRegion {
	items := tracker.Items()
	out := make([]TrackedRegion, 0, len(items))
	for _, v := range items {
		out = append(out, v)
	}
	slices.SortFunc(out, func(a, b TrackedRegion) int {
		if c := cmp.Compare(a.GUID.High, b.GUID.High); c != 0 {
			return c
		}
		return cmp.Compare(a.GUID.Low, b.GUID.Low)
	})
	return out
}
