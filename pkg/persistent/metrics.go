package persistent

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"
)

// CreateTrackingHistograms registers a used-percent histogram and a
// corruption counter for the allocator, labeled with name. Read-only
// allocators and an empty name register nothing. Collectors already
// registered under the same labels are reused.
func (a *Allocator) CreateTrackingHistograms(name string, reg prometheus.Registerer) error {
	if name == "" || a.mode == ReadOnly {
		return nil
	}
	labels := prometheus.Labels{"allocator": name}
	hist := prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace:   "shmem",
		Subsystem:   "persistent_allocator",
		Name:        "used_percent",
		Help:        "Share of the segment in use, sampled by UpdateTrackingHistograms.",
		ConstLabels: labels,
		Buckets:     prometheus.LinearBuckets(1, 5, 21),
	})
	errs := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace:   "shmem",
		Subsystem:   "persistent_allocator",
		Name:        "corruptions_total",
		Help:        "Times the segment was found corrupt.",
		ConstLabels: labels,
	})
	var err error
	if hist, err = registerOrReuse(reg, hist); err != nil {
		return err
	}
	if errs, err = registerOrReuse(reg, errs); err != nil {
		return err
	}
	a.usedHist = hist
	a.errors = errs
	return nil
}

func registerOrReuse[C prometheus.Collector](reg prometheus.Registerer, c C) (C, error) {
	if err := reg.Register(c); err != nil {
		var are prometheus.AlreadyRegisteredError
		if errors.As(err, &are) {
			if existing, ok := are.ExistingCollector.(C); ok {
				return existing, nil
			}
		}
		return c, err
	}
	return c, nil
}

// UpdateTrackingHistograms samples how full the segment is.
func (a *Allocator) UpdateTrackingHistograms() {
	if a.usedHist == nil || a.mode == ReadOnly {
		return
	}
	info := a.MemoryInfo()
	usedPercent := (info.Total - info.Free) * 100 / info.Total
	a.usedHist.Observe(float64(usedPercent))
}
