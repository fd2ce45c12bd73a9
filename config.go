// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package pgasrt

import (
	"time"

	"github.com/grailbio/base/config"
)

// Config holds every knob Init needs before a core can start running:
// worker pool sizing, the locale's memory budget and how it's split,
// and the aggregator's batching parameters. Init starts from
// DefaultConfig and applies its Options on top.
type Config struct {
	// StartingWorkers is how many wpool.Worker goroutines this core's
	// Pool pre-populates with (spec.md §4.2).
	StartingWorkers int
	// PeriodicEvery is how many scheduler switches elapse between
	// runs of the periodic worker set (the comm/aggregator poller,
	// task.Manager's stealer).
	PeriodicEvery int

	// NodeMemsizeBytes is the physical memory available to this
	// core's locale; LocaleSharedFraction of it is handed to
	// footprint.Negotiator as the shared-heap budget.
	NodeMemsizeBytes       int64
	LocaleSharedFraction   float64
	LocaleUserHeapFraction float64

	// GlobalHeapBytes configures the global (cross-locale) heap size
	// directly; 0 or negative auto-sizes it as GlobalHeapFraction of
	// the locale-shared budget (spec.md §9's open question on
	// auto-sizing, resolved by footprint.ResolveGlobalHeapBytes).
	GlobalHeapBytes    int64
	GlobalHeapFraction float64

	// AggregatorMaxBytes and AggregatorMaxAge bound how long a
	// message to a given destination waits in comm.Aggregator before
	// being flushed.
	AggregatorMaxBytes int
	AggregatorMaxAge   time.Duration

	// StealBatch and MaxStealRetries configure task.Manager's
	// work-stealing policy.
	StealBatch      int
	MaxStealRetries int

	// SetAffinity (spec.md §4.2) and GlobalMemoryUseHugepages are
	// carried in Config only: nothing in pgasrt reads either, so
	// setting them pins no thread to a CPU and requests no
	// hugepage-backed allocation. Both default false.
	SetAffinity              bool
	GlobalMemoryUseHugepages bool
}

// DefaultConfig returns the Config Init uses when no Options override
// a field.
func DefaultConfig() Config {
	return Config{
		StartingWorkers:        4,
		PeriodicEvery:          64,
		NodeMemsizeBytes:       1 << 30,
		LocaleSharedFraction:   0.5,
		LocaleUserHeapFraction: 0.5,
		GlobalHeapBytes:        0,
		GlobalHeapFraction:     0.5,
		AggregatorMaxBytes:     4096,
		AggregatorMaxAge:       500 * time.Microsecond,
		StealBatch:             8,
		MaxStealRetries:        4,
	}
}

// Option mutates a Config; Init applies every Option supplied to it
// on top of DefaultConfig, in order.
type Option func(*Config)

func StartingWorkers(n int) Option { return func(c *Config) { c.StartingWorkers = n } }
func PeriodicEvery(n int) Option   { return func(c *Config) { c.PeriodicEvery = n } }

func NodeMemsizeBytes(n int64) Option { return func(c *Config) { c.NodeMemsizeBytes = n } }
func LocaleSharedFraction(f float64) Option {
	return func(c *Config) { c.LocaleSharedFraction = f }
}
func LocaleUserHeapFraction(f float64) Option {
	return func(c *Config) { c.LocaleUserHeapFraction = f }
}

func GlobalHeapBytes(n int64) Option      { return func(c *Config) { c.GlobalHeapBytes = n } }
func GlobalHeapFraction(f float64) Option { return func(c *Config) { c.GlobalHeapFraction = f } }

func AggregatorMaxBytes(n int) Option { return func(c *Config) { c.AggregatorMaxBytes = n } }
func AggregatorMaxAge(d time.Duration) Option {
	return func(c *Config) { c.AggregatorMaxAge = d }
}

func StealBatch(n int) Option      { return func(c *Config) { c.StealBatch = n } }
func MaxStealRetries(n int) Option { return func(c *Config) { c.MaxStealRetries = n } }

func SetAffinity(b bool) Option { return func(c *Config) { c.SetAffinity = b } }
func GlobalMemoryUseHugepages(b bool) Option {
	return func(c *Config) { c.GlobalMemoryUseHugepages = b }
}

// init registers the "pgasrt" profile with github.com/grailbio/base/config,
// the same mechanism exec/config.go uses to register "bigslice": a
// config.Instance exposes this Config's numeric knobs as flags, and
// New resolves them into a Config value a caller can fetch with
// config.Must("pgasrt", &cfg).
func init() {
	config.Register("pgasrt", func(inst *config.Constructor) {
		cfg := DefaultConfig()
		inst.IntVar(&cfg.StartingWorkers, "starting-workers", cfg.StartingWorkers, "worker goroutines each core's pool starts with")
		inst.IntVar(&cfg.PeriodicEvery, "periodic-every", cfg.PeriodicEvery, "scheduler switches between periodic worker runs")
		inst.FloatVar(&cfg.LocaleSharedFraction, "locale-shared-fraction", cfg.LocaleSharedFraction, "fraction of node memory reserved for the locale-shared heap")
		inst.FloatVar(&cfg.LocaleUserHeapFraction, "locale-user-heap-fraction", cfg.LocaleUserHeapFraction, "fraction of node memory reserved for the per-core user heap")
		inst.FloatVar(&cfg.GlobalHeapFraction, "global-heap-fraction", cfg.GlobalHeapFraction, "fraction of the locale-shared budget auto-sized into the global heap when GlobalHeapBytes is unset")
		inst.IntVar(&cfg.AggregatorMaxBytes, "aggregator-max-bytes", cfg.AggregatorMaxBytes, "per-destination aggregation buffer size before a forced flush")
		inst.IntVar(&cfg.StealBatch, "steal-batch", cfg.StealBatch, "maximum tasks carried by a single steal reply")
		inst.IntVar(&cfg.MaxStealRetries, "max-steal-retries", cfg.MaxStealRetries, "victims tried before a thief declares itself quiescent")
		inst.Doc = "pgasrt configures the PGAS runtime's worker pool, footprint negotiation, and aggregation"
		inst.New = func() (interface{}, error) {
			return &cfg, nil
		}
	})
}
