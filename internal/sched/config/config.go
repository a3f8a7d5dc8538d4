// Package config loads scheduler tunables from YAML, the same way the
// teacher's original config.go did for its slice/tick settings, extended to
// the full set of knobs spec.md §6 enumerates.
package config

import (
	"os"

	yaml "github.com/goccy/go-yaml"
)

// YieldType selects the behavior of yield_current (§6).
type YieldType int

const (
	YieldNoop YieldType = iota
	YieldDeboostRequeue
	YieldSetSkip
)

// CPUDescriptor declares one CPU's position in the topology for
// internal/sched/topology.Build: SMT, LLC and die group ids. CPUs sharing a
// group id are proximate at that level.
type CPUDescriptor struct {
	ID     int  `yaml:"id"`
	SMT    int  `yaml:"smt"`
	LLC    int  `yaml:"llc"`
	Die    int  `yaml:"die"`
	HasSMT bool `yaml:"has_smt"`
}

// Config mirrors config.yaml.
type Config struct {
	TickMS     int     `yaml:"tick_ms"`     // 5 (by default)
	SliceTicks int     `yaml:"slice_ticks"` // 5 (by default)
	Alpha      float64 `yaml:"alpha"`       // 0.01 (by default)

	TimesliceNS  int64     `yaml:"timeslice_ns"`  // base slice size
	ReschedNS    int64     `yaml:"resched_ns"`    // "too little left" threshold
	MaxAdj       int       `yaml:"max_adj"`       // boost_prio range
	YieldType    YieldType `yaml:"yield_type"`    // 0 noop, 1 deboost (default), 2 skip
	MigrationCap int       `yaml:"migration_cap"` // max tasks moved per pull

	MaxRTPrio         int `yaml:"max_rt_prio"`          // RT priority ceiling (prio-space)
	NormalPrioBuckets int `yaml:"normal_prio_buckets"`  // nice -20..19 mapped range

	CPUs []CPUDescriptor `yaml:"cpus"`
}

// defaultConfig returns the values used when no config file is found, the
// same fallback-on-missing-file behavior the teacher's Load had.
func defaultConfig() Config {
	return Config{
		TickMS:     5,
		SliceTicks: 5,
		Alpha:      0.01,

		TimesliceNS:  4 * 1000 * 1000, // 4ms
		ReschedNS:    100 * 1000,      // 100us
		MaxAdj:       12,
		YieldType:    YieldDeboostRequeue,
		MigrationCap: 32,

		MaxRTPrio:         100,
		NormalPrioBuckets: 40,
	}
}

// Load reads YAML and overrides defaults; empty path = defaults only.
func Load(path string) Config {
	cfg := defaultConfig()

	if path == "" {
		return cfg
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg
	}

	_ = yaml.Unmarshal(data, &cfg)
	return clamp(cfg)
}

// clamp applies sanity clamps to whatever YAML produced, the way the
// teacher's Load did inline.
func clamp(cfg Config) Config {
	if cfg.Alpha <= 0 {
		cfg.Alpha = 0.01
	}
	if cfg.SliceTicks <= 0 {
		cfg.SliceTicks = 5
	}
	if cfg.TickMS <= 0 {
		cfg.TickMS = 5
	}
	if cfg.TimesliceNS <= 0 {
		cfg.TimesliceNS = 4 * 1000 * 1000
	}
	if cfg.ReschedNS <= 0 {
		cfg.ReschedNS = 100 * 1000
	}
	if cfg.MaxAdj <= 0 {
		cfg.MaxAdj = 12
	}
	if cfg.MigrationCap <= 0 {
		cfg.MigrationCap = 32
	}
	if cfg.MaxRTPrio <= 0 {
		cfg.MaxRTPrio = 100
	}
	if cfg.NormalPrioBuckets <= 0 {
		cfg.NormalPrioBuckets = 40
	}
	if cfg.YieldType < YieldNoop || cfg.YieldType > YieldSetSkip {
		cfg.YieldType = YieldDeboostRequeue
	}
	return cfg
}

// IdleBucket returns the PBQ bucket index reserved for the idle task, one
// past the highest bucket a boosted non-RT task can reach.
func (c Config) IdleBucket() int {
	return c.NormalPrioBuckets + 2*c.MaxAdj
}

// NumBuckets returns the PBQ's fixed bucket count (IdleBucket + 1, §4.1).
func (c Config) NumBuckets() int {
	return c.IdleBucket() + 1
}

// NumWatermarkLevels returns the watermark index's level count: one level
// per bucket index (levels 1..NumBuckets) plus the level-0 "SMT
// sibling-group idle" marker, i.e. NumBuckets+1, as in bmq.c's WM_BITS =
// bmq_BITS+1 (§4.3).
func (c Config) NumWatermarkLevels() int {
	return c.IdleBucket() + 2
}
