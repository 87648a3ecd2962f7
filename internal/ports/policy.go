package ports

import "time"

// Policy bounds the in-memory queue and shapes the batch writer cadence.
type Policy struct {
	Interval       time.Duration `yaml:"interval"`
	FlushThreshold int           `yaml:"flush_threshold"`
	MaxChunk       int           `yaml:"max_chunk"`
	MaxPending     int           `yaml:"max_pending"`

	ReplayInterval            time.Duration `yaml:"replay_interval"`
	ReplayFilesPerCycle       int           `yaml:"replay_files_per_cycle"`
	MaxLiveCyclesBeforeReplay int           `yaml:"max_live_cycles_before_replay"`
}
