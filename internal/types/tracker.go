package types

// LoopStats contains performance and health statistics for one loop
type LoopStats struct {
	Name       string `json:"name"`
	IsRunning  bool   `json:"is_running"`
	Cycles     uint64 `json:"cycles"`
	Succeeded  uint64 `json:"succeeded"`
	Failed     uint64 `json:"failed"`
	Restarts   uint64 `json:"restarts"`
	ErrorCount uint64 `json:"error_count"`
	LastRunAt  int64  `json:"last_run_at,omitempty"`
}

// TrackerStats aggregates the stats of every supervised loop
type TrackerStats struct {
	Loops          []LoopStats `json:"loops"`
	LastBlock      uint64      `json:"last_block"`
	RetryQueueSize int         `json:"retry_queue_size"`
	Uptime         string      `json:"uptime"`
}
