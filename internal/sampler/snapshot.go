package sampler

import (
	"time"

	"github.com/skobkin/gpumon/internal/monitor"
)

// Snapshot is one successful poll of the monitor.
type Snapshot struct {
	Backend     string            `json:"backend"`
	CollectedAt time.Time         `json:"ts"`
	Metrics     monitor.Sample    `json:"metrics"`
	Processes   []monitor.Process `json:"processes"`
}
