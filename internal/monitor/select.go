package monitor

import (
	"log/slog"
)

// defaultNVMLDevice is the only NVIDIA device index probed at startup.
const defaultNVMLDevice = 0

// Options configures backend selection.
type Options struct {
	SysfsRoot   string
	ProcRoot    string
	DisableNVML bool
}

// Candidate is one backend constructor in probe order.
type Candidate struct {
	Name string
	Open func() (Monitor, error)
}

// Select probes NVML and then amdgpu, returning the first backend that opens.
// The boolean is false when no supported GPU monitor is present; that is an
// expected outcome on GPU-less hosts, not an error.
func Select(opts Options, logger *slog.Logger) (Monitor, bool) {
	if logger == nil {
		logger = discardLogger()
	}
	if opts.SysfsRoot == "" {
		opts.SysfsRoot = "/sys"
	}
	if opts.ProcRoot == "" {
		opts.ProcRoot = "/proc"
	}

	var candidates []Candidate
	if !opts.DisableNVML {
		candidates = append(candidates, Candidate{
			Name: nvmlBackend,
			Open: func() (Monitor, error) {
				mon, err := NewNVMLMonitor(defaultNVMLDevice,
					WithProcessNamer(NewProcfsNamer(opts.ProcRoot)),
					WithNVMLLogger(logger),
				)
				if err != nil {
					return nil, err
				}
				return mon, nil
			},
		})
	}
	candidates = append(candidates, Candidate{
		Name: amdgpuBackend,
		Open: func() (Monitor, error) {
			mon, err := NewAMDGPUMonitor(opts.SysfsRoot, logger)
			if err != nil {
				return nil, err
			}
			return mon, nil
		},
	})

	return SelectFrom(candidates, logger)
}

// SelectFrom opens candidates in order and returns the first success.
// Failures are logged at debug level and never retried.
func SelectFrom(candidates []Candidate, logger *slog.Logger) (Monitor, bool) {
	if logger == nil {
		logger = discardLogger()
	}
	for _, candidate := range candidates {
		mon, err := candidate.Open()
		if err != nil {
			logger.Debug("monitor backend unavailable", "backend", candidate.Name, "err", err)
			continue
		}
		logger.Info("monitor backend initialized", "backend", candidate.Name)
		return mon, true
	}
	logger.Info("no supported GPU monitor found")
	return nil, false
}
