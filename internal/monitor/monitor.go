// Package monitor reads live GPU telemetry from vendor-specific sources and
// normalizes it behind a single polling contract.
package monitor

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
)

const (
	// NotAvailable is the placeholder for static string attributes that could not be read.
	NotAvailable = "N/A"

	// UnknownProcess is reported when a process name cannot be resolved.
	UnknownProcess = "unknown"

	bytesPerGiB = 1024 * 1024 * 1024
)

var (
	// ErrInitialization reports that a backend could not reach its data source.
	ErrInitialization = errors.New("monitor initialization failed")
	// ErrDeviceNotFound reports that the requested device index does not resolve.
	ErrDeviceNotFound = errors.New("device not found")
	// ErrSamplingFailed reports that a required metric could not be read.
	ErrSamplingFailed = errors.New("sampling failed")
)

// Monitor is implemented by every telemetry backend.
//
// Implementations are safe for concurrent use. Sample blocks for as long as
// the underlying provider takes to answer; no timeout is applied.
type Monitor interface {
	// Backend names the data source, e.g. "nvml" or "amdgpu".
	Backend() string
	// StaticInfo returns device attributes that do not change while the
	// monitor is open. It never fails; unreadable fields hold placeholders.
	StaticInfo() StaticInfo
	// Sample reads the current metrics and GPU-resident processes. The error
	// wraps ErrSamplingFailed when utilization, memory or temperature is
	// unavailable; every other field silently defaults to zero.
	Sample() (Sample, []Process, error)
	// Close releases the connection or handle held by the backend.
	Close() error
}

// StaticInfo describes the monitored device.
type StaticInfo struct {
	Name            string `json:"name"`
	Model           string `json:"model,omitempty"`
	UUID            string `json:"uuid"`
	DriverVersion   string `json:"driver_version"`
	FirmwareVersion string `json:"firmware_version"`
	PCIeGeneration  uint32 `json:"pcie_gen"`
	PCIeWidth       uint32 `json:"pcie_width"`
}

// Sample is a single telemetry snapshot. Optional fields are zero when the
// source could not provide them.
type Sample struct {
	// Timestamp is the number of seconds since the monitor was opened.
	Timestamp        float64 `json:"timestamp"`
	Utilization      float64 `json:"utilization_pct"`
	MemoryUsedGiB    float64 `json:"memory_used_gib"`
	MemoryTotalGiB   float64 `json:"memory_total_gib"`
	TemperatureC     uint32  `json:"temperature_c"`
	GraphicsClockMHz uint32  `json:"graphics_clock_mhz"`
	MemoryClockMHz   uint32  `json:"memory_clock_mhz"`
	PowerUsageW      float64 `json:"power_usage_w"`
	PowerLimitW      float64 `json:"power_limit_w"`
	FanSpeedPct      uint32  `json:"fan_speed_pct"`
	PCIeTxMiBps      float64 `json:"pcie_tx_mibps"`
	PCIeRxMiBps      float64 `json:"pcie_rx_mibps"`
}

// Process is a GPU-resident process.
type Process struct {
	PID         uint32  `json:"pid"`
	Name        string  `json:"name"`
	MemoryBytes uint64  `json:"memory_bytes"`
	CPUPercent  float64 `json:"cpu_percent"`
}

type monitorError struct {
	reason  error
	message string
}

func (e *monitorError) Error() string {
	return e.message
}

func (e *monitorError) Unwrap() error {
	return e.reason
}

func newError(reason error, format string, args ...any) error {
	return &monitorError{
		reason:  reason,
		message: fmt.Sprintf(format, args...),
	}
}

func bytesToGiB(value uint64) float64 {
	return float64(value) / bytesPerGiB
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}
