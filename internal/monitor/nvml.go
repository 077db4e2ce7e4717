package monitor

import (
	"log/slog"
	"time"

	"github.com/NVIDIA/go-nvml/pkg/nvml"
)

const (
	nvmlBackend = "nvml"

	// nvmlValueNotAvailable mirrors NVML_VALUE_NOT_AVAILABLE for 64-bit fields.
	nvmlValueNotAvailable = ^uint64(0)
)

// nvmlLibrary exposes only the NVML operations the monitor needs.
type nvmlLibrary interface {
	Init() nvml.Return
	Shutdown() nvml.Return
	SystemGetDriverVersion() (string, nvml.Return)
	DeviceGetHandleByIndex(index int) (nvmlDevice, nvml.Return)
	ErrorString(ret nvml.Return) string
}

// nvmlDevice is the subset of nvml.Device used for sampling.
type nvmlDevice interface {
	GetName() (string, nvml.Return)
	GetUUID() (string, nvml.Return)
	GetVbiosVersion() (string, nvml.Return)
	GetCurrPcieLinkGeneration() (int, nvml.Return)
	GetCurrPcieLinkWidth() (int, nvml.Return)
	GetUtilizationRates() (nvml.Utilization, nvml.Return)
	GetMemoryInfo() (nvml.Memory, nvml.Return)
	GetTemperature(sensor nvml.TemperatureSensors) (uint32, nvml.Return)
	GetClockInfo(clock nvml.ClockType) (uint32, nvml.Return)
	GetPowerUsage() (uint32, nvml.Return)
	GetPowerManagementLimit() (uint32, nvml.Return)
	GetFanSpeed_v2(fan int) (uint32, nvml.Return)
	GetPcieThroughput(counter nvml.PcieUtilCounter) (uint32, nvml.Return)
	GetGraphicsRunningProcesses() ([]nvml.ProcessInfo, nvml.Return)
	GetComputeRunningProcesses() ([]nvml.ProcessInfo, nvml.Return)
}

type goNVML struct {
	lib nvml.Interface
}

func (g goNVML) Init() nvml.Return {
	return g.lib.Init()
}

func (g goNVML) Shutdown() nvml.Return {
	return g.lib.Shutdown()
}

func (g goNVML) SystemGetDriverVersion() (string, nvml.Return) {
	return g.lib.SystemGetDriverVersion()
}

func (g goNVML) DeviceGetHandleByIndex(index int) (nvmlDevice, nvml.Return) {
	dev, ret := g.lib.DeviceGetHandleByIndex(index)
	if ret != nvml.SUCCESS {
		return nil, ret
	}
	return dev, ret
}

func (g goNVML) ErrorString(ret nvml.Return) string {
	return g.lib.ErrorString(ret)
}

// NVMLMonitor samples an NVIDIA GPU through the NVML management library.
type NVMLMonitor struct {
	lib    nvmlLibrary
	device nvmlDevice
	index  int
	namer  ProcessNamer
	logger *slog.Logger
	start  time.Time
	info   StaticInfo
}

// NVMLOption customizes an NVMLMonitor.
type NVMLOption func(*nvmlOptions)

type nvmlOptions struct {
	lib    nvmlLibrary
	namer  ProcessNamer
	logger *slog.Logger
}

// WithProcessNamer sets the process-name source used for process listings.
func WithProcessNamer(namer ProcessNamer) NVMLOption {
	return func(o *nvmlOptions) {
		o.namer = namer
	}
}

// WithNVMLLogger sets the logger used for degraded-field diagnostics.
func WithNVMLLogger(logger *slog.Logger) NVMLOption {
	return func(o *nvmlOptions) {
		o.logger = logger
	}
}

func withNVMLLibrary(lib nvmlLibrary) NVMLOption {
	return func(o *nvmlOptions) {
		o.lib = lib
	}
}

// NewNVMLMonitor initializes NVML and binds the device at index.
// Failing to initialize NVML yields ErrInitialization; an index that does not
// resolve yields ErrDeviceNotFound.
func NewNVMLMonitor(index int, opts ...NVMLOption) (*NVMLMonitor, error) {
	o := nvmlOptions{}
	for _, opt := range opts {
		opt(&o)
	}
	if o.lib == nil {
		o.lib = goNVML{lib: nvml.New()}
	}
	if o.logger == nil {
		o.logger = discardLogger()
	}
	if o.namer == nil {
		o.namer = NewProcfsNamer("/proc")
	}

	if ret := o.lib.Init(); ret != nvml.SUCCESS {
		return nil, newError(ErrInitialization, "nvml init failed: %s", o.lib.ErrorString(ret))
	}

	device, ret := o.lib.DeviceGetHandleByIndex(index)
	if ret != nvml.SUCCESS {
		errMsg := o.lib.ErrorString(ret)
		_ = o.lib.Shutdown()
		return nil, newError(ErrDeviceNotFound, "nvml device %d: %s", index, errMsg)
	}

	m := &NVMLMonitor{
		lib:    o.lib,
		device: device,
		index:  index,
		namer:  o.namer,
		logger: o.logger.With("backend", nvmlBackend, "device_index", index),
		start:  time.Now(),
	}
	m.info = m.readStaticInfo()
	return m, nil
}

// Backend implements Monitor.
func (m *NVMLMonitor) Backend() string {
	return nvmlBackend
}

// StaticInfo implements Monitor.
func (m *NVMLMonitor) StaticInfo() StaticInfo {
	return m.info
}

func (m *NVMLMonitor) readStaticInfo() StaticInfo {
	info := StaticInfo{
		Name:            nvmlString(m.device.GetName),
		UUID:            nvmlString(m.device.GetUUID),
		DriverVersion:   nvmlString(m.lib.SystemGetDriverVersion),
		FirmwareVersion: nvmlString(m.device.GetVbiosVersion),
		PCIeGeneration:  nvmlInt(m.device.GetCurrPcieLinkGeneration),
		PCIeWidth:       nvmlInt(m.device.GetCurrPcieLinkWidth),
	}
	if info.Name != NotAvailable {
		info.Model = info.Name
	}
	return info
}

// Sample implements Monitor.
func (m *NVMLMonitor) Sample() (Sample, []Process, error) {
	util, ret := m.device.GetUtilizationRates()
	if ret != nvml.SUCCESS {
		return Sample{}, nil, newError(ErrSamplingFailed, "nvml utilization: %s", m.lib.ErrorString(ret))
	}
	mem, ret := m.device.GetMemoryInfo()
	if ret != nvml.SUCCESS {
		return Sample{}, nil, newError(ErrSamplingFailed, "nvml memory info: %s", m.lib.ErrorString(ret))
	}
	temp, ret := m.device.GetTemperature(nvml.TEMPERATURE_GPU)
	if ret != nvml.SUCCESS {
		return Sample{}, nil, newError(ErrSamplingFailed, "nvml temperature: %s", m.lib.ErrorString(ret))
	}

	sample := Sample{
		Timestamp:        time.Since(m.start).Seconds(),
		Utilization:      float64(util.Gpu),
		MemoryUsedGiB:    bytesToGiB(mem.Used),
		MemoryTotalGiB:   bytesToGiB(mem.Total),
		TemperatureC:     temp,
		GraphicsClockMHz: m.optionalUint("graphics_clock", func() (uint32, nvml.Return) { return m.device.GetClockInfo(nvml.CLOCK_GRAPHICS) }),
		MemoryClockMHz:   m.optionalUint("memory_clock", func() (uint32, nvml.Return) { return m.device.GetClockInfo(nvml.CLOCK_MEM) }),
		FanSpeedPct:      m.optionalUint("fan_speed", func() (uint32, nvml.Return) { return m.device.GetFanSpeed_v2(0) }),
	}

	sample.PowerUsageW, sample.PowerLimitW = m.readPower()
	sample.PCIeTxMiBps, sample.PCIeRxMiBps = m.readPCIeThroughput()

	return sample, m.readProcesses(), nil
}

// readPower returns usage and limit in watts, or both zero if either is unavailable.
func (m *NVMLMonitor) readPower() (float64, float64) {
	usage, usageRet := m.device.GetPowerUsage()
	limit, limitRet := m.device.GetPowerManagementLimit()
	if usageRet != nvml.SUCCESS || limitRet != nvml.SUCCESS {
		m.logger.Debug("power readings unavailable",
			"usage_ret", m.lib.ErrorString(usageRet),
			"limit_ret", m.lib.ErrorString(limitRet),
		)
		return 0, 0
	}
	return milliwattsToWatts(usage), milliwattsToWatts(limit)
}

// readPCIeThroughput returns TX and RX in MiB/s, or both zero if either counter fails.
func (m *NVMLMonitor) readPCIeThroughput() (float64, float64) {
	tx, txRet := m.device.GetPcieThroughput(nvml.PCIE_UTIL_TX_BYTES)
	rx, rxRet := m.device.GetPcieThroughput(nvml.PCIE_UTIL_RX_BYTES)
	if txRet != nvml.SUCCESS || rxRet != nvml.SUCCESS {
		m.logger.Debug("pcie throughput unavailable",
			"tx_ret", m.lib.ErrorString(txRet),
			"rx_ret", m.lib.ErrorString(rxRet),
		)
		return 0, 0
	}
	return kibToMiB(tx), kibToMiB(rx)
}

func (m *NVMLMonitor) readProcesses() []Process {
	graphics, graphicsRet := m.device.GetGraphicsRunningProcesses()
	compute, computeRet := m.device.GetComputeRunningProcesses()
	if graphicsRet != nvml.SUCCESS {
		m.logger.Debug("graphics process enumeration failed", "err", m.lib.ErrorString(graphicsRet))
		graphics = nil
	}
	if computeRet != nvml.SUCCESS {
		m.logger.Debug("compute process enumeration failed", "err", m.lib.ErrorString(computeRet))
		compute = nil
	}

	processes := make([]Process, 0, len(graphics)+len(compute))
	seen := make(map[uint32]struct{}, len(graphics)+len(compute))
	for _, list := range [][]nvml.ProcessInfo{graphics, compute} {
		for _, info := range list {
			if _, ok := seen[info.Pid]; ok {
				continue
			}
			seen[info.Pid] = struct{}{}

			memory := info.UsedGpuMemory
			if memory == nvmlValueNotAvailable {
				memory = 0
			}
			processes = append(processes, Process{
				PID:         info.Pid,
				Name:        resolveProcessName(m.namer, info.Pid),
				MemoryBytes: memory,
			})
		}
	}
	return processes
}

func (m *NVMLMonitor) optionalUint(field string, read func() (uint32, nvml.Return)) uint32 {
	value, ret := read()
	if ret != nvml.SUCCESS {
		m.logger.Debug("optional field unavailable", "field", field, "err", m.lib.ErrorString(ret))
		return 0
	}
	return value
}

// Close shuts NVML down.
func (m *NVMLMonitor) Close() error {
	if ret := m.lib.Shutdown(); ret != nvml.SUCCESS {
		return newError(ErrInitialization, "nvml shutdown failed: %s", m.lib.ErrorString(ret))
	}
	return nil
}

func nvmlString(read func() (string, nvml.Return)) string {
	value, ret := read()
	if ret != nvml.SUCCESS || value == "" {
		return NotAvailable
	}
	return value
}

func nvmlInt(read func() (int, nvml.Return)) uint32 {
	value, ret := read()
	if ret != nvml.SUCCESS || value < 0 {
		return 0
	}
	return uint32(value)
}

func milliwattsToWatts(value uint32) float64 {
	return float64(value) / 1000
}

// kibToMiB converts NVML's KB/s throughput counters to MiB/s.
func kibToMiB(value uint32) float64 {
	return float64(value) / 1024
}
