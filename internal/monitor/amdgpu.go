package monitor

import (
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/skobkin/gpumon/internal/gpu"
)

const (
	amdgpuBackend = "amdgpu"
	amdgpuDriver  = "amdgpu"

	genericAMDName = "AMD GPU"

	gpuBusyFilename      = "gpu_busy_percent"
	vramUsedFilename     = "mem_info_vram_used"
	vramTotalFilename    = "mem_info_vram_total"
	vbiosVersionFilename = "vbios_version"
	linkWidthFilename    = "current_link_width"
	linkSpeedFilename    = "current_link_speed"
)

// AMDGPUMonitor samples the first amdgpu-driven card through sysfs and hwmon.
//
// The kernel exposes neither per-process accounting nor PCIe throughput
// counters here, so Sample always reports an empty process list and zero
// throughput. Sample never fails: every reading degrades to zero.
type AMDGPUMonitor struct {
	card   gpu.Card
	device *os.Root
	hwmon  *hwmon
	logger *slog.Logger
	start  time.Time
	info   StaticInfo
}

// NewAMDGPUMonitor discovers the first DRM card bound to the amdgpu driver
// under sysfsRoot and opens a handle on its device directory. Both failures
// are reported as ErrInitialization.
func NewAMDGPUMonitor(sysfsRoot string, logger *slog.Logger) (*AMDGPUMonitor, error) {
	if logger == nil {
		logger = discardLogger()
	}

	card, err := gpu.FindByDriver(sysfsRoot, amdgpuDriver, logger)
	if err != nil {
		return nil, newError(ErrInitialization, "amdgpu discovery: %v", err)
	}

	device, err := os.OpenRoot(card.DevicePath)
	if err != nil {
		return nil, newError(ErrInitialization, "amdgpu open %s: %v", card.ID, err)
	}

	mon, err := openFirstHwmon(device)
	if err != nil {
		_ = device.Close()
		return nil, newError(ErrInitialization, "amdgpu hwmon %s: %v", card.ID, err)
	}

	m := &AMDGPUMonitor{
		card:   card,
		device: device,
		hwmon:  mon,
		logger: logger.With("backend", amdgpuBackend, "card", card.ID),
		start:  time.Now(),
	}
	if mon == nil {
		m.logger.Debug("no hwmon directory, sensor readings default to zero")
	}
	m.info = m.readStaticInfo()
	return m, nil
}

// Backend implements Monitor.
func (m *AMDGPUMonitor) Backend() string {
	return amdgpuBackend
}

// Card returns the DRM card the monitor is bound to.
func (m *AMDGPUMonitor) Card() gpu.Card {
	return m.card
}

// StaticInfo implements Monitor.
func (m *AMDGPUMonitor) StaticInfo() StaticInfo {
	return m.info
}

func (m *AMDGPUMonitor) readStaticInfo() StaticInfo {
	info := StaticInfo{
		Name:            amdDisplayName(m.card.PCIID),
		Model:           m.card.Model,
		UUID:            NotAvailable,
		DriverVersion:   m.card.Driver,
		FirmwareVersion: NotAvailable,
	}
	if info.DriverVersion == "" {
		info.DriverVersion = NotAvailable
	}
	if vbios, err := readTrimmed(m.device, vbiosVersionFilename); err == nil && vbios != "" {
		info.FirmwareVersion = vbios
	}
	if width, err := readTrimmed(m.device, linkWidthFilename); err == nil {
		info.PCIeWidth = parseLinkWidth(width)
	}
	if speed, err := readTrimmed(m.device, linkSpeedFilename); err == nil {
		info.PCIeGeneration = parsePCIeGeneration(speed)
	}
	return info
}

// Sample implements Monitor.
func (m *AMDGPUMonitor) Sample() (Sample, []Process, error) {
	sample := Sample{
		Timestamp:      time.Since(m.start).Seconds(),
		Utilization:    float64(m.deviceUint(gpuBusyFilename)),
		MemoryUsedGiB:  bytesToGiB(m.deviceUint(vramUsedFilename)),
		MemoryTotalGiB: bytesToGiB(m.deviceUint(vramTotalFilename)),
	}

	if m.hwmon != nil {
		sample.TemperatureC = pickTemperature(m.hwmon.temperatures())
		sample.FanSpeedPct = m.hwmonUint("fan", m.hwmon.fanPercent)
		sample.GraphicsClockMHz = m.hwmonUint("gpu_clock", m.hwmon.gpuClockMHz)
		sample.MemoryClockMHz = m.hwmonUint("vram_clock", m.hwmon.vramClockMHz)
		sample.PowerUsageW = m.hwmonFloat("power_usage", m.hwmon.powerUsageWatts)
		sample.PowerLimitW = m.hwmonFloat("power_cap", m.hwmon.powerCapWatts)
	}

	return sample, []Process{}, nil
}

// Close releases the sysfs handles.
func (m *AMDGPUMonitor) Close() error {
	hwmonErr := m.hwmon.close()
	if err := m.device.Close(); err != nil {
		return fmt.Errorf("close amdgpu device: %w", err)
	}
	if hwmonErr != nil {
		return fmt.Errorf("close amdgpu hwmon: %w", hwmonErr)
	}
	return nil
}

// deviceUint reads an integer attribute of the device. Missing files are
// expected on APUs without dedicated VRAM.
func (m *AMDGPUMonitor) deviceUint(name string) uint64 {
	value, err := readUint(m.device, name)
	if err != nil {
		m.logger.Debug("device attribute unavailable", "file", name, "err", err)
		return 0
	}
	return value
}

func (m *AMDGPUMonitor) hwmonUint(field string, read func() (uint32, error)) uint32 {
	value, err := read()
	if err != nil {
		m.logger.Debug("hwmon reading unavailable", "field", field, "err", err)
		return 0
	}
	return value
}

func (m *AMDGPUMonitor) hwmonFloat(field string, read func() (float64, error)) float64 {
	value, err := read()
	if err != nil {
		m.logger.Debug("hwmon reading unavailable", "field", field, "err", err)
		return 0
	}
	return value
}

func amdDisplayName(pciID string) string {
	vendor, device, ok := strings.Cut(pciID, ":")
	if !ok || vendor == "" || device == "" {
		return genericAMDName
	}
	return fmt.Sprintf("%s [%s:%s]", genericAMDName, vendor, device)
}
