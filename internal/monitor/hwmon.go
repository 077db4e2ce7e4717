package monitor

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
)

const (
	hwmonDir              = "hwmon"
	hwmonFanPWMFile       = "pwm1"
	hwmonGPUClockFile     = "freq1_input"
	hwmonVRAMClockFile    = "freq2_input"
	hwmonPowerAverageFile = "power1_average"
	hwmonPowerInputFile   = "power1_input"
	hwmonPowerCapFile     = "power1_cap"

	preferredTempLabel = "edge"
	pwmMax             = 255
)

// hwmon reads a single hardware-monitor directory of a GPU.
type hwmon struct {
	root *os.Root
}

// tempSensor is one temperature channel, in channel-index order.
type tempSensor struct {
	label   string
	celsius *float64
}

// openFirstHwmon opens the first hwmonN directory under the device, or returns
// nil when the device exposes none.
func openFirstHwmon(deviceRoot *os.Root) (*hwmon, error) {
	entries, err := fs.ReadDir(deviceRoot.FS(), hwmonDir)
	if err != nil {
		return nil, nil
	}
	for _, entry := range entries {
		if !strings.HasPrefix(entry.Name(), "hwmon") {
			continue
		}
		root, err := deviceRoot.OpenRoot(filepath.Join(hwmonDir, entry.Name()))
		if err != nil {
			return nil, fmt.Errorf("open %s: %w", entry.Name(), err)
		}
		return &hwmon{root: root}, nil
	}
	return nil, nil
}

func (h *hwmon) close() error {
	if h == nil {
		return nil
	}
	return h.root.Close()
}

// temperatures lists tempN channels sorted by N. Channels without a label file
// are named "tempN".
func (h *hwmon) temperatures() []tempSensor {
	entries, err := fs.ReadDir(h.root.FS(), ".")
	if err != nil {
		return nil
	}

	var channels []int
	for _, entry := range entries {
		name := entry.Name()
		if !strings.HasPrefix(name, "temp") || !strings.HasSuffix(name, "_input") {
			continue
		}
		index, err := strconv.Atoi(strings.TrimSuffix(strings.TrimPrefix(name, "temp"), "_input"))
		if err != nil {
			continue
		}
		channels = append(channels, index)
	}
	sort.Ints(channels)

	sensors := make([]tempSensor, 0, len(channels))
	for _, index := range channels {
		prefix := "temp" + strconv.Itoa(index)
		label, err := readTrimmed(h.root, prefix+"_label")
		if err != nil || label == "" {
			label = prefix
		}
		sensor := tempSensor{label: label}
		if milli, err := readFloat(h.root, prefix+"_input"); err == nil {
			celsius := milli / 1000
			sensor.celsius = &celsius
		}
		sensors = append(sensors, sensor)
	}
	return sensors
}

// fanPercent converts the raw 0-255 PWM duty cycle to a percentage.
func (h *hwmon) fanPercent() (uint32, error) {
	raw, err := readUint(h.root, hwmonFanPWMFile)
	if err != nil {
		return 0, err
	}
	return pwmToPercent(raw), nil
}

func (h *hwmon) gpuClockMHz() (uint32, error) {
	return h.clockMHz(hwmonGPUClockFile)
}

func (h *hwmon) vramClockMHz() (uint32, error) {
	return h.clockMHz(hwmonVRAMClockFile)
}

func (h *hwmon) clockMHz(name string) (uint32, error) {
	hz, err := readUint(h.root, name)
	if err != nil {
		return 0, err
	}
	return uint32(hz / 1_000_000), nil
}

// powerUsageWatts prefers the averaged reading and falls back to the
// instantaneous one.
func (h *hwmon) powerUsageWatts() (float64, error) {
	if watts, err := h.microwatts(hwmonPowerAverageFile); err == nil {
		return watts, nil
	}
	return h.microwatts(hwmonPowerInputFile)
}

func (h *hwmon) powerCapWatts() (float64, error) {
	return h.microwatts(hwmonPowerCapFile)
}

func (h *hwmon) microwatts(name string) (float64, error) {
	value, err := readFloat(h.root, name)
	if err != nil {
		return 0, err
	}
	return value / 1_000_000, nil
}

// pickTemperature prefers the "edge" sensor, then the first listed sensor.
// A chosen sensor without a reading yields 0.
func pickTemperature(sensors []tempSensor) uint32 {
	if len(sensors) == 0 {
		return 0
	}
	chosen := sensors[0]
	for _, sensor := range sensors {
		if sensor.label == preferredTempLabel {
			chosen = sensor
			break
		}
	}
	if chosen.celsius == nil || *chosen.celsius < 0 {
		return 0
	}
	return uint32(*chosen.celsius)
}

func pwmToPercent(raw uint64) uint32 {
	if raw > pwmMax {
		raw = pwmMax
	}
	return uint32(raw * 100 / pwmMax)
}

func readTrimmed(root *os.Root, name string) (string, error) {
	data, err := root.ReadFile(name)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(data)), nil
}

func readUint(root *os.Root, name string) (uint64, error) {
	value, err := readTrimmed(root, name)
	if err != nil {
		return 0, err
	}
	if value == "" {
		return 0, fmt.Errorf("%s: empty value", name)
	}
	parsed, err := strconv.ParseUint(value, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%s: parse uint: %w", name, err)
	}
	return parsed, nil
}

func readFloat(root *os.Root, name string) (float64, error) {
	value, err := readTrimmed(root, name)
	if err != nil {
		return 0, err
	}
	if value == "" {
		return 0, fmt.Errorf("%s: empty value", name)
	}
	parsed, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return 0, fmt.Errorf("%s: parse float: %w", name, err)
	}
	return parsed, nil
}
