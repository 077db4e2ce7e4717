package monitor

import (
	"strconv"
	"strings"
)

// pcieGenerationByRate maps the per-lane transfer rate in GT/s to the PCIe
// generation that introduced it.
var pcieGenerationByRate = map[string]uint32{
	"2.5": 1,
	"5":   2,
	"8":   3,
	"16":  4,
	"32":  5,
	"64":  6,
}

// parsePCIeGeneration derives the link generation from a sysfs
// current_link_speed value such as "8.0 GT/s PCIe". Unknown formats yield 0.
func parsePCIeGeneration(speed string) uint32 {
	fields := strings.Fields(strings.TrimSpace(speed))
	if len(fields) == 0 {
		return 0
	}
	rate, err := strconv.ParseFloat(strings.TrimSuffix(fields[0], "GT/s"), 64)
	if err != nil || rate <= 0 {
		return 0
	}
	return pcieGenerationByRate[strconv.FormatFloat(rate, 'f', -1, 64)]
}

// parseLinkWidth parses a current_link_width value such as "16".
func parseLinkWidth(width string) uint32 {
	value, err := strconv.ParseUint(strings.TrimSpace(width), 10, 32)
	if err != nil {
		return 0
	}
	return uint32(value)
}
