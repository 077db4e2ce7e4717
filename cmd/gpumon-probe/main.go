// Command gpumon-probe selects a GPU monitor once, prints its static
// description and a few samples, then exits.
package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/pflag"

	"github.com/skobkin/gpumon/internal/monitor"
	"github.com/skobkin/gpumon/internal/version"
)

var (
	buildVersion = "dev"
	buildCommit  = ""
	buildTime    = ""
)

type options struct {
	sysfsRoot   string
	procRoot    string
	disableNVML bool
	samples     int
	interval    time.Duration
	jsonOutput  bool
	verbose     bool
	showVersion bool
}

type probeResult struct {
	Backend string             `json:"backend"`
	Device  monitor.StaticInfo `json:"device"`
	Samples []probeSample      `json:"samples"`
}

type probeSample struct {
	Metrics   monitor.Sample    `json:"metrics,omitzero"`
	Processes []monitor.Process `json:"processes,omitempty"`
	Error     string            `json:"error,omitempty"`
}

var errNoMonitor = errors.New("no supported GPU monitor found")

func parseFlags(args []string) (options, error) {
	var opts options
	fs := pflag.NewFlagSet("gpumon-probe", pflag.ContinueOnError)
	fs.StringVar(&opts.sysfsRoot, "sysfs", envOrDefault("APP_SYSFS_ROOT", "/sys"), "path to sysfs root")
	fs.StringVar(&opts.procRoot, "proc", envOrDefault("APP_PROC_ROOT", "/proc"), "path to procfs root")
	fs.BoolVar(&opts.disableNVML, "no-nvml", false, "skip the NVML backend")
	fs.IntVarP(&opts.samples, "samples", "n", 1, "number of samples to collect")
	fs.DurationVarP(&opts.interval, "interval", "i", time.Second, "delay between samples")
	fs.BoolVar(&opts.jsonOutput, "json", false, "emit the result as JSON")
	fs.BoolVarP(&opts.verbose, "verbose", "v", false, "log backend probing at debug level")
	fs.BoolVar(&opts.showVersion, "version", false, "print version and exit")
	if err := fs.Parse(args); err != nil {
		return options{}, err
	}
	if opts.samples < 0 {
		return options{}, fmt.Errorf("--samples must be >= 0")
	}
	if opts.samples > 1 && opts.interval <= 0 {
		return options{}, fmt.Errorf("--interval must be > 0")
	}
	return opts, nil
}

func main() {
	version.Set(version.Info{Version: buildVersion, Commit: buildCommit, BuildTime: buildTime})

	opts, err := parseFlags(os.Args[1:])
	if err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return
		}
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	if opts.showVersion {
		fmt.Println(version.Current().String())
		return
	}

	level := slog.LevelWarn
	if opts.verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	result, err := probe(opts, logger)
	if err != nil {
		logger.Error("probe failed", "err", err)
		os.Exit(1)
	}

	if opts.jsonOutput {
		err = writeJSON(os.Stdout, result)
	} else {
		err = writeText(os.Stdout, result)
	}
	if err != nil {
		logger.Error("write output", "err", err)
		os.Exit(1)
	}
}

func probe(opts options, logger *slog.Logger) (probeResult, error) {
	mon, ok := monitor.Select(monitor.Options{
		SysfsRoot:   opts.sysfsRoot,
		ProcRoot:    opts.procRoot,
		DisableNVML: opts.disableNVML,
	}, logger)
	if !ok {
		return probeResult{}, errNoMonitor
	}
	defer func() {
		if err := mon.Close(); err != nil {
			logger.Warn("close monitor", "err", err)
		}
	}()

	result := probeResult{
		Backend: mon.Backend(),
		Device:  mon.StaticInfo(),
		Samples: make([]probeSample, 0, opts.samples),
	}
	for i := range opts.samples {
		if i > 0 {
			time.Sleep(opts.interval)
		}
		sample, procs, err := mon.Sample()
		if err != nil {
			result.Samples = append(result.Samples, probeSample{Error: err.Error()})
			continue
		}
		result.Samples = append(result.Samples, probeSample{Metrics: sample, Processes: procs})
	}
	return result, nil
}

func writeJSON(w io.Writer, result probeResult) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(result)
}

func writeText(w io.Writer, result probeResult) error {
	var b strings.Builder
	d := result.Device
	fmt.Fprintf(&b, "Backend:  %s\n", result.Backend)
	fmt.Fprintf(&b, "Device:   %s\n", d.Name)
	if d.Model != "" && d.Model != d.Name {
		fmt.Fprintf(&b, "Model:    %s\n", d.Model)
	}
	fmt.Fprintf(&b, "UUID:     %s\n", d.UUID)
	fmt.Fprintf(&b, "Driver:   %s\n", d.DriverVersion)
	fmt.Fprintf(&b, "Firmware: %s\n", d.FirmwareVersion)
	fmt.Fprintf(&b, "PCIe:     gen%d x%d\n", d.PCIeGeneration, d.PCIeWidth)

	for i, s := range result.Samples {
		fmt.Fprintf(&b, "\nSample %d:\n", i+1)
		if s.Error != "" {
			fmt.Fprintf(&b, "  error: %s\n", s.Error)
			continue
		}
		m := s.Metrics
		fmt.Fprintf(&b, "  utilization  %.0f%%\n", m.Utilization)
		fmt.Fprintf(&b, "  memory       %.2f / %.2f GiB\n", m.MemoryUsedGiB, m.MemoryTotalGiB)
		fmt.Fprintf(&b, "  temperature  %d C\n", m.TemperatureC)
		fmt.Fprintf(&b, "  clocks       %d / %d MHz\n", m.GraphicsClockMHz, m.MemoryClockMHz)
		fmt.Fprintf(&b, "  power        %.1f / %.1f W\n", m.PowerUsageW, m.PowerLimitW)
		fmt.Fprintf(&b, "  fan          %d%%\n", m.FanSpeedPct)
		fmt.Fprintf(&b, "  pcie tx/rx   %.1f / %.1f MiB/s\n", m.PCIeTxMiBps, m.PCIeRxMiBps)
		if len(s.Processes) > 0 {
			b.WriteString("\n")
			writeProcessTable(&b, s.Processes)
		}
	}

	_, err := io.WriteString(w, b.String())
	return err
}

func writeProcessTable(w io.Writer, procs []monitor.Process) {
	table := tablewriter.NewWriter(w)
	table.SetBorder(false)
	table.SetAutoFormatHeaders(true)
	table.SetAutoWrapText(false)
	table.SetAlignment(tablewriter.ALIGN_LEFT)
	table.SetHeaderAlignment(tablewriter.ALIGN_LEFT)
	table.SetHeaderLine(false)
	table.SetCenterSeparator("")
	table.SetColumnSeparator("")
	table.SetRowSeparator("")
	table.SetTablePadding("  ")
	table.SetNoWhiteSpace(true)
	table.SetHeader([]string{"PID", "Name", "Memory MiB"})
	for _, p := range procs {
		table.Append([]string{
			strconv.FormatUint(uint64(p.PID), 10),
			p.Name,
			strconv.FormatUint(p.MemoryBytes>>20, 10),
		})
	}
	table.Render()
}

func envOrDefault(key, fallback string) string {
	if value := strings.TrimSpace(os.Getenv(key)); value != "" {
		return value
	}
	return fallback
}
