package gpu

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"unicode"
)

const (
	drmClassPath = "class/drm"
)

// ErrNoDevice reports that no DRM card is bound to the requested driver.
var ErrNoDevice = errors.New("no matching drm device")

// Card describes a DRM card selected via sysfs.
type Card struct {
	ID         string `json:"id"`
	Driver     string `json:"driver"`
	PCI        string `json:"pci"`
	PCIID      string `json:"pci_id"`
	Model      string `json:"model"`
	DevicePath string `json:"device_path"`
}

// FindByDriver scans <root>/class/drm for cardN entries in ascending name order
// and returns the first one whose device uevent names the given kernel driver.
// Connector entries such as card0-DP-1 are ignored. Later cards are never
// considered once a match fails to load.
func FindByDriver(root, driver string, logger *slog.Logger) (Card, error) {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	sysRoot, err := os.OpenRoot(root)
	if err != nil {
		return Card{}, fmt.Errorf("open sysfs root: %w", err)
	}
	defer sysRoot.Close()

	// fs.ReadDir returns entries sorted by filename.
	entries, err := fs.ReadDir(sysRoot.FS(), drmClassPath)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			logger.Debug("drm class path missing", "path", filepath.Join(root, drmClassPath))
			return Card{}, fmt.Errorf("%w: drm class path missing", ErrNoDevice)
		}
		return Card{}, fmt.Errorf("read drm class dir: %w", err)
	}

	wantLine := "DRIVER=" + driver
	for _, entry := range entries {
		name := entry.Name()
		if !isCardName(name) {
			continue
		}

		uevent, err := sysRoot.ReadFile(filepath.Join(drmClassPath, name, "device", "uevent"))
		if err != nil {
			logger.Debug("failed to read card uevent", "card", name, "err", err)
			continue
		}
		if !hasLine(string(uevent), wantLine) {
			continue
		}

		card, err := loadCard(sysRoot, name, string(uevent))
		if err != nil {
			return Card{}, fmt.Errorf("load %s: %w", name, err)
		}
		card.DevicePath = filepath.Join(root, drmClassPath, name, "device")
		return card, nil
	}

	return Card{}, fmt.Errorf("%w: no card bound to %s", ErrNoDevice, driver)
}

func loadCard(sysRoot *os.Root, cardID, uevent string) (Card, error) {
	deviceRoot, err := sysRoot.OpenRoot(filepath.Join(drmClassPath, cardID, "device"))
	if err != nil {
		return Card{}, fmt.Errorf("open device root: %w", err)
	}
	defer deviceRoot.Close()

	card := Card{
		ID:     cardID,
		Driver: parseKeyValue(uevent, "DRIVER"),
		PCI:    parseKeyValue(uevent, "PCI_SLOT_NAME"),
		PCIID:  readPCIID(deviceRoot, uevent),
	}

	subVendor, subDevice, _ := strings.Cut(parseKeyValue(uevent, "PCI_SUBSYS_ID"), ":")
	if subVendor == "" {
		subVendor, _ = readTrim(deviceRoot, "subsystem_vendor")
	}
	if subDevice == "" {
		subDevice, _ = readTrim(deviceRoot, "subsystem_device")
	}

	card.Model = newPCIDevice(card.PCIID, subVendor, subDevice).name()

	return card, nil
}

// readPCIID prefers the uevent PCI_ID key over the vendor and device files.
func readPCIID(deviceRoot *os.Root, uevent string) string {
	if pciID := parseKeyValue(uevent, "PCI_ID"); pciID != "" {
		return pciID
	}
	vendor, err := readTrim(deviceRoot, "vendor")
	if err != nil {
		return ""
	}
	device, err := readTrim(deviceRoot, "device")
	if err != nil {
		return ""
	}
	return formatHexPair(vendor, device)
}

func isCardName(name string) bool {
	if !strings.HasPrefix(name, "card") {
		return false
	}
	return allDigits(name[len("card"):])
}

func hasLine(data, want string) bool {
	scanner := bufio.NewScanner(strings.NewReader(data))
	for scanner.Scan() {
		if strings.TrimSpace(scanner.Text()) == want {
			return true
		}
	}
	return false
}

func parseKeyValue(data, key string) string {
	prefix := key + "="
	scanner := bufio.NewScanner(strings.NewReader(data))
	for scanner.Scan() {
		line := scanner.Text()
		if strings.HasPrefix(line, prefix) {
			return strings.TrimSpace(strings.TrimPrefix(line, prefix))
		}
	}
	return ""
}

func readTrim(root *os.Root, name string) (string, error) {
	data, err := root.ReadFile(name)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(data)), nil
}

func formatHexPair(vendor, device string) string {
	return strings.TrimPrefix(vendor, "0x") + ":" + strings.TrimPrefix(device, "0x")
}

func allDigits(value string) bool {
	if value == "" {
		return false
	}
	for _, r := range value {
		if !unicode.IsDigit(r) {
			return false
		}
	}
	return true
}
