package gpu

import (
	"strings"
	"sync"

	"github.com/jaypipes/pcidb"
)

// pciNames resolves marketing names from the system pci.ids database. The
// database is loaded lazily on first use and cached for the process lifetime.
var pciNames = sync.OnceValue(func() *pcidb.PCIDB {
	db, err := pcidb.New()
	if err != nil {
		return nil
	}
	return db
})

// pciDevice is a vendor:device pair plus the optional board subsystem.
type pciDevice struct {
	vendor    string
	device    string
	subVendor string
	subDevice string
}

func newPCIDevice(pciID, subVendor, subDevice string) pciDevice {
	vendor, device, _ := strings.Cut(pciID, ":")
	return pciDevice{
		vendor:    normalizePCIID(vendor),
		device:    normalizePCIID(device),
		subVendor: normalizePCIID(subVendor),
		subDevice: normalizePCIID(subDevice),
	}
}

// name prefers the subsystem (board partner) name over the chip name.
func (d pciDevice) name() string {
	if d.vendor == "" || d.device == "" {
		return ""
	}
	db := pciNames()
	if db == nil {
		return ""
	}
	product := db.Products[d.vendor+d.device]
	if product == nil {
		return ""
	}
	if d.subVendor != "" && d.subDevice != "" {
		for _, sub := range product.Subsystems {
			if sub != nil && sub.Name != "" &&
				strings.EqualFold(sub.VendorID, d.subVendor) && strings.EqualFold(sub.ID, d.subDevice) {
				return sub.Name
			}
		}
	}
	return product.Name
}

func normalizePCIID(raw string) string {
	value := strings.ToLower(strings.TrimSpace(raw))
	value = strings.TrimPrefix(value, "0x")
	if value == "" {
		return ""
	}
	if len(value) < 4 {
		value = strings.Repeat("0", 4-len(value)) + value
	}
	return value
}
