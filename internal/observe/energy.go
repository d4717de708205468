package observe

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// DefaultPowercapRoot is where the kernel exposes RAPL counters.
const DefaultPowercapRoot = "/sys/class/powercap"

// EnergyMeter reads Intel RAPL package counters. Counters are in
// microjoules and wrap at max_energy_range_uj.
type EnergyMeter struct {
	zones []string
	start map[string]uint64
}

// NewEnergyMeter finds the package-level RAPL zones under root. It returns
// nil when none is readable, which callers report as "energy unknown".
func NewEnergyMeter(root string) *EnergyMeter {
	if root == "" {
		root = DefaultPowercapRoot
	}

	matches, _ := filepath.Glob(filepath.Join(root, "intel-rapl:*"))
	var zones []string
	for _, zone := range matches {
		// intel-rapl:0 is a package, intel-rapl:0:1 a subzone of it
		if strings.Count(filepath.Base(zone), ":") != 1 {
			continue
		}
		if _, err := readMicrojoules(zone, "energy_uj"); err != nil {
			continue
		}
		zones = append(zones, zone)
	}
	if len(zones) == 0 {
		return nil
	}
	return &EnergyMeter{zones: zones}
}

// Start records the current counter values.
func (m *EnergyMeter) Start() {
	if m == nil {
		return
	}
	m.start = make(map[string]uint64, len(m.zones))
	for _, zone := range m.zones {
		if v, err := readMicrojoules(zone, "energy_uj"); err == nil {
			m.start[zone] = v
		}
	}
}

// Stop returns the joules consumed since Start, or nil if unknown.
func (m *EnergyMeter) Stop() *float64 {
	if m == nil || m.start == nil {
		return nil
	}

	var total uint64
	measured := false
	for zone, begin := range m.start {
		end, err := readMicrojoules(zone, "energy_uj")
		if err != nil {
			continue
		}
		if end < begin {
			maxRange, err := readMicrojoules(zone, "max_energy_range_uj")
			if err != nil {
				continue
			}
			end += maxRange
		}
		total += end - begin
		measured = true
	}
	if !measured {
		return nil
	}

	joules := float64(total) / 1e6
	return &joules
}

func readMicrojoules(zone, name string) (uint64, error) {
	data, err := os.ReadFile(filepath.Join(zone, name))
	if err != nil {
		return 0, err
	}
	return strconv.ParseUint(strings.TrimSpace(string(data)), 10, 64)
}
