package topology

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/prometheus/procfs/sysfs"
)

// DefaultSysfsRoot is the sysfs mount point used when none is configured.
const DefaultSysfsRoot = "/sys"

// Discover reads the static topology of every online logical CPU from sysfs.
// A CPU whose thread_siblings_list names only itself (SMT disabled or sibling offline)
// is recorded as its own sibling.
func Discover(sysfsRoot string) ([]Static, error) {
	if sysfsRoot == "" {
		sysfsRoot = DefaultSysfsRoot
	}
	fs, err := sysfs.NewFS(sysfsRoot)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", sysfsRoot, err)
	}
	cpus, err := fs.CPUs()
	if err != nil {
		return nil, fmt.Errorf("failed to list CPUs under %s: %w", sysfsRoot, err)
	}

	out := make([]Static, 0, len(cpus))
	for _, cpu := range cpus {
		id, err := strconv.ParseUint(cpu.Number(), 10, 32)
		if err != nil {
			return nil, fmt.Errorf("unexpected cpu directory %q: %w", cpu.Number(), err)
		}
		// Offline CPUs have no topology directory.
		topo, err := cpu.Topology()
		if err != nil {
			continue
		}
		core, err := strconv.ParseUint(topo.CoreID, 10, 32)
		if err != nil {
			return nil, fmt.Errorf("cpu %d: bad core_id %q: %w", id, topo.CoreID, err)
		}
		socket, err := strconv.ParseUint(topo.PhysicalPackageID, 10, 32)
		if err != nil {
			return nil, fmt.Errorf("cpu %d: bad physical_package_id %q: %w", id, topo.PhysicalPackageID, err)
		}
		siblings, err := ParseCPUList(topo.ThreadSiblingsList)
		if err != nil {
			return nil, fmt.Errorf("cpu %d: bad thread_siblings_list %q: %w", id, topo.ThreadSiblingsList, err)
		}
		sibling, err := pickSibling(uint32(id), siblings)
		if err != nil {
			return nil, err
		}
		out = append(out, Static{
			CPU:       uint32(id),
			SiblingID: sibling,
			CoreID:    uint32(core),
			SocketID:  uint32(socket),
		})
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("no online CPUs with topology found under %s", sysfsRoot)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CPU < out[j].CPU })
	return out, nil
}

func pickSibling(cpu uint32, siblings []uint32) (uint32, error) {
	switch len(siblings) {
	case 0, 1:
		return cpu, nil
	case 2:
		if siblings[0] == cpu {
			return siblings[1], nil
		}
		if siblings[1] == cpu {
			return siblings[0], nil
		}
		return 0, fmt.Errorf("cpu %d is not in its own sibling list %v", cpu, siblings)
	default:
		return 0, fmt.Errorf("cpu %d has %d hardware threads per core, only two-way SMT is supported",
			cpu, len(siblings))
	}
}

// OnlineCPUs returns the ids listed in <sysfsRoot>/devices/system/cpu/online.
func OnlineCPUs(sysfsRoot string) ([]uint32, error) {
	if sysfsRoot == "" {
		sysfsRoot = DefaultSysfsRoot
	}
	path := filepath.Join(sysfsRoot, "devices", "system", "cpu", "online")
	buf, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("could not read %s: %w", path, err)
	}
	return ParseCPUList(string(buf))
}

// ParseCPUList parses the kernel cpulist format ("0-3,8,10-11").
// Reference: https://www.kernel.org/doc/Documentation/admin-guide/cputopology.rst
func ParseCPUList(list string) ([]uint32, error) {
	var cpus []uint32
	list = strings.Trim(list, "\n ")
	if list == "" {
		return nil, nil
	}
	for _, cpuRange := range strings.Split(list, ",") {
		rangeOp := strings.SplitN(cpuRange, "-", 2)
		first, err := strconv.ParseUint(rangeOp[0], 10, 32)
		if err != nil {
			return nil, err
		}
		if len(rangeOp) == 1 {
			cpus = append(cpus, uint32(first))
			continue
		}
		last, err := strconv.ParseUint(rangeOp[1], 10, 32)
		if err != nil {
			return nil, err
		}
		if last < first || last >= MaxCPUs {
			return nil, fmt.Errorf("invalid cpu range %q", cpuRange)
		}
		for n := first; n <= last; n++ {
			cpus = append(cpus, uint32(n))
		}
	}
	return cpus, nil
}
