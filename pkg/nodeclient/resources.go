package nodeclient

import (
	"bufio"
	"os"
	"runtime"
	"strconv"
	"strings"
	"syscall"

	"github.com/cuemby/symphony/pkg/types"
)

// resourceSampler produces the advisory types.ResourceSnapshot carried on
// every Heartbeat (spec §4.7). No third-party sampling library appears
// anywhere in the corpus — every example that reports resource usage
// does it by reading /proc directly — so this stays on stdlib plus two
// /proc reads, matching that idiom rather than inventing a dependency.
type resourceSampler struct {
	dataDir  string
	lastIdle uint64
	lastTot  uint64
}

func newResourceSampler(dataDir string) *resourceSampler {
	return &resourceSampler{dataDir: dataDir}
}

func (r *resourceSampler) sample() types.ResourceSnapshot {
	snap := types.ResourceSnapshot{}

	if idle, total, ok := readProcStatTotals(); ok {
		if r.lastTot != 0 && total > r.lastTot {
			deltaTotal := total - r.lastTot
			deltaIdle := idle - r.lastIdle
			if deltaTotal > 0 {
				snap.CPUPercent = 100 * (1 - float64(deltaIdle)/float64(deltaTotal))
			}
		}
		r.lastIdle, r.lastTot = idle, total
	}

	if used, total, ok := readProcMeminfo(); ok {
		snap.MemoryUsed = used
		snap.MemoryTotal = total
	}

	if mount, ok := statMount(r.dataDir); ok {
		snap.StorageMounts = []types.StorageMount{mount}
	}

	return snap
}

// readProcStatTotals returns the idle and total jiffy counts from the
// aggregate "cpu" line of /proc/stat. ok is false on non-Linux or if the
// file can't be read — callers treat that as "no CPU sample this tick".
func readProcStatTotals() (idle, total uint64, ok bool) {
	if runtime.GOOS != "linux" {
		return 0, 0, false
	}
	f, err := os.Open("/proc/stat")
	if err != nil {
		return 0, 0, false
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	if !scanner.Scan() {
		return 0, 0, false
	}
	fields := strings.Fields(scanner.Text())
	if len(fields) < 5 || fields[0] != "cpu" {
		return 0, 0, false
	}
	var vals []uint64
	for _, v := range fields[1:] {
		n, err := strconv.ParseUint(v, 10, 64)
		if err != nil {
			return 0, 0, false
		}
		vals = append(vals, n)
		total += n
	}
	idle = vals[3] // idle field
	if len(vals) > 4 {
		idle += vals[4] // iowait counts as idle for this purpose
	}
	return idle, total, true
}

// readProcMeminfo reports used/total memory in bytes from /proc/meminfo.
func readProcMeminfo() (used, total int64, ok bool) {
	if runtime.GOOS != "linux" {
		return 0, 0, false
	}
	f, err := os.Open("/proc/meminfo")
	if err != nil {
		return 0, 0, false
	}
	defer f.Close()

	var memTotal, memAvailable int64
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) < 2 {
			continue
		}
		n, err := strconv.ParseInt(fields[1], 10, 64)
		if err != nil {
			continue
		}
		switch strings.TrimSuffix(fields[0], ":") {
		case "MemTotal":
			memTotal = n * 1024
		case "MemAvailable":
			memAvailable = n * 1024
		}
	}
	if memTotal == 0 {
		return 0, 0, false
	}
	return memTotal - memAvailable, memTotal, true
}

// statMount reports total/used bytes for the filesystem backing dir via
// statfs, the same call the teacher's embedded-containerd disk-space
// check would have used on Linux.
func statMount(dir string) (types.StorageMount, bool) {
	var stat syscall.Statfs_t
	if err := syscall.Statfs(dir, &stat); err != nil {
		return types.StorageMount{}, false
	}
	total := int64(stat.Blocks) * int64(stat.Bsize)
	free := int64(stat.Bfree) * int64(stat.Bsize)
	return types.StorageMount{
		Path:       dir,
		TotalBytes: total,
		UsedBytes:  total - free,
	}, true
}
