// checkResources implements the dispatcher's `checkResources` option
// (§6, supplemented from ConsumerFMQchannel.cxx's pre-region-creation
// check): before CreateUnmanagedRegion, walk a comma-separated list of
// resources, treat entries containing '/' as filesystem paths (checked
// via statfs) and everything else as a key to look up in
// /proc/meminfo, and refuse if any has less free space than the region
// would need.

package transport

import (
	"bufio"
	"fmt"
	"os"
	"strconv"
	"strings"
	"syscall"
)

// CheckResources verifies that every named resource reports at least
// needBytes free, per the semantics above. It returns the first
// violation (or lookup failure) as an error; a nil return means every
// resource had room.
func CheckResources(resources []string, needBytes int64) error {
	for _, r := range resources {
		free, err := freeBytesFor(r)
		if err != nil {
			return fmt.Errorf("transport: checkResources: %s: %w", r, err)
		}
		if free < needBytes {
			return fmt.Errorf("transport: checkResources: %s has %d bytes free, need %d", r, free, needBytes)
		}
	}
	return nil
}

func freeBytesFor(r string) (int64, error) {
	if strings.ContainsRune(r, '/') {
		return freeBytesFilesystem(r)
	}
	return freeBytesMeminfo(r)
}

func freeBytesFilesystem(path string) (int64, error) {
	var st syscall.Statfs_t
	if err := syscall.Statfs(path, &st); err != nil {
		return 0, err
	}
	return int64(st.Bavail) * int64(st.Bsize), nil
}

// freeBytesMeminfo looks up key (e.g. "MemFree", "MemAvailable") in
// /proc/meminfo, whose values are reported in kB.
func freeBytesMeminfo(key string) (int64, error) {
	f, err := os.Open("/proc/meminfo")
	if err != nil {
		return 0, err
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	for sc.Scan() {
		fields := strings.Fields(sc.Text())
		if len(fields) < 2 {
			continue
		}
		name := strings.TrimSuffix(fields[0], ":")
		if name != key {
			continue
		}
		kb, err := strconv.ParseInt(fields[1], 10, 64)
		if err != nil {
			return 0, fmt.Errorf("parse %s: %w", key, err)
		}
		return kb * 1024, nil
	}
	return 0, fmt.Errorf("key %q not found in /proc/meminfo", key)
}
