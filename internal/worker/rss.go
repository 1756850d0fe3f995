package worker

import (
	"os"
	"runtime"
	"strconv"
	"strings"
)

// currentRSSBytes reports the process resident set size. On Linux it reads
// /proc/self/statm; elsewhere (and on read failure) it falls back to the Go
// runtime's Sys figure, which overstates RSS but still catches runaway
// growth.
func currentRSSBytes() uint64 {
	if rss, ok := statmRSS(); ok {
		return rss
	}
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	return ms.Sys
}

// statmRSS parses the resident page count from /proc/self/statm.
func statmRSS() (uint64, bool) {
	raw, err := os.ReadFile("/proc/self/statm")
	if err != nil {
		return 0, false
	}
	fields := strings.Fields(string(raw))
	if len(fields) < 2 {
		return 0, false
	}
	pages, err := strconv.ParseUint(fields[1], 10, 64)
	if err != nil {
		return 0, false
	}
	return pages * uint64(os.Getpagesize()), true
}
