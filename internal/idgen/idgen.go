// Package idgen produces run identifiers that sort by creation time and stay
// unique across concurrent prspec processes on one machine.
package idgen

import (
	"os"
	"strconv"
	"strings"
	"sync"
	"time"
)

// epochMs is the custom epoch (2024-01-01T00:00:00Z) in milliseconds.
const epochMs int64 = 1704067200000

// nowMs returns the current time as milliseconds since epochMs.
// It is a variable so tests can override it.
var nowMs = func() int64 {
	return time.Now().UnixMilli() - epochMs
}

var (
	mu     sync.Mutex
	lastMs int64 = -1
	seq    int64
)

// NewRunID returns an identifier of the form
//
//	r-<8 base36 time><3 base36 seq>-<base36 pid>
//
// The time part is milliseconds since 2024-01-01, so lexicographic order of
// the first 13 characters matches creation order within one process. The pid
// suffix keeps two prspec processes started in the same millisecond apart,
// which matters because the ID names files in a shared base directory.
func NewRunID() string {
	return newID("r", os.Getpid())
}

func newID(prefix string, pid int) string {
	mu.Lock()
	ms := nowMs()
	if ms < 0 {
		ms = 0
	}
	if ms == lastMs {
		seq++
	} else {
		lastMs = ms
		seq = 0
	}
	n := seq % 46656 // 36^3
	mu.Unlock()

	var b strings.Builder
	b.WriteString(prefix)
	b.WriteByte('-')
	b.WriteString(pad36(ms, 8))
	b.WriteString(pad36(n, 3))
	b.WriteByte('-')
	b.WriteString(strconv.FormatInt(int64(pid), 36))
	return b.String()
}

func pad36(v int64, width int) string {
	s := strconv.FormatInt(v, 36)
	if len(s) < width {
		s = strings.Repeat("0", width-len(s)) + s
	}
	return s
}
