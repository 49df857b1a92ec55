// Package oracle parses a worker process's memory map and classifies
// 64-bit values as code, library, stdlib, heap, stack, or other, per
// spec.md §4.2.
package oracle

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"
)

// Range is a half-open address range [Begin, End) backed by one mapping.
type Range struct {
	Name  string
	Begin uint64
	End   uint64
}

func (r Range) contains(v uint64) bool { return v >= r.Begin && v < r.End }

// stdlibPattern matches the standard C library's various sonames across
// common distros (libc.so.6, libc-2.31.so, musl's libc.musl-x86_64.so.1).
var stdlibPattern = regexp.MustCompile(`^libc([.\-][0-9a-zA-Z._\-]*)?\.so`)

// Oracle holds the last-known-good view of a worker's address space.
type Oracle struct {
	pid int

	libBasenames map[string]bool

	processBase uint64
	heapBase    uint64
	stackBase   uint64
	haveHeap    bool
	haveStack   bool

	codeRanges []Range // all executable text mappings, sorted
	libRanges  []Range // subset backing the instrumented library
	stdRanges  []Range // subset matching the stdlib name pattern

	lastMapsLines []string // last successfully parsed executable lines, for diffing
}

// New creates an oracle for pid, watching for executable mappings whose
// file basename is in libBasenames.
func New(pid int, libBasenames []string) *Oracle {
	names := make(map[string]bool, len(libBasenames))
	for _, n := range libBasenames {
		names[filepath.Base(n)] = true
	}
	return &Oracle{pid: pid, libBasenames: names}
}

// Ready reports whether at least one mapping for every configured library
// basename has been observed.
func (o *Oracle) Ready() bool {
	if len(o.libBasenames) == 0 {
		return len(o.codeRanges) > 0
	}
	seen := make(map[string]bool)
	for _, r := range o.libRanges {
		seen[filepath.Base(r.Name)] = true
	}
	for name := range o.libBasenames {
		if !seen[name] {
			return false
		}
	}
	return true
}

// mapsLine is one parsed /proc/<pid>/maps row.
type mapsLine struct {
	begin, end uint64
	perms      string
	offset     uint64
	path       string
}

func parseMapsLine(line string) (mapsLine, bool) {
	fields := strings.Fields(line)
	if len(fields) < 5 {
		return mapsLine{}, false
	}
	addrs := strings.SplitN(fields[0], "-", 2)
	if len(addrs) != 2 {
		return mapsLine{}, false
	}
	begin, err1 := strconv.ParseUint(addrs[0], 16, 64)
	end, err2 := strconv.ParseUint(addrs[1], 16, 64)
	if err1 != nil || err2 != nil {
		return mapsLine{}, false
	}
	offset, _ := strconv.ParseUint(fields[2], 16, 64)
	path := ""
	if len(fields) >= 6 {
		path = strings.Join(fields[5:], " ")
	}
	return mapsLine{begin: begin, end: end, perms: fields[1], offset: offset, path: path}, true
}

// Refresh re-reads /proc/<pid>/maps, diffs the executable lines against the
// last good copy, and rebuilds the ranges only if they changed. On any
// failure (missing file, or configured libraries not all mapped yet) the
// previous view is kept and an error is returned so callers can treat the
// oracle as "not ready" without losing prior state.
func (o *Oracle) Refresh() error {
	path := fmt.Sprintf("/proc/%d/maps", o.pid)
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("reading %s: %w", path, err)
	}
	if len(data) == 0 {
		return fmt.Errorf("%s: empty maps file", path)
	}

	var execLines []string
	var allLines []mapsLine
	sc := bufio.NewScanner(strings.NewReader(string(data)))
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for sc.Scan() {
		line := sc.Text()
		ml, ok := parseMapsLine(line)
		if !ok {
			continue
		}
		allLines = append(allLines, ml)
		if strings.Contains(ml.perms, "x") {
			execLines = append(execLines, line)
		}
	}

	if sameLines(execLines, o.lastMapsLines) && len(o.codeRanges) > 0 {
		// No change to the executable mapping set; keep current view.
		return nil
	}

	codeRanges, libRanges, stdRanges := classifyExecLines(execLines, o.libBasenames)

	processBase, haveBase := firstLoadBase(allLines)
	heapBase, haveHeap := pseudoRangeBase(allLines, "[heap]")
	stackBase, haveStack := pseudoRangeBase(allLines, "[stack]")

	if !haveBase {
		return fmt.Errorf("%s: no process base mapping found", path)
	}

	candidate := &Oracle{
		pid:           o.pid,
		libBasenames:  o.libBasenames,
		processBase:   processBase,
		heapBase:      heapBase,
		haveHeap:      haveHeap,
		stackBase:     stackBase,
		haveStack:     haveStack,
		codeRanges:    codeRanges,
		libRanges:     libRanges,
		stdRanges:     stdRanges,
		lastMapsLines: execLines,
	}

	if !candidate.Ready() {
		return fmt.Errorf("not ready: configured library mappings not all present yet")
	}

	*o = *candidate
	return nil
}

func sameLines(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// firstLoadBase returns the base of the first non-executable, zero-offset
// mapping, taken as the process load base per spec.md §4.2.
func firstLoadBase(lines []mapsLine) (uint64, bool) {
	for _, l := range lines {
		if l.offset == 0 && !strings.Contains(l.perms, "x") && l.path != "" && !strings.HasPrefix(l.path, "[") {
			return l.begin, true
		}
	}
	// Fall back to the very first mapping if nothing matched strictly.
	if len(lines) > 0 {
		return lines[0].begin, true
	}
	return 0, false
}

func pseudoRangeBase(lines []mapsLine, name string) (uint64, bool) {
	for _, l := range lines {
		if l.path == name {
			return l.begin, true
		}
	}
	return 0, false
}

func classifyExecLines(lines []string, libBasenames map[string]bool) (code, lib, std []Range) {
	for _, line := range lines {
		ml, ok := parseMapsLine(line)
		if !ok {
			continue
		}
		name := ml.path
		if name == "" {
			name = fmt.Sprintf("anon:%x", ml.begin)
		}
		r := Range{Name: name, Begin: ml.begin, End: ml.end}
		code = append(code, r)

		base := filepath.Base(ml.path)
		if libBasenames[base] {
			lib = append(lib, r)
		}
		if stdlibPattern.MatchString(base) {
			std = append(std, r)
		}
	}
	sort.Slice(code, func(i, j int) bool { return code[i].Begin < code[j].Begin })
	sort.Slice(lib, func(i, j int) bool { return lib[i].Begin < lib[j].Begin })
	sort.Slice(std, func(i, j int) bool { return std[i].Begin < std[j].Begin })
	return
}

// IsPointer reports whether v looks like a valid process address (at or
// above the load base).
func (o *Oracle) IsPointer(v uint64) bool { return v >= o.processBase && o.processBase != 0 }

// IsCode reports whether v falls in any executable text mapping.
func (o *Oracle) IsCode(v uint64) bool { return rangeContains(o.codeRanges, v) }

// IsLibCode reports whether v falls in the instrumented library's text.
func (o *Oracle) IsLibCode(v uint64) bool { return rangeContains(o.libRanges, v) }

// IsStdlibCode reports whether v falls in the standard library's text.
func (o *Oracle) IsStdlibCode(v uint64) bool { return rangeContains(o.stdRanges, v) }

// OwnerOf returns the backing file name of the range containing v, or ""
// if v is not covered by any known executable range.
func (o *Oracle) OwnerOf(v uint64) string {
	for _, r := range o.codeRanges {
		if r.contains(v) {
			return r.Name
		}
	}
	return ""
}

func rangeContains(ranges []Range, v uint64) bool {
	// Ranges are sorted and non-overlapping; binary search for the first
	// range whose End lies above v.
	i := sort.Search(len(ranges), func(i int) bool { return ranges[i].End > v })
	return i < len(ranges) && ranges[i].contains(v)
}

// ProcessBase returns the base of the first load mapping.
func (o *Oracle) ProcessBase() uint64 { return o.processBase }

// HeapBase returns the base of [heap] and whether it was present.
func (o *Oracle) HeapBase() (uint64, bool) { return o.heapBase, o.haveHeap }

// StackBase returns the base of [stack] and whether it was present.
func (o *Oracle) StackBase() (uint64, bool) { return o.stackBase, o.haveStack }

// CodeRanges returns all executable text ranges.
func (o *Oracle) CodeRanges() []Range { return append([]Range(nil), o.codeRanges...) }

// LibRanges returns the instrumented library's text ranges.
func (o *Oracle) LibRanges() []Range { return append([]Range(nil), o.libRanges...) }
