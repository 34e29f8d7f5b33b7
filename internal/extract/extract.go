// Package extract finds individual test-case declarations in spec files and
// turns their descriptions into filter tokens a runner can be invoked with.
//
// Matching is line oriented and deliberately tolerant: it recognises
// declarations regardless of spacing and accepts both the multi-line
// `it '…' do` form and the inline `it '…' { … }` form, without parsing the
// source language. The Extractor interface is the seam for replacing it
// with a stricter parser.
package extract

import (
	"fmt"
	"os"
	"regexp"
	"runtime"
	"strings"

	"github.com/sourcegraph/conc/pool"
)

// DefaultKeywords are the case-introducing keywords recognised when none are
// configured.
var DefaultKeywords = []string{"it", "specify", "example"}

// pendingMarkers open the line following a declaration whose case is
// pending or skipped.
var pendingMarkers = []string{"pending", "skip"}

// Extractor returns the ordered, quoted test identifiers declared in files.
type Extractor interface {
	Extract(files []string) ([]string, error)
}

// TagFilter restricts extraction to declarations carrying a tag. An empty
// Name disables filtering. A non-empty Value must appear after Name on the
// declaration line.
type TagFilter struct {
	Name  string
	Value string
}

// ParseTagFilter parses "name" or "name:value". A leading ':' on the name
// (Ruby symbol syntax) is accepted and dropped.
func ParseTagFilter(s string) TagFilter {
	s = strings.TrimSpace(s)
	s = strings.TrimPrefix(s, ":")
	name, value, _ := strings.Cut(s, ":")
	return TagFilter{Name: strings.TrimSpace(name), Value: strings.TrimSpace(value)}
}

func (f TagFilter) String() string {
	if f.Value == "" {
		return f.Name
	}
	return f.Name + ":" + f.Value
}

// LineExtractor is the pattern-matching Extractor.
type LineExtractor struct {
	Filter        TagFilter
	IgnorePending bool
	// Concurrency bounds how many files are read at once; <= 0 means
	// runtime.NumCPU().
	Concurrency int

	decl *regexp.Regexp
}

// New returns a LineExtractor for the given keywords (DefaultKeywords when
// none are given).
func New(filter TagFilter, ignorePending bool, keywords ...string) *LineExtractor {
	if len(keywords) == 0 {
		keywords = DefaultKeywords
	}
	quoted := make([]string, len(keywords))
	for i, k := range keywords {
		quoted[i] = regexp.QuoteMeta(k)
	}
	// keyword, optional '(', a single- or double-quoted description, any
	// annotations, then the block opener.
	pattern := `^\s*(?:` + strings.Join(quoted, "|") + `)\s*\(?\s*` +
		`(?:'((?:[^'\\]|\\.)*)'|"((?:[^"\\]|\\.)*)")` +
		`(.*?)(?:\bdo\b|\{)`
	return &LineExtractor{
		Filter:        filter,
		IgnorePending: ignorePending,
		decl:          regexp.MustCompile(pattern),
	}
}

// Extract is shorthand for New(filter, ignorePending).Extract(files).
func Extract(files []string, filter TagFilter, ignorePending bool) ([]string, error) {
	return New(filter, ignorePending).Extract(files)
}

// Extract reads every file and returns the identifiers in file-then-line
// order. Files are read concurrently; the order of the result does not
// depend on scheduling.
func (e *LineExtractor) Extract(files []string) ([]string, error) {
	limit := e.Concurrency
	if limit <= 0 {
		limit = runtime.NumCPU()
	}
	perFile := make([][]string, len(files))
	p := pool.New().WithErrors().WithMaxGoroutines(limit)
	for i, f := range files {
		i, f := i, f
		p.Go(func() error {
			data, err := os.ReadFile(f)
			if err != nil {
				return fmt.Errorf("reading %s: %w", f, err)
			}
			perFile[i] = e.ExtractLines(splitLines(string(data)))
			return nil
		})
	}
	if err := p.Wait(); err != nil {
		return nil, err
	}
	var ids []string
	for _, chunk := range perFile {
		ids = append(ids, chunk...)
	}
	return ids, nil
}

// ExtractLines applies the declaration pattern, tag filter and pending check
// to one file's lines.
func (e *LineExtractor) ExtractLines(lines []string) []string {
	var ids []string
	for i, line := range lines {
		m := e.decl.FindStringSubmatchIndex(line)
		if m == nil {
			continue
		}
		if !e.Filter.matches(line) {
			continue
		}
		if e.IgnorePending && i+1 < len(lines) && isPending(lines[i+1]) {
			continue
		}
		var desc string
		if m[2] >= 0 {
			desc = unescape(line[m[2]:m[3]], '\'')
		} else {
			desc = unescape(line[m[4]:m[5]], '"')
		}
		ids = append(ids, Quote(desc))
	}
	return ids
}

func (f TagFilter) matches(line string) bool {
	if f.Name == "" {
		return true
	}
	at := indexToken(line, f.Name, 0)
	if at < 0 {
		return false
	}
	if f.Value == "" {
		return true
	}
	return indexToken(line, f.Value, at+len(f.Name)) >= 0
}

// indexToken returns the offset of the first occurrence of tok in s at or
// after from that is not embedded in a longer identifier, or -1.
func indexToken(s, tok string, from int) int {
	for from <= len(s) {
		i := strings.Index(s[from:], tok)
		if i < 0 {
			return -1
		}
		start := from + i
		end := start + len(tok)
		if (start == 0 || !isWordByte(s[start-1])) && (end == len(s) || !isWordByte(s[end])) {
			return start
		}
		from = start + 1
	}
	return -1
}

func isWordByte(b byte) bool {
	return b == '_' || b >= '0' && b <= '9' || b >= 'a' && b <= 'z' || b >= 'A' && b <= 'Z'
}

func isPending(line string) bool {
	line = strings.TrimSpace(line)
	for _, m := range pendingMarkers {
		if line == m || strings.HasPrefix(line, m) && !isWordByte(line[len(m)]) {
			return true
		}
	}
	return false
}

// unescape resolves \<quote> and \\ inside a quoted description. Other
// escape sequences are kept verbatim.
func unescape(s string, quote byte) string {
	if !strings.Contains(s, `\`) {
		return s
	}
	var b strings.Builder
	for i := 0; i < len(s); i++ {
		if s[i] == '\\' && i+1 < len(s) && (s[i+1] == quote || s[i+1] == '\\') {
			i++
		}
		b.WriteByte(s[i])
	}
	return b.String()
}

// Quote wraps desc in double quotes, escaping it so the result survives
// re-parsing by the host shell as exactly one token.
func Quote(desc string) string {
	return quoteFor(runtime.GOOS, desc)
}

func quoteFor(goos, desc string) string {
	var b strings.Builder
	b.WriteByte('"')
	for i := 0; i < len(desc); i++ {
		c := desc[i]
		if goos == "windows" {
			if c == '"' {
				b.WriteByte('\\')
			}
		} else if c == '\\' || c == '"' || c == '$' || c == '`' {
			b.WriteByte('\\')
		}
		b.WriteByte(c)
	}
	b.WriteByte('"')
	return b.String()
}

func splitLines(s string) []string {
	lines := strings.Split(s, "\n")
	for i, l := range lines {
		lines[i] = strings.TrimSuffix(l, "\r")
	}
	return lines
}
