package worker

import (
	"fmt"
	"runtime"
	"sort"
	"strconv"
	"strings"
)

// EnvVar is one entry of a worker's export prefix. Unset removes the
// variable in the child shell instead of setting it.
type EnvVar struct {
	Key   string
	Value string
	Unset bool
}

// CommandLine returns the shell command the worker runs on this platform.
func (w *Worker) CommandLine() string {
	return commandLine(runtime.GOOS, w.Spec)
}

// commandLine renders
//
//	<exports><runner> <target> (<filterFlag> <id>)+ <runnerArgs...>
//
// Identifiers are emitted verbatim; they were quoted at extraction time.
func commandLine(goos string, s Spec) string {
	var b strings.Builder
	b.WriteString(renderExports(goos, s.Env))
	b.WriteString(s.Shared.Runner)
	if s.Shared.Target != "" {
		b.WriteByte(' ')
		b.WriteString(shellQuote(goos, s.Shared.Target))
	}
	flag := s.Shared.FilterFlag
	if flag == "" {
		flag = DefaultFilterFlag
	}
	for _, id := range s.Bucket {
		b.WriteByte(' ')
		b.WriteString(flag)
		b.WriteByte(' ')
		b.WriteString(id)
	}
	for _, a := range s.Shared.RunnerArgs {
		b.WriteByte(' ')
		b.WriteString(shellQuote(goos, a))
	}
	return b.String()
}

// renderExports produces the prefix that sets (or unsets) env in the child
// shell, keys in sorted order. A key given twice keeps its last entry.
func renderExports(goos string, env []EnvVar) string {
	last := make(map[string]EnvVar, len(env))
	for _, e := range env {
		if e.Key == "" {
			continue
		}
		last[e.Key] = e
	}
	keys := make([]string, 0, len(last))
	for k := range last {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	for _, k := range keys {
		e := last[k]
		if goos == "windows" {
			if e.Unset {
				b.WriteString(`(SET "` + k + `=") & `)
			} else {
				b.WriteString(windowsSet(k, e.Value))
			}
			continue
		}
		if e.Unset {
			b.WriteString("unset " + k + ";")
		} else {
			b.WriteString(k + "=" + shellQuote(goos, e.Value) + ";export " + k + ";")
		}
	}
	return b.String()
}

// cmdMeta are the characters cmd.exe interprets in a SET value.
const cmdMeta = "\"%^&|<>()"

// windowsSet renders one cmd.exe assignment. A plain value keeps the quoted
// form; otherwise every metacharacter is caret-escaped in the unquoted form,
// and a caret before '%' stops variable expansion.
func windowsSet(k, v string) string {
	if !strings.ContainsAny(v, cmdMeta) {
		return `(SET "` + k + "=" + v + `") & `
	}
	var b strings.Builder
	b.WriteString("(SET " + k + "=")
	for i := 0; i < len(v); i++ {
		if strings.IndexByte(cmdMeta, v[i]) >= 0 {
			b.WriteByte('^')
		}
		b.WriteByte(v[i])
	}
	b.WriteString(") & ")
	return b.String()
}

// checkEnv rejects values the platform shell cannot carry on one line.
func checkEnv(goos string, env []EnvVar) error {
	if goos != "windows" {
		return nil
	}
	for _, e := range env {
		if !e.Unset && strings.ContainsAny(e.Value, "\r\n") {
			return fmt.Errorf("%w: value of %s contains a line break", ErrInvalidSpec, e.Key)
		}
	}
	return nil
}

const shellMeta = " \t\n\"'`$\\|&;<>()*?[]#~=%!{}"

// shellQuote quotes s for the platform shell when it contains characters
// the shell would interpret.
func shellQuote(goos, s string) string {
	if s == "" {
		return `""`
	}
	if !strings.ContainsAny(s, shellMeta) {
		return s
	}
	if goos == "windows" {
		return `"` + strings.ReplaceAll(s, `"`, `\"`) + `"`
	}
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

// RunEnv returns the variables every worker exports in addition to the
// user-supplied ones.
func RunEnv(id int, statePath string) []EnvVar {
	env := []EnvVar{
		{Key: "TEST_ENV_NUMBER", Value: strconv.Itoa(id)},
		{Key: "PRSPEC_WORKER_ID", Value: strconv.Itoa(id)},
	}
	if statePath != "" {
		env = append(env, EnvVar{Key: "PRSPEC_STATE_FILE", Value: statePath})
	}
	return env
}
