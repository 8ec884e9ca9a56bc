package runner

import "strings"

// Result is the outcome of a command run to completion.
type Result struct {
	ExitCode  int
	Stdout    []byte // capped at MaxOutput
	Stderr    []byte // capped at MaxOutput
	Truncated bool   // either stream hit the cap
}

// FirstLine returns the first non-blank line of stdout, or of stderr when
// stdout has none. Some interpreters print their version on stderr.
func (r *Result) FirstLine() string {
	for _, out := range [][]byte{r.Stdout, r.Stderr} {
		for line := range strings.Lines(string(out)) {
			if s := strings.TrimSpace(line); s != "" {
				return s
			}
		}
	}
	return ""
}
