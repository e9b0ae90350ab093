// Package ffcmd builds ffmpeg argument vectors.
//
// It owns CLI shape only (ordering, omission rules, quoting) and never
// executes anything.
//
// Emission rules:
//
//   - Option with an empty value is skipped, so optional settings can be
//     passed through without branching at the call site.
//   - IntOption is always emitted, including 0.
//   - argv[0] is the binary path.
//
// Usage:
//
//	argv := ffcmd.New("ffmpeg").Flag("-re").Option("-i", in).Arg(out).Argv()
package ffcmd

import (
	"strconv"
	"strings"
)

// Builder is a fluent, single-use argv builder. Not safe for concurrent use.
type Builder struct {
	args []string
}

// New returns a Builder seeded with bin as argv[0].
func New(bin string) *Builder {
	return &Builder{args: []string{bin}}
}

// Flag appends a valueless switch such as -re or -nostdin.
func (b *Builder) Flag(flag string) *Builder {
	b.args = append(b.args, flag)
	return b
}

// FlagIf appends flag only when cond holds.
func (b *Builder) FlagIf(cond bool, flag string) *Builder {
	if cond {
		b.args = append(b.args, flag)
	}
	return b
}

// Option appends flag and val when val is non-empty.
func (b *Builder) Option(flag, val string) *Builder {
	if val != "" {
		b.args = append(b.args, flag, val)
	}
	return b
}

// IntOption appends flag with a base-10 value.
func (b *Builder) IntOption(flag string, val int) *Builder {
	b.args = append(b.args, flag, strconv.Itoa(val))
	return b
}

// Arg appends a positional argument when non-empty.
func (b *Builder) Arg(arg string) *Builder {
	if arg != "" {
		b.args = append(b.args, arg)
	}
	return b
}

// Raw appends pre-built arguments verbatim, empties included.
func (b *Builder) Raw(args ...string) *Builder {
	b.args = append(b.args, args...)
	return b
}

// Argv returns a copy of the argument vector.
func (b *Builder) Argv() []string {
	out := make([]string, len(b.args))
	copy(out, b.args)
	return out
}

// String returns the command as one POSIX shell-quoted line.
func (b *Builder) String() string {
	return Quote(b.args)
}

// Quote single-quotes every token so the result is safe to paste into sh.
func Quote(argv []string) string {
	quoted := make([]string, len(argv))
	for i, a := range argv {
		quoted[i] = shQuote(a)
	}
	return strings.Join(quoted, " ")
}

func shQuote(s string) string {
	if s == "" {
		return "''"
	}
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
