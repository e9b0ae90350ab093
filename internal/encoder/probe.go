// Package encoder detects which H.264 encoder backends this host can use.
package encoder

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/edirooss/restreamd/internal/domain/stream"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

// ErrUnavailable marks a backend the probe did not find.
var ErrUnavailable = errors.New("encoder backend unavailable")

// RunFunc runs a command and returns its combined output.
type RunFunc func(ctx context.Context, name string, args ...string) ([]byte, error)

// StatFunc checks that a device node exists.
type StatFunc func(path string) error

type Options struct {
	FFmpegPath    string
	NvidiaSMIPath string
	RenderNode    string
	// Preference orders the backends; unknown ones are never selected.
	Preference []stream.Backend
	// Timeout bounds each external command of a probe.
	Timeout time.Duration

	Run  RunFunc
	Stat StatFunc
}

func (o *Options) setDefaults() {
	if o.FFmpegPath == "" {
		o.FFmpegPath = "ffmpeg"
	}
	if o.NvidiaSMIPath == "" {
		o.NvidiaSMIPath = "nvidia-smi"
	}
	if o.RenderNode == "" {
		o.RenderNode = "/dev/dri/renderD128"
	}
	if len(o.Preference) == 0 {
		o.Preference = slices.Clone(stream.Backends)
	}
	if o.Timeout <= 0 {
		o.Timeout = 10 * time.Second
	}
	if o.Run == nil {
		o.Run = runCommand
	}
	if o.Stat == nil {
		o.Stat = func(path string) error {
			_, err := os.Stat(path)
			return err
		}
	}
}

// Result is an immutable probe outcome.
type Result struct {
	// Available is in preference order.
	Available []stream.Backend `json:"available"`
	// Errors explains why each missing backend was excluded.
	Errors   map[stream.Backend]string `json:"errors,omitempty"`
	ProbedAt time.Time                 `json:"probed_at"`
}

// Has reports whether b was found.
func (r Result) Has(b stream.Backend) bool { return slices.Contains(r.Available, b) }

// Pick returns want when available and not excluded, otherwise the first
// available backend not in exclude.
func (r Result) Pick(want stream.Backend, exclude map[stream.Backend]bool) (stream.Backend, bool) {
	if want != "" && r.Has(want) && !exclude[want] {
		return want, true
	}
	for _, b := range r.Available {
		if !exclude[b] {
			return b, true
		}
	}
	return "", false
}

func (r Result) clone() Result {
	out := Result{Available: slices.Clone(r.Available), ProbedAt: r.ProbedAt}
	if r.Errors != nil {
		out.Errors = make(map[stream.Backend]string, len(r.Errors))
		for k, v := range r.Errors {
			out.Errors[k] = v
		}
	}
	return out
}

// Prober caches the probe result for the life of the process. Reprobe
// replaces it; concurrent probes share one run.
type Prober struct {
	log  *zap.Logger
	opts Options
	now  func() time.Time

	mu     sync.RWMutex
	result *Result

	sf singleflight.Group
}

func NewProber(log *zap.Logger, opts Options) *Prober {
	opts.setDefaults()
	return &Prober{
		log:  log.Named("encoder_probe"),
		opts: opts,
		now:  time.Now,
	}
}

// Current returns the cached result, probing first if there is none.
func (p *Prober) Current(ctx context.Context) Result {
	p.mu.RLock()
	if p.result != nil {
		out := p.result.clone()
		p.mu.RUnlock()
		return out
	}
	p.mu.RUnlock()
	return p.probe(ctx)
}

// Reprobe discards the cache and probes again.
func (p *Prober) Reprobe(ctx context.Context) Result {
	return p.probe(ctx)
}

func (p *Prober) probe(ctx context.Context) Result {
	v, _, _ := p.sf.Do("probe", func() (any, error) {
		res := p.detectAll(ctx)
		p.mu.Lock()
		p.result = &res
		p.mu.Unlock()
		return res, nil
	})
	return v.(Result).clone()
}

func (p *Prober) detectAll(ctx context.Context) Result {
	start := p.now()
	encoders, encErr := p.listEncoders(ctx)
	if encErr != nil {
		p.log.Warn("cannot list ffmpeg encoders", zap.Error(encErr))
	}

	res := Result{Errors: make(map[stream.Backend]string)}
	for _, b := range p.opts.Preference {
		if err := p.detect(ctx, b, encoders, encErr); err != nil {
			res.Errors[b] = err.Error()
			p.log.Info("backend excluded", zap.String("backend", string(b)), zap.Error(err))
			continue
		}
		res.Available = append(res.Available, b)
	}
	res.ProbedAt = p.now()

	p.log.Info("encoder probe finished",
		zap.Any("available", res.Available),
		zap.Duration("took", res.ProbedAt.Sub(start)))
	return res
}

// detect isolates one backend check; a panic counts as "not available".
func (p *Prober) detect(ctx context.Context, b stream.Backend, encoders map[string]bool, encErr error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: detector panic: %v", ErrUnavailable, r)
		}
	}()

	d, ok := detectors[b]
	if !ok {
		return fmt.Errorf("%w: no detector for %q", ErrUnavailable, b)
	}
	return d(ctx, p, encoders, encErr)
}

// listEncoders parses `ffmpeg -hide_banner -encoders`. Encoder lines look like
// " V....D libx264              libx264 H.264 ...".
func (p *Prober) listEncoders(ctx context.Context) (map[string]bool, error) {
	ctx, cancel := context.WithTimeout(ctx, p.opts.Timeout)
	defer cancel()

	out, err := p.opts.Run(ctx, p.opts.FFmpegPath, "-hide_banner", "-encoders")
	if err != nil {
		return nil, fmt.Errorf("%s -encoders: %w", p.opts.FFmpegPath, err)
	}
	return parseEncoders(string(out)), nil
}

func parseEncoders(out string) map[string]bool {
	encoders := make(map[string]bool)
	for _, line := range strings.Split(out, "\n") {
		fields := strings.Fields(line)
		if len(fields) < 2 || len(fields[0]) != 6 {
			continue
		}
		encoders[fields[1]] = true
	}
	return encoders
}

func (p *Prober) run(ctx context.Context, name string, args ...string) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, p.opts.Timeout)
	defer cancel()
	return p.opts.Run(ctx, name, args...)
}

func runCommand(ctx context.Context, name string, args ...string) ([]byte, error) {
	return exec.CommandContext(ctx, name, args...).CombinedOutput()
}
