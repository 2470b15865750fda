package dispatch

import (
	"fmt"
	"regexp"
	"slices"
	"strings"

	"github.com/snehjoshi/epochdist/internal/distpkg"
	"github.com/snehjoshi/epochdist/internal/queue"
	"github.com/snehjoshi/epochdist/internal/types"
)

// Selector maps package paths to synthetic queues.
//
// Queue is "label" or "label|queueRegex". Path is a regular expression that
// must match a whole package path. When queueRegex is present only main
// queues it fully matches produce a destination.
type Selector struct {
	Queue string `yaml:"queue"`
	Path  string `yaml:"path"`
}

type selector struct {
	label   string
	queueRe *regexp.Regexp // nil: every main queue
	pathRe  *regexp.Regexp
}

func compileSelectors(sels []Selector) ([]selector, error) {
	out := make([]selector, 0, len(sels))
	for _, s := range sels {
		label, queueExpr, hasQueueExpr := strings.Cut(s.Queue, "|")
		if label == "" {
			return nil, fmt.Errorf("%w: selector %q has an empty label", ErrConfiguration, s.Queue)
		}
		pathRe, err := fullMatch(s.Path)
		if err != nil {
			return nil, fmt.Errorf("%w: selector %q path: %v", ErrConfiguration, s.Queue, err)
		}
		c := selector{label: label, pathRe: pathRe}
		if hasQueueExpr {
			if c.queueRe, err = fullMatch(queueExpr); err != nil {
				return nil, fmt.Errorf("%w: selector %q queue: %v", ErrConfiguration, s.Queue, err)
			}
		}
		out = append(out, c)
	}
	return out, nil
}

func fullMatch(expr string) (*regexp.Regexp, error) {
	return regexp.Compile(`^(?:` + expr + `)$`)
}

// router holds what Priority and Selective share: ordered selectors over a
// list of main queues, falling back to fan-out over the main queues.
type router struct {
	selectors  []selector
	mainQueues []string
	// bareLabel makes a selector without a queue regex route to its label
	// instead of label-mainQueue.
	bareLabel bool
	o         options
}

func newRouter(sels []Selector, mainQueues []string, bareLabel bool, opts []Option) (router, error) {
	if len(mainQueues) == 0 {
		mainQueues = []string{DefaultQueueName}
	}
	compiled, err := compileSelectors(sels)
	if err != nil {
		return router{}, err
	}
	return router{
		selectors:  compiled,
		mainQueues: slices.Clone(mainQueues),
		bareLabel:  bareLabel,
		o:          buildOptions(opts),
	}, nil
}

// targets returns the synthetic queues pkgPaths select, first occurrence
// order, without duplicates. Empty when no selector matches.
func (r *router) targets(pkgPaths []string) []string {
	var out []string
	for _, path := range pkgPaths {
		for _, s := range r.selectors {
			if s.pathRe.MatchString(path) {
				out = appendUnique(out, r.expand(s)...)
			}
		}
	}
	return out
}

func (r *router) expand(s selector) []string {
	if s.queueRe == nil && r.bareLabel {
		return []string{s.label}
	}
	var out []string
	for _, mq := range r.mainQueues {
		if s.queueRe == nil || s.queueRe.MatchString(mq) {
			out = append(out, s.label+"-"+mq)
		}
	}
	return out
}

func (r *router) Add(pkg distpkg.Package, provider queue.Provider) ([]types.QueueItemStatus, error) {
	names := r.targets(pkg.Info().Paths)
	if len(names) == 0 {
		names = r.mainQueues
	}
	m := &MultipleQueue{names: names, o: r.o}
	return m.Add(pkg, provider)
}

func (r *router) QueueNames() []string {
	out := slices.Clone(r.mainQueues)
	for _, s := range r.selectors {
		out = appendUnique(out, r.expand(s)...)
	}
	return out
}

// Priority routes packages whose paths match a selector to label-mainQueue
// for every main queue the selector accepts.
type Priority struct{ router }

// NewPriority builds a Priority strategy. An empty mainQueues means the
// default queue only.
func NewPriority(selectors []Selector, mainQueues []string, opts ...Option) (*Priority, error) {
	r, err := newRouter(selectors, mainQueues, false, opts)
	if err != nil {
		return nil, err
	}
	return &Priority{r}, nil
}

// Selective is Priority, except that a selector without a queue regex routes
// to its bare label.
type Selective struct{ router }

// NewSelective builds a Selective strategy.
func NewSelective(selectors []Selector, mainQueues []string, opts ...Option) (*Selective, error) {
	r, err := newRouter(selectors, mainQueues, true, opts)
	if err != nil {
		return nil, err
	}
	return &Selective{r}, nil
}
