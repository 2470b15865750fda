package dispatch

import (
	"slices"
	"strings"

	"github.com/snehjoshi/epochdist/internal/distpkg"
	"github.com/snehjoshi/epochdist/internal/queue"
	"github.com/snehjoshi/epochdist/internal/types"
)

// PriorityPath sends a package to the queue named after the first configured
// path prefix that any of its paths starts with; everything else goes to the
// default queue. Prefixes are checked in configuration order.
type PriorityPath struct {
	paths []string
	o     options
}

// NewPriorityPath routes by the given prefixes.
func NewPriorityPath(paths []string, opts ...Option) *PriorityPath {
	return &PriorityPath{paths: slices.Clone(paths), o: buildOptions(opts)}
}

func (p *PriorityPath) Add(pkg distpkg.Package, provider queue.Provider) ([]types.QueueItemStatus, error) {
	single := &SingleQueue{name: p.route(pkg.Info().Paths), o: p.o}
	return single.Add(pkg, provider)
}

func (p *PriorityPath) route(pkgPaths []string) string {
	for _, prefix := range p.paths {
		for _, path := range pkgPaths {
			if strings.HasPrefix(path, prefix) {
				return prefix
			}
		}
	}
	return DefaultQueueName
}

func (p *PriorityPath) QueueNames() []string {
	return appendUnique(slices.Clone(p.paths), DefaultQueueName)
}
