package dispatch

import "fmt"

// Kind names a strategy variant in configuration.
type Kind string

const (
	KindSingle       Kind = "single"
	KindMultiple     Kind = "multiple"
	KindError        Kind = "error"
	KindPriorityPath Kind = "priority-path"
	KindPriority     Kind = "priority"
	KindSelective    Kind = "selective"
	KindErrorAware   Kind = "error-aware"
)

// Config selects and parameterises a strategy.
type Config struct {
	Kind Kind
	// Queues is the variant's queue list: the target for single (first
	// entry), the fan-out list for multiple, the recognised origins for
	// error, and the main queues for priority and selective.
	Queues        []string
	PriorityPaths []string
	Selectors     []Selector
	Stuck         StuckConfig
}

// New builds the strategy described by cfg. An empty Kind means single.
func New(cfg Config, opts ...Option) (Strategy, error) {
	switch cfg.Kind {
	case "", KindSingle:
		name := ""
		if len(cfg.Queues) > 0 {
			name = cfg.Queues[0]
		}
		return NewSingleQueue(name, opts...), nil
	case KindMultiple:
		return nonNil(NewMultipleQueue(cfg.Queues, opts...))
	case KindError:
		origins := cfg.Queues
		if len(origins) == 0 {
			origins = []string{DefaultQueueName}
		}
		return NewErrorQueue(origins, opts...), nil
	case KindPriorityPath:
		if len(cfg.PriorityPaths) == 0 {
			return nil, fmt.Errorf("%w: priority-path strategy needs priority paths", ErrConfiguration)
		}
		return NewPriorityPath(cfg.PriorityPaths, opts...), nil
	case KindPriority:
		return nonNil(NewPriority(cfg.Selectors, cfg.Queues, opts...))
	case KindSelective:
		return nonNil(NewSelective(cfg.Selectors, cfg.Queues, opts...))
	case KindErrorAware:
		return nonNil(NewErrorAware(cfg.Stuck, opts...))
	default:
		return nil, fmt.Errorf("dispatch: new: %w: %q", ErrUnknownStrategy, cfg.Kind)
	}
}

// nonNil keeps a failed constructor's typed nil out of the Strategy interface.
func nonNil[S Strategy](s S, err error) (Strategy, error) {
	if err != nil {
		return nil, err
	}
	return s, nil
}
