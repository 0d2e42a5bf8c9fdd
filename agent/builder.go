// Assistant builder for fluent configuration.
//
// Information Hiding:
// - Builder state management hidden
// - Default value application hidden

package agent

import (
	"errors"
	"log/slog"

	"github.com/Imro-iitr6394/E-commerce-Customer-Support/checkpoint"
	"github.com/Imro-iitr6394/E-commerce-Customer-Support/storage"
)

// Builder wires an Assistant from its collaborators.
// Usage: agent.NewBuilder().Store(s).Classifier(c)... .Build()
type Builder struct {
	config     Config
	store      *checkpoint.Store
	memory     storage.MemoryLog
	classifier Classifier
	generator  Generator
	tools      ToolCaller
	serializer checkpoint.Serializer
	logger     *slog.Logger
}

// NewBuilder creates a builder with the default configuration.
func NewBuilder() *Builder {
	return &Builder{config: DefaultConfig()}
}

// Config replaces the assistant configuration.
func (b *Builder) Config(config Config) *Builder {
	b.config = config
	return b
}

// Store sets the checkpoint store.
func (b *Builder) Store(store *checkpoint.Store) *Builder {
	b.store = store
	return b
}

// Memory sets the conversation memory log.
func (b *Builder) Memory(memory storage.MemoryLog) *Builder {
	b.memory = memory
	return b
}

// Classifier sets the intent classifier.
func (b *Builder) Classifier(c Classifier) *Builder {
	b.classifier = c
	return b
}

// Generator sets the reply generator.
func (b *Builder) Generator(g Generator) *Builder {
	b.generator = g
	return b
}

// Tools sets the backend tool caller.
func (b *Builder) Tools(t ToolCaller) *Builder {
	b.tools = t
	return b
}

// Serializer overrides the checkpoint channel serializer.
func (b *Builder) Serializer(s checkpoint.Serializer) *Builder {
	b.serializer = s
	return b
}

// Logger sets the logger shared by the assistant and its graph.
func (b *Builder) Logger(l *slog.Logger) *Builder {
	b.logger = l
	return b
}

// Build creates the assistant. The memory log defaults to an in-memory log
// and the checkpoint store to a memory-only store.
func (b *Builder) Build() (*Assistant, error) {
	var missing []error
	if b.classifier == nil {
		missing = append(missing, errors.New("classifier is required"))
	}
	if b.generator == nil {
		missing = append(missing, errors.New("generator is required"))
	}
	if b.tools == nil {
		missing = append(missing, errors.New("tool caller is required"))
	}
	if err := errors.Join(missing...); err != nil {
		return nil, err
	}

	logger := b.logger
	if logger == nil {
		logger = slog.Default()
	}
	memory := b.memory
	if memory == nil {
		memory = storage.NewInMemoryLog()
	}
	store := b.store
	if store == nil {
		var err error
		if store, err = checkpoint.Open("", checkpoint.WithLogger(logger)); err != nil {
			return nil, err
		}
	}

	graph := NewGraph(store, b.classifier, b.generator, b.tools,
		WithNamespace(b.config.Namespace),
		WithSerializer(b.serializer),
		WithGraphLogger(logger),
	)
	return &Assistant{
		graph:  graph,
		store:  store,
		memory: memory,
		config: b.config,
		logger: logger,
	}, nil
}
