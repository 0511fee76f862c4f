package payload

import (
	"context"
	"fmt"
	"sort"

	"github.com/revertd/revertd/types"
)

// Producer extends a snapshot with state that does not live in watched
// files, such as a container volume or a database inside a container.
// Capture writes its backup under dir; Restore reads the same layout
// back. A producer failure is recorded on the snapshot entry, it never
// fails the snapshot itself.
type Producer interface {
	// Core operations
	Capture(ctx context.Context, dir string) (types.PayloadEntry, error)
	Restore(ctx context.Context, dir string) error

	// Producer info
	Kind() string
	Describe() string
}

// Config holds what producer factories need to build their backup set.
type Config struct {
	Volumes   []string
	Databases []DatabaseSpec
}

// DatabaseSpec names one database to dump from a running container.
type DatabaseSpec struct {
	Container string
	Engine    string // postgres or mysql
	Name      string
	User      string
}

// Factory creates the producer instances for one backend kind
type Factory func(cfg Config) ([]Producer, error)

// Registry of available producer factories
var factories = make(map[string]Factory)

// Register registers a new producer factory
func Register(kind string, factory Factory) {
	factories[kind] = factory
}

// Build creates the producers for a registered kind
func Build(kind string, cfg Config) ([]Producer, error) {
	factory, exists := factories[kind]
	if !exists {
		return nil, fmt.Errorf("payload producer %s not found", kind)
	}
	return factory(cfg)
}

// BuildAll creates producers from every registered factory, in a
// stable kind order so snapshot manifests are deterministic.
func BuildAll(cfg Config) ([]Producer, error) {
	var all []Producer
	for _, kind := range Kinds() {
		producers, err := factories[kind](cfg)
		if err != nil {
			return nil, fmt.Errorf("build %s producers: %w", kind, err)
		}
		all = append(all, producers...)
	}
	return all, nil
}

// Kinds returns registered producer kinds, sorted
func Kinds() []string {
	kinds := make([]string, 0, len(factories))
	for kind := range factories {
		kinds = append(kinds, kind)
	}
	sort.Strings(kinds)
	return kinds
}
