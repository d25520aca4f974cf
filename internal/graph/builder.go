package graph

import "fmt"

// Builder assembles a Graph. Not safe for concurrent use; Build validates
// the topology and returns an immutable Graph.
type Builder struct {
	nodes  map[string]NodeFunc
	edges  map[string]string
	router map[string]func(State) string
	entry  string
	store  CheckpointStore
}

// NewBuilder creates a Builder persisting checkpoints through the store.
func NewBuilder(store CheckpointStore) *Builder {
	return &Builder{
		nodes:  make(map[string]NodeFunc),
		edges:  make(map[string]string),
		router: make(map[string]func(State) string),
		store:  store,
	}
}

// AddNode registers a node under a unique name.
func (b *Builder) AddNode(name string, fn NodeFunc) *Builder {
	b.nodes[name] = fn
	return b
}

// SetEntry names the node execution starts at.
func (b *Builder) SetEntry(name string) *Builder {
	b.entry = name
	return b
}

// AddEdge connects from -> to unconditionally. Use End to terminate.
func (b *Builder) AddEdge(from, to string) *Builder {
	b.edges[from] = to
	return b
}

// AddConditionalEdge routes from using a function of the accumulated state.
// The route result must name a node or End.
func (b *Builder) AddConditionalEdge(from string, route func(State) string) *Builder {
	b.router[from] = route
	return b
}

// Build validates the topology and returns the Graph.
func (b *Builder) Build() (*Graph, error) {
	if b.store == nil {
		return nil, fmt.Errorf("checkpoint store is required")
	}
	if b.entry == "" {
		return nil, fmt.Errorf("entry node is required")
	}
	if _, ok := b.nodes[b.entry]; !ok {
		return nil, fmt.Errorf("entry node %q is not registered", b.entry)
	}
	for from, to := range b.edges {
		if _, ok := b.nodes[from]; !ok {
			return nil, fmt.Errorf("edge source %q is not registered", from)
		}
		if to != End {
			if _, ok := b.nodes[to]; !ok {
				return nil, fmt.Errorf("edge target %q is not registered", to)
			}
		}
	}
	for from := range b.router {
		if _, ok := b.nodes[from]; !ok {
			return nil, fmt.Errorf("router source %q is not registered", from)
		}
	}
	return &Graph{
		nodes:  b.nodes,
		edges:  b.edges,
		router: b.router,
		entry:  b.entry,
		store:  b.store,
	}, nil
}
