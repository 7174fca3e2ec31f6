package store

// Factory creates a store instance from an implementation-specific config.
type Factory func(config any) (Store, error)

var registered = make(map[string]Factory)

// Register registers a store factory under a unique name. Implementations
// call this from an init hook in their own package.
func Register(name string, factory Factory) {
	registered[name] = factory
}

// Create builds a store by registered name.
func Create(name string, config any) (Store, error) {
	factory, ok := registered[name]
	if !ok {
		return nil, ErrStoreNotFound
	}
	return factory(config)
}
