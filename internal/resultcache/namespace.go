package resultcache

import "github.com/brandplot/brandplot-server/internal/kvstore"

// Namespace hands out caches sharing a store and options, keyed by prefix+id.
type Namespace struct {
	store  kvstore.Store
	prefix string
	opts   []Option
}

func NewNamespace(store kvstore.Store, prefix string, opts ...Option) *Namespace {
	return &Namespace{store: store, prefix: prefix, opts: opts}
}

func (n *Namespace) For(id string) *Cache {
	return New(n.store, n.prefix+id, n.opts...)
}
