package usrsock

// Config sizes the connection pool and the event callback budget.
//
// PreallocConns slots are created up front. When they run out, the pool grows by AllocConns slots at
// a time until it holds MaxConns slots; MaxConns of zero means no ceiling, AllocConns of zero means
// no growth. A zero Config grows one slot at a time without a ceiling.
//
// MaxCallbacks bounds the number of event callbacks registered across all connections; zero means
// unbounded.
type Config struct {
	PreallocConns int `yaml:"prealloc_conns"`
	AllocConns    int `yaml:"alloc_conns"`
	MaxConns      int `yaml:"max_conns"`
	MaxCallbacks  int `yaml:"max_callbacks"`
}

func (c Config) normalize() Config {
	if c.PreallocConns < 0 {
		c.PreallocConns = 0
	}
	if c.AllocConns < 0 {
		c.AllocConns = 0
	}
	if c.MaxConns < 0 {
		c.MaxConns = 0
	}
	if c.MaxCallbacks < 0 {
		c.MaxCallbacks = 0
	}
	if c.PreallocConns == 0 && c.AllocConns == 0 {
		c.AllocConns = 1
	}
	if c.MaxConns > 0 && c.PreallocConns > c.MaxConns {
		c.PreallocConns = c.MaxConns
	}
	return c
}
