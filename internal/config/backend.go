package config

// ConfigBackend persists the settable keys of the specs table. Values cross
// the interface as the same text the COMPASS_* variables accept; a backend
// may store them natively according to the key's type.
type ConfigBackend interface {
	Lookup(key string) (raw string, ok bool, err error)
	Store(key, raw string) error
	Unset(key string) error
}
