package system

import (
	"sync"
)

// FlagSet is a keyed collection of boolean flags with compare-and-swap
// semantics, used to hold per-resource busy locks such as "this module is
// currently being extracted".
type FlagSet struct {
	mu    sync.Mutex
	flags map[string]bool
}

func NewFlagSet() *FlagSet {
	return &FlagSet{flags: make(map[string]bool)}
}

// Load returns the current value of the named flag. Unset flags are false.
func (fs *FlagSet) Load(key string) bool {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	return fs.flags[key]
}

// Store sets the named flag unconditionally.
func (fs *FlagSet) Store(key string, v bool) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	if v {
		fs.flags[key] = true
	} else {
		delete(fs.flags, key)
	}
}

// SwapIf stores the value "v" for the named flag only if the flag currently
// holds the opposite value, returning true if the swap happened. Mirrors
// AtomicBool.SwapIf for keyed flags.
func (fs *FlagSet) SwapIf(key string, v bool) bool {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	if fs.flags[key] == v {
		return false
	}
	if v {
		fs.flags[key] = true
	} else {
		delete(fs.flags, key)
	}
	return true
}
