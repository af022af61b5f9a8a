package system

import (
	"sync/atomic"
)

// AtomicBool is a thread-safe boolean flag.
type AtomicBool struct {
	v uint32
}

func NewAtomicBool(v bool) *AtomicBool {
	ab := new(AtomicBool)
	ab.Store(v)
	return ab
}

func (ab *AtomicBool) Store(v bool) {
	var i uint32
	if v {
		i = 1
	}
	atomic.StoreUint32(&ab.v, i)
}

// SwapIf stores the value "v" if the current value stored in the AtomicBool is
// the opposite boolean value. If successfully swapped, the response is "true",
// otherwise "false" is returned.
func (ab *AtomicBool) SwapIf(v bool) bool {
	var i uint32
	if v {
		i = 1
	}
	return atomic.CompareAndSwapUint32(&ab.v, 1-i, i)
}

func (ab *AtomicBool) Load() bool {
	return atomic.LoadUint32(&ab.v) == 1
}
