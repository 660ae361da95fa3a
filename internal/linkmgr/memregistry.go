package linkmgr

import (
	"sync"

	"github.com/kvxfer/engine/internal/fabric"
)

// registeredMem is one call to RegisterGlobalMem, recorded so a later peer
// link can bind it without the caller having to re-register.
type registeredMem struct {
	addr   uint64
	size   uint64
	kind   fabric.MemKind
	handle fabric.MemHandle
}

// memRegistry tracks every globally registered memory handle across the
// process's lifetime (spec §4.1 step 2: "Binds every previously globally
// registered memory handle to the new comm"), grounded on the teacher's
// Controller holding a single long-lived controlFd new devices are added
// against — generalized here to a list of handles replayed against every
// newly created Comm.
type memRegistry struct {
	mu      sync.Mutex
	entries []registeredMem
}

func newMemRegistry() *memRegistry { return &memRegistry{} }

func (r *memRegistry) add(m registeredMem) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries = append(r.entries, m)
}

func (r *memRegistry) remove(h fabric.MemHandle) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i, e := range r.entries {
		if e.handle == h {
			r.entries = append(r.entries[:i], r.entries[i+1:]...)
			return
		}
	}
}

// bindAll binds every currently registered handle to c, in registration
// order. Called once per new peer comm (spec §4.1 step 2).
func (r *memRegistry) bindAll(fab fabric.Fabric, c fabric.Comm) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, e := range r.entries {
		if err := fab.CommBindMem(c, e.handle); err != nil {
			return err
		}
	}
	return nil
}
