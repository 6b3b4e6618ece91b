package swarm

import (
	"github.com/anacrolix/sync"
)

// Runs deferred actions after Unlock, so they can take the lock themselves. Actions are only added
// with the write lock held.
type lockWithDeferreds struct {
	internal      sync.RWMutex
	unlockActions []func()
}

func (me *lockWithDeferreds) Lock() {
	me.internal.Lock()
}

func (me *lockWithDeferreds) Unlock() {
	actions := me.unlockActions
	me.unlockActions = nil
	me.internal.Unlock()
	for _, a := range actions {
		a()
	}
}

func (me *lockWithDeferreds) RLock() {
	me.internal.RLock()
}

func (me *lockWithDeferreds) RUnlock() {
	me.internal.RUnlock()
}

func (me *lockWithDeferreds) Defer(action func()) {
	me.unlockActions = append(me.unlockActions, action)
}
