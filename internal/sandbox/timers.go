package sandbox

import (
	"sort"
	"sync"

	lua "github.com/yuin/gopher-lua"
)

// timerKind distinguishes the three scheduling primitives the facade
// exposes to test code: one-shot timeouts, repeating intervals, and
// microtask-style "ticks"/"immediates" that run ahead of any timeout.
type timerKind int

const (
	kindTimeout timerKind = iota
	kindInterval
	kindImmediate
	kindTick
)

// pendingTimer is one entry in the fake-timer queue, grounded on
// internal/lua/runtime.go's mutationEntry / mutationQueue shape: a small
// struct carrying just enough to replay the callback later, appended to a
// plain slice and drained FIFO by processMutationQueueDirect's equivalent
// here, runDue.
type pendingTimer struct {
	id       int64
	kind     timerKind
	delayMs  int64
	dueAt    int64
	interval int64
	callback *lua.LFunction
	cleared  bool
}

// FakeTimers is the environment's fake-timer subsystem, installed as Lua
// globals (setTimeout, setInterval, clearTimeout, clearInterval) so module
// code under test can schedule work without touching a real clock. Every
// scheduled callback is queued and runs only when one of the Run* methods
// is called, whichever of UseFakeTimers/UseRealTimers was called last: the
// real flag those two set is not consulted when scheduling, and there is
// no wall-clock timer implementation.
type FakeTimers struct {
	mu      sync.Mutex
	L       *lua.LState
	real    bool
	clock   int64
	nextID  int64
	pending []*pendingTimer
	ticks   []*pendingTimer
}

func newFakeTimers(L *lua.LState) *FakeTimers {
	return &FakeTimers{L: L, real: true}
}

// UseFakeTimers switches scheduling to the fake queue, discarding any
// previously queued entries.
func (f *FakeTimers) UseFakeTimers() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.real = false
	f.clock = 0
	f.pending = nil
	f.ticks = nil
}

// UseRealTimers sets the real flag and drops whatever remains queued.
// Callbacks scheduled afterwards are still queued for the Run* methods;
// nothing fires them on a wall clock.
func (f *FakeTimers) UseRealTimers() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.real = true
	f.pending = nil
	f.ticks = nil
}

// ClearAllTimers empties the pending queue without running any callback.
func (f *FakeTimers) ClearAllTimers() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pending = nil
	f.ticks = nil
}

func (f *FakeTimers) schedule(kind timerKind, delayMs int64, callback *lua.LFunction) int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	entry := &pendingTimer{
		id:       f.nextID,
		kind:     kind,
		delayMs:  delayMs,
		dueAt:    f.clock + delayMs,
		interval: delayMs,
		callback: callback,
	}
	if kind == kindTick || kind == kindImmediate {
		f.ticks = append(f.ticks, entry)
	} else {
		f.pending = append(f.pending, entry)
	}
	return entry.id
}

func (f *FakeTimers) clear(id int64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, e := range f.pending {
		if e.id == id {
			e.cleared = true
		}
	}
	for _, e := range f.ticks {
		if e.id == id {
			e.cleared = true
		}
	}
}

// RunAllTicks drains every queued tick/immediate callback, in FIFO order,
// without advancing the clock. Callbacks that themselves queue more ticks
// are included in the same drain, mirroring processMutationQueueDirect's
// "process what's queued now, including anything appended mid-loop".
func (f *FakeTimers) RunAllTicks() error {
	for {
		f.mu.Lock()
		if len(f.ticks) == 0 {
			f.mu.Unlock()
			return nil
		}
		entry := f.ticks[0]
		f.ticks = f.ticks[1:]
		f.mu.Unlock()

		if entry.cleared {
			continue
		}
		if err := f.callTimer(entry.callback); err != nil {
			return err
		}
	}
}

// RunAllImmediates is an alias for RunAllTicks: this sandbox has no
// distinct microtask/macrotask split, so immediates and ticks share one
// queue.
func (f *FakeTimers) RunAllImmediates() error {
	return f.RunAllTicks()
}

// RunAllTimers repeatedly fires the earliest due timeout/interval,
// advancing the fake clock to each entry's due time, until the pending
// queue is empty. Intervals are rescheduled after firing; a pathological
// interval that keeps producing new due entries forever would loop
// forever here too, which mirrors the real semantics this replaces.
func (f *FakeTimers) RunAllTimers() error {
	for {
		entry := f.popEarliest()
		if entry == nil {
			return nil
		}
		if entry.cleared {
			continue
		}
		f.mu.Lock()
		f.clock = entry.dueAt
		f.mu.Unlock()
		if err := f.callTimer(entry.callback); err != nil {
			return err
		}
		if entry.kind == kindInterval {
			f.reschedule(entry)
		}
	}
}

// RunOnlyPendingTimers fires every timer queued at the moment it is
// called, advancing the clock to the latest of those due times, but does
// not fire timers newly queued by those callbacks — the "only pending"
// half of the contract.
func (f *FakeTimers) RunOnlyPendingTimers() error {
	f.mu.Lock()
	snapshot := append([]*pendingTimer(nil), f.pending...)
	sort.Slice(snapshot, func(i, j int) bool { return snapshot[i].dueAt < snapshot[j].dueAt })
	ids := make(map[int64]bool, len(snapshot))
	for _, e := range snapshot {
		ids[e.id] = true
	}
	f.mu.Unlock()

	for _, entry := range snapshot {
		if entry.cleared {
			continue
		}
		f.mu.Lock()
		f.clock = entry.dueAt
		f.mu.Unlock()
		if err := f.callTimer(entry.callback); err != nil {
			return err
		}
	}

	f.mu.Lock()
	remaining := f.pending[:0]
	for _, e := range f.pending {
		if !ids[e.id] {
			remaining = append(remaining, e)
		}
	}
	f.pending = remaining
	f.mu.Unlock()
	return nil
}

func (f *FakeTimers) popEarliest() *pendingTimer {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.pending) == 0 {
		return nil
	}
	idx := 0
	for i, e := range f.pending {
		if e.dueAt < f.pending[idx].dueAt {
			idx = i
		}
	}
	entry := f.pending[idx]
	f.pending = append(f.pending[:idx], f.pending[idx+1:]...)
	return entry
}

func (f *FakeTimers) reschedule(entry *pendingTimer) {
	f.mu.Lock()
	defer f.mu.Unlock()
	entry.dueAt = f.clock + entry.interval
	f.pending = append(f.pending, entry)
}

func (f *FakeTimers) callTimer(fn *lua.LFunction) error {
	f.L.Push(fn)
	return f.L.PCall(0, 0, nil)
}

// registerTimerGlobals installs the timer globals registered below, backed
// by timers (no process.nextTick-style global is among them), the same way NewRuntime installs EMPTY and the UI module as
// fixed globals before any module code runs.
func registerTimerGlobals(L *lua.LState, timers *FakeTimers) {
	L.SetGlobal("setTimeout", L.NewFunction(func(L *lua.LState) int {
		fn := L.CheckFunction(1)
		delay := int64(L.OptNumber(2, 0))
		id := timers.schedule(kindTimeout, delay, fn)
		L.Push(lua.LNumber(id))
		return 1
	}))
	L.SetGlobal("setInterval", L.NewFunction(func(L *lua.LState) int {
		fn := L.CheckFunction(1)
		delay := int64(L.OptNumber(2, 0))
		id := timers.schedule(kindInterval, delay, fn)
		L.Push(lua.LNumber(id))
		return 1
	}))
	L.SetGlobal("clearTimeout", L.NewFunction(func(L *lua.LState) int {
		timers.clear(int64(L.CheckNumber(1)))
		return 0
	}))
	L.SetGlobal("clearInterval", L.NewFunction(func(L *lua.LState) int {
		timers.clear(int64(L.CheckNumber(1)))
		return 0
	}))
	L.SetGlobal("setImmediate", L.NewFunction(func(L *lua.LState) int {
		fn := L.CheckFunction(1)
		id := timers.schedule(kindImmediate, 0, fn)
		L.Push(lua.LNumber(id))
		return 1
	}))
}
