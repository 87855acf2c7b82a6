package unwind

import (
	"github.com/google/btree"
	"github.com/puzpuzpuz/xsync/v3"

	"github.com/grafana/jitdebuginfo/pkg/profiling"
)

// NativeUnwinder is the platform frame registration API. Depending on the
// platform it receives whole .eh_frame regions or single FDEs.
type NativeUnwinder interface {
	RegisterFrame(addr uint64, frame []byte)
	DeregisterFrame(addr uint64, frame []byte)
}

// CustomUnwinder accepts dynamic unwind registrations. There is no way to
// cancel one.
type CustomUnwinder interface {
	Register(info *Info)
}

// FrameRegistry records native frame registrations in process, for
// runtimes that do not link a system unwinder.
type FrameRegistry struct {
	frames *xsync.MapOf[uint64, int]
}

func NewFrameRegistry() *FrameRegistry {
	return &FrameRegistry{frames: xsync.NewMapOf[uint64, int]()}
}

func (r *FrameRegistry) RegisterFrame(addr uint64, frame []byte) {
	r.frames.Store(addr, len(frame))
}

func (r *FrameRegistry) DeregisterFrame(addr uint64, _ []byte) {
	r.frames.Delete(addr)
}

// Registered returns the length of the frame data registered at addr.
func (r *FrameRegistry) Registered(addr uint64) (int, bool) {
	return r.frames.Load(addr)
}

func (r *FrameRegistry) Len() int { return r.frames.Size() }

// DynamicTable is an in-process custom unwinder: registrations are kept
// for the rest of the process and searched by instruction pointer.
type DynamicTable struct {
	lock  profiling.Lock
	infos *btree.BTreeG[*Info]
}

func NewDynamicTable() *DynamicTable {
	return &DynamicTable{
		infos: btree.NewG(16, func(a, b *Info) bool { return a.StartIP < b.StartIP }),
	}
}

// Register adds info. A registration starting at the same address replaces
// the previous one.
func (t *DynamicTable) Register(info *Info) {
	t.lock.Lock(profiling.Normal)
	defer t.lock.Unlock()
	t.infos.ReplaceOrInsert(info)
}

// Lookup returns the registration covering ip.
func (t *DynamicTable) Lookup(ip uint64, mode profiling.Mode) (*Info, bool) {
	if !t.lock.RLock(mode) {
		return nil, false
	}
	defer t.lock.RUnlock()
	var found *Info
	t.infos.DescendLessOrEqual(&Info{StartIP: ip}, func(info *Info) bool {
		found = info
		return false
	})
	if found == nil || !found.Contains(ip) {
		return nil, false
	}
	return found, true
}

func (t *DynamicTable) Len() int {
	t.lock.RLock(profiling.Normal)
	defer t.lock.RUnlock()
	return t.infos.Len()
}
