package smtcycles

import (
	"time"

	lru "github.com/elastic/go-freelru"
	"github.com/prometheus/procfs"
)

const (
	tgidCacheSize = 4096
	// Bounds the damage of a stale entry after PID reuse.
	tgidCacheLifetime = 90 * time.Second
)

// TGIDResolver maps a kernel task id to its thread group (process) id.
type TGIDResolver struct {
	lookup func(pid int32) (int32, error)
	cache  *lru.SyncedLRU[int32, int32]
}

// NewTGIDResolver reads task status files below procRoot, usually "/proc".
func NewTGIDResolver(procRoot string) (*TGIDResolver, error) {
	fs, err := procfs.NewFS(procRoot)
	if err != nil {
		return nil, err
	}
	return newTGIDResolver(func(pid int32) (int32, error) {
		p, err := fs.Proc(int(pid))
		if err != nil {
			return 0, err
		}
		st, err := p.NewStatus()
		if err != nil {
			return 0, err
		}
		return int32(st.TGID), nil
	})
}

func newTGIDResolver(lookup func(pid int32) (int32, error)) (*TGIDResolver, error) {
	cache, err := lru.NewSynced[int32, int32](tgidCacheSize,
		func(pid int32) uint32 { return uint32(pid) })
	if err != nil {
		return nil, err
	}
	cache.SetLifetime(tgidCacheLifetime)
	return &TGIDResolver{lookup: lookup, cache: cache}, nil
}

// Resolve returns the tgid of pid. ok is false when the task is gone.
func (r *TGIDResolver) Resolve(pid int32) (tgid int32, ok bool) {
	if tgid, ok := r.cache.Get(pid); ok {
		return tgid, true
	}
	tgid, err := r.lookup(pid)
	if err != nil {
		return 0, false
	}
	r.cache.Add(pid, tgid)
	return tgid, true
}
