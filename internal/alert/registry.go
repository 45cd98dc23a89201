package alert

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/flowpbx/callnotify/internal/push"
)

// Registry tracks mounted alerts by call id. At most one Handle exists per
// call id; operations on different call ids never contend.
type Registry struct {
	handles sync.Map // call id -> *Handle
	count   atomic.Int64
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{}
}

// mount stores h unless a handle for the same call is already mounted.
func (r *Registry) mount(h *Handle) bool {
	if _, loaded := r.handles.LoadOrStore(h.call.CallID, h); loaded {
		return false
	}
	r.count.Add(1)
	return true
}

// Get returns the mounted handle for callID, or nil.
func (r *Registry) Get(callID string) *Handle {
	v, ok := r.handles.Load(callID)
	if !ok {
		return nil
	}
	return v.(*Handle)
}

// Dismiss removes the handle for callID and tears it down. It returns the
// identity the alert was mounted with, and false if nothing was mounted.
// Teardown errors are logged by the handle.
func (r *Registry) Dismiss(ctx context.Context, callID string) (push.CallIdentity, bool) {
	v, ok := r.handles.LoadAndDelete(callID)
	if !ok {
		return push.CallIdentity{}, false
	}
	r.count.Add(-1)
	h := v.(*Handle)
	_ = h.Stop(ctx)
	return h.call, true
}

// remove tears h down and removes it if it is still the mounted handle for
// its call.
func (r *Registry) remove(ctx context.Context, h *Handle) {
	if r.handles.CompareAndDelete(h.call.CallID, h) {
		r.count.Add(-1)
	}
	_ = h.Stop(ctx)
}

// Active returns the identities of all mounted alerts ordered by call id.
func (r *Registry) Active() []push.CallIdentity {
	var calls []push.CallIdentity
	r.handles.Range(func(_, v any) bool {
		calls = append(calls, v.(*Handle).call)
		return true
	})
	sort.Slice(calls, func(i, j int) bool { return calls[i].CallID < calls[j].CallID })
	return calls
}

// Len returns the number of mounted alerts.
func (r *Registry) Len() int {
	return int(r.count.Load())
}

// DismissAll tears down every mounted alert. Used on shutdown.
func (r *Registry) DismissAll(ctx context.Context) int {
	n := 0
	r.handles.Range(func(k, _ any) bool {
		if _, ok := r.Dismiss(ctx, k.(string)); ok {
			n++
		}
		return true
	})
	return n
}
