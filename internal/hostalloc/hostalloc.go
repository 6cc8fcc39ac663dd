// Package hostalloc hands out loopback addresses from the 127.0.0.0/8 range
// so each managed dev server binds its own host and ports never collide.
// Allocations are written through to the store before they are returned, so a
// daemon restart never reissues a host that is still in use.
package hostalloc

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/devserv/devserv/internal/db"
	"github.com/devserv/devserv/internal/model"
)

// ErrExhausted is returned when every host in the configured pool is taken.
var ErrExhausted = errors.New("loopback host pool exhausted")

type Allocator struct {
	mu    sync.Mutex
	store *db.Store
	start int
	end   int
}

// New builds an allocator over 127.0.0.<start> through 127.0.0.<end>
// inclusive. 127.0.0.1 is never handed out.
func New(store *db.Store, start, end int) *Allocator {
	if start < 2 {
		start = 2
	}
	if end > 255 {
		end = 255
	}
	return &Allocator{store: store, start: start, end: end}
}

// Allocate returns the host bound to path, assigning the lowest free host on
// first use. Repeated calls for the same path return the same host.
func (a *Allocator) Allocate(ctx context.Context, path string) (string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if existing, err := a.store.GetAllocation(ctx, path); err == nil {
		return existing.Host, nil
	} else if !errors.Is(err, db.ErrNotFound) {
		return "", fmt.Errorf("lookup allocation: %w", err)
	}

	used, err := a.usedHosts(ctx)
	if err != nil {
		return "", err
	}
	for octet := a.start; octet <= a.end; octet++ {
		host := fmt.Sprintf("127.0.0.%d", octet)
		if used[host] {
			continue
		}
		err := a.store.InsertAllocation(ctx, model.HostAllocation{Path: path, Host: host})
		if errors.Is(err, db.ErrDuplicate) {
			continue
		}
		if err != nil {
			return "", fmt.Errorf("persist allocation: %w", err)
		}
		return host, nil
	}
	return "", ErrExhausted
}

// Release frees the host bound to path. Releasing an unknown path is a no-op.
func (a *Allocator) Release(ctx context.Context, path string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	err := a.store.DeleteAllocation(ctx, path)
	if errors.Is(err, db.ErrNotFound) {
		return nil
	}
	return err
}

// Lookup returns the host bound to path without allocating.
func (a *Allocator) Lookup(ctx context.Context, path string) (string, error) {
	alloc, err := a.store.GetAllocation(ctx, path)
	if err != nil {
		return "", err
	}
	return alloc.Host, nil
}

// Reconcile drops allocations whose path is not in the active set. Called at
// daemon startup after orphan reconciliation has settled which servers
// survived the restart.
func (a *Allocator) Reconcile(ctx context.Context, activePaths map[string]bool) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	allocs, err := a.store.ListAllocations(ctx)
	if err != nil {
		return fmt.Errorf("list allocations: %w", err)
	}
	for _, alloc := range allocs {
		if activePaths[alloc.Path] {
			continue
		}
		if err := a.store.DeleteAllocation(ctx, alloc.Path); err != nil && !errors.Is(err, db.ErrNotFound) {
			return fmt.Errorf("release %s: %w", alloc.Host, err)
		}
	}
	return nil
}

func (a *Allocator) usedHosts(ctx context.Context) (map[string]bool, error) {
	allocs, err := a.store.ListAllocations(ctx)
	if err != nil {
		return nil, fmt.Errorf("list allocations: %w", err)
	}
	used := make(map[string]bool, len(allocs))
	for _, alloc := range allocs {
		used[alloc.Host] = true
	}
	return used, nil
}
