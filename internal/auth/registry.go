package auth

import (
	"context"
	"sync"
	"time"

	"github.com/hitoshi/expenseman/internal/session"
)

// DefaultIdleTTL は状態機械をメモリから破棄するまでの未使用時間。
const DefaultIdleTTL = 30 * time.Minute

type registryEntry struct {
	machine  *Machine
	lastSeen time.Time
}

// Registry はクライアントIDごとの状態機械を管理する。
// 破棄された状態機械は次回アクセス時に新しく生成され、Restoreで永続化済みのセッションを読み込む。
type Registry struct {
	store   *session.Store
	deps    Deps
	idleTTL time.Duration
	now     func() time.Time

	mu       sync.RWMutex
	machines map[string]*registryEntry
}

// NewRegistry はRegistryを生成する。idleTTLが0以下の場合は DefaultIdleTTL を使用する。
func NewRegistry(store *session.Store, deps Deps, idleTTL time.Duration) *Registry {
	if idleTTL <= 0 {
		idleTTL = DefaultIdleTTL
	}
	deps = deps.withDefaults()
	return &Registry{
		store:    store,
		deps:     deps,
		idleTTL:  idleTTL,
		now:      deps.Now,
		machines: make(map[string]*registryEntry),
	}
}

// Get はクライアントの状態機械を取得する。存在しない場合は生成する。
func (r *Registry) Get(clientID string) *Machine {
	r.mu.RLock()
	e, exists := r.machines[clientID]
	r.mu.RUnlock()

	if exists {
		r.mu.Lock()
		e.lastSeen = r.now()
		r.mu.Unlock()
		return e.machine
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	// ダブルチェック
	if e, exists := r.machines[clientID]; exists {
		e.lastSeen = r.now()
		return e.machine
	}

	m := NewMachine(clientID, r.store.For(clientID), r.deps)
	r.machines[clientID] = &registryEntry{machine: m, lastSeen: r.now()}
	r.deps.Metrics.SetActiveMachines(len(r.machines))
	return m
}

// Remove はクライアントの状態機械を破棄する。
func (r *Registry) Remove(clientID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.machines, clientID)
	r.deps.Metrics.SetActiveMachines(len(r.machines))
}

// Len は管理中の状態機械の数を返す。
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.machines)
}

// EvictIdle は最終アクセスからidleTTLを超えた状態機械を破棄し、破棄した数を返す。
func (r *Registry) EvictIdle() int {
	now := r.now()

	r.mu.Lock()
	defer r.mu.Unlock()

	evicted := 0
	for id, e := range r.machines {
		if now.Sub(e.lastSeen) > r.idleTTL {
			delete(r.machines, id)
			evicted++
		}
	}
	r.deps.Metrics.SetActiveMachines(len(r.machines))
	return evicted
}

// Run はctxがキャンセルされるまでinterval間隔でEvictIdleを実行する。
func (r *Registry) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			r.EvictIdle()
		case <-ctx.Done():
			return
		}
	}
}
