package ledger

import "sync"

// VaultLocks serializes all mutations to a single vault's balance and
// allocations. Cross-vault work stays fully parallel. Risk validation and
// balance reservation happen inside the critical section; custodian network
// calls happen outside it.
type VaultLocks struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func NewVaultLocks() *VaultLocks {
	return &VaultLocks{
		locks: make(map[string]*sync.Mutex),
	}
}

func (l *VaultLocks) lockFor(vaultID string) *sync.Mutex {
	l.mu.Lock()
	defer l.mu.Unlock()

	lock, ok := l.locks[vaultID]
	if !ok {
		lock = &sync.Mutex{}
		l.locks[vaultID] = lock
	}
	return lock
}

// WithVaultLock runs fn while holding the vault's exclusive lock.
func (l *VaultLocks) WithVaultLock(vaultID string, fn func() error) error {
	lock := l.lockFor(vaultID)
	lock.Lock()
	defer lock.Unlock()
	return fn()
}
