package retention

// OwnerLocks reports how many per-owner locks are currently tracked.
func (m *Manager) OwnerLocks() int {
	m.locksMu.Lock()
	defer m.locksMu.Unlock()
	return len(m.locks)
}
