//go:build !debug

package heap

func (m *Manager) debugCheckInvariant() {}

func (m *Manager) debugCheckHeader(h *BlockHeader, want Status) {}
