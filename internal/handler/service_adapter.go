package handler

import "github.com/hitoshi/expenseman/internal/auth"

// RegistryAdapter は auth.Registry を MachineProvider に適合させるアダプタ。
type RegistryAdapter struct {
	registry *auth.Registry
}

// NewRegistryAdapter はRegistryAdapterを生成する。
func NewRegistryAdapter(registry *auth.Registry) *RegistryAdapter {
	return &RegistryAdapter{registry: registry}
}

// Machine はクライアントの状態機械を返す。
func (a *RegistryAdapter) Machine(clientID string) AuthMachine {
	return a.registry.Get(clientID)
}
