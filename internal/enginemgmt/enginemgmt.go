// Package enginemgmt implements C12: engine metadata exposure and the
// enable/disable toggle consulted at the start of every scan/check
// call in C10/C11.
package enginemgmt

import (
	"fmt"
	"time"

	"csrd/internal/engineload"
	"csrd/internal/model"
	"csrd/internal/statebus"
	"csrd/internal/store"
)

// Manager owns one engine handle plus the persisted enable/disable
// state for it.
type Manager struct {
	id    model.EngineID
	store *store.Store
	bus   statebus.Bus
	eng   engineload.EngineHandle
}

// New returns a Manager for the given engine id and handle.
func New(id model.EngineID, eng engineload.EngineHandle, st *store.Store, bus statebus.Bus) *Manager {
	if bus == nil {
		bus = statebus.Noop{}
	}
	return &Manager{id: id, store: st, eng: eng, bus: bus}
}

// GetInfo returns the engine's metadata, per §4.9.
func (m *Manager) GetInfo() (model.EngineInfo, error) {
	enabled, err := m.IsEnabled()
	if err != nil {
		return model.EngineInfo{}, err
	}
	return model.EngineInfo{
		Vendor:       m.eng.GetEngineVendor(),
		Name:         m.eng.GetEngineName(),
		Version:      m.eng.GetEngineVersion(),
		DataVersion:  m.eng.GetEngineDataVersion(),
		LatestUpdate: time.Unix(m.eng.GetEngineLatestUpdateTime(), 0).UTC(),
		Activated:    m.eng.GetEngineActivated(),
		Enabled:      enabled,
	}, nil
}

// IsEnabled reports whether the engine is currently enabled
// (invariant 5: defaults to enabled).
func (m *Manager) IsEnabled() (bool, error) {
	enabled, err := m.store.GetEngineState(m.id)
	if err != nil {
		return false, fmt.Errorf("enginemgmt: reading state for %s: %w", m.id, err)
	}
	return enabled, nil
}

// SetState writes through to the store and publishes an
// engine-state-changed event on the state bus so co-resident
// processes (the cross-process deployment described in SPEC_FULL.md)
// see the change without waiting on their own next DB read.
func (m *Manager) SetState(enabled bool) error {
	if err := m.store.SetEngineState(m.id, enabled); err != nil {
		return fmt.Errorf("enginemgmt: writing state for %s: %w", m.id, err)
	}
	m.bus.PublishEngineStateChanged(m.id, enabled)
	return nil
}

// Engine exposes the underlying handle for scan/check callers.
func (m *Manager) Engine() engineload.EngineHandle { return m.eng }

// ID returns the managed engine's identity.
func (m *Manager) ID() model.EngineID { return m.id }
