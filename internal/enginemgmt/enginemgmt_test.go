package enginemgmt

import (
	"context"
	"path/filepath"
	"testing"

	"csrd/internal/engineload/testengine"
	"csrd/internal/model"
	"csrd/internal/statebus"
	"csrd/internal/store"
)

type recordingBus struct {
	stateChanges []struct {
		id      model.EngineID
		enabled bool
	}
}

func (b *recordingBus) PublishEngineStateChanged(id model.EngineID, enabled bool) {
	b.stateChanges = append(b.stateChanges, struct {
		id      model.EngineID
		enabled bool
	}{id, enabled})
}
func (b *recordingBus) PublishHistoryChanged(string) {}
func (b *recordingBus) Subscribe(ctx context.Context) (<-chan statebus.Event, error) {
	ch := make(chan statebus.Event)
	close(ch)
	return ch, nil
}

func openStore(t *testing.T) *store.Store {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "csrd.db"), nil)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	return st
}

func TestGetInfoReflectsEngineMetadata(t *testing.T) {
	st := openStore(t)
	eng := testengine.New()
	m := New(model.EngineContent, eng, st, statebus.Noop{})

	info, err := m.GetInfo()
	if err != nil {
		t.Fatalf("GetInfo: %v", err)
	}
	if info.Vendor != eng.Vendor || info.Name != eng.Name || info.Version != eng.Version {
		t.Fatalf("got %+v", info)
	}
	if !info.Enabled {
		t.Fatal("expected engine to default to enabled")
	}
}

func TestIsEnabledDefaultsTrue(t *testing.T) {
	st := openStore(t)
	m := New(model.EngineWeb, testengine.New(), st, statebus.Noop{})

	enabled, err := m.IsEnabled()
	if err != nil {
		t.Fatalf("IsEnabled: %v", err)
	}
	if !enabled {
		t.Fatal("expected default enabled = true")
	}
}

func TestSetStatePersistsAndPublishes(t *testing.T) {
	st := openStore(t)
	bus := &recordingBus{}
	m := New(model.EngineContent, testengine.New(), st, bus)

	if err := m.SetState(false); err != nil {
		t.Fatalf("SetState: %v", err)
	}

	enabled, err := m.IsEnabled()
	if err != nil {
		t.Fatalf("IsEnabled: %v", err)
	}
	if enabled {
		t.Fatal("expected engine to be disabled after SetState(false)")
	}

	if len(bus.stateChanges) != 1 {
		t.Fatalf("got %d state change events, want 1", len(bus.stateChanges))
	}
	if bus.stateChanges[0].id != model.EngineContent || bus.stateChanges[0].enabled {
		t.Fatalf("unexpected event: %+v", bus.stateChanges[0])
	}
}

func TestEngineAndIDAccessors(t *testing.T) {
	st := openStore(t)
	eng := testengine.New()
	m := New(model.EngineWeb, eng, st, statebus.Noop{})

	if m.ID() != model.EngineWeb {
		t.Fatalf("ID() = %v, want EngineWeb", m.ID())
	}
	if m.Engine() != eng {
		t.Fatal("Engine() did not return the handle passed to New")
	}
}
