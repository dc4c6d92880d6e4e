package rules

import (
	"context"
	"errors"
	"testing"

	"github.com/rs/zerolog"
)

func TestLoaderFiltersAndKeepsDeviceOrder(t *testing.T) {
	dev := newFakeDevice()
	dev.all[KindFirewall] = []DeviceRule{
		{ID: "*1", Comment: strPtr("auto_off #description Night block"), Disabled: false},
		{ID: "*2", Comment: strPtr("guest wifi"), Disabled: true},
		{ID: "*99", Comment: strPtr("unmanaged")},
	}

	store := NewStore()
	l := NewLoader(store, dev, zerolog.Nop())

	// Config order differs from device order; device order wins.
	specs := []Spec{
		{ID: "*2", Group: "wifi"},
		{ID: "*1", Description: "Override", HideToggle: true},
	}
	if err := l.Load(context.Background(), specs, nil); err != nil {
		t.Fatalf("Load: %v", err)
	}

	got := store.List()
	if len(got) != 2 {
		t.Fatalf("loaded %d rules, want 2", len(got))
	}
	if got[0].UID != "*1" || got[1].UID != "*2" {
		t.Fatalf("order = [%s %s], want device order [*1 *2]", got[0].UID, got[1].UID)
	}

	r1 := got[0]
	if r1.Description != "Override" {
		t.Errorf("config description override not applied: %q", r1.Description)
	}
	if !r1.AutoOff || !r1.HideToggle || !r1.Enabled {
		t.Errorf("classification lost under override: %+v", r1)
	}
	if r1.Group != "default" {
		t.Errorf("group = %q, want default fallback", r1.Group)
	}

	r2 := got[1]
	if r2.Group != "wifi" {
		t.Errorf("group = %q, want wifi", r2.Group)
	}
	if r2.Description != "guest wifi" {
		t.Errorf("description = %q, want comment text", r2.Description)
	}
	if r2.Enabled {
		t.Errorf("disabled device rule loaded as enabled")
	}
}

func TestLoaderAllOrNothing(t *testing.T) {
	dev := newFakeDevice()
	dev.all[KindFirewall] = []DeviceRule{{ID: "*1"}}
	dev.fetchErr = errors.New("queue endpoint down")
	dev.fetchErrKind = KindQueue

	store := NewStore()
	l := NewLoader(store, dev, zerolog.Nop())

	err := l.Load(context.Background(), []Spec{{ID: "*1"}}, []Spec{{ID: "*5"}})
	if err == nil {
		t.Fatal("expected error when one kind cannot be fetched")
	}
	if store.Len() != 0 {
		t.Errorf("store holds %d rules after failed load, want 0", store.Len())
	}
}

func TestLoaderSkipsUnconfiguredKind(t *testing.T) {
	dev := newFakeDevice()
	dev.all[KindFirewall] = []DeviceRule{{ID: "*1"}}
	// No queue fetch happens, so the injected error must not trip.
	store := NewStore()
	l := NewLoader(store, dev, zerolog.Nop())

	if err := l.Load(context.Background(), []Spec{{ID: "*1"}}, nil); err != nil {
		t.Fatalf("Load: %v", err)
	}
	if store.Len() != 1 {
		t.Fatalf("loaded %d rules, want 1", store.Len())
	}
}
