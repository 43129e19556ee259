package config

import (
	"testing"
)

func intPtr(i int) *int {
	return &i
}

func TestValidate_Zones(t *testing.T) {
	cfg := Config{
		TickIntervalSeconds: 15,
		Zones: []SeedZone{
			{Name: "front lawn", GPIOPort: 17, Enabled: true, MoistureChannel: intPtr(0)},
			{Name: "back lawn", GPIOPort: 27, Enabled: true},
			{Name: "drip line", GPIOPort: 22, Enabled: false},
		},
	}

	if err := cfg.validate(); err != nil {
		t.Fatalf("expected valid config, got error: %v", err)
	}
}

func TestValidate_InvalidPort(t *testing.T) {
	cfg := Config{
		TickIntervalSeconds: 15,
		Zones: []SeedZone{
			{Name: "front lawn", GPIOPort: 2, Enabled: true}, // not on the whitelist
		},
	}

	if err := cfg.validate(); err == nil {
		t.Fatal("expected error for off-whitelist GPIO port, got nil")
	}
}

func TestValidate_PortConflict(t *testing.T) {
	cfg := Config{
		TickIntervalSeconds: 15,
		Zones: []SeedZone{
			{Name: "front lawn", GPIOPort: 17, Enabled: true},
			{Name: "back lawn", GPIOPort: 17, Enabled: true}, // conflict
		},
	}

	if err := cfg.validate(); err == nil {
		t.Fatal("expected error for conflicting GPIO ports, got nil")
	}
}

func TestValidate_TickInterval(t *testing.T) {
	cfg := Config{TickIntervalSeconds: 0}

	if err := cfg.validate(); err == nil {
		t.Fatal("expected error for zero tick interval, got nil")
	}
}
