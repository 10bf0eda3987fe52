package gpio

import "testing"

func TestMockDriver_RemembersLevels(t *testing.T) {
	drv := NewMockDriver()
	if err := drv.SetupPin(18, Output); err != nil {
		t.Fatalf("SetupPin: %v", err)
	}

	if lvl, _ := drv.ReadPin(18); lvl != Low {
		t.Errorf("initial level = %v, want Low", lvl)
	}
	_ = drv.WritePin(18, High)
	if lvl, _ := drv.ReadPin(18); lvl != High {
		t.Errorf("level after write = %v, want High", lvl)
	}
	_ = drv.WritePin(18, Low)
	if lvl, _ := drv.ReadPin(18); lvl != Low {
		t.Errorf("level after reset = %v, want Low", lvl)
	}
}

func TestMockDriver_ZeroValueUsable(t *testing.T) {
	var drv MockDriver
	if err := drv.WritePin(4, High); err != nil {
		t.Fatalf("WritePin on zero value: %v", err)
	}
	if lvl, _ := drv.ReadPin(4); lvl != High {
		t.Errorf("level = %v, want High", lvl)
	}
}

func TestNewDriver_Mock(t *testing.T) {
	drv, err := NewDriver(true)
	if err != nil {
		t.Fatalf("NewDriver(true): %v", err)
	}
	if _, ok := drv.(*MockDriver); !ok {
		t.Errorf("NewDriver(true) = %T, want *MockDriver", drv)
	}
	if err := drv.Close(); err != nil {
		t.Errorf("Close: %v", err)
	}
}
