package utils

import (
	"fmt"
	"sort"
)

// SignalDef describes one little-endian signal inside a frame payload.
type SignalDef struct {
	Name       string
	StartBit   int
	BitLength  int
	Signed     bool
	Factor     float64
	Offset     float64
	Min        float64
	Max        float64
	Default    float64
	Unit       string
	Comment    string
	Endianness string // only "little" supported
}

type FrameDef struct {
	ID        uint32
	Name      string
	DLC       int
	Direction string // "rx" or "tx", relative to this process
	CycleMS   int
	Signals   []SignalDef
}

// HasSignal reports whether the frame carries a signal called name.
func (fd *FrameDef) HasSignal(name string) bool {
	for _, s := range fd.Signals {
		if s.Name == name {
			return true
		}
	}
	return false
}

type CANMap struct {
	ByID   map[uint32]*FrameDef
	ByName map[string]*FrameDef
}

func (m *CANMap) FrameNames() []string {
	out := make([]string, 0, len(m.ByName))
	for k := range m.ByName {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

func (m *CANMap) FrameByName(name string) (*FrameDef, error) {
	fd, ok := m.ByName[name]
	if !ok {
		return nil, fmt.Errorf("unknown frame %q (available: %v)", name, m.FrameNames())
	}
	return fd, nil
}

func (m *CANMap) FrameByID(id uint32) (*FrameDef, error) {
	fd, ok := m.ByID[id]
	if !ok {
		return nil, fmt.Errorf("unknown frame id 0x%X", id)
	}
	return fd, nil
}

// RequireSignals checks that frame name exists and carries every listed signal.
func (m *CANMap) RequireSignals(name string, signals ...string) (*FrameDef, error) {
	fd, err := m.FrameByName(name)
	if err != nil {
		return nil, err
	}
	for _, s := range signals {
		if !fd.HasSignal(s) {
			return nil, fmt.Errorf("frame %s is missing signal %q", name, s)
		}
	}
	return fd, nil
}
