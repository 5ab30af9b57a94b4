package control

import (
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2021, 3, 1, 12, 0, 0, 0, time.UTC)

func at(s float64) time.Time {
	return t0.Add(secondsToDuration(s))
}

func TestHistoryPrunesEgoWindow(t *testing.T) {
	h := NewHistory(1.75, 2.5)
	for k := 0; k <= 6; k++ {
		h.AddEgo(EgoSample{VEgo: float64(k), Time: at(float64(k) * 0.5)})
	}

	// at 3.0 s the 2.5 s window keeps samples from 0.5 s on
	want := []EgoSample{
		{VEgo: 1, Time: at(0.5)},
		{VEgo: 2, Time: at(1.0)},
		{VEgo: 3, Time: at(1.5)},
		{VEgo: 4, Time: at(2.0)},
		{VEgo: 5, Time: at(2.5)},
		{VEgo: 6, Time: at(3.0)},
	}
	if diff := cmp.Diff(want, h.Egos()); diff != "" {
		t.Errorf("ego samples mismatch (-want +got):\n%s", diff)
	}

	oldest, ok := h.OldestEgo()
	require.True(t, ok)
	assert.Equal(t, 1.0, oldest.VEgo)
}

func TestHistoryNewLeadResetsRelOnly(t *testing.T) {
	h := NewHistory(1.75, 2.5)
	for _, s := range []float64{0, 1, 2} {
		h.AddRel(RelSample{VEgo: 10, VLead: s, Time: at(s)}, false)
		h.AddEgo(EgoSample{VEgo: 10, Time: at(s)})
	}

	want := []RelSample{
		{VEgo: 10, VLead: 1, Time: at(1)},
		{VEgo: 10, VLead: 2, Time: at(2)},
	}
	if diff := cmp.Diff(want, h.Rels()); diff != "" {
		t.Errorf("rel samples mismatch (-want +got):\n%s", diff)
	}

	h.AddRel(RelSample{VEgo: 10, VLead: 9, Time: at(2.05)}, true)
	want = []RelSample{{VEgo: 10, VLead: 9, Time: at(2.05)}}
	if diff := cmp.Diff(want, h.Rels()); diff != "" {
		t.Errorf("rel samples after new lead (-want +got):\n%s", diff)
	}
	assert.Len(t, h.Egos(), 3, "ego history survives a lead change")
}

func TestHistoryAccessorsCopy(t *testing.T) {
	h := NewHistory(1.75, 2.5)
	h.AddEgo(EgoSample{VEgo: 3, Time: at(0)})
	egos := h.Egos()
	egos[0].VEgo = 99

	oldest, _ := h.OldestEgo()
	assert.Equal(t, 3.0, oldest.VEgo)
}

func TestHistoryEmpty(t *testing.T) {
	h := NewHistory(1.75, 2.5)
	_, ok := h.OldestEgo()
	assert.False(t, ok)
	assert.Empty(t, h.Rels())
}
