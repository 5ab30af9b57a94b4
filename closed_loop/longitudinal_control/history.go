package control

import (
	"sort"
	"time"
)

// RelSample is one lead-relative observation.
type RelSample struct {
	VEgo  float64
	VLead float64
	Time  time.Time
}

// EgoSample is one ego speed observation.
type EgoSample struct {
	VEgo float64
	Time time.Time
}

// History keeps the time-windowed samples dynamic follow looks back on.
// Samples are appended in time order; pruning drops the prefix older than
// the retention window.
type History struct {
	relRetention time.Duration
	egoRetention time.Duration

	rels []RelSample // reset on every new lead
	egos []EgoSample // never reset
}

func NewHistory(relRetentionS, egoRetentionS float64) *History {
	return &History{
		relRetention: secondsToDuration(relRetentionS),
		egoRetention: secondsToDuration(egoRetentionS),
		rels:         make([]RelSample, 0, 64),
		egos:         make([]EgoSample, 0, 64),
	}
}

func secondsToDuration(s float64) time.Duration {
	return time.Duration(s * float64(time.Second))
}

// AddRel records a lead-relative sample. newLead discards everything before it.
func (h *History) AddRel(s RelSample, newLead bool) {
	if newLead {
		h.rels = h.rels[:0]
	} else {
		h.rels = prune(h.rels, s.Time, h.relRetention, func(r RelSample) time.Time { return r.Time })
	}
	h.rels = append(h.rels, s)
}

// AddEgo records an ego speed sample.
func (h *History) AddEgo(s EgoSample) {
	h.egos = prune(h.egos, s.Time, h.egoRetention, func(e EgoSample) time.Time { return e.Time })
	h.egos = append(h.egos, s)
}

// prune drops the leading samples older than retention at now, reusing the
// backing array.
func prune[T any](samples []T, now time.Time, retention time.Duration, at func(T) time.Time) []T {
	cut := sort.Search(len(samples), func(i int) bool {
		return now.Sub(at(samples[i])) <= retention
	})
	if cut == 0 {
		return samples
	}
	n := copy(samples, samples[cut:])
	return samples[:n]
}

// OldestEgo returns the oldest retained ego sample.
func (h *History) OldestEgo() (EgoSample, bool) {
	if len(h.egos) == 0 {
		return EgoSample{}, false
	}
	return h.egos[0], true
}

// Rels returns a copy of the lead-relative samples, oldest first.
func (h *History) Rels() []RelSample {
	return append([]RelSample(nil), h.rels...)
}

// Egos returns a copy of the ego samples, oldest first.
func (h *History) Egos() []EgoSample {
	return append([]EgoSample(nil), h.egos...)
}
