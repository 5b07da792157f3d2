package anomaly

import "sync/atomic"

// Snapshot pairs a trained forest with its model version. Snapshots are
// immutable once published.
type Snapshot struct {
	Forest  *Forest
	Version string
}

// Handle is an atomically-swappable reference to the active model
// snapshot. Scoring goroutines read whatever snapshot is current and
// never block on replacement; retraining builds a new forest off to the
// side and publishes it with Swap.
type Handle struct {
	cur atomic.Pointer[Snapshot]
}

func NewHandle() *Handle { return &Handle{} }

// Swap publishes a new snapshot wholesale.
func (h *Handle) Swap(f *Forest, version string) {
	h.cur.Store(&Snapshot{Forest: f, Version: version})
}

// ActiveForest returns the current snapshot. Both return values are nil
// and empty until a snapshot has been published; callers treat that as
// "model unavailable", not as safe or anomalous.
func (h *Handle) ActiveForest() (*Forest, string) {
	s := h.cur.Load()
	if s == nil {
		return nil, ""
	}
	return s.Forest, s.Version
}
