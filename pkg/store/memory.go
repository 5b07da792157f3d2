package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"trustgate/pkg/behavior"
	"trustgate/pkg/drift"
	"trustgate/pkg/policy"
	"trustgate/pkg/risk"
)

// Memory is the DB-less implementation of every collaborator store.
// Used by tests and when the service runs with DISABLE_DB=true.
type Memory struct {
	mu sync.RWMutex

	profiles     map[profileKey]*risk.DeviceProfile
	baselines    map[string]*behavior.Baseline // userID|feature
	driftBase    map[string]*drift.Baseline
	driftEvents  []driftEvent
	families     map[string]memFamily
	members      map[string]memMember
	userFamilies map[string]time.Time // userID|familyID
	policies     []*policy.Rule
	decisions    []*risk.DecisionRecord
	features     []*risk.SessionFeatureRecord

	now func() time.Time
}

type profileKey struct {
	userID, tlsFp, canvasHash string
}

type driftEvent struct {
	userID, requestID string
	summary           drift.Summary
}

type memFamily struct {
	familyKey, firstFp, firstMeta string
}

type memMember struct {
	familyID  string
	lastSeen  time.Time
	seenCount int64
}

func NewMemory() *Memory {
	return &Memory{
		profiles:     make(map[profileKey]*risk.DeviceProfile),
		baselines:    make(map[string]*behavior.Baseline),
		driftBase:    make(map[string]*drift.Baseline),
		families:     make(map[string]memFamily),
		members:      make(map[string]memMember),
		userFamilies: make(map[string]time.Time),
		now:          time.Now,
	}
}

func (m *Memory) Upsert(ctx context.Context, userID, tlsFp, country string, device *risk.DeviceTelemetry) (*risk.DeviceProfile, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	d := device
	if d == nil {
		d = &risk.DeviceTelemetry{}
	}
	key := profileKey{userID, tlsFp, d.CanvasHash}
	now := m.now()
	p, ok := m.profiles[key]
	if !ok {
		p = &risk.DeviceProfile{
			UserID:         userID,
			TLSFingerprint: tlsFp,
			CanvasHash:     d.CanvasHash,
			FirstSeen:      now,
		}
		m.profiles[key] = p
	}
	p.UAFamily = d.UserAgent
	p.ScreenWidth = d.ScreenWidth
	p.ScreenHeight = d.ScreenHeight
	p.PixelRatio = d.PixelRatio
	p.TimezoneOffsetMn = d.TimezoneOffsetMn
	p.WebGLHash = d.WebGLHash
	p.LastSeen = now
	p.SeenCount++
	if country != "" {
		p.LastCountry = country
	}
	cp := *p
	return &cp, nil
}

func (m *Memory) UserStats(ctx context.Context, userID string) (*risk.UserStats, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var s risk.UserStats
	fps := map[string]struct{}{}
	countries := map[string]struct{}{}
	for k, p := range m.profiles {
		if k.userID != userID {
			continue
		}
		s.DeviceCount++
		if p.TLSFingerprint != "" {
			fps[p.TLSFingerprint] = struct{}{}
		}
		if p.LastCountry != "" {
			countries[p.LastCountry] = struct{}{}
		}
	}
	s.TLSFpCount = len(fps)
	s.CountryCount = len(countries)

	now := m.now()
	var recent []float64
	for _, d := range m.decisions {
		if d.UserID != userID {
			continue
		}
		if d.CreatedAt.After(s.LastSeen) {
			s.LastSeen = d.CreatedAt
		}
		if now.Sub(d.CreatedAt) <= 30*24*time.Hour {
			s.Sessions30d++
		}
		recent = append(recent, d.Confidence)
	}
	if n := len(recent); n > 0 {
		if n > 20 {
			recent = recent[n-20:]
		}
		var sum float64
		for _, c := range recent {
			sum += c
		}
		s.AvgRecentConfidence = sum / float64(len(recent))
	}
	return &s, nil
}

func (m *Memory) Get(ctx context.Context, userID, feature string) (*behavior.Baseline, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	b, ok := m.baselines[userID+"|"+feature]
	if !ok {
		return nil, nil
	}
	cp := *b
	return &cp, nil
}

func (m *Memory) Save(ctx context.Context, b *behavior.Baseline) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *b
	m.baselines[b.UserID+"|"+b.Feature] = &cp
	return nil
}

func (m *Memory) GetBaseline(ctx context.Context, userID string) (*drift.Baseline, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	b, ok := m.driftBase[userID]
	if !ok {
		return nil, nil
	}
	cp := *b
	return &cp, nil
}

func (m *Memory) UpsertBaseline(ctx context.Context, b *drift.Baseline) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *b
	m.driftBase[b.UserID] = &cp
	return nil
}

func (m *Memory) InsertEvent(ctx context.Context, userID, requestID string, s drift.Summary) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.driftEvents = append(m.driftEvents, driftEvent{userID, requestID, s})
	return nil
}

func (m *Memory) UpsertFamily(ctx context.Context, familyID, familyKey, rawFp, rawMeta string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.families[familyID]; !ok {
		m.families[familyID] = memFamily{familyKey, rawFp, rawMeta}
	}
	return nil
}

func (m *Memory) UpsertMember(ctx context.Context, rawFp, familyID, rawMeta string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	mem := m.members[rawFp]
	mem.familyID = familyID
	mem.lastSeen = m.now()
	mem.seenCount++
	m.members[rawFp] = mem
	return nil
}

func (m *Memory) UpsertUserFamily(ctx context.Context, userID, familyID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := userID + "|" + familyID
	_, seen := m.userFamilies[key]
	m.userFamilies[key] = m.now()
	return !seen, nil
}

func (m *Memory) FamilyUsage(ctx context.Context, familyID string) (int64, int, time.Time, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var observations int64
	var variants int
	var lastSeen time.Time
	for _, mem := range m.members {
		if mem.familyID != familyID {
			continue
		}
		observations += mem.seenCount
		variants++
		if mem.lastSeen.After(lastSeen) {
			lastSeen = mem.lastSeen
		}
	}
	return observations, variants, lastSeen, nil
}

// AddPolicy registers a rule for later resolution.
func (m *Memory) AddPolicy(r *policy.Rule) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.policies = append(m.policies, r)
}

func (m *Memory) ResolveEffectivePolicies(ctx context.Context, tenantID, userID string) ([]*policy.Rule, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*policy.Rule
	for _, r := range m.policies {
		if !r.Enabled {
			continue
		}
		switch r.Scope {
		case policy.ScopeGlobal:
			out = append(out, r)
		case policy.ScopeTenant:
			if r.ScopeRef == tenantID {
				out = append(out, r)
			}
		case policy.ScopeUser:
			if r.ScopeRef == userID {
				out = append(out, r)
			}
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Priority != out[j].Priority {
			return out[i].Priority > out[j].Priority
		}
		return out[i].ID > out[j].ID
	})
	return out, nil
}

func (m *Memory) InsertDecision(ctx context.Context, rec *risk.DecisionRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *rec
	m.decisions = append(m.decisions, &cp)
	return nil
}

func (m *Memory) InsertSessionFeatures(ctx context.Context, rec *risk.SessionFeatureRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *rec
	m.features = append(m.features, &cp)
	return nil
}

// RecentFeatureVectors mirrors the Postgres retraining query.
func (m *Memory) RecentFeatureVectors(ctx context.Context, limit int) ([][]float64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if limit <= 0 || limit > len(m.features) {
		limit = len(m.features)
	}
	out := make([][]float64, 0, limit)
	for i := len(m.features) - 1; i >= 0 && len(out) < limit; i-- {
		f := m.features[i].Features
		out = append(out, []float64{
			f["device_score"], f["behavior_score"], f["tls_score"], f["context_score"],
		})
	}
	return out, nil
}
