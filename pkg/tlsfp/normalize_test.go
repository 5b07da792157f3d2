package tlsfp

import (
	"context"
	"testing"
	"time"
)

const (
	metaA = "v1;sub=CN=login.example.com, O=Example  Corp, OU=Web;iss=CN=Example CA, O=Example Corp;sid=abc123"
	metaB = "v1;sub=CN=login.example.com, O=example corp, OU=Web;iss=CN=Example CA, O=Example Corp;sid=zzz999"
)

func TestSessionIDDoesNotAffectFamily(t *testing.T) {
	a := Normalize("fp-raw-1", metaA)
	b := Normalize("fp-raw-2", metaB)

	if a.FamilyID != b.FamilyID {
		t.Errorf("family ids differ for session-only variation: %s vs %s", a.FamilyID, b.FamilyID)
	}
	if a.FamilyKey != b.FamilyKey {
		t.Errorf("family keys differ: %q vs %q", a.FamilyKey, b.FamilyKey)
	}
	if !a.MetaPresent {
		t.Error("meta should be detected as present")
	}
}

func TestDifferentSubjectCNIsDifferentFamily(t *testing.T) {
	a := Normalize("fp-1", metaA)
	other := Normalize("fp-1", "v1;sub=CN=admin.example.com, O=Example Corp, OU=Web;iss=CN=Example CA, O=Example Corp;sid=abc123")
	if a.FamilyID == other.FamilyID {
		t.Error("different subject CN must resolve to a different family id")
	}
}

func TestWhitespaceAndCaseNormalization(t *testing.T) {
	a := Normalize("fp", "v1;sub=CN=Login.Example.COM;iss=CN=Example   CA")
	b := Normalize("fp", "v1;sub=CN=login.example.com;iss=CN=Example CA")
	if a.FamilyID != b.FamilyID {
		t.Error("case/whitespace variants must normalize to the same family")
	}
}

func TestEmptyMeta(t *testing.T) {
	n := Normalize("", "")
	if n.MetaPresent {
		t.Error("blank meta should not report MetaPresent")
	}
	if n.RawFingerprint != "none" {
		t.Errorf("raw fp = %q, want \"none\" for blank input", n.RawFingerprint)
	}
	// A stable family id still exists for the all-empty key.
	if n.FamilyID == "" {
		t.Error("family id should never be empty")
	}
}

func TestParseKVSkipsVersionToken(t *testing.T) {
	kv := parseKV("v1;sub=CN=a;iss=CN=b;sid=xyz")
	if kv["sub"] != "CN=a" || kv["iss"] != "CN=b" || kv["sid"] != "xyz" {
		t.Errorf("parseKV = %v", kv)
	}
	if _, ok := kv["v1"]; ok {
		t.Error("version token must be ignored")
	}
}

func TestScoreFamilyBounds(t *testing.T) {
	now := time.Now()
	tests := []struct {
		name     string
		obs      int64
		variants int
		lastSeen time.Time
	}{
		{"fresh single", 1, 1, now},
		{"mature stable", 500, 1, now},
		{"heterogeneous", 500, 12, now},
		{"stale", 500, 1, now.Add(-90 * 24 * time.Hour)},
		{"zero values", 0, 0, time.Time{}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := ScoreFamily(tt.obs, tt.variants, tt.lastSeen, now)
			if s.Confidence < 0 || s.Confidence > 1 || s.Stability < 0 || s.Stability > 1 {
				t.Errorf("scores out of bounds: %+v", s)
			}
		})
	}

	mature := ScoreFamily(500, 1, now, now)
	fresh := ScoreFamily(1, 1, now, now)
	if mature.Confidence <= fresh.Confidence {
		t.Errorf("mature family confidence %f should exceed fresh %f", mature.Confidence, fresh.Confidence)
	}
	stale := ScoreFamily(500, 1, now.Add(-90*24*time.Hour), now)
	if stale.Confidence >= mature.Confidence {
		t.Errorf("stale family confidence %f should be below recent %f", stale.Confidence, mature.Confidence)
	}
}

type memFamilyStore struct {
	families     map[string]string
	members      map[string]map[string]bool
	userFamilies map[string]map[string]bool
	err          error
}

func newMemFamilyStore() *memFamilyStore {
	return &memFamilyStore{
		families:     make(map[string]string),
		members:      make(map[string]map[string]bool),
		userFamilies: make(map[string]map[string]bool),
	}
}

func (m *memFamilyStore) UpsertFamily(_ context.Context, familyID, familyKey, _, _ string) error {
	if m.err != nil {
		return m.err
	}
	m.families[familyID] = familyKey
	return nil
}

func (m *memFamilyStore) UpsertMember(_ context.Context, rawFp, familyID, _ string) error {
	if m.err != nil {
		return m.err
	}
	if m.members[familyID] == nil {
		m.members[familyID] = make(map[string]bool)
	}
	m.members[familyID][rawFp] = true
	return nil
}

func (m *memFamilyStore) UpsertUserFamily(_ context.Context, userID, familyID string) (bool, error) {
	if m.err != nil {
		return false, m.err
	}
	if m.userFamilies[userID] == nil {
		m.userFamilies[userID] = make(map[string]bool)
	}
	isNew := !m.userFamilies[userID][familyID]
	m.userFamilies[userID][familyID] = true
	return isNew, nil
}

func (m *memFamilyStore) FamilyUsage(_ context.Context, familyID string) (int64, int, time.Time, error) {
	if m.err != nil {
		return 0, 0, time.Time{}, m.err
	}
	return int64(len(m.members[familyID])), len(m.members[familyID]), time.Now(), nil
}

func TestResolverObserve(t *testing.T) {
	store := newMemFamilyStore()
	r := NewResolver(store)
	ctx := context.Background()

	// First sighting of the family for this user: weak signal.
	obs, err := r.Observe(ctx, "u1", "fp-1", metaA)
	if err != nil {
		t.Fatalf("Observe: %v", err)
	}
	if obs.TLSScore != 0.35 || obs.FamilyDrift != 1.0 {
		t.Errorf("new family obs = %+v, want score 0.35 drift 1.0", obs)
	}

	// Same family again (different session id): strong signal.
	obs, err = r.Observe(ctx, "u1", "fp-2", metaB)
	if err != nil {
		t.Fatalf("Observe: %v", err)
	}
	if obs.TLSScore != 0.90 || obs.FamilyDrift != 0.0 {
		t.Errorf("known family obs = %+v, want score 0.90 drift 0.0", obs)
	}

	// Missing meta: neutral, fingerprint presence still counts a bit.
	obs, err = r.Observe(ctx, "u1", "fp-3", "")
	if err != nil {
		t.Fatalf("Observe: %v", err)
	}
	if obs.TLSScore != 0.7 || obs.FamilyDrift != 0.25 || obs.MetaPresent {
		t.Errorf("meta-less obs = %+v, want score 0.7 drift 0.25", obs)
	}
}

func TestResolverStoreFailureIsNeutral(t *testing.T) {
	store := newMemFamilyStore()
	store.err = context.DeadlineExceeded
	r := NewResolver(store)

	obs, err := r.Observe(context.Background(), "u1", "fp-1", metaA)
	if err == nil {
		t.Fatal("expected advisory error from failing store")
	}
	if obs.TLSScore != 0.5 || obs.FamilyDrift != 0.25 {
		t.Errorf("degraded obs = %+v, want neutral 0.5/0.25", obs)
	}
	if obs.FamilyID == "" {
		t.Error("family id should still be derivable without the store")
	}
}
