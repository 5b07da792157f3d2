package tlsfp

import (
	"context"
	"fmt"
	"time"
)

// FamilyStore persists TLS families, their fingerprint variants and
// per-user membership. UpsertUserFamily reports whether the family is
// new for that user.
type FamilyStore interface {
	UpsertFamily(ctx context.Context, familyID, familyKey, rawFp, rawMeta string) error
	UpsertMember(ctx context.Context, rawFp, familyID, rawMeta string) error
	UpsertUserFamily(ctx context.Context, userID, familyID string) (newForUser bool, err error)
	FamilyUsage(ctx context.Context, familyID string) (observations int64, variants int, lastSeen time.Time, err error)
}

// Observation is the resolver's verdict for one request.
type Observation struct {
	FamilyID    string
	FamilyKey   string
	TLSScore    float64
	FamilyDrift float64
	MetaPresent bool
	Scores      FamilyScores
}

// Resolver normalizes fingerprints, tracks family membership and scores
// the TLS signal.
type Resolver struct {
	store FamilyStore
	now   func() time.Time
}

func NewResolver(store FamilyStore) *Resolver {
	return &Resolver{store: store, now: time.Now}
}

// Observe records the fingerprint and scores it:
//   - meta present and family already seen for the user: strong signal
//   - meta present but family new for the user: weak signal, full drift
//   - meta missing: neutral (cannot family-cluster)
//
// A store failure degrades to a neutral observation; the error is
// advisory.
func (r *Resolver) Observe(ctx context.Context, userID, tlsFp, tlsMeta string) (Observation, error) {
	n := Normalize(tlsFp, tlsMeta)

	obs := Observation{
		FamilyID:    n.FamilyID,
		FamilyKey:   n.FamilyKey,
		MetaPresent: n.MetaPresent,
	}

	if err := r.store.UpsertFamily(ctx, n.FamilyID, n.FamilyKey, n.RawFingerprint, n.RawMeta); err != nil {
		obs.TLSScore = 0.5
		obs.FamilyDrift = 0.25
		return obs, fmt.Errorf("upsert tls family: %w", err)
	}
	if err := r.store.UpsertMember(ctx, n.RawFingerprint, n.FamilyID, n.RawMeta); err != nil {
		obs.TLSScore = 0.5
		obs.FamilyDrift = 0.25
		return obs, fmt.Errorf("upsert tls family member: %w", err)
	}
	newForUser, err := r.store.UpsertUserFamily(ctx, userID, n.FamilyID)
	if err != nil {
		obs.TLSScore = 0.5
		obs.FamilyDrift = 0.25
		return obs, fmt.Errorf("upsert user tls family: %w", err)
	}

	switch {
	case !n.MetaPresent:
		if n.RawFingerprint != "none" {
			obs.TLSScore = 0.7
		} else {
			obs.TLSScore = 0.5
		}
		obs.FamilyDrift = 0.25
	case newForUser:
		obs.TLSScore = 0.35
		obs.FamilyDrift = 1.0
	default:
		obs.TLSScore = 0.90
		obs.FamilyDrift = 0.0
	}

	if count, variants, lastSeen, err := r.store.FamilyUsage(ctx, n.FamilyID); err == nil {
		obs.Scores = ScoreFamily(count, variants, lastSeen, r.now())
	}

	return obs, nil
}
