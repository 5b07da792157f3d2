package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"trustgate/pkg/behavior"
	"trustgate/pkg/drift"
	"trustgate/pkg/policy"
	"trustgate/pkg/risk"
	"trustgate/pkg/structlog"
)

// Postgres implements every collaborator store on one connection
// pool.
type Postgres struct {
	db  *sql.DB
	log *structlog.Logger
}

func NewPostgres(db *sql.DB, logger *structlog.Logger) *Postgres {
	if logger == nil {
		logger = structlog.NewLogger("store", structlog.LevelInfo, nil)
	}
	return &Postgres{db: db, log: logger}
}

// --- risk.ProfileStore ---

func (p *Postgres) Upsert(ctx context.Context, userID, tlsFp, country string, device *risk.DeviceTelemetry) (*risk.DeviceProfile, error) {
	d := device
	if d == nil {
		d = &risk.DeviceTelemetry{}
	}
	row := p.db.QueryRowContext(ctx, `
		INSERT INTO device_profiles
			(user_id, tls_fp, canvas_hash, ua_family, screen_w, screen_h,
			 pixel_ratio, tz_offset_min, webgl_hash, last_country)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (user_id, tls_fp, canvas_hash) DO UPDATE SET
			last_seen    = now(),
			seen_count   = device_profiles.seen_count + 1,
			last_country = CASE WHEN EXCLUDED.last_country <> '' THEN EXCLUDED.last_country ELSE device_profiles.last_country END,
			screen_w     = EXCLUDED.screen_w,
			screen_h     = EXCLUDED.screen_h,
			pixel_ratio  = EXCLUDED.pixel_ratio,
			tz_offset_min = EXCLUDED.tz_offset_min,
			webgl_hash   = EXCLUDED.webgl_hash
		RETURNING user_id, tls_fp, canvas_hash, ua_family, screen_w, screen_h,
			pixel_ratio, tz_offset_min, webgl_hash, first_seen, last_seen,
			seen_count, last_country`,
		userID, tlsFp, d.CanvasHash, d.UserAgent, d.ScreenWidth, d.ScreenHeight,
		d.PixelRatio, d.TimezoneOffsetMn, d.WebGLHash, country)

	var out risk.DeviceProfile
	if err := row.Scan(&out.UserID, &out.TLSFingerprint, &out.CanvasHash, &out.UAFamily,
		&out.ScreenWidth, &out.ScreenHeight, &out.PixelRatio, &out.TimezoneOffsetMn,
		&out.WebGLHash, &out.FirstSeen, &out.LastSeen, &out.SeenCount, &out.LastCountry); err != nil {
		return nil, fmt.Errorf("upsert device profile: %w", err)
	}
	return &out, nil
}

func (p *Postgres) UserStats(ctx context.Context, userID string) (*risk.UserStats, error) {
	var s risk.UserStats
	err := p.db.QueryRowContext(ctx, `
		SELECT
			COUNT(*),
			COUNT(DISTINCT tls_fp) FILTER (WHERE tls_fp <> ''),
			COUNT(DISTINCT last_country) FILTER (WHERE last_country <> '')
		FROM device_profiles WHERE user_id = $1`, userID).
		Scan(&s.DeviceCount, &s.TLSFpCount, &s.CountryCount)
	if err != nil {
		return nil, fmt.Errorf("user stats: %w", err)
	}

	var lastSeen sql.NullTime
	var avgConf sql.NullFloat64
	err = p.db.QueryRowContext(ctx, `
		SELECT MAX(created_at),
			(SELECT AVG(confidence) FROM (
				SELECT confidence FROM decisions
				WHERE user_id = $1 ORDER BY created_at DESC LIMIT 20) recent),
			COUNT(*) FILTER (WHERE created_at > now() - INTERVAL '30 days')
		FROM decisions WHERE user_id = $1`, userID).
		Scan(&lastSeen, &avgConf, &s.Sessions30d)
	if err != nil {
		return nil, fmt.Errorf("user stats decisions: %w", err)
	}
	if lastSeen.Valid {
		s.LastSeen = lastSeen.Time
	}
	if avgConf.Valid {
		s.AvgRecentConfidence = avgConf.Float64
	}
	return &s, nil
}

// --- behavior.Store ---

func (p *Postgres) Get(ctx context.Context, userID, feature string) (*behavior.Baseline, error) {
	var b behavior.Baseline
	err := p.db.QueryRowContext(ctx, `
		SELECT user_id, feature, mean, variance, decay, updated_at
		FROM behavior_baselines WHERE user_id = $1 AND feature = $2`,
		userID, feature).
		Scan(&b.UserID, &b.Feature, &b.Mean, &b.Variance, &b.Decay, &b.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get behavior baseline: %w", err)
	}
	return &b, nil
}

func (p *Postgres) Save(ctx context.Context, b *behavior.Baseline) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO behavior_baselines (user_id, feature, mean, variance, decay, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (user_id, feature) DO UPDATE SET
			mean = EXCLUDED.mean, variance = EXCLUDED.variance,
			decay = EXCLUDED.decay, updated_at = EXCLUDED.updated_at`,
		b.UserID, b.Feature, b.Mean, b.Variance, b.Decay, b.UpdatedAt)
	if err != nil {
		return fmt.Errorf("save behavior baseline: %w", err)
	}
	return nil
}

// --- drift.Store ---

func (p *Postgres) GetBaseline(ctx context.Context, userID string) (*drift.Baseline, error) {
	var b drift.Baseline
	err := p.db.QueryRowContext(ctx, `
		SELECT user_id, last_device_sig, last_tls_family, last_model_version,
			conf_count, conf_mean, conf_m2, updated_at
		FROM drift_baselines WHERE user_id = $1`, userID).
		Scan(&b.UserID, &b.LastDeviceSig, &b.LastTLSFamily, &b.LastModelVersion,
			&b.ConfCount, &b.ConfMean, &b.ConfM2, &b.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get drift baseline: %w", err)
	}
	return &b, nil
}

func (p *Postgres) UpsertBaseline(ctx context.Context, b *drift.Baseline) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO drift_baselines
			(user_id, last_device_sig, last_tls_family, last_model_version,
			 conf_count, conf_mean, conf_m2, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (user_id) DO UPDATE SET
			last_device_sig = EXCLUDED.last_device_sig,
			last_tls_family = EXCLUDED.last_tls_family,
			last_model_version = EXCLUDED.last_model_version,
			conf_count = EXCLUDED.conf_count,
			conf_mean = EXCLUDED.conf_mean,
			conf_m2 = EXCLUDED.conf_m2,
			updated_at = EXCLUDED.updated_at`,
		b.UserID, b.LastDeviceSig, b.LastTLSFamily, b.LastModelVersion,
		b.ConfCount, b.ConfMean, b.ConfM2, b.UpdatedAt)
	if err != nil {
		return fmt.Errorf("upsert drift baseline: %w", err)
	}
	return nil
}

func (p *Postgres) InsertEvent(ctx context.Context, userID, requestID string, s drift.Summary) error {
	payload, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("marshal drift summary: %w", err)
	}
	_, err = p.db.ExecContext(ctx, `
		INSERT INTO drift_events (user_id, request_id, summary) VALUES ($1, $2, $3)`,
		userID, requestID, payload)
	if err != nil {
		return fmt.Errorf("insert drift event: %w", err)
	}
	return nil
}

// --- tlsfp.FamilyStore ---

func (p *Postgres) UpsertFamily(ctx context.Context, familyID, familyKey, rawFp, rawMeta string) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO tls_families (family_id, family_key, first_fp, first_meta)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (family_id) DO NOTHING`,
		familyID, familyKey, rawFp, rawMeta)
	if err != nil {
		return fmt.Errorf("upsert tls family: %w", err)
	}
	return nil
}

func (p *Postgres) UpsertMember(ctx context.Context, rawFp, familyID, rawMeta string) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO tls_family_members (raw_fp, family_id, raw_meta)
		VALUES ($1, $2, $3)
		ON CONFLICT (raw_fp) DO UPDATE SET
			last_seen = now(), seen_count = tls_family_members.seen_count + 1`,
		rawFp, familyID, rawMeta)
	if err != nil {
		return fmt.Errorf("upsert tls family member: %w", err)
	}
	return nil
}

func (p *Postgres) UpsertUserFamily(ctx context.Context, userID, familyID string) (bool, error) {
	var inserted bool
	err := p.db.QueryRowContext(ctx, `
		INSERT INTO user_tls_families (user_id, family_id)
		VALUES ($1, $2)
		ON CONFLICT (user_id, family_id) DO UPDATE SET last_seen = now()
		RETURNING (xmax = 0)`, userID, familyID).Scan(&inserted)
	if err != nil {
		return false, fmt.Errorf("upsert user tls family: %w", err)
	}
	return inserted, nil
}

func (p *Postgres) FamilyUsage(ctx context.Context, familyID string) (int64, int, time.Time, error) {
	var observations sql.NullInt64
	var variants int
	var lastSeen sql.NullTime
	err := p.db.QueryRowContext(ctx, `
		SELECT COALESCE(SUM(seen_count), 0), COUNT(*), MAX(last_seen)
		FROM tls_family_members WHERE family_id = $1`, familyID).
		Scan(&observations, &variants, &lastSeen)
	if err != nil {
		return 0, 0, time.Time{}, fmt.Errorf("tls family usage: %w", err)
	}
	var ls time.Time
	if lastSeen.Valid {
		ls = lastSeen.Time
	}
	return observations.Int64, variants, ls, nil
}

// --- policy.Store ---

// ResolveEffectivePolicies loads enabled rules in precedence order.
// A rule with malformed condition or action JSON is skipped, never
// fails the whole resolution.
func (p *Postgres) ResolveEffectivePolicies(ctx context.Context, tenantID, userID string) ([]*policy.Rule, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, scope, scope_ref, priority, enabled, description,
			condition::text, action::text
		FROM policies
		WHERE enabled AND (
			scope = 'GLOBAL'
			OR (scope = 'TENANT' AND scope_ref = $1)
			OR (scope = 'USER' AND scope_ref = $2))
		ORDER BY
			CASE scope WHEN 'USER' THEN 0 WHEN 'TENANT' THEN 1 ELSE 2 END,
			priority DESC, id DESC`,
		tenantID, userID)
	if err != nil {
		return nil, fmt.Errorf("resolve policies: %w", err)
	}
	defer rows.Close()

	var out []*policy.Rule
	for rows.Next() {
		var (
			id                    int64
			scope, scopeRef, desc string
			priority              int
			enabled               bool
			condJSON, actJSON     string
		)
		if err := rows.Scan(&id, &scope, &scopeRef, &priority, &enabled, &desc, &condJSON, &actJSON); err != nil {
			return nil, fmt.Errorf("scan policy row: %w", err)
		}
		rule, err := policy.ParseRule(id, policy.Scope(scope), scopeRef, priority, enabled, desc, condJSON, actJSON)
		if err != nil {
			p.log.Warn("skipping malformed policy rule", structlog.Fields{
				"rule_id": id, "error": err.Error(),
			})
			continue
		}
		out = append(out, rule)
	}
	return out, rows.Err()
}

// --- risk.DecisionLog / risk.SessionFeatureLog ---

func (p *Postgres) InsertDecision(ctx context.Context, rec *risk.DecisionRecord) error {
	warnings, err := json.Marshal(rec.Warnings)
	if err != nil {
		return fmt.Errorf("marshal warnings: %w", err)
	}
	_, err = p.db.ExecContext(ctx, `
		INSERT INTO decisions
			(user_id, tenant_id, request_id, session_id, decision,
			 confidence, risk_score, warnings, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		rec.UserID, rec.TenantID, rec.RequestID, rec.SessionID, rec.Decision,
		rec.Confidence, rec.RiskScore, warnings, rec.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert decision: %w", err)
	}
	return nil
}

func (p *Postgres) InsertSessionFeatures(ctx context.Context, rec *risk.SessionFeatureRecord) error {
	features, err := json.Marshal(rec.Features)
	if err != nil {
		return fmt.Errorf("marshal features: %w", err)
	}
	_, err = p.db.ExecContext(ctx, `
		INSERT INTO session_features (user_id, session_id, features, created_at)
		VALUES ($1, $2, $3, $4)`,
		rec.UserID, rec.SessionID, features, rec.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert session features: %w", err)
	}
	return nil
}

// RecentFeatureVectors loads the latest session feature snapshots for
// offline retraining, newest first.
func (p *Postgres) RecentFeatureVectors(ctx context.Context, limit int) ([][]float64, error) {
	if limit <= 0 {
		limit = 1000
	}
	rows, err := p.db.QueryContext(ctx, `
		SELECT features::text FROM session_features
		ORDER BY created_at DESC LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("recent feature vectors: %w", err)
	}
	defer rows.Close()

	var out [][]float64
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return nil, fmt.Errorf("scan feature row: %w", err)
		}
		var m map[string]float64
		if err := json.Unmarshal([]byte(raw), &m); err != nil {
			continue
		}
		vec := []float64{m["device_score"], m["behavior_score"], m["tls_score"], m["context_score"]}
		out = append(out, vec)
	}
	return out, rows.Err()
}
