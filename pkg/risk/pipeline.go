package risk

import (
	"context"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"

	"trustgate/pkg/behavior"
	"trustgate/pkg/drift"
	"trustgate/pkg/structlog"
	"trustgate/pkg/tlsfp"
)

var (
	decisionsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "trustgate_decisions_total",
		Help: "Scoring decisions by outcome",
	}, []string{"decision"})

	scoreDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "trustgate_score_duration_seconds",
		Help:    "End to end scoring latency",
		Buckets: prometheus.DefBuckets,
	})
)

func init() {
	prometheus.MustRegister(decisionsTotal, scoreDuration)
}

const inactivityWindow = 30 * 24 * time.Hour

// ScoreRequest is the single external entry point's input.
type ScoreRequest struct {
	TLSFingerprint string
	TLSMeta        string
	RequestID      string
	ClientIP       string
	Telemetry      *Telemetry
}

// Pipeline wires the collaborators into one synchronous decision per
// request. Store failures degrade individual signals to their neutral
// defaults; an unexpected panic yields STEP_UP, never an implicit
// ALLOW.
type Pipeline struct {
	profiles   ProfileStore
	tracker    BehaviorUpdater
	tls        TLSObserver
	model      ModelSource
	drift      DriftComputer
	policies   PolicyEvaluator
	classifier Classifier
	emitter    *Emitter
	extractor  *FeatureExtractor
	locks      *KeyedMutex
	log        *structlog.Logger
	now        func() time.Time
}

// PipelineConfig collects the pipeline's collaborators. Classifier
// and Emitter are optional.
type PipelineConfig struct {
	Profiles   ProfileStore
	Tracker    BehaviorUpdater
	TLS        TLSObserver
	Model      ModelSource
	Drift      DriftComputer
	Policies   PolicyEvaluator
	Classifier Classifier
	Emitter    *Emitter
	Logger     *structlog.Logger
}

func NewPipeline(cfg PipelineConfig) *Pipeline {
	logger := cfg.Logger
	if logger == nil {
		logger = structlog.NewLogger("risk-pipeline", structlog.LevelInfo, nil)
	}
	return &Pipeline{
		profiles:   cfg.Profiles,
		tracker:    cfg.Tracker,
		tls:        cfg.TLS,
		model:      cfg.Model,
		drift:      cfg.Drift,
		policies:   cfg.Policies,
		classifier: cfg.Classifier,
		emitter:    cfg.Emitter,
		extractor:  NewFeatureExtractor(),
		locks:      NewKeyedMutex(),
		log:        logger,
		now:        time.Now,
	}
}

// Score validates and scores one event. A ValidationError is returned
// to the caller; everything past validation always produces a
// decision.
func (p *Pipeline) Score(ctx context.Context, req *ScoreRequest) (*DecisionResponse, error) {
	if req == nil {
		return nil, &ValidationError{Field: "request", Reason: "missing"}
	}
	if err := ValidateTelemetry(req.Telemetry); err != nil {
		return nil, err
	}

	start := p.now()
	resp := p.scoreSafe(ctx, req)
	scoreDuration.Observe(p.now().Sub(start).Seconds())
	decisionsTotal.WithLabelValues(resp.Decision).Inc()
	return resp, nil
}

// scoreSafe converts panics into the documented fail-safe.
func (p *Pipeline) scoreSafe(ctx context.Context, req *ScoreRequest) (resp *DecisionResponse) {
	defer func() {
		if r := recover(); r != nil {
			p.log.Error("scoring panic recovered", structlog.Fields{
				"request_id": req.RequestID,
				"panic":      fmt.Sprint(r),
			})
			resp = failSafeResponse()
		}
	}()
	return p.score(ctx, req)
}

func failSafeResponse() *DecisionResponse {
	return &DecisionResponse{
		Decision:   DecisionStepUp,
		Confidence: 0.3,
		RiskScore:  0.5,
		SessionID:  uuid.NewString(),
		Breakdown:  map[string]float64{},
		Explanations: []string{
			"evaluation degraded by an internal error; additional verification required",
		},
	}
}

func (p *Pipeline) score(ctx context.Context, req *ScoreRequest) *DecisionResponse {
	t := req.Telemetry
	sessionID := uuid.NewString()
	now := p.now()
	var explanations []string

	// Serialize baseline read-modify-write per user; other users
	// proceed concurrently.
	unlock := p.locks.Lock(t.UserID)
	defer unlock()

	// TLS family observation. The resolver degrades to a neutral
	// observation on store failure, the error is advisory.
	obs, tlsErr := p.tls.Observe(ctx, t.UserID, req.TLSFingerprint, req.TLSMeta)
	if tlsErr != nil {
		p.log.Warn("tls observation degraded", structlog.Fields{
			"user_id": t.UserID, "error": tlsErr.Error(),
		})
	}

	country := ctxString(t.Context, "country", "geo.country")
	profile, profErr := p.profiles.Upsert(ctx, t.UserID, req.TLSFingerprint, country, t.Device)
	if profErr != nil {
		p.log.Warn("profile store degraded", structlog.Fields{
			"user_id": t.UserID, "error": profErr.Error(),
		})
		profile = nil
		explanations = append(explanations, "device history unavailable; device signal neutral")
	}

	stats, statsErr := p.profiles.UserStats(ctx, t.UserID)
	if statsErr != nil {
		stats = nil
	}

	// Behavioral baselines update at most once per request.
	var sample *behavior.Sample
	if t.Behavior != nil {
		sample = &behavior.Sample{
			AvgKeyIntervalMs:   t.Behavior.AvgKeyIntervalMs,
			KeyIntervalStdMs:   t.Behavior.KeyIntervalStdMs,
			ScrollEventsPerSec: t.Behavior.ScrollEventsPerSec,
			PointerAvgVelocity: t.Behavior.PointerAvgVelocity,
			PointerMaxVelocity: t.Behavior.PointerMaxVelocity,
			MouseDistance:      t.Behavior.MouseDistance,
		}
	}
	bres, behErr := p.tracker.Update(ctx, t.UserID, sample)
	if behErr != nil {
		p.log.Warn("behavior baseline degraded", structlog.Fields{
			"user_id": t.UserID, "error": behErr.Error(),
		})
	}

	tlsScore := obs.TLSScore
	feats := p.extractor.Extract(t, profile, bres.Similarity, req.TLSFingerprint, &tlsScore)
	vec := feats.Vector()

	// Anomaly scoring against the active immutable forest snapshot.
	forest, modelVersion := p.model.ActiveForest()
	trained := forest != nil && forest.Trained()
	var anomalyScore float64
	if trained {
		anomalyScore = forest.Score(vec)
	}

	pLegit, modelNote := p.legitimacy(ctx, vec, anomalyScore, trained)
	if modelNote != "" {
		explanations = append(explanations, modelNote)
	}

	flags := Flags{
		NewDevice:         profile == nil || profile.SeenCount <= 1,
		NewTLSFingerprint: obs.FamilyDrift >= 0.99,
		VPN:               ctxBool(t.Context, "vpn", "vpn_detected"),
		HighRiskAction:    ctxBool(t.Context, "high_risk_action"),
		InactiveOver30d:   stats != nil && !stats.LastSeen.IsZero() && now.Sub(stats.LastSeen) > inactivityWindow,
	}
	rules := EvaluateRules(pLegit, flags)
	decision := rules.Decision
	baseConfidence := clamp01(1 - rules.Risk)

	// Drift compares against and then advances the per-user baseline.
	ds, driftErr := p.drift.Compute(ctx, drift.Input{
		UserID:             t.UserID,
		RequestID:          req.RequestID,
		Device:             toDriftDevice(t.Device),
		TLSFamily:          obs.FamilyID,
		BehaviorSimilarity: bres.Similarity,
		BehaviorKnown:      sample != nil,
		BehaviorEvalError:  behErr != nil,
		Confidence:         baseConfidence,
		ModelVersion:       modelVersion,
	})
	if driftErr != nil {
		p.log.Warn("drift baseline degraded", structlog.Fields{
			"user_id": t.UserID, "error": driftErr.Error(),
		})
	}
	adj := drift.Adjust(baseConfidence, ds)
	confidence := adj.AdjustedConfidence

	switch adj.Enforcement {
	case drift.EnforceDeny:
		decision = DecisionDeny
		explanations = append(explanations, "severe drift from historical baseline")
	case drift.EnforceStepUp:
		if decision == DecisionAllow {
			decision = DecisionStepUp
		}
		explanations = append(explanations, "significant drift from historical baseline")
	default:
		if adj.StepUpRecommended {
			explanations = append(explanations, "moderate drift observed; step-up recommended")
		}
	}
	for _, w := range ds.Warnings {
		explanations = append(explanations, "drift warning: "+w)
	}

	// Policy overrides, bounded by guardrails.
	decCtx := p.policyContext(t, req, rules.Risk, anomalyScore, decision, obs.FamilyID, flags)
	out := p.policies.Evaluate(ctx, t.TenantID, t.UserID, decCtx)
	var trace *PolicyTrace
	if out.Err != nil {
		p.log.Warn("policy evaluation degraded", structlog.Fields{
			"user_id": t.UserID, "error": out.Err.Error(),
		})
	}
	if out.Matched != nil {
		trace = &PolicyTrace{
			RuleID:           out.Matched.ID,
			Scope:            string(out.Matched.Scope),
			Description:      out.Matched.Description,
			Suppressed:       out.Suppressed,
			SuppressedReason: out.SuppressedReason,
		}
		if out.Action != nil {
			trace.Override = out.Action.DecisionOverride
			trace.Reason = out.Action.Reason
			if out.Action.DecisionOverride != "" {
				decision = out.Action.DecisionOverride
				explanations = append(explanations, "policy override: "+out.Action.Reason)
			}
			// Caps only ever lower confidence.
			if c := out.Action.ConfidenceCap; c != nil && *c < confidence {
				confidence = *c
				explanations = append(explanations, "confidence capped by policy")
			}
		} else if out.Suppressed {
			explanations = append(explanations, "policy action suppressed: "+out.SuppressedReason)
		}
	}

	explanations = append(explanations, flagExplanations(flags)...)
	if bres.Similarity < 0.4 && sample != nil {
		explanations = append(explanations, "behavioral pattern diverges from this user's baseline")
	}

	breakdown := p.breakdown(feats, anomalyScore, bres, profile, obs, stats)

	p.emit(t, req, sessionID, decision, confidence, rules.Risk, ds.Warnings, breakdown, now)

	summary := ds
	return &DecisionResponse{
		Decision:     decision,
		Confidence:   confidence,
		RiskScore:    rules.Risk,
		SessionID:    sessionID,
		Breakdown:    breakdown,
		Explanations: explanations,
		DriftSummary: &summary,
		PolicyMatch:  trace,
	}
}

// legitimacy derives pLegit from the external classifier when one is
// configured, else from the anomaly score. An untrained forest is
// neutral, never safe.
func (p *Pipeline) legitimacy(ctx context.Context, vec []float64, anomalyScore float64, trained bool) (float64, string) {
	if p.classifier != nil {
		if pl, err := p.classifier.PLegit(ctx, vec); err == nil {
			return clamp01(pl), ""
		}
		p.log.Warn("external classifier unavailable", nil)
	}
	if trained {
		return clamp01(2 * (1 - anomalyScore)), ""
	}
	return 0.5, "anomaly model unavailable; scored on rules and context only"
}

func (p *Pipeline) policyContext(t *Telemetry, req *ScoreRequest, risk, anomalyScore float64, decision, tlsFamily string, flags Flags) map[string]any {
	decCtx := make(map[string]any, len(t.Context)+8)
	for k, v := range t.Context {
		decCtx[k] = v
	}
	decCtx["risk.score"] = risk
	decCtx["anomaly.score"] = anomalyScore
	decCtx["decision"] = decision
	decCtx["user.id"] = t.UserID
	decCtx["tenant.id"] = t.TenantID
	decCtx["tls.family"] = tlsFamily
	decCtx["device.new"] = flags.NewDevice
	decCtx["client.ip"] = req.ClientIP
	return decCtx
}

func (p *Pipeline) breakdown(feats Features, anomalyScore float64, bres behavior.Result, profile *DeviceProfile, obs tlsfp.Observation, stats *UserStats) map[string]float64 {
	b := map[string]float64{
		"device_score":            feats.Device,
		"behavior_score":          feats.Behavior,
		"tls_score":               feats.TLS,
		"context_score":           feats.Context,
		"ml_anomaly_score":        anomalyScore,
		"tls_family_drift":        obs.FamilyDrift,
		"tls_family_meta_present": boolToFloat(obs.MetaPresent),
		"tls_family_confidence":   obs.Scores.Confidence,
		"tls_family_stability":    obs.Scores.Stability,
	}
	for feature, z := range bres.ZScores {
		b["behavior_z_"+feature] = z
	}
	if profile != nil {
		b["device_seen_count_log"] = math.Log10(1 + float64(profile.SeenCount))
	}
	if stats != nil {
		b["user_trust_score"] = TrustScore(*stats)
		b["user_account_sharing_risk"] = SharingRisk(*stats)
		b["user_device_count"] = float64(stats.DeviceCount)
		b["user_tls_fp_count"] = float64(stats.TLSFpCount)
		b["user_country_count"] = float64(stats.CountryCount)
		b["user_sessions_30d"] = float64(stats.Sessions30d)
	}
	return b
}

func (p *Pipeline) emit(t *Telemetry, req *ScoreRequest, sessionID, decision string, confidence, risk float64, warnings []string, breakdown map[string]float64, now time.Time) {
	if p.emitter == nil {
		return
	}
	p.emitter.EmitDecision(&DecisionRecord{
		UserID:     t.UserID,
		TenantID:   t.TenantID,
		RequestID:  req.RequestID,
		SessionID:  sessionID,
		Decision:   decision,
		Confidence: confidence,
		RiskScore:  risk,
		Warnings:   warnings,
		CreatedAt:  now,
	})
	p.emitter.EmitSessionFeatures(&SessionFeatureRecord{
		UserID:    t.UserID,
		SessionID: sessionID,
		Features:  breakdown,
		CreatedAt: now,
	})
}

func flagExplanations(f Flags) []string {
	var out []string
	if f.NewDevice {
		out = append(out, "device not previously seen for this user")
	}
	if f.NewTLSFingerprint {
		out = append(out, "tls fingerprint family not previously seen for this user")
	}
	if f.VPN {
		out = append(out, "connection flagged as vpn or proxy")
	}
	if f.HighRiskAction {
		out = append(out, "high risk action requested")
	}
	if f.InactiveOver30d {
		out = append(out, "account inactive for more than 30 days")
	}
	return out
}

func toDriftDevice(d *DeviceTelemetry) *drift.DeviceInfo {
	if d == nil {
		return nil
	}
	return &drift.DeviceInfo{
		UA:         d.UserAgent,
		Platform:   d.Platform,
		TZOffset:   d.TimezoneOffsetMn,
		ScreenW:    d.ScreenWidth,
		ScreenH:    d.ScreenHeight,
		PixelRatio: d.PixelRatio,
		CanvasHash: d.CanvasHash,
		WebGLHash:  d.WebGLHash,
	}
}

func ctxString(m map[string]any, keys ...string) string {
	for _, k := range keys {
		if v, ok := m[k]; ok {
			if s, ok := v.(string); ok && strings.TrimSpace(s) != "" {
				return strings.TrimSpace(s)
			}
		}
	}
	return ""
}

func ctxBool(m map[string]any, keys ...string) bool {
	for _, k := range keys {
		switch v := m[k].(type) {
		case bool:
			if v {
				return true
			}
		case string:
			if strings.EqualFold(v, "true") {
				return true
			}
		}
	}
	return false
}

func boolToFloat(b bool) float64 {
	if b {
		return 1
	}
	return 0
}
