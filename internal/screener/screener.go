// Package screener runs the four background risk jobs: screening,
// anomaly detection, liveness probing, and network reporting.
package screener

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/chainrep/oracle/internal/agents"
	"github.com/chainrep/oracle/internal/feed"
	"github.com/chainrep/oracle/internal/idgen"
	"github.com/chainrep/oracle/internal/metrics"
	"github.com/chainrep/oracle/internal/trust"
	"github.com/chainrep/oracle/internal/webhooks"
)

const (
	// ScreenBatch bounds agents screened per cycle.
	ScreenBatch = 20
	// RescreenAfter makes a screening verdict stale.
	RescreenAfter = 3 * 24 * time.Hour
	// LivenessStaleAfter makes a liveness probe stale.
	LivenessStaleAfter = 6 * time.Hour
	// MaxOnchainWrites bounds on-chain submissions per cycle.
	MaxOnchainWrites = 5

	swingThreshold    = 15.0
	burstThreshold    = 5
	dormantAfter      = 30 * 24 * time.Hour
	anomalyWindow     = 24 * time.Hour
	alertDedupeWindow = 24 * time.Hour
	probeTimeout      = 10 * time.Second
)

// FeedbackSubmitter writes verdicts on-chain. Failures are soft; an empty
// hash means nothing was sent.
type FeedbackSubmitter interface {
	SubmitFeedback(ctx context.Context, agentID string, score int, comment string, tags []string) string
}

// Intervals schedules the four jobs.
type Intervals struct {
	Screen   time.Duration
	Anomaly  time.Duration
	Liveness time.Duration
	Report   time.Duration
}

// Screener owns the background jobs. All four share the store and trust
// service; each runs on its own ticker and shuts down via Stop.
type Screener struct {
	store     agents.Store
	trust     *trust.Service
	bus       *feed.Bus
	emitter   *webhooks.Emitter
	submitter FeedbackSubmitter // optional
	probe     *http.Client
	intervals Intervals
	logger    *slog.Logger

	lastReport time.Time

	stop chan struct{}
	wg   sync.WaitGroup
}

// New creates a screener. bus, emitter, and submitter may be nil.
func New(store agents.Store, ts *trust.Service, bus *feed.Bus, emitter *webhooks.Emitter,
	submitter FeedbackSubmitter, intervals Intervals, logger *slog.Logger) *Screener {
	return &Screener{
		store:      store,
		trust:      ts,
		bus:        bus,
		emitter:    emitter,
		submitter:  submitter,
		probe:      &http.Client{Timeout: probeTimeout},
		intervals:  intervals,
		logger:     logger,
		lastReport: time.Now(),
		stop:       make(chan struct{}),
	}
}

// Start launches the four job loops, staggered so they do not all hit the
// store at once.
func (s *Screener) Start(ctx context.Context) {
	jobs := []struct {
		name     string
		interval time.Duration
		stagger  time.Duration
		run      func(context.Context)
	}{
		{"screen", s.intervals.Screen, 0, s.RunScreenCycle},
		{"anomaly", s.intervals.Anomaly, s.intervals.Anomaly / 4, s.RunAnomalyCycle},
		{"liveness", s.intervals.Liveness, s.intervals.Liveness / 2, s.RunLivenessCycle},
		{"report", s.intervals.Report, s.intervals.Report, s.RunReportCycle},
	}
	for _, job := range jobs {
		s.wg.Add(1)
		go s.loop(ctx, job.name, job.interval, job.stagger, job.run)
	}
	s.logger.Info("screener started",
		"screen_interval", s.intervals.Screen,
		"anomaly_interval", s.intervals.Anomaly,
		"liveness_interval", s.intervals.Liveness,
		"report_interval", s.intervals.Report)
}

// Stop halts all job loops. In-flight cycles finish.
func (s *Screener) Stop() {
	close(s.stop)
	s.wg.Wait()
	s.logger.Info("screener stopped")
}

func (s *Screener) loop(ctx context.Context, name string, interval, stagger time.Duration, run func(context.Context)) {
	defer s.wg.Done()

	if stagger > 0 {
		select {
		case <-ctx.Done():
			return
		case <-s.stop:
			return
		case <-time.After(stagger):
		}
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	run(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stop:
			return
		case <-ticker.C:
			run(ctx)
		}
	}
}

// ---------------------------------------------------------------------------
// Job (a): screen and re-screen
// ---------------------------------------------------------------------------

// RunScreenCycle screens never-screened agents first, then re-screens
// agents whose last verdict is stale.
func (s *Screener) RunScreenCycle(ctx context.Context) {
	batch, err := s.store.ListUnscreened(ctx, ScreenBatch)
	if err != nil {
		s.logger.Error("screen cycle: list unscreened failed", "error", err)
		return
	}
	if len(batch) < ScreenBatch {
		stale, err := s.store.ListScreenedBefore(ctx, time.Now().Add(-RescreenAfter), ScreenBatch-len(batch))
		if err != nil {
			s.logger.Error("screen cycle: list stale failed", "error", err)
		} else {
			batch = append(batch, stale...)
		}
	}

	for _, a := range batch {
		if err := s.ScreenAgent(ctx, a.IdentityID); err != nil {
			metrics.ScreeningsTotal.WithLabelValues("screen", "error").Inc()
			s.logger.Error("screening failed", "agent", a.IdentityID, "error", err)
			continue
		}
		metrics.ScreeningsTotal.WithLabelValues("screen", "ok").Inc()
	}
}

// ScreenAgent evaluates one agent fresh, records the verdict, and raises a
// risk-change alert when it differs from the previous screening.
func (s *Screener) ScreenAgent(ctx context.Context, agentID string) error {
	s.trust.Invalidate(agentID)
	ev, err := s.trust.Evaluate(ctx, agentID)
	if err != nil {
		return fmt.Errorf("evaluate %s: %w", agentID, err)
	}

	prev, err := s.store.LatestScreening(ctx, agentID)
	if err != nil && !errors.Is(err, agents.ErrNotFound) {
		return err
	}

	now := time.Now()
	scr := &agents.Screening{
		ID:         idgen.WithPrefix("scr_"),
		AgentID:    agentID,
		RiskLevel:  ev.Recommendation,
		Flags:      ev.Flags,
		ScreenedAt: now,
	}
	if err := s.store.InsertScreening(ctx, scr); err != nil {
		return err
	}
	if err := s.store.MarkScreened(ctx, agentID, now); err != nil {
		return err
	}

	if prev != nil && prev.RiskLevel != scr.RiskLevel {
		severity := "warning"
		if scr.RiskLevel == trust.RecommendHighRisk {
			severity = "critical"
		}
		s.raiseAlert(ctx, agentID, agents.AlertRiskChange, severity,
			fmt.Sprintf("risk level changed from %s to %s", prev.RiskLevel, scr.RiskLevel))
		if s.emitter != nil {
			s.emitter.EmitRiskChanged(ctx, agentID, prev.RiskLevel, scr.RiskLevel, scr.Flags)
		}
		if s.bus != nil {
			s.bus.PublishRiskChange(agentID, prev.RiskLevel, scr.RiskLevel, scr.Flags)
		}
	}

	if s.emitter != nil {
		s.emitter.EmitScreening(ctx, agentID, scr.RiskLevel, scr.Flags)
	}
	return nil
}

// ---------------------------------------------------------------------------
// Job (b): anomalies
// ---------------------------------------------------------------------------

// RunAnomalyCycle detects 24h score swings, feedback bursts, and sudden
// activity on dormant agents.
func (s *Screener) RunAnomalyCycle(ctx context.Context) {
	if err := s.detectScoreSwings(ctx); err != nil {
		s.logger.Error("anomaly cycle: score swings failed", "error", err)
	}
	recent, err := s.store.ListEvents(ctx, agents.EventQuery{Since: time.Now().Add(-anomalyWindow), Limit: 5000})
	if err != nil {
		s.logger.Error("anomaly cycle: list events failed", "error", err)
		return
	}
	s.detectBursts(ctx, recent)
	s.detectDormantActivity(ctx, recent)
	metrics.ScreeningsTotal.WithLabelValues("anomaly", "ok").Inc()
}

func (s *Screener) detectScoreSwings(ctx context.Context) error {
	for offset := 0; ; offset += 500 {
		page, err := s.store.ListAgentsPage(ctx, offset, 500)
		if err != nil {
			return err
		}
		for _, a := range page {
			snaps, err := s.store.ListSnapshots(ctx, a.IdentityID, 2)
			if err != nil || len(snaps) < 2 {
				continue
			}
			// Snapshots are daily; adjacent ones more than two days apart
			// span a gap, not a swing.
			if snaps[0].Date.Sub(snaps[1].Date) > 2*24*time.Hour {
				continue
			}
			delta := snaps[0].Score - snaps[1].Score
			if delta < 0 {
				delta = -delta
			}
			if delta > swingThreshold {
				s.raiseAlert(ctx, a.IdentityID, agents.AlertScoreSwing, "warning",
					fmt.Sprintf("score moved %.1f points in a day (%.1f -> %.1f)",
						delta, snaps[1].Score, snaps[0].Score))
			}
		}
		if len(page) < 500 {
			return nil
		}
	}
}

func (s *Screener) detectBursts(ctx context.Context, recent []*agents.ReputationEvent) {
	counts := make(map[[2]string]int)
	for _, e := range recent {
		counts[[2]string{e.Reviewer, e.AgentID}]++
	}
	for pair, n := range counts {
		if n >= burstThreshold {
			s.raiseAlert(ctx, pair[1], agents.AlertFeedbackBurst, "warning",
				fmt.Sprintf("%d feedback events from %s in 24h", n, pair[0]))
		}
	}
}

func (s *Screener) detectDormantActivity(ctx context.Context, recent []*agents.ReputationEvent) {
	seen := make(map[string]bool)
	cutoff := time.Now().Add(-anomalyWindow)
	for _, e := range recent {
		if seen[e.AgentID] {
			continue
		}
		seen[e.AgentID] = true

		history, err := s.store.ListEvents(ctx, agents.EventQuery{AgentID: e.AgentID, Limit: 1000})
		if err != nil {
			continue
		}
		// Newest first; find the most recent event before the 24h window.
		var prior *agents.ReputationEvent
		for _, h := range history {
			if h.CreatedAt.Before(cutoff) {
				prior = h
				break
			}
		}
		if prior != nil && time.Since(prior.CreatedAt) > dormantAfter {
			s.raiseAlert(ctx, e.AgentID, agents.AlertDormantActivity, "info",
				fmt.Sprintf("new feedback after %.0f days of silence",
					time.Since(prior.CreatedAt).Hours()/24))
		}
	}
}

// ---------------------------------------------------------------------------
// Job (c): liveness
// ---------------------------------------------------------------------------

// RunLivenessCycle probes http(s) metadata endpoints whose last check is
// stale, records reachability, and feeds liveness scores on-chain.
func (s *Screener) RunLivenessCycle(ctx context.Context) {
	due, err := s.store.ListLivenessDue(ctx, time.Now().Add(-LivenessStaleAfter), ScreenBatch)
	if err != nil {
		s.logger.Error("liveness cycle: list due failed", "error", err)
		return
	}

	writes := 0
	for _, a := range due {
		score := s.probeURI(ctx, a.MetadataURI)
		if err := s.store.MarkLiveness(ctx, a.IdentityID, time.Now(), score); err != nil {
			s.logger.Error("liveness record failed", "agent", a.IdentityID, "error", err)
			continue
		}
		s.trust.Invalidate(a.IdentityID)
		metrics.ScreeningsTotal.WithLabelValues("liveness", "ok").Inc()

		if s.submitter != nil && writes < MaxOnchainWrites {
			if hash := s.submitter.SubmitFeedback(ctx, a.IdentityID, int(score),
				"liveness probe", []string{"liveness"}); hash != "" {
				writes++
			}
		}
	}
}

// probeURI returns 100 for a reachable endpoint, 0 otherwise.
func (s *Screener) probeURI(ctx context.Context, uri string) float64 {
	if !strings.HasPrefix(uri, "http://") && !strings.HasPrefix(uri, "https://") {
		return 0
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, uri, nil)
	if err != nil {
		return 0
	}
	resp, err := s.probe.Do(req)
	if err != nil {
		return 0
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 200 && resp.StatusCode < 400 {
		return 100
	}
	return 0
}

// ---------------------------------------------------------------------------
// Job (d): network report
// ---------------------------------------------------------------------------

// RunReportCycle logs and publishes a network-health summary covering the
// window since the previous report.
func (s *Screener) RunReportCycle(ctx context.Context) {
	stats, err := s.trust.Stats(ctx)
	if err != nil {
		s.logger.Error("report cycle: stats failed", "error", err)
		return
	}
	screenings, err := s.store.CountScreeningsSince(ctx, s.lastReport)
	if err != nil {
		s.logger.Error("report cycle: screening count failed", "error", err)
		return
	}
	alerts, err := s.store.CountAlertsSince(ctx, s.lastReport)
	if err != nil {
		s.logger.Error("report cycle: alert count failed", "error", err)
		return
	}

	s.logger.Info("network report",
		"agents", stats.TotalAgents,
		"feedback", stats.TotalFeedback,
		"avg_score", stats.AverageScore,
		"tiers", stats.TierDistribution,
		"screenings", screenings,
		"alerts", alerts,
		"window_start", s.lastReport)

	if s.bus != nil {
		tiers := make(map[string]any, len(stats.TierDistribution))
		for tier, n := range stats.TierDistribution {
			tiers[tier] = n
		}
		s.bus.Publish(map[string]any{
			"type":       "network_report",
			"agents":     stats.TotalAgents,
			"feedback":   stats.TotalFeedback,
			"avgScore":   stats.AverageScore,
			"tiers":      tiers,
			"screenings": screenings,
			"alerts":     alerts,
		})
	}
	s.lastReport = time.Now()
	metrics.ScreeningsTotal.WithLabelValues("report", "ok").Inc()
}

// ---------------------------------------------------------------------------

// raiseAlert inserts an alert row and fans it out, unless the same alert
// type fired for the agent within the dedupe window.
func (s *Screener) raiseAlert(ctx context.Context, agentID, alertType, severity, message string) {
	recent, err := s.store.ListAlertsSince(ctx, time.Now().Add(-alertDedupeWindow), 500)
	if err != nil {
		s.logger.Error("alert dedupe lookup failed", "error", err)
		return
	}
	for _, a := range recent {
		if a.AgentID == agentID && a.Type == alertType {
			return
		}
	}

	alert := &agents.Alert{
		ID:        idgen.WithPrefix("alr_"),
		AgentID:   agentID,
		Type:      alertType,
		Severity:  severity,
		Message:   message,
		CreatedAt: time.Now(),
	}
	if err := s.store.InsertAlert(ctx, alert); err != nil {
		s.logger.Error("alert insert failed", "agent", agentID, "type", alertType, "error", err)
		return
	}
	metrics.AlertsTotal.WithLabelValues(alertType).Inc()
	s.trust.Invalidate(agentID)
	s.logger.Warn("alert raised", "agent", agentID, "type", alertType, "severity", severity, "message", message)

	if s.emitter != nil {
		s.emitter.EmitAlert(ctx, agentID, alertType, severity, message)
	}
	if s.bus != nil {
		s.bus.PublishAlert(agentID, alertType, severity, message)
	}
}
