// Package threat inspects inbound requests for scanning, probing and
// flooding, and keeps a short-lived per-origin suspicion record.
package threat

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/MGallo-Code/warden/internal/audit"
	"github.com/MGallo-Code/warden/internal/metrics"
)

// Alert types.
const (
	TypeRateLimit      = "rate_limit_exceeded"
	TypeScanner        = "scanner_detected"
	TypeSuspiciousPath = "suspicious_path"
	TypeFlaggedOrigin  = "flagged_origin_activity"
	TypeBruteForce     = "brute_force_detected"
)

const (
	// RateWindow is the sliding window for the request-rate check.
	RateWindow = time.Minute
	// ProductionRateLimit and DevelopmentRateLimit are requests per RateWindow.
	ProductionRateLimit  = 100
	DevelopmentRateLimit = 1000
	// BruteForceThreshold is the failed-login count that flags an origin.
	BruteForceThreshold = 10
	// AlertCapacity bounds the recent-alerts buffer.
	AlertCapacity = 1000
	// FlagTTL is how long an origin stays flagged.
	FlagTTL = 24 * time.Hour
	// CleanupInterval is how often Cleanup should run.
	CleanupInterval = time.Hour
)

var scannerSignatures = []string{
	"sqlmap", "nikto", "nmap", "masscan", "dirbuster", "gobuster",
	"wpscan", "burp", "zgrab", "nuclei", "acunetix",
}

var probePaths = []string{
	"/admin", "/wp-admin", "/.env", "/phpmyadmin", "/wp-login.php",
	"/.git", "/config.php", "/xmlrpc.php",
}

var loopbackOrigins = map[string]bool{
	"127.0.0.1":        true,
	"::1":              true,
	"localhost":        true,
	"::ffff:127.0.0.1": true,
}

// Alert is one immutable security alert.
type Alert struct {
	Type        string         `json:"type"`
	Severity    audit.Severity `json:"severity"`
	Origin      string         `json:"origin"`
	Description string         `json:"description"`
	Metadata    map[string]any `json:"metadata,omitempty"`
	Timestamp   time.Time      `json:"timestamp"`
}

func (a Alert) event() audit.Event {
	return audit.Event{
		Type:        a.Type,
		Severity:    a.Severity,
		Origin:      a.Origin,
		Description: a.Description,
		Metadata:    a.Metadata,
		Timestamp:   a.Timestamp,
	}
}

// Request is what Inspect looks at.
type Request struct {
	Origin    string
	UserAgent string
	Method    string
	Path      string
}

// Result is the outcome of one inspection.
type Result struct {
	Threats     []Alert
	ShouldBlock bool
}

// Config tunes a Detector.
type Config struct {
	// Production enables blocking and removes the loopback exemption.
	Production bool
	// RateLimit overrides the per-minute request threshold. Zero picks the environment default.
	RateLimit int
	Audit     audit.Sink
	Metrics   *metrics.Metrics
	Now       func() time.Time
}

// Stats is an aggregate snapshot for the security dashboard.
type Stats struct {
	FlaggedOrigins    int                    `json:"flaggedOrigins"`
	TrackedOrigins    int                    `json:"trackedOrigins"`
	BruteForceOrigins int                    `json:"bruteForceOrigins"`
	RecentAlerts      int                    `json:"recentAlerts"`
	BySeverity        map[audit.Severity]int `json:"bySeverity"`
	Production        bool                   `json:"production"`
}

// Detector is safe for concurrent use.
type Detector struct {
	production bool
	rateLimit  int
	audit      audit.Sink
	metrics    *metrics.Metrics
	now        func() time.Time

	mu         sync.Mutex
	flagged    map[string]time.Time   // origin -> when first flagged
	bruteForce map[string]int         // origin -> failed logins since last cleanup
	requests   map[string][]time.Time // origin -> request times within RateWindow
	alerts     []Alert                // ring buffer, len <= AlertCapacity
	next       int                    // ring write position once full
}

// New returns a Detector configured by cfg.
func New(cfg Config) *Detector {
	limit := cfg.RateLimit
	if limit <= 0 {
		limit = DevelopmentRateLimit
		if cfg.Production {
			limit = ProductionRateLimit
		}
	}
	sink := cfg.Audit
	if sink == nil {
		sink = audit.NopSink{}
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	return &Detector{
		production: cfg.Production,
		rateLimit:  limit,
		audit:      sink,
		metrics:    cfg.Metrics,
		now:        now,
		flagged:    make(map[string]time.Time),
		bruteForce: make(map[string]int),
		requests:   make(map[string][]time.Time),
		alerts:     make([]Alert, 0, 64),
	}
}

// Exempt reports whether origin skips inspection.
func (d *Detector) Exempt(origin string) bool {
	return !d.production && loopbackOrigins[origin]
}

// Inspect runs every heuristic against req, records any alerts, and decides whether to block.
func (d *Detector) Inspect(ctx context.Context, req Request) Result {
	if d.Exempt(req.Origin) {
		return Result{}
	}
	now := d.now()
	ua := strings.ToLower(req.UserAgent)
	path := strings.ToLower(req.Path)

	var threats []Alert
	alert := func(typ string, sev audit.Severity, desc string, meta map[string]any) {
		threats = append(threats, Alert{
			Type: typ, Severity: sev, Origin: req.Origin,
			Description: desc, Metadata: meta, Timestamp: now,
		})
	}

	d.mu.Lock()
	_, wasFlagged := d.flagged[req.Origin]

	window := pruneWindow(d.requests[req.Origin], now)
	window = append(window, now)
	d.requests[req.Origin] = window
	if len(window) > d.rateLimit {
		alert(TypeRateLimit, audit.SeverityMedium,
			fmt.Sprintf("%d requests in the last minute", len(window)),
			map[string]any{"count": len(window), "limit": d.rateLimit})
	}

	for _, sig := range scannerSignatures {
		if strings.Contains(ua, sig) {
			alert(TypeScanner, audit.SeverityHigh, "known scanner user agent: "+sig,
				map[string]any{"userAgent": req.UserAgent, "signature": sig})
			d.flagLocked(req.Origin, now)
			break
		}
	}

	for _, p := range probePaths {
		if strings.Contains(path, p) {
			alert(TypeSuspiciousPath, audit.SeverityMedium, "probe of sensitive path "+req.Path,
				map[string]any{"path": req.Path, "method": req.Method})
			d.flagLocked(req.Origin, now)
			break
		}
	}

	if wasFlagged && len(threats) == 0 {
		alert(TypeFlaggedOrigin, audit.SeverityLow, "continued activity from flagged origin",
			map[string]any{"path": req.Path})
	}

	for _, a := range threats {
		d.appendAlertLocked(a)
	}
	d.mu.Unlock()

	res := Result{Threats: threats}
	if d.production {
		res.ShouldBlock = len(threats) > 2 || (wasFlagged && len(threats) >= 1)
	}
	d.publish(ctx, threats)
	return res
}

// RecordBruteForce counts one failed login from origin. Crossing
// BruteForceThreshold flags the origin; twice the threshold is critical.
func (d *Detector) RecordBruteForce(ctx context.Context, origin string) {
	if d.Exempt(origin) {
		return
	}
	now := d.now()

	d.mu.Lock()
	d.bruteForce[origin]++
	count := d.bruteForce[origin]
	var alerts []Alert
	if count == BruteForceThreshold || count == 2*BruteForceThreshold {
		sev := audit.SeverityHigh
		if count >= 2*BruteForceThreshold {
			sev = audit.SeverityCritical
		}
		a := Alert{
			Type:        TypeBruteForce,
			Severity:    sev,
			Origin:      origin,
			Description: fmt.Sprintf("%d failed logins from origin", count),
			Metadata:    map[string]any{"failedLogins": count, "threshold": BruteForceThreshold},
			Timestamp:   now,
		}
		d.flagLocked(origin, now)
		d.appendAlertLocked(a)
		alerts = append(alerts, a)
	}
	d.mu.Unlock()

	d.publish(ctx, alerts)
}

// IsFlagged reports whether origin is currently flagged.
func (d *Detector) IsFlagged(origin string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, ok := d.flagged[origin]
	return ok
}

// RecentAlerts returns up to n alerts, newest first. n <= 0 returns all.
func (d *Detector) RecentAlerts(n int) []Alert {
	d.mu.Lock()
	defer d.mu.Unlock()
	total := len(d.alerts)
	if n <= 0 || n > total {
		n = total
	}
	out := make([]Alert, 0, n)
	// Newest is just before next when full, else at the end.
	newest := total - 1
	if total == AlertCapacity {
		newest = (d.next - 1 + AlertCapacity) % AlertCapacity
	}
	for i := range n {
		out = append(out, d.alerts[(newest-i+total)%total])
	}
	return out
}

// Stats summarises current detector state.
func (d *Detector) Stats() Stats {
	d.mu.Lock()
	defer d.mu.Unlock()
	s := Stats{
		FlaggedOrigins:    len(d.flagged),
		TrackedOrigins:    len(d.requests),
		BruteForceOrigins: len(d.bruteForce),
		RecentAlerts:      len(d.alerts),
		BySeverity:        make(map[audit.Severity]int),
		Production:        d.production,
	}
	for _, a := range d.alerts {
		s.BySeverity[a.Severity]++
	}
	return s
}

// Cleanup drops stale rate windows, resets brute-force counters and
// unflags origins flagged longer than FlagTTL ago.
func (d *Detector) Cleanup(context.Context) error {
	now := d.now()
	d.mu.Lock()
	defer d.mu.Unlock()

	pruned := 0
	for origin, w := range d.requests {
		w = pruneWindow(w, now)
		if len(w) == 0 {
			delete(d.requests, origin)
			pruned++
			continue
		}
		d.requests[origin] = w
	}
	clear(d.bruteForce)
	unflagged := 0
	for origin, at := range d.flagged {
		if now.Sub(at) > FlagTTL {
			delete(d.flagged, origin)
			unflagged++
		}
	}
	slog.Debug("threat cleanup complete", "pruned_origins", pruned, "unflagged", unflagged)
	return nil
}

// flagLocked marks origin suspicious, keeping the original flag time. Caller must hold d.mu.
func (d *Detector) flagLocked(origin string, now time.Time) {
	if _, ok := d.flagged[origin]; !ok {
		d.flagged[origin] = now
	}
}

// appendAlertLocked adds a to the ring buffer, overwriting the oldest when full. Caller must hold d.mu.
func (d *Detector) appendAlertLocked(a Alert) {
	if len(d.alerts) < AlertCapacity {
		d.alerts = append(d.alerts, a)
		return
	}
	d.alerts[d.next] = a
	d.next = (d.next + 1) % AlertCapacity
}

func (d *Detector) publish(ctx context.Context, alerts []Alert) {
	for _, a := range alerts {
		d.metrics.ThreatAlert(a.Type, string(a.Severity))
		if err := d.audit.Emit(context.WithoutCancel(ctx), a.event()); err != nil {
			slog.Warn("audit emit failed", "type", a.Type, "error", err)
		}
	}
}

// pruneWindow drops timestamps older than RateWindow, reusing w's storage.
func pruneWindow(w []time.Time, now time.Time) []time.Time {
	cutoff := now.Add(-RateWindow)
	i := 0
	for i < len(w) && !w[i].After(cutoff) {
		i++
	}
	return append(w[:0], w[i:]...)
}
