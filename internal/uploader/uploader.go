// Package uploader implements authenticated segment and event dispatch
// with exponential retry and background-task extension. Config fetch and
// auth-token refresh use a manual http.NewRequest + bearer header style,
// generalized to the session-scoped TokenSource here; retry/backoff reuses
// internal/httputil, parameterized to base=2s/factor=2/max=60s/cap=5.
package uploader

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rejourneyco/replaycore/internal/core"
	"github.com/rejourneyco/replaycore/internal/httputil"
	"github.com/rejourneyco/replaycore/internal/logging"
	"github.com/rejourneyco/replaycore/internal/telemetry"
)

var log = logging.L("uploader")

// RetryConfig is base 2s, factor 2, max 60s, cap 5 retries, no jitter: the
// wire protocol is idempotent via seq/409, so jitter buys nothing here.
func RetryConfig() httputil.RetryConfig {
	return httputil.RetryConfig{
		MaxRetries:    5,
		InitialDelay:  2 * time.Second,
		MaxDelay:      60 * time.Second,
		BackoffFactor: 2.0,
		JitterFrac:    0,
	}
}

// ErrAuthPermanentlyFailed is returned once the uploader has entered
// degraded mode for the remainder of the session.
var ErrAuthPermanentlyFailed = &ErrAuthPermanentFailure{}

// TaskHandle is the escrowed slice of wall clock the host OS grants the
// process after backgrounding, returned by BeginBackgroundTask and
// released on every exit path via EndBackgroundTask.
type TaskHandle struct {
	Name     string
	started  time.Time
	deadline time.Time
	released atomic.Bool
}

// Remaining reports how much escrowed time is left at now.
func (h *TaskHandle) Remaining(now time.Time) time.Duration {
	if h == nil || h.deadline.IsZero() {
		return 0
	}
	if now.After(h.deadline) {
		return 0
	}
	return h.deadline.Sub(now)
}

// Uploader ships sealed segments and event batches, serializing calls per
// session so EventBuffer prefix drops are never interleaved across two
// in-flight requests.
type Uploader struct {
	mu sync.Mutex

	apiURL      string
	httpClient  *http.Client
	sink        SegmentSink
	tokenSource TokenSource
	telemetry   *telemetry.Registry
	clock       core.Clock

	authPermanentlyFailed atomic.Bool
	crashReported         atomic.Bool
	anrReported           atomic.Bool
}

// Option configures a new Uploader.
type Option func(*Uploader)

// WithSink overrides the default httpSink with an alternate SegmentSink
// for self-hosted object storage.
func WithSink(sink SegmentSink) Option {
	return func(u *Uploader) { u.sink = sink }
}

// WithHTTPClient overrides the default http.Client (timeouts, TLS config).
func WithHTTPClient(c *http.Client) Option {
	return func(u *Uploader) { u.httpClient = c }
}

// New creates an Uploader targeting apiURL, authenticating via tokenSource.
func New(apiURL string, tokenSource TokenSource, telem *telemetry.Registry, clock core.Clock, opts ...Option) *Uploader {
	if clock == nil {
		clock = core.SystemClock{}
	}
	u := &Uploader{
		apiURL:      apiURL,
		httpClient:  &http.Client{Timeout: 30 * time.Second},
		tokenSource: tokenSource,
		telemetry:   telem,
		clock:       clock,
	}
	u.sink = newHTTPSink(u.httpClient)
	for _, opt := range opts {
		opt(u)
	}
	return u
}

// AuthPermanentlyFailed reports whether device auth has been marked
// permanently denied for this session.
func (u *Uploader) AuthPermanentlyFailed() bool {
	return u.authPermanentlyFailed.Load()
}

// ResetAuthState clears the permanent-failure latch; called only when a new
// session starts.
func (u *Uploader) ResetAuthState() {
	u.authPermanentlyFailed.Store(false)
}

func (u *Uploader) incCounter(name string) {
	if u.telemetry != nil {
		u.telemetry.Inc(name, 1)
	}
}

// UploadSegment ships one sealed segment's bytes, retrying transient
// failures with the backoff schedule and refreshing the token
// exactly once on a 401 before surfacing failure.
func (u *Uploader) UploadSegment(ctx context.Context, sessionID core.SessionID, seg core.Segment, payload []byte) error {
	u.mu.Lock()
	defer u.mu.Unlock()

	if u.authPermanentlyFailed.Load() {
		return ErrAuthPermanentlyFailed
	}

	tok, err := u.tokenSource.Token(ctx)
	if err != nil {
		return u.handleAuthErr(err)
	}

	cfg := RetryConfig()
	delay := cfg.InitialDelay
	refreshedOnce := false

	for attempt := 0; attempt <= cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(delay):
			}
			delay = nextDelay(delay, cfg)
			u.incCounter(telemetry.UploadRetry)
		}

		req := SegmentUploadRequest{
			SessionID:  sessionID,
			Seq:        seg.Seq,
			StartTSMs:  seg.StartTS.UnixMilli(),
			EndTSMs:    seg.EndTS.UnixMilli(),
			FrameCount: seg.FrameCount,
			Payload:    payload,
			Token:      tok.Value,
		}

		outcome, err := u.sink.UploadSegment(ctx, u.apiURL, req)
		if err != nil {
			log.Warn("segment upload attempt failed", "seq", seg.Seq, "error", err)
			continue
		}

		switch outcome {
		case Accepted:
			return nil
		case AuthExpired:
			if refreshedOnce {
				u.incCounter(telemetry.UploadFailure)
				return fmt.Errorf("uploader: token refresh did not resolve 401")
			}
			refreshedOnce = true
			tok, err = u.tokenSource.Refresh(ctx)
			if err != nil {
				return u.handleAuthErr(err)
			}
			attempt-- // the refreshed retry doesn't count against the backoff budget
		case AuthPermanentlyDenied:
			u.authPermanentlyFailed.Store(true)
			u.incCounter(telemetry.AuthPermanentFailure)
			return ErrAuthPermanentlyFailed
		case Transient:
			// fall through to next attempt
		}
	}

	u.incCounter(telemetry.UploadFailure)
	return fmt.Errorf("uploader: segment %d exhausted %d retries", seg.Seq, cfg.MaxRetries)
}

// eventsWireBody is the exact JSON shape of an events POST body.
type eventsWireBody struct {
	Final  bool         `json:"final"`
	Events []core.Event `json:"events"`
}

type eventsWireResponse struct {
	AcceptedCount int `json:"acceptedCount"`
}

// UploadEvents POSTs a batch to {apiURL}/events/{sessionId}, returning the
// server-reported accepted count so the caller can DropPrefix exactly that
// many.
func (u *Uploader) UploadEvents(ctx context.Context, sessionID core.SessionID, batch []core.Event, final bool) (int, error) {
	u.mu.Lock()
	defer u.mu.Unlock()

	if u.authPermanentlyFailed.Load() {
		return 0, ErrAuthPermanentlyFailed
	}

	tok, err := u.tokenSource.Token(ctx)
	if err != nil {
		return 0, u.handleAuthErr(err)
	}

	body, err := json.Marshal(eventsWireBody{Final: final, Events: batch})
	if err != nil {
		return 0, fmt.Errorf("uploader: marshal events: %w", err)
	}

	url := fmt.Sprintf("%s/events/%s", u.apiURL, sessionID.String())
	refreshedOnce := false
	ctx = httputil.WithTag(ctx, fmt.Sprintf("event upload session=%s batch=%d", sessionID.String(), len(batch)))

	for {
		headers := http.Header{
			"Content-Type":  {"application/json"},
			"Authorization": {"Bearer " + tok.Value},
		}
		resp, err := httputil.Do(ctx, u.httpClient, http.MethodPost, url, body, headers, RetryConfig())
		if err != nil {
			u.incCounter(telemetry.UploadFailure)
			return 0, fmt.Errorf("uploader: upload events: %w", err)
		}
		defer resp.Body.Close()

		switch resp.StatusCode {
		case http.StatusOK:
			var wire eventsWireResponse
			if err := json.NewDecoder(resp.Body).Decode(&wire); err != nil {
				return 0, fmt.Errorf("uploader: decode events response: %w", err)
			}
			return wire.AcceptedCount, nil
		case http.StatusUnauthorized:
			if refreshedOnce {
				return 0, fmt.Errorf("uploader: token refresh did not resolve 401")
			}
			refreshedOnce = true
			tok, err = u.tokenSource.Refresh(ctx)
			if err != nil {
				return 0, u.handleAuthErr(err)
			}
			continue
		case http.StatusForbidden, http.StatusNotFound:
			u.authPermanentlyFailed.Store(true)
			u.incCounter(telemetry.AuthPermanentFailure)
			return 0, ErrAuthPermanentlyFailed
		default:
			body, _ := io.ReadAll(resp.Body)
			return 0, fmt.Errorf("uploader: events upload failed with status %d: %s", resp.StatusCode, string(body))
		}
	}
}

// configWire is the remote config JSON shape; every field is optional
// and falls back to its documented default when absent.
type configWire struct {
	RejourneyEnabled    *bool `json:"rejourneyEnabled"`
	RecordingEnabled    *bool `json:"recordingEnabled"`
	SampleRate          *int  `json:"sampleRate"`
	MaxRecordingMinutes *int  `json:"maxRecordingMinutes"`
	BillingBlocked      *bool `json:"billingBlocked"`
}

// FetchConfig resolves the remote config snapshot for a new session.
func (u *Uploader) FetchConfig(ctx context.Context) (core.ConfigSnapshot, error) {
	tok, err := u.tokenSource.Token(ctx)
	if err != nil {
		return core.ConfigSnapshot{}, u.handleAuthErr(err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.apiURL+"/config", nil)
	if err != nil {
		return core.ConfigSnapshot{}, err
	}
	req.Header.Set("Authorization", "Bearer "+tok.Value)

	resp, err := u.httpClient.Do(req)
	if err != nil {
		return core.ConfigSnapshot{}, fmt.Errorf("uploader: fetch config: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusForbidden || resp.StatusCode == http.StatusNotFound {
		u.authPermanentlyFailed.Store(true)
		u.incCounter(telemetry.AuthPermanentFailure)
		return core.ConfigSnapshot{}, ErrAuthPermanentlyFailed
	}
	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(resp.Body)
		return core.ConfigSnapshot{}, fmt.Errorf("uploader: fetch config failed with status %d: %s", resp.StatusCode, string(respBody))
	}

	var wire configWire
	if err := json.NewDecoder(resp.Body).Decode(&wire); err != nil {
		return core.ConfigSnapshot{}, fmt.Errorf("uploader: decode config: %w", err)
	}
	return applyConfigDefaults(wire), nil
}

func applyConfigDefaults(w configWire) core.ConfigSnapshot {
	cfg := core.DefaultConfigSnapshot()
	if w.RejourneyEnabled != nil {
		cfg.SDKEnabled = *w.RejourneyEnabled
	}
	if w.RecordingEnabled != nil {
		cfg.RecordingEnabled = *w.RecordingEnabled
	}
	if w.SampleRate != nil {
		rate := *w.SampleRate
		if rate < 0 {
			rate = 0
		}
		if rate > 100 {
			rate = 100
		}
		cfg.SampleRatePercent = uint8(rate)
	}
	if w.MaxRecordingMinutes != nil && *w.MaxRecordingMinutes > 0 {
		cfg.MaxSessionMinutes = uint16(*w.MaxRecordingMinutes)
	}
	if w.BillingBlocked != nil {
		cfg.BillingBlocked = *w.BillingBlocked
	}
	return cfg
}

// PromotionResult is the decoded response from a promote call.
type PromotionResult struct {
	Promoted bool   `json:"promoted"`
	Reason   string `json:"reason"`
}

// SubmitPromotion POSTs the session's metrics to {apiURL}/sessions/{id}/promote.
func (u *Uploader) SubmitPromotion(ctx context.Context, sessionID core.SessionID, metrics any) (PromotionResult, error) {
	tok, err := u.tokenSource.Token(ctx)
	if err != nil {
		return PromotionResult{}, u.handleAuthErr(err)
	}

	body, err := json.Marshal(metrics)
	if err != nil {
		return PromotionResult{}, err
	}

	url := fmt.Sprintf("%s/sessions/%s/promote", u.apiURL, sessionID.String())
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return PromotionResult{}, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+tok.Value)

	resp, err := u.httpClient.Do(req)
	if err != nil {
		return PromotionResult{}, fmt.Errorf("uploader: submit promotion: %w", err)
	}
	defer resp.Body.Close()

	var result PromotionResult
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return PromotionResult{}, fmt.Errorf("uploader: decode promotion response: %w", err)
	}
	return result, nil
}

// UploadCrashReport is fire-and-forget: at most one attempt per process
// boot for the pending report.
func (u *Uploader) UploadCrashReport(ctx context.Context, sessionID core.SessionID, report []byte) {
	if !u.crashReported.CompareAndSwap(false, true) {
		return
	}
	go u.fireAndForgetReport(ctx, "crash", sessionID, report)
}

// UploadANRReport is the ANR counterpart to UploadCrashReport.
func (u *Uploader) UploadANRReport(ctx context.Context, sessionID core.SessionID, report []byte) {
	if !u.anrReported.CompareAndSwap(false, true) {
		return
	}
	go u.fireAndForgetReport(ctx, "anr", sessionID, report)
}

func (u *Uploader) fireAndForgetReport(ctx context.Context, kind string, sessionID core.SessionID, report []byte) {
	tok, err := u.tokenSource.Token(ctx)
	if err != nil {
		log.Warn("report upload: token fetch failed", "kind", kind, "error", err)
		return
	}
	url := fmt.Sprintf("%s/reports/%s/%s", u.apiURL, kind, sessionID.String())
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(report))
	if err != nil {
		return
	}
	req.Header.Set("Authorization", "Bearer "+tok.Value)
	resp, err := u.httpClient.Do(req)
	if err != nil {
		log.Warn("report upload failed", "kind", kind, "error", err)
		return
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
}

// BeginBackgroundTask escrows budget of wall clock after the process enters
// the background, for the duration of a non-final flush.
func (u *Uploader) BeginBackgroundTask(name string, budget time.Duration) *TaskHandle {
	now := u.clock.Now()
	return &TaskHandle{Name: name, started: now, deadline: now.Add(budget)}
}

// EndBackgroundTask releases the handle. Safe to call more than once or
// with a nil handle, since every exit path calls this.
func (u *Uploader) EndBackgroundTask(h *TaskHandle) {
	if h == nil {
		return
	}
	h.released.Store(true)
}

func (u *Uploader) handleAuthErr(err error) error {
	var permErr *ErrAuthPermanentFailure
	if asAuthPermanentFailure(err, &permErr) {
		u.authPermanentlyFailed.Store(true)
		u.incCounter(telemetry.AuthPermanentFailure)
		return ErrAuthPermanentlyFailed
	}
	return err
}

func asAuthPermanentFailure(err error, target **ErrAuthPermanentFailure) bool {
	if e, ok := err.(*ErrAuthPermanentFailure); ok {
		*target = e
		return true
	}
	return false
}

func nextDelay(d time.Duration, cfg httputil.RetryConfig) time.Duration {
	d = time.Duration(float64(d) * cfg.BackoffFactor)
	if d > cfg.MaxDelay {
		d = cfg.MaxDelay
	}
	return d
}
