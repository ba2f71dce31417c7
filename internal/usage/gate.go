// Package usage implements tier-based admission control and metering.
package usage

import (
	"context"
	"sync"
	"time"

	"go-etl-engine/internal/model"

	"github.com/rs/zerolog"
)

// RateWindow is the trailing window requests_per_minute is measured over
const RateWindow = time.Minute

// BillingSink receives every finalized usage record
type BillingSink interface {
	RecordUsage(ctx context.Context, rec model.UsageRecord) error
}

// Request is what admission looks at
type Request struct {
	RunID     string
	Caller    model.Caller
	Features  []string
	SizeBytes int64 // declared or reported source size; 0 when unknown
	// SizeFunc, when set, replaces SizeBytes and is only called once the
	// feature check has passed
	SizeFunc func(ctx context.Context) int64
}

// Reservation is an admitted request. It must be finalized exactly once.
type Reservation struct {
	RunID      string
	Caller     model.Caller
	Policy     model.TierPolicy
	AdmittedAt time.Time

	once sync.Once
}

// Outcome is what a finished run consumed
type Outcome struct {
	Status          string
	BytesProcessed  int64
	ComputeDuration time.Duration
}

type callerState struct {
	mu          sync.Mutex
	periodStart time.Time
	executions  int64 // admitted this period, including runs still in flight
	bytes       int64
	compute     time.Duration
	window      []time.Time // admission times inside RateWindow
	seq         int64
	records     []model.UsageRecord
}

// Gate admits or denies runs per caller. Checks and reservation for one caller
// happen under that caller's lock, so unrelated callers never contend.
type Gate struct {
	mu       sync.RWMutex
	policies Policies
	callers  map[string]*callerState
	sinks    []BillingSink
	now      func() time.Time
	log      zerolog.Logger
}

// Option configures a Gate
type Option func(*Gate)

// WithClock replaces time.Now
func WithClock(now func() time.Time) Option {
	return func(g *Gate) { g.now = now }
}

// WithBillingSink adds a sink for finalized usage records
func WithBillingSink(sink BillingSink) Option {
	return func(g *Gate) { g.sinks = append(g.sinks, sink) }
}

// WithLogger sets the gate logger
func WithLogger(log zerolog.Logger) Option {
	return func(g *Gate) { g.log = log }
}

// NewGate creates a gate over the given policies
func NewGate(policies Policies, opts ...Option) *Gate {
	g := &Gate{
		policies: policies,
		callers:  make(map[string]*callerState),
		now:      time.Now,
		log:      zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// SetPolicies swaps the policy lookup, e.g. after a config reload
func (g *Gate) SetPolicies(p Policies) {
	g.mu.Lock()
	g.policies = p
	g.mu.Unlock()
}

// Policy returns the policy of a tier
func (g *Gate) Policy(tier string) (model.TierPolicy, bool) {
	g.mu.RLock()
	p := g.policies
	g.mu.RUnlock()
	if p == nil {
		return model.TierPolicy{}, false
	}
	return p.Policy(tier)
}

func (g *Gate) state(callerID string) *callerState {
	g.mu.RLock()
	st, ok := g.callers[callerID]
	g.mu.RUnlock()
	if ok {
		return st
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	if st, ok = g.callers[callerID]; !ok {
		st = &callerState{}
		g.callers[callerID] = st
	}
	return st
}

// PeriodStart returns the start of the calendar month (UTC) containing t
func PeriodStart(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, time.UTC)
}

// roll resets period counters and prunes the rate window; st.mu must be held
func (st *callerState) roll(now time.Time) {
	if period := PeriodStart(now); !period.Equal(st.periodStart) {
		st.periodStart = period
		st.executions = 0
		st.bytes = 0
		st.compute = 0
	}
	cutoff := now.Add(-RateWindow)
	keep := st.window[:0]
	for _, ts := range st.window {
		if ts.After(cutoff) {
			keep = append(keep, ts)
		}
	}
	st.window = keep
}

// Admit checks features, size, quota and rate, in that order, and on success
// reserves one execution and one rate-window slot.
func (g *Gate) Admit(ctx context.Context, req Request) (*Reservation, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	policy, ok := g.Policy(req.Caller.Tier)
	if !ok {
		e := model.NewError(model.FeatureNotAvailable, "unknown tier %q", req.Caller.Tier)
		g.deny(req, e)
		return nil, e
	}

	for _, f := range req.Features {
		if !policy.Allows(f) {
			e := model.NewError(model.FeatureNotAvailable, "feature %q is not available on the %s tier", f, policy.Name)
			e.Feature = f
			g.deny(req, e)
			return nil, e
		}
	}

	size := req.SizeBytes
	if req.SizeFunc != nil {
		size = req.SizeFunc(ctx)
	}
	if policy.MaxFileSizeBytes > 0 && size > policy.MaxFileSizeBytes {
		e := model.NewError(model.SizeLimitExceeded, "source size %d exceeds the %s tier limit of %d bytes",
			size, policy.Name, policy.MaxFileSizeBytes).WithLimit(policy.MaxFileSizeBytes, size)
		g.deny(req, e)
		return nil, e
	}

	st := g.state(req.Caller.ID)
	st.mu.Lock()
	defer st.mu.Unlock()

	now := g.now()
	st.roll(now)

	if policy.MaxExecutions > 0 && st.executions >= policy.MaxExecutions {
		e := model.NewError(model.QuotaExceeded, "%d of %d executions used this period",
			st.executions, policy.MaxExecutions).WithLimit(policy.MaxExecutions, st.executions)
		g.deny(req, e)
		return nil, e
	}

	if policy.RequestsPerMinute > 0 && len(st.window) >= policy.RequestsPerMinute {
		e := model.NewError(model.RateLimited, "%d requests in the last minute, limit is %d",
			len(st.window), policy.RequestsPerMinute).WithLimit(int64(policy.RequestsPerMinute), int64(len(st.window)))
		e.Retryable = true
		g.deny(req, e)
		return nil, e
	}

	st.executions++
	st.window = append(st.window, now)

	g.log.Debug().
		Str("run_id", req.RunID).
		Str("caller_id", req.Caller.ID).
		Str("tier", policy.Name).
		Int64("executions", st.executions).
		Msg("run admitted")

	return &Reservation{
		RunID:      req.RunID,
		Caller:     req.Caller,
		Policy:     policy,
		AdmittedAt: now,
	}, nil
}

func (g *Gate) deny(req Request, e *model.Error) {
	g.log.Info().
		Str("run_id", req.RunID).
		Str("caller_id", req.Caller.ID).
		Str("tier", req.Caller.Tier).
		Str("kind", string(e.Kind)).
		Msg("run denied")
}

// Finalize appends the usage record of an admitted run and forwards it to the
// billing sinks. Failed runs are recorded too. Calling it twice is a no-op.
func (g *Gate) Finalize(ctx context.Context, res *Reservation, out Outcome) model.UsageRecord {
	var rec model.UsageRecord
	res.once.Do(func() {
		st := g.state(res.Caller.ID)
		st.mu.Lock()
		now := g.now()
		st.roll(now)
		st.seq++
		st.bytes += out.BytesProcessed
		st.compute += out.ComputeDuration
		rec = model.UsageRecord{
			Seq:             st.seq,
			RunID:           res.RunID,
			CallerID:        res.Caller.ID,
			Tier:            res.Policy.Name,
			BytesProcessed:  out.BytesProcessed,
			ComputeDuration: out.ComputeDuration,
			ExecutionCount:  1,
			Status:          out.Status,
			RecordedAt:      now.UTC(),
		}
		st.records = append(st.records, rec)
		st.mu.Unlock()

		for _, sink := range g.sinks {
			if err := sink.RecordUsage(ctx, rec); err != nil {
				g.log.Error().Err(err).Str("run_id", res.RunID).Msg("billing sink failed")
			}
		}
	})
	return rec
}

// Usage reports a caller's consumption in the current billing period
func (g *Gate) Usage(caller model.Caller) model.UsageReport {
	policy, _ := g.Policy(caller.Tier)

	st := g.state(caller.ID)
	st.mu.Lock()
	defer st.mu.Unlock()
	st.roll(g.now())

	remaining := int64(-1)
	if policy.MaxExecutions > 0 {
		remaining = policy.MaxExecutions - st.executions
		if remaining < 0 {
			remaining = 0
		}
	}
	return model.UsageReport{
		CallerID:            caller.ID,
		Tier:                caller.Tier,
		PeriodStart:         st.periodStart,
		Executions:          st.executions,
		RemainingExecutions: remaining,
		BytesProcessed:      st.bytes,
		ComputeSeconds:      st.compute.Seconds(),
		RequestsLastMinute:  len(st.window),
	}
}

// Records returns a copy of a caller's usage ledger
func (g *Gate) Records(callerID string) []model.UsageRecord {
	st := g.state(callerID)
	st.mu.Lock()
	defer st.mu.Unlock()
	out := make([]model.UsageRecord, len(st.records))
	copy(out, st.records)
	return out
}
