package verify

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"
)

// PassThreshold is the confidence score a provider verdict must strictly
// exceed to count as a pass when the provider supplies no passed flag. The
// release/dispute eligibility of the rest of the system hangs on this value.
const PassThreshold = 70

const defaultProviderTimeout = 30 * time.Second

// Request describes one unit of work to judge: the task requirements and the
// evidence handles the freelancer submitted.
type Request struct {
	EscrowID        string
	Requirements    string
	EvidenceHandles []string
}

// RawResult is a provider's unnormalized verdict. Passed is a pointer so
// providers that only report a confidence score can leave the flag to the
// pipeline's threshold rule.
type RawResult struct {
	Passed            *bool
	Confidence        int
	Feedback          string
	QualityScore      int
	CompletenessScore int
	AccuracyScore     int
	Suggestions       []string
}

// Result is the pipeline's normalized verdict. Every score field is clamped
// to [0,100] and Passed is always resolved.
type Result struct {
	Passed            bool
	Confidence        int
	Feedback          string
	QualityScore      int
	CompletenessScore int
	AccuracyScore     int
	Suggestions       []string
	Source            string
	Timestamp         int64
}

// Provider is an interchangeable judge that scores submitted evidence
// against requirements. Any failure (timeout, non-2xx status, unparsable
// payload) is reported as an error and causes fallback to the next provider
// without a retry.
type Provider interface {
	Name() string
	Assess(ctx context.Context, req Request) (RawResult, error)
}

// Pipeline consults a list of registered providers in priority order until
// one succeeds. Assess always terminates with a Result: total provider
// exhaustion yields a failed verdict with zero confidence rather than an
// error.
type Pipeline struct {
	mu        sync.RWMutex
	priority  []string
	providers map[string]Provider
	timeout   time.Duration
	logger    *slog.Logger
	nowFn     func() time.Time
}

// NewPipeline constructs a pipeline with the provided priority ordering and
// per-provider timeout. A zero timeout falls back to the default.
func NewPipeline(priority []string, timeout time.Duration, logger *slog.Logger) *Pipeline {
	if timeout <= 0 {
		timeout = defaultProviderTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Pipeline{
		priority:  append([]string{}, priority...),
		providers: make(map[string]Provider),
		timeout:   timeout,
		logger:    logger,
		nowFn:     time.Now,
	}
}

// SetNowFunc overrides the time source. Intended for tests.
func (p *Pipeline) SetNowFunc(now func() time.Time) {
	if now != nil {
		p.nowFn = now
	}
}

// Register adds or replaces a provider under the supplied identifier.
// Identifiers are stored in lowercase so lookups remain consistent
// regardless of configuration casing.
func (p *Pipeline) Register(name string, provider Provider) {
	trimmed := strings.ToLower(strings.TrimSpace(name))
	if trimmed == "" || provider == nil {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.providers[trimmed] = provider
	for _, entry := range p.priority {
		if strings.EqualFold(entry, trimmed) {
			return
		}
	}
	p.priority = append(p.priority, trimmed)
}

// Assess tries providers in priority order and returns the first normalized
// verdict. Each provider call is bounded by the configured timeout; a
// provider failure is logged and escalates immediately to the next provider.
// When every provider fails, or none is registered at all, the returned
// Result is a failed verdict whose feedback explains the unavailability, and
// the error is nil: verification must always terminate with a value.
func (p *Pipeline) Assess(ctx context.Context, req Request) (Result, error) {
	p.mu.RLock()
	priority := append([]string{}, p.priority...)
	p.mu.RUnlock()

	for _, name := range priority {
		p.mu.RLock()
		provider := p.providers[strings.ToLower(name)]
		p.mu.RUnlock()
		if provider == nil {
			continue
		}
		callCtx, cancel := context.WithTimeout(ctx, p.timeout)
		raw, err := provider.Assess(callCtx, req)
		cancel()
		if err != nil {
			p.logger.Warn("assessment provider unavailable",
				"provider", provider.Name(), "escrowId", req.EscrowID, "err", err)
			continue
		}
		result := p.normalize(raw)
		result.Source = provider.Name()
		return result, nil
	}

	p.logger.Error("all assessment providers unavailable", "escrowId", req.EscrowID)
	return Result{
		Passed:     false,
		Confidence: 0,
		Feedback:   "verification unavailable: all assessment providers failed",
		Timestamp:  p.nowFn().Unix(),
	}, nil
}

func (p *Pipeline) normalize(raw RawResult) Result {
	result := Result{
		Confidence:        clampScore(raw.Confidence),
		Feedback:          strings.TrimSpace(raw.Feedback),
		QualityScore:      clampScore(raw.QualityScore),
		CompletenessScore: clampScore(raw.CompletenessScore),
		AccuracyScore:     clampScore(raw.AccuracyScore),
		Suggestions:       append([]string(nil), raw.Suggestions...),
		Timestamp:         p.nowFn().Unix(),
	}
	if result.Feedback == "" {
		result.Feedback = "No feedback provided"
	}
	if raw.Passed != nil {
		result.Passed = *raw.Passed
	} else {
		result.Passed = result.Confidence > PassThreshold
	}
	return result
}

func clampScore(v int) int {
	if v < 0 {
		return 0
	}
	if v > 100 {
		return 100
	}
	return v
}
