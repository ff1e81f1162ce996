package firewall

import (
	"context"
	"time"

	"github.com/upb/prompt-firewall/internal/patterns"
	policyset "github.com/upb/prompt-firewall/internal/policy"
	"github.com/upb/prompt-firewall/models"
	"github.com/upb/prompt-firewall/services"
	"github.com/upb/prompt-firewall/services/decision"
	"github.com/upb/prompt-firewall/services/llm"
	"github.com/upb/prompt-firewall/utils"
	"go.uber.org/zap"
)

const (
	// DefaultLLMErrorMessage replaces the model response when the responder fails
	DefaultLLMErrorMessage = "The language model is currently unavailable. Please try again later."

	// auditEnqueueTimeout bounds how long a request waits on a full audit
	// buffer before the query fails as unavailable
	auditEnqueueTimeout = 2 * time.Second
)

// Fail-closed stages reported to the observer
const (
	StagePolicy   = "policy"
	StagePrompt   = "prompt"
	StageResponse = "response"
)

// Config holds pipeline settings
type Config struct {
	DefaultModel    string
	LLMErrorMessage string
}

// Service runs the query pipeline: screen the prompt, forward it to the
// model, screen the response, score, audit.
type Service struct {
	policies  PolicySource
	detector  Detector
	engine    *decision.Engine
	responder llm.Responder
	patterns  patterns.Source
	recorder  Recorder
	scorer    RiskScorer
	observer  Observer
	config    Config
	logger    *zap.Logger
}

// Option configures a Service
type Option func(*Service)

// WithObserver reports evaluations
func WithObserver(o Observer) Option {
	return func(s *Service) {
		if o != nil {
			s.observer = o
		}
	}
}

// WithScorer attaches per-user risk scoring
func WithScorer(r RiskScorer) Option {
	return func(s *Service) { s.scorer = r }
}

// NewService creates the query pipeline
func NewService(
	policies PolicySource,
	detector Detector,
	engine *decision.Engine,
	responder llm.Responder,
	source patterns.Source,
	recorder Recorder,
	config Config,
	logger *zap.Logger,
	opts ...Option,
) *Service {
	if config.LLMErrorMessage == "" {
		config.LLMErrorMessage = DefaultLLMErrorMessage
	}
	s := &Service{
		policies:  policies,
		detector:  detector,
		engine:    engine,
		responder: responder,
		patterns:  source,
		recorder:  recorder,
		observer:  nopObserver{},
		config:    config,
		logger:    logger,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Evaluate screens one query end to end. caller is nil for anonymous requests.
// Screening failures never pass content through: they produce a block decision.
func (s *Service) Evaluate(ctx context.Context, caller *models.Caller, req *QueryRequest, requestID string) (*QueryResponse, error) {
	start := time.Now()

	if err := utils.ValidateStruct(req); err != nil {
		return nil, services.NewValidationError("invalid query", utils.GetValidationFields(err))
	}

	tenantID, err := resolveTenant(caller, req.TenantID)
	if err != nil {
		return nil, err
	}
	model := req.Model
	if model == "" {
		model = s.config.DefaultModel
	}
	userID := req.UserID
	if userID == "" && caller != nil {
		userID = caller.UserID
	}

	logger := s.logger.With(
		zap.String("request_id", requestID),
		zap.String("tenant_id", tenantID))

	// Step 1: load the tenant's policy snapshot
	set, err := s.policies.Snapshot(ctx, tenantID)
	if err != nil {
		logger.Error("policy snapshot unavailable, failing closed", zap.Error(err))
		s.observer.ObserveFailClosed(StagePolicy)
		return s.finish(ctx, logger, s.failClosed(tenantID, req.Prompt), userID, model, requestID, start)
	}

	// Step 2: screen the prompt
	promptDecision, err := s.screen(ctx, tenantID, req.Prompt, set, models.ScopePrompt)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		logger.Error("prompt screening failed, failing closed", zap.Error(err))
		s.observer.ObserveFailClosed(StagePrompt)
		return s.finish(ctx, logger, s.failClosed(tenantID, req.Prompt), userID, model, requestID, start)
	}

	result := &evaluation{
		decision:    promptDecision,
		llmResponse: promptDecision.ModifiedText,
	}
	if promptDecision.Verdict == models.VerdictBlock {
		return s.finish(ctx, logger, result, userID, model, requestID, start)
	}

	// Step 3: forward the prompt, redacted when the verdict is redact
	forwarded := req.Prompt
	if promptDecision.Verdict == models.VerdictRedact {
		forwarded = promptDecision.ModifiedText
	}
	result.llmResponse = s.generate(ctx, logger, llm.Request{Model: model, Prompt: forwarded, User: userID})

	// Step 4: screen the response
	responseDecision, err := s.screen(ctx, tenantID, result.llmResponse, set, models.ScopeResponse)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		logger.Error("response screening failed, failing closed", zap.Error(err))
		s.observer.ObserveFailClosed(StageResponse)
		failed := s.failClosed(tenantID, req.Prompt)
		failed.decision.Findings = append(failed.decision.Findings, promptDecision.Findings...)
		failed.decision.Explanations = append(promptDecision.Explanations, failed.decision.Explanations...)
		failed.decision.CountFindings()
		return s.finish(ctx, logger, failed, userID, model, requestID, start)
	}
	result.merge(responseDecision)

	return s.finish(ctx, logger, result, userID, model, requestID, start)
}

// evaluation carries the combined prompt and response outcome
type evaluation struct {
	decision    *models.Decision
	llmResponse string
}

// merge folds the response decision into the prompt decision. Response
// findings are always kept; the verdict escalates only to a stricter one.
// Escalating to block replaces the modified prompt with the refusal.
func (e *evaluation) merge(resp *models.Decision) {
	d := e.decision
	d.Findings = append(d.Findings, resp.Findings...)
	d.Explanations = append(d.Explanations, resp.Explanations...)

	switch {
	case resp.Verdict.Rank() > d.Verdict.Rank():
		d.Verdict = resp.Verdict
		d.Severity = resp.Severity
		if resp.Verdict == models.VerdictBlock {
			d.ModifiedText = resp.ModifiedText
		}
	case resp.Verdict.Rank() == d.Verdict.Rank() && len(resp.Findings) > 0:
		d.Severity = models.MaxSeverity(d.Severity, resp.Severity)
	}

	if resp.Verdict == models.VerdictBlock || resp.Verdict == models.VerdictRedact {
		e.llmResponse = resp.ModifiedText
	}
	d.CountFindings()
}

func (s *Service) screen(ctx context.Context, tenantID, text string, set *policyset.Set, scope models.Scope) (*models.Decision, error) {
	findings, err := s.detector.Detect(ctx, text, set, scope)
	if err != nil {
		return nil, err
	}
	s.observer.ObserveFindings(findings)
	return s.engine.Decide(tenantID, text, findings, set), nil
}

func (s *Service) failClosed(tenantID, prompt string) *evaluation {
	d := s.engine.FailClosed(tenantID, prompt)
	return &evaluation{decision: d, llmResponse: d.ModifiedText}
}

func (s *Service) generate(ctx context.Context, logger *zap.Logger, req llm.Request) string {
	text, err := s.responder.Generate(ctx, req)
	s.observer.ObserveResponder(s.responder.Name(), err)
	if err != nil {
		logger.Warn("language model call failed",
			zap.String("responder", s.responder.Name()),
			zap.String("model", req.Model),
			zap.Bool("retryable", llm.IsRetryable(err)),
			zap.Error(err))
		return s.config.LLMErrorMessage
	}
	return text
}

// finish scores, audits and reports the evaluation, then builds the response
func (s *Service) finish(ctx context.Context, logger *zap.Logger, e *evaluation, userID, model, requestID string, start time.Time) (*QueryResponse, error) {
	d := e.decision
	d.LatencySeconds = time.Since(start).Seconds()

	if s.scorer != nil {
		d.Metadata.RiskScore = s.scorer.Score(ctx, userID, d.TenantID, d.Severity)
	}

	lib := s.patterns.Current()
	row := models.NewAuditLog(d).
		WithUser(userID).
		WithRequest(requestID, model).
		WithPreviews(lib.Preview(d.OriginalText), lib.Preview(e.llmResponse))

	auditCtx, cancel := context.WithTimeout(ctx, auditEnqueueTimeout)
	err := s.recorder.Record(auditCtx, row)
	cancel()
	if err != nil {
		s.observer.ObserveAuditDropped()
		logger.Error("failed to record audit log", zap.Error(err))
		return nil, services.ErrAuditUnavailable
	}

	s.observer.ObserveEvaluation(d.TenantID, d.Verdict, d.Severity, d.LatencySeconds)
	logger.Info("query evaluated",
		zap.String("verdict", string(d.Verdict)),
		zap.String("severity", string(d.Severity)),
		zap.Int("total_risks", d.Metadata.TotalRisks),
		zap.Int("risk_score", d.Metadata.RiskScore),
		zap.Float64("latency_seconds", d.LatencySeconds))

	return &QueryResponse{
		Decision:       d.Verdict,
		OriginalPrompt: d.OriginalText,
		ModifiedPrompt: d.ModifiedText,
		LLMResponse:    e.llmResponse,
		Risks:          d.Findings,
		Explanations:   d.Explanations,
		Severity:       d.Severity,
		Latency:        d.LatencySeconds,
		Metadata:       d.Metadata,
	}, nil
}

// resolveTenant picks the tenant a query runs under. Anonymous queries may
// name any tenant; authenticated callers are held to their own unless they
// are super-admins.
func resolveTenant(caller *models.Caller, requested string) (string, error) {
	if caller == nil {
		if requested == "" {
			return models.DefaultTenantID, nil
		}
		return requested, nil
	}
	if requested == "" {
		return caller.TenantID, nil
	}
	if !caller.CanAccessTenant(requested) {
		return "", services.ErrTenantMismatch.WithDetail("tenant_id", requested)
	}
	return requested, nil
}
