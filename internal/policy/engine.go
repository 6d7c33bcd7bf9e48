// Package policy runs the per-invocation state machine: authentication, plan
// gating, rate limiting, caching, dispatch and metering.
//
// Every stage fails closed. A rejected or failed call never reaches the
// origin after the failing stage and is never metered.
package policy

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"golang.org/x/sync/singleflight"

	"github.com/i2y/toolgate/internal/cache"
	"github.com/i2y/toolgate/internal/domain"
	"github.com/i2y/toolgate/internal/ratelimit"
	"github.com/i2y/toolgate/internal/telemetry"
)

// State is a stage of the invocation state machine.
type State string

const (
	Received         State = "Received"
	Authorized       State = "Authorized"
	PlanChecked      State = "PlanChecked"
	RateLimitChecked State = "RateLimitChecked"
	CacheChecked     State = "CacheChecked"
	Dispatching      State = "Dispatching"
	Metered          State = "Metered"
	Completed        State = "Completed"
	Rejected         State = "Rejected"
)

// CacheStatus is reported to callers in the X-Cache header.
type CacheStatus string

const (
	CacheHit    CacheStatus = "HIT"
	CacheMiss   CacheStatus = "MISS"
	CacheStale  CacheStatus = "STALE"
	CacheBypass CacheStatus = "BYPASS"
)

// Consumers resolves API key hashes to consumers.
type Consumers interface {
	FindByAPIKeyHash(ctx context.Context, hash string) (*domain.Consumer, error)
}

// Origin dispatches a call to the deployment's upstream.
type Origin interface {
	Invoke(ctx context.Context, call domain.ToolCall) (*domain.OriginResult, error)
}

// Recorder accepts usage records for asynchronous delivery.
type Recorder interface {
	Record(ctx context.Context, records ...domain.UsageRecord)
}

// Invocation is one call entering the state machine. Deployment, Tool and
// Origin are resolved by the router; Args have passed schema validation.
type Invocation struct {
	Deployment *domain.Deployment
	Tool       *domain.ToolDescriptor
	Origin     Origin
	Args       map[string]interface{}
	APIKey     string
	Headers    http.Header
}

// Outcome describes how an invocation ended.
type Outcome struct {
	InvocationID string
	States       []State
	Consumer     *domain.Consumer
	Plan         *domain.PricingPlan
	Body         interface{}
	Cache        CacheStatus
	CacheControl string
	Usage        []domain.UsageRecord
	Err          error

	// RateLimit is set whenever a rule was evaluated, accepted or not.
	RateLimit *ratelimit.Decision
}

func (o *Outcome) enter(s State) { o.States = append(o.States, s) }

// Config tunes the engine.
type Config struct {
	// DispatchTimeout bounds origin calls whose deployment sets no timeout.
	DispatchTimeout time.Duration

	// LeaseTTL bounds how long one replica may hold a cache fill.
	LeaseTTL time.Duration

	// LeaseWait is how long a replica waits on another replica's fill
	// before dispatching itself.
	LeaseWait time.Duration

	// RefreshTimeout bounds background stale-while-revalidate refreshes.
	RefreshTimeout time.Duration
}

// DefaultConfig returns the default engine configuration.
func DefaultConfig() Config {
	return Config{
		DispatchTimeout: 30 * time.Second,
		LeaseTTL:        30 * time.Second,
		LeaseWait:       2 * time.Second,
		RefreshTimeout:  30 * time.Second,
	}
}

// Engine runs invocations through the policy stages.
type Engine struct {
	consumers Consumers
	limiter   ratelimit.Limiter
	store     cache.Store
	meter     Recorder
	config    Config
	logger    *slog.Logger
	now       func() time.Time
	newID     func() string

	fills      singleflight.Group
	refreshes  singleflight.Group
	background sync.WaitGroup
}

// Option customizes an Engine.
type Option func(*Engine)

// WithClock overrides the engine's time source.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// WithIDGenerator overrides invocation and usage record ids.
func WithIDGenerator(newID func() string) Option {
	return func(e *Engine) { e.newID = newID }
}

// NewEngine creates an Engine. limiter, store and meter may be nil, which
// disables the corresponding stage.
func NewEngine(consumers Consumers, limiter ratelimit.Limiter, store cache.Store, meter Recorder, config Config, logger *slog.Logger, opts ...Option) *Engine {
	def := DefaultConfig()
	if config.DispatchTimeout <= 0 {
		config.DispatchTimeout = def.DispatchTimeout
	}
	if config.LeaseTTL <= 0 {
		config.LeaseTTL = def.LeaseTTL
	}
	if config.LeaseWait <= 0 {
		config.LeaseWait = def.LeaseWait
	}
	if config.RefreshTimeout <= 0 {
		config.RefreshTimeout = def.RefreshTimeout
	}
	e := &Engine{
		consumers: consumers,
		limiter:   limiter,
		store:     store,
		meter:     meter,
		config:    config,
		logger:    logger.With("component", "policy_engine"),
		now:       time.Now,
		newID:     uuid.NewString,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Run drives inv to Completed or Rejected. The returned outcome is never
// nil; on rejection its Err equals the returned error.
func (e *Engine) Run(ctx context.Context, inv Invocation) (*Outcome, error) {
	out := &Outcome{InvocationID: e.newID(), CacheControl: inv.Tool.CacheControl}
	out.enter(Received)

	ctx, span := telemetry.Tracer().Start(ctx, "policy.Run")
	defer span.End()
	span.SetAttributes(
		attribute.String("toolgate.deployment", inv.Deployment.ID),
		attribute.String("toolgate.tool", inv.Tool.Name),
		attribute.String("toolgate.invocation_id", out.InvocationID),
	)

	log := e.logger.With(
		slog.String("invocation_id", out.InvocationID),
		slog.String("deployment_id", inv.Deployment.ID),
		slog.String("tool", inv.Tool.Name),
	)

	if err := e.run(ctx, inv, out, log); err != nil {
		out.Err = err
		out.enter(Rejected)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		log.Info("Invocation rejected", slog.Any("states", out.States), slog.Any("error", err))
		return out, err
	}
	out.enter(Completed)
	span.SetAttributes(attribute.String("toolgate.cache", string(out.Cache)))
	log.Debug("Invocation completed", slog.Any("states", out.States), slog.String("cache", string(out.Cache)))
	return out, nil
}

func (e *Engine) run(ctx context.Context, inv Invocation, out *Outcome, log *slog.Logger) error {
	if err := e.authorize(ctx, inv, out); err != nil {
		return err
	}
	out.enter(Authorized)

	planCfg, _ := inv.Tool.PlanConfig(out.Plan.Slug)
	if err := checkPlan(inv.Tool, out.Plan, planCfg); err != nil {
		return err
	}
	out.enter(PlanChecked)

	if err := e.checkRateLimit(ctx, inv, out, planCfg); err != nil {
		return err
	}
	out.enter(RateLimitChecked)

	directive := cache.ParseDirective(inv.Tool.CacheControl)
	if e.store == nil || !inv.Tool.Pure || !directive.Storable() {
		out.Cache = CacheBypass
		telemetry.CacheResults.WithLabelValues(string(out.Cache)).Inc()
		out.enter(CacheChecked)
		res, err := e.dispatch(ctx, inv, out)
		if err != nil {
			return err
		}
		out.Body = res.Body
		e.recordUsage(ctx, inv, out, planCfg, res, log)
		return nil
	}

	return e.cached(ctx, inv, out, planCfg, directive, log)
}

// authorize resolves the credential to an active consumer of the
// deployment's project and resolves its plan.
func (e *Engine) authorize(ctx context.Context, inv Invocation, out *Outcome) error {
	if inv.APIKey == "" {
		return domain.Unauthenticated("missing API key")
	}
	consumer, err := e.consumers.FindByAPIKeyHash(ctx, domain.HashAPIKey(inv.APIKey))
	if errors.Is(err, domain.ErrConsumerNotFound) {
		return domain.Unauthenticated("invalid API key")
	}
	if err != nil {
		return &domain.InternalError{Op: "resolve consumer", Err: err}
	}
	if !consumer.Active {
		return domain.Forbidden("consumer is not active")
	}
	if consumer.ProjectSlug != inv.Deployment.ProjectSlug {
		return domain.Forbidden(fmt.Sprintf("API key is not valid for project %q", inv.Deployment.ProjectSlug))
	}
	plan, ok := inv.Deployment.Plan(consumer.PlanSlug, consumer.Interval)
	if !ok {
		return domain.Forbidden(fmt.Sprintf("pricing plan %q is not offered by this deployment", consumer.PlanSlug))
	}
	out.Consumer = consumer
	out.Plan = plan
	return nil
}

func checkPlan(tool *domain.ToolDescriptor, plan *domain.PricingPlan, planCfg domain.ToolPlanConfig) error {
	if tool.DisabledForFreePlan && plan.IsFree() {
		return domain.Forbidden(fmt.Sprintf("tool %q is not available on the free plan", tool.Name))
	}
	if planCfg.Enabled != nil && !*planCfg.Enabled {
		return domain.Forbidden(fmt.Sprintf("tool %q is not available on plan %q", tool.Name, plan.Slug))
	}
	return nil
}

func (e *Engine) checkRateLimit(ctx context.Context, inv Invocation, out *Outcome, planCfg domain.ToolPlanConfig) error {
	rule := inv.Tool.RateLimit
	if planCfg.RateLimit != nil {
		rule = planCfg.RateLimit
	}
	if e.limiter == nil || rule == nil || rule.Limit <= 0 {
		return nil
	}

	key := ratelimit.Key(inv.Deployment.ProjectSlug, out.Consumer.ID, inv.Tool.Name)
	decision, err := e.limiter.Allow(ctx, key, *rule)
	if err != nil {
		return &domain.InternalError{Op: "rate limit", Err: err}
	}
	out.RateLimit = &decision
	if !decision.Allowed {
		mode := rule.Mode
		if mode == "" {
			mode = domain.RateLimitStrict
		}
		telemetry.RateLimitRejections.WithLabelValues(string(mode)).Inc()
		return &domain.RateLimitError{
			Limit:      decision.Limit,
			RetryAfter: decision.RetryAfter(e.now()),
			ResetAt:    decision.ResetAt,
		}
	}
	return nil
}

// dispatch calls the origin under the dispatch timeout.
func (e *Engine) dispatch(ctx context.Context, inv Invocation, out *Outcome) (*domain.OriginResult, error) {
	out.enter(Dispatching)
	return e.invokeOrigin(ctx, inv)
}

func (e *Engine) invokeOrigin(ctx context.Context, inv Invocation) (*domain.OriginResult, error) {
	timeout := inv.Deployment.Config.Origin.Timeout.Std()
	if timeout <= 0 {
		timeout = e.config.DispatchTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	ctx, span := telemetry.Tracer().Start(ctx, "origin.Invoke")
	defer span.End()

	started := e.now()
	res, err := inv.Origin.Invoke(ctx, domain.ToolCall{Name: inv.Tool.Name, Args: inv.Args, Headers: inv.Headers})
	telemetry.OriginLatency.WithLabelValues(string(inv.Deployment.Config.Origin.Type)).Observe(e.now().Sub(started).Seconds())
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		var oerr *domain.OriginError
		if errors.As(err, &oerr) {
			return nil, err
		}
		return nil, &domain.OriginError{
			Tool:    inv.Tool.Name,
			Timeout: errors.Is(err, context.DeadlineExceeded),
			Err:     err,
		}
	}
	if res == nil {
		res = &domain.OriginResult{}
	}
	return res, nil
}

// recordUsage emits one record per metered line item implicated by the tool.
func (e *Engine) recordUsage(ctx context.Context, inv Invocation, out *Outcome, planCfg domain.ToolPlanConfig, res *domain.OriginResult, log *slog.Logger) {
	out.enter(Metered)
	out.Usage = UsageRecords(inv.Deployment, inv.Tool, out.Consumer, out.Plan, planCfg, out.InvocationID, res.Units(), e.now(), e.newID)
	if len(out.Usage) == 0 || e.meter == nil {
		return
	}
	telemetry.UsageRecords.Add(float64(len(out.Usage)))
	e.meter.Record(context.WithoutCancel(ctx), out.Usage...)
	log.Debug("Usage recorded", slog.Int("records", len(out.Usage)), slog.Int64("quantity", res.Units()))
}

// UsageRecords builds the usage records of one successful dispatch.
// Licensed line items are covered by the subscription and emit nothing.
func UsageRecords(
	d *domain.Deployment,
	tool *domain.ToolDescriptor,
	consumer *domain.Consumer,
	plan *domain.PricingPlan,
	planCfg domain.ToolPlanConfig,
	invocationID string,
	quantity int64,
	now time.Time,
	newID func() string,
) []domain.UsageRecord {
	if planCfg.ReportUsage != nil && !*planCfg.ReportUsage {
		return nil
	}

	var allowed map[string]bool
	if len(tool.MeteredLineItems) > 0 {
		allowed = make(map[string]bool, len(tool.MeteredLineItems))
		for _, slug := range tool.MeteredLineItems {
			allowed[slug] = true
		}
	}

	var records []domain.UsageRecord
	for _, li := range plan.MeteredItems() {
		if allowed != nil && !allowed[li.Slug] {
			continue
		}
		records = append(records, domain.UsageRecord{
			ID:           newID(),
			InvocationID: invocationID,
			ConsumerID:   consumer.ID,
			DeploymentID: d.ID,
			ToolName:     tool.Name,
			LineItemSlug: li.Slug,
			Quantity:     quantity,
			Timestamp:    now.UTC(),
		})
	}
	return records
}

// decodePayload turns a stored payload back into a JSON value.
func decodePayload(raw json.RawMessage) (interface{}, error) {
	var body interface{}
	if len(raw) == 0 {
		return nil, nil
	}
	if err := json.Unmarshal(raw, &body); err != nil {
		return nil, err
	}
	return body, nil
}
