package service

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/genstudio/internal/clock"
	"github.com/smallbiznis/genstudio/internal/config"
	creditdomain "github.com/smallbiznis/genstudio/internal/credit/domain"
	obslogger "github.com/smallbiznis/genstudio/internal/observability/logger"
	obsmetrics "github.com/smallbiznis/genstudio/internal/observability/metrics"
	"github.com/smallbiznis/genstudio/internal/observability/tracing"
	"github.com/smallbiznis/genstudio/internal/subscription/billing"
	"github.com/smallbiznis/genstudio/internal/subscription/domain"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

type Params struct {
	fx.In

	DB         *gorm.DB
	Log        *zap.Logger
	GenID      *snowflake.Node
	Clock      clock.Clock
	Repo       domain.Repository
	CreditSvc  creditdomain.Service
	Plans      *config.PlansConfigHolder
	Billing    *billing.Registry
	ObsMetrics *obsmetrics.Metrics `optional:"true"`
}

type Service struct {
	db         *gorm.DB
	log        *zap.Logger
	genID      *snowflake.Node
	clock      clock.Clock
	repo       domain.Repository
	creditSvc  creditdomain.Service
	plans      *config.PlansConfigHolder
	billing    *billing.Registry
	obsMetrics *obsmetrics.Metrics
	tracer     trace.Tracer
}

func NewService(p Params) domain.Service {
	clk := p.Clock
	if clk == nil {
		clk = clock.NewSystem()
	}
	return &Service{
		db:         p.DB,
		log:        p.Log.Named("subscription.service"),
		genID:      p.GenID,
		clock:      clk,
		repo:       p.Repo,
		creditSvc:  p.CreditSvc,
		plans:      p.Plans,
		billing:    p.Billing,
		obsMetrics: p.ObsMetrics,
		tracer:     otel.Tracer("genstudio/subscription"),
	}
}

// IngestWebhook verifies and parses a raw webhook before handling it.
// Payloads that cannot be parsed are acknowledged and logged.
func (s *Service) IngestWebhook(ctx context.Context, provider string, payload []byte, headers http.Header) (domain.IngestResult, error) {
	parser, err := s.billing.Get(provider)
	if err != nil {
		return domain.IngestResult{}, err
	}
	log := obslogger.WithContext(ctx, s.log).With(zap.String("provider", parser.Provider()))

	if err := parser.Verify(payload, headers); err != nil {
		s.obsMetrics.RecordWebhookEvent(ctx, parser.Provider(), "", "invalid_signature")
		log.Warn("webhook signature rejected", zap.Error(err))
		return domain.IngestResult{}, err
	}

	event, err := parser.Parse(payload)
	if err != nil {
		s.obsMetrics.RecordWebhookEvent(ctx, parser.Provider(), "", string(domain.OutcomeIgnored))
		log.Warn("webhook payload ignored", zap.Error(err), zap.Int("payload_bytes", len(payload)))
		return domain.IngestResult{Type: domain.EventTypeUnknown, Outcome: domain.OutcomeIgnored}, nil
	}
	return s.HandleEvent(ctx, event)
}

// HandleEvent records the event once per (provider, event id) and applies
// it to the ledger. Events already processed are reported as duplicates.
func (s *Service) HandleEvent(ctx context.Context, event domain.Event) (domain.IngestResult, error) {
	event.Provider = strings.ToLower(strings.TrimSpace(event.Provider))
	if event.Provider == "" {
		return domain.IngestResult{}, domain.ErrInvalidEvent
	}
	event.EventID = strings.TrimSpace(event.EventID)
	if event.EventID == "" {
		sum := sha256.Sum256(event.Payload)
		event.EventID = "hash:" + hex.EncodeToString(sum[:])
	}
	if event.Type == "" {
		event.Type = domain.EventTypeUnknown
	}

	ctx, span := s.tracer.Start(ctx, "subscription.HandleEvent", trace.WithAttributes(
		tracing.SafeAttributes(
			attribute.String("provider", event.Provider),
			attribute.String("event_id", event.EventID),
			attribute.String("event_type", string(event.Type)),
		)...,
	))
	defer span.End()

	log := obslogger.WithContext(ctx, s.log).With(
		zap.String("provider", event.Provider),
		zap.String("event_id", event.EventID),
		zap.String("event_type", string(event.Type)),
	)

	now := s.clock.Now()
	received := domain.EventRecord{
		ID:         s.genID.Generate(),
		Provider:   event.Provider,
		EventID:    event.EventID,
		EventType:  string(event.Type),
		Payload:    payloadJSON(event.Payload),
		ReceivedAt: now,
	}

	inserted, err := s.repo.InsertEvent(ctx, s.db, &received)
	if err != nil {
		return domain.IngestResult{}, s.unavailable(span, "insert_event", err)
	}
	stored := &received
	if !inserted {
		stored, err = s.repo.FindEvent(ctx, s.db, event.Provider, event.EventID)
		if err != nil {
			return domain.IngestResult{}, s.unavailable(span, "find_event", err)
		}
		if stored == nil {
			return domain.IngestResult{}, s.unavailable(span, "find_event", errors.New("event row vanished"))
		}
		if stored.ProcessedAt != nil {
			log.Info("duplicate webhook acknowledged")
			s.obsMetrics.RecordWebhookEvent(ctx, event.Provider, string(event.Type), string(domain.OutcomeDuplicate))
			result := domain.IngestResult{
				EventID:   event.EventID,
				Type:      event.Type,
				Outcome:   domain.OutcomeDuplicate,
				Duplicate: true,
			}
			if stored.UserID != nil {
				result.UserID = *stored.UserID
			}
			return result, nil
		}
	}

	result, err := s.apply(ctx, event, log)
	if err != nil {
		safe := tracing.SafeError(err)
		span.RecordError(safe)
		span.SetStatus(codes.Error, safe.Error())
		return domain.IngestResult{}, err
	}

	var userID *string
	if result.UserID != "" {
		userID = &result.UserID
	}
	if err := s.repo.MarkProcessed(ctx, s.db, stored.ID, userID, result.Outcome, s.clock.Now()); err != nil {
		return domain.IngestResult{}, s.unavailable(span, "mark_processed", err)
	}

	s.obsMetrics.RecordWebhookEvent(ctx, event.Provider, string(event.Type), string(result.Outcome))
	span.SetAttributes(attribute.String("outcome", string(result.Outcome)))
	return result, nil
}

func (s *Service) apply(ctx context.Context, event domain.Event, log *zap.Logger) (domain.IngestResult, error) {
	result := domain.IngestResult{EventID: event.EventID, Type: event.Type}

	if !event.Type.ChangesTier() {
		if event.Type == domain.EventTypeUnknown {
			result.Outcome = domain.OutcomeIgnored
			log.Info("unhandled webhook type ignored", zap.String("raw_type", event.RawType))
			return result, nil
		}
		result.Outcome = domain.OutcomeLogged
		log.Info("billing event recorded",
			zap.String("status", event.Status),
			zap.String("plan_id", event.PlanID),
			zap.String("customer_id", event.CustomerID),
		)
		return result, nil
	}

	tier, ok := s.tierFor(event, log)
	if !ok {
		result.Outcome = domain.OutcomeIgnored
		log.Info("subscription status does not change tier", zap.String("status", event.Status))
		return result, nil
	}
	result.Tier = string(tier)

	resolution, err := s.resolve(ctx, event)
	if err != nil {
		return domain.IngestResult{}, err
	}
	if !resolution.Resolved() {
		result.Outcome = domain.OutcomeUnresolved
		log.Warn("webhook subject could not be resolved",
			zap.Error(domain.ErrWebhookResolutionFailed),
			zap.String("resolution", string(resolution.Status)),
			zap.Int("candidates", len(resolution.Candidates)),
			zap.String("customer_id", event.CustomerID),
		)
		return result, nil
	}
	result.UserID = resolution.UserID
	log = obslogger.WithUser(log, resolution.UserID)

	applied, err := s.creditSvc.ApplyTier(ctx, resolution.UserID, tier, event.OccurredAt)
	if err != nil {
		if creditdomain.IsNotFound(err) {
			result.Outcome = domain.OutcomeUnresolved
			log.Warn("resolved account disappeared", zap.Error(domain.ErrWebhookResolutionFailed))
			return result, nil
		}
		return domain.IngestResult{}, err
	}
	if !applied {
		result.Outcome = domain.OutcomeStale
		return result, nil
	}

	result.Outcome = domain.OutcomeApplied
	log.Info("subscription tier applied",
		zap.String("tier", string(tier)),
		zap.String("plan_id", event.PlanID),
		zap.Time("occurred_at", event.OccurredAt),
	)
	return result, nil
}

// tierFor maps the event to the tier it implies. The second result is false
// when the status neither grants nor revokes a plan.
func (s *Service) tierFor(event domain.Event, log *zap.Logger) (creditdomain.Tier, bool) {
	status := domain.NormalizeStatus(event.Status)
	if event.Type == domain.EventTypeCanceled || status.Ended() {
		return creditdomain.TierFree, true
	}
	// Events without a status carry only the plan.
	if status != "" && !status.Entitling() {
		return "", false
	}

	mapped, known := s.plans.Get().TierFor(event.PlanID)
	if !known {
		log.Warn("unmapped billing plan", zap.String("plan_id", event.PlanID), zap.String("tier", mapped))
	}
	tier, err := creditdomain.ParseTier(mapped)
	if err != nil {
		log.Warn("plan maps to unknown tier", zap.String("plan_id", event.PlanID), zap.String("tier", mapped))
		return creditdomain.TierFree, true
	}
	return tier, true
}

// resolve maps the event to an account: the user id hint first, then the
// billing email.
func (s *Service) resolve(ctx context.Context, event domain.Event) (domain.Resolution, error) {
	if hint := strings.TrimSpace(event.UserIDHint); hint != "" {
		_, err := s.creditSvc.GetBalance(ctx, hint)
		switch {
		case err == nil:
			return domain.Resolution{Status: domain.ResolutionResolved, UserID: hint}, nil
		case creditdomain.IsNotFound(err):
		default:
			return domain.Resolution{}, err
		}
	}

	email := strings.TrimSpace(event.EmailHint)
	if email == "" {
		return domain.Resolution{Status: domain.ResolutionNotFound}, nil
	}
	ids, err := s.creditSvc.FindUserIDsByEmail(ctx, email)
	if errors.Is(err, creditdomain.ErrInvalidEmail) {
		return domain.Resolution{Status: domain.ResolutionNotFound}, nil
	}
	if err != nil {
		return domain.Resolution{}, err
	}
	switch len(ids) {
	case 0:
		return domain.Resolution{Status: domain.ResolutionNotFound}, nil
	case 1:
		return domain.Resolution{Status: domain.ResolutionResolved, UserID: ids[0]}, nil
	default:
		return domain.Resolution{Status: domain.ResolutionAmbiguous, Candidates: ids}, nil
	}
}

func (s *Service) unavailable(span trace.Span, op string, err error) error {
	s.log.Error("webhook store failed", zap.String("op", op), zap.Error(err))
	span.RecordError(tracing.SafeError(err))
	span.SetStatus(codes.Error, op)
	return fmt.Errorf("%w: %w", domain.ErrStoreUnavailable, err)
}

func payloadJSON(payload []byte) datatypes.JSON {
	if len(payload) == 0 || !json.Valid(payload) {
		return datatypes.JSON("{}")
	}
	return datatypes.JSON(payload)
}
