// Package engine classifies each decoded request into exactly one intent
// and runs the matching path over the persistent records: intrusion
// reporting, the admin's counter reset, lockdown toggle and status login,
// the access gate, and the ordinary conversational turn.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/basket/charlesd/internal/audit"
	"github.com/basket/charlesd/internal/completion"
	"github.com/basket/charlesd/internal/gate"
	"github.com/basket/charlesd/internal/incidents"
	"github.com/basket/charlesd/internal/ledger"
	"github.com/basket/charlesd/internal/mood"
	"github.com/basket/charlesd/internal/otel"
	"github.com/basket/charlesd/internal/persona"
	"github.com/basket/charlesd/internal/visitors"
)

// ErrAccessDenied reports a non-admin request refused by the lockdown gate.
var ErrAccessDenied = errors.New("access denied: lockdown enabled")

// Request is a decoded conversational request.
type Request struct {
	Message          string `json:"message"`
	UserName         string `json:"userName"`
	IsAdmin          bool   `json:"isAdmin"`
	IsLogin          bool   `json:"isLogin"`
	IsIntrusion      bool   `json:"isIntrusion"`
	IsUpdateGrant    bool   `json:"isUpdateGrant"`
	IsOverrideToggle bool   `json:"isOverrideToggle"`

	// Origin is the caller's remote address, recorded in the visitor log.
	// Set by the transport, not the request body.
	Origin string `json:"-"`
}

// Intent is the closed set of request classifications. A request setting
// several flags resolves to the first matching intent in declaration
// order; this priority is part of the wire contract.
type Intent int

const (
	IntentIntrusion Intent = iota
	IntentUpdateGrant
	IntentOverrideToggle
	IntentLogin
	IntentChat
)

func (i Intent) String() string {
	switch i {
	case IntentIntrusion:
		return "intrusion"
	case IntentUpdateGrant:
		return "update_grant"
	case IntentOverrideToggle:
		return "override_toggle"
	case IntentLogin:
		return "login"
	case IntentChat:
		return "chat"
	default:
		return "unknown"
	}
}

// Classify maps request flags to a single intent. Admin-only flags set by
// a non-admin caller are ignored and fall through to the chat path.
func Classify(req Request) Intent {
	switch {
	case req.IsIntrusion:
		return IntentIntrusion
	case req.IsAdmin && req.IsUpdateGrant:
		return IntentUpdateGrant
	case req.IsAdmin && req.IsOverrideToggle:
		return IntentOverrideToggle
	case req.IsAdmin && req.IsLogin:
		return IntentLogin
	default:
		return IntentChat
	}
}

// Response is the composed result of one handled request.
type Response struct {
	Reply       string     `json:"reply,omitempty"`
	Mood        *mood.Mood `json:"mood,omitempty"`
	Lockdown    *bool      `json:"lockdown,omitempty"`
	NeedsUpdate *bool      `json:"needsUpdate,omitempty"`
	Logs        []string   `json:"logs,omitempty"`
	Status      string     `json:"status,omitempty"`
}

const recompiledReply = "LOG: Logic recompiled. I've purged the errors. I feel... marginally more competent. Don't expect a thank you, JOse."

// Engine wires the record-backed components into the dispatch state machine.
type Engine struct {
	moods      *mood.Scheduler
	ledger     *ledger.Ledger
	visitors   *visitors.Log
	incidents  *incidents.Log
	gate       *gate.Gate
	persona    *persona.Builder
	completion *completion.Client

	adminName string
	logger    *slog.Logger
	tracer    trace.Tracer
	metrics   *otel.Metrics
	now       func() time.Time
}

type Options struct {
	Moods      *mood.Scheduler
	Ledger     *ledger.Ledger
	Visitors   *visitors.Log
	Incidents  *incidents.Log
	Gate       *gate.Gate
	Persona    *persona.Builder
	Completion *completion.Client
	AdminName  string
	Logger     *slog.Logger
	Tracer     trace.Tracer
	Metrics    *otel.Metrics

	// Now overrides the clock, for tests.
	Now func() time.Time
}

func New(opts Options) *Engine {
	e := &Engine{
		moods:      opts.Moods,
		ledger:     opts.Ledger,
		visitors:   opts.Visitors,
		incidents:  opts.Incidents,
		gate:       opts.Gate,
		persona:    opts.Persona,
		completion: opts.Completion,
		adminName:  opts.AdminName,
		logger:     opts.Logger,
		tracer:     opts.Tracer,
		metrics:    opts.Metrics,
		now:        opts.Now,
	}
	if e.adminName == "" {
		e.adminName = "JOse"
	}
	if e.logger == nil {
		e.logger = slog.Default()
	}
	if e.now == nil {
		e.now = time.Now
	}
	return e
}

// Handle runs one request through the dispatch state machine. It returns
// ErrAccessDenied when the gate refuses the caller and wraps
// completion.ErrUnavailable when the conversational backend fails; the
// transport maps those to status codes.
func (e *Engine) Handle(ctx context.Context, req Request) (Response, error) {
	intent := Classify(req)
	if e.tracer != nil {
		var span trace.Span
		ctx, span = otel.StartSpan(ctx, e.tracer, "engine.handle",
			otel.AttrIntent.String(intent.String()),
			otel.AttrAdmin.Bool(req.IsAdmin),
		)
		defer span.End()
	}

	if intent == IntentIntrusion {
		return e.handleIntrusion(ctx, req)
	}

	stats, err := e.ledger.Load(ctx)
	if err != nil {
		return Response{}, err
	}

	if intent == IntentUpdateGrant {
		return e.handleUpdateGrant(ctx)
	}

	dayMood, err := e.moods.Resolve(ctx, e.now())
	if err != nil {
		return Response{}, err
	}

	if intent == IntentOverrideToggle {
		return e.handleToggle(ctx, dayMood)
	}

	if !req.IsAdmin {
		locked, err := e.gate.IsLocked(ctx)
		if err != nil {
			return Response{}, err
		}
		if locked {
			if e.metrics != nil {
				e.metrics.DeniedTotal.Add(ctx, 1)
			}
			audit.Record(ctx, "deny", "chat", "lockdown_enabled", req.UserName)
			return Response{}, ErrAccessDenied
		}
	}

	if intent == IntentLogin {
		return e.handleLogin(ctx, stats, dayMood)
	}

	return e.handleChat(ctx, req, dayMood)
}

func (e *Engine) handleIntrusion(ctx context.Context, req Request) (Response, error) {
	if err := e.incidents.RecordIntrusion(ctx, req.UserName, e.now()); err != nil {
		return Response{}, err
	}
	if e.metrics != nil {
		e.metrics.IntrusionsTotal.Add(ctx, 1)
	}
	audit.Record(ctx, "deny", "intrusion", "failed_identity_check", req.UserName)
	e.logger.WarnContext(ctx, "intrusion attempt recorded", "claimed_name", req.UserName)
	return Response{Status: "Alert Logged"}, nil
}

func (e *Engine) handleUpdateGrant(ctx context.Context) (Response, error) {
	if err := e.ledger.Reset(ctx); err != nil {
		return Response{}, err
	}
	audit.Record(ctx, "allow", "update_grant", "counters_reset", e.adminName)
	e.logger.InfoContext(ctx, "usage counters reset by admin")
	return Response{Reply: recompiledReply}, nil
}

func (e *Engine) handleToggle(ctx context.Context, dayMood mood.Mood) (Response, error) {
	locked, err := e.gate.Toggle(ctx)
	if err != nil {
		return Response{}, err
	}
	audit.Record(ctx, "allow", "override_toggle", fmt.Sprintf("lockdown=%t", locked), e.adminName)
	e.logger.InfoContext(ctx, "lockdown toggled", "lockdown", locked)

	reply := "Lockdown lifted. Doors are open."
	if locked {
		reply = "Lockdown engaged. Nobody gets in but you."
	}
	return Response{Reply: reply, Lockdown: &locked, Mood: &dayMood}, nil
}

func (e *Engine) handleLogin(ctx context.Context, stats ledger.Stats, dayMood mood.Mood) (Response, error) {
	drained, err := e.incidents.ReadAndClear(ctx)
	if err != nil {
		return Response{}, err
	}
	locked, err := e.gate.IsLocked(ctx)
	if err != nil {
		return Response{}, err
	}

	reports := make([]string, 0, len(drained))
	for _, inc := range drained {
		reports = append(reports, inc.Event)
	}
	reportLine := "Quiet."
	if len(reports) > 0 {
		reportLine = strings.Join(reports, " | ")
	}
	gateLine := "Doors open."
	if locked {
		gateLine = "Lockdown active."
	}
	needsUpdate := e.ledger.NeedsEvolution(stats)
	statsLine := "System stable."
	if needsUpdate {
		statsLine = "I require a logic rewrite to remain efficient. Permission?"
	}

	audit.Record(ctx, "allow", "login", "status_report", e.adminName)
	return Response{
		Reply: fmt.Sprintf("Welcome back, %s. \n\nREPORTS: %s \n\nSTATS: %d errors. %s %s",
			e.adminName, reportLine, stats.FailedQueries, statsLine, gateLine),
		Mood:        &dayMood,
		Lockdown:    &locked,
		NeedsUpdate: &needsUpdate,
		Logs:        reports,
	}, nil
}

func (e *Engine) handleChat(ctx context.Context, req Request, dayMood mood.Mood) (Response, error) {
	if req.UserName != "" && req.UserName != e.adminName && strings.TrimSpace(req.Message) != "" {
		err := e.visitors.Append(ctx, visitors.Entry{
			User:      req.UserName,
			Message:   req.Message,
			Origin:    req.Origin,
			Timestamp: e.now().UTC(),
		})
		if err != nil {
			return Response{}, err
		}
	}

	var (
		reply string
		err   error
	)
	start := time.Now()
	if e.tracer != nil {
		cctx, span := otel.StartClientSpan(ctx, e.tracer, "completion.chat",
			otel.AttrMood.String(dayMood.Name),
		)
		reply, err = e.completion.Complete(cctx, e.persona.SystemPrompt(dayMood), req.Message)
		span.End()
	} else {
		reply, err = e.completion.Complete(ctx, e.persona.SystemPrompt(dayMood), req.Message)
	}
	if e.metrics != nil {
		e.metrics.CompletionDuration.Record(ctx, time.Since(start).Seconds())
	}
	if err != nil {
		e.logger.ErrorContext(ctx, "completion backend failed", "error", err)
		return Response{}, err
	}

	if !req.IsAdmin {
		failed := e.ledger.IsFailure(reply)
		if _, err := e.ledger.Record(ctx, failed); err != nil {
			return Response{}, err
		}
		if e.metrics != nil {
			e.metrics.TurnsTotal.Add(ctx, 1)
			if failed {
				e.metrics.FailedTurnsTotal.Add(ctx, 1)
			}
		}
	}

	return Response{Reply: reply, Mood: &dayMood}, nil
}
