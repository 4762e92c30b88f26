// Package session resolves a chat identity into a ChatSession through the
// backend's create-session endpoint.
package session

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/tidwall/gjson"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"

	"github.com/capitalize-ai/support-chat/internal/model"
	"github.com/capitalize-ai/support-chat/pkg/logger"
	"github.com/capitalize-ai/support-chat/pkg/metrics"
	"github.com/capitalize-ai/support-chat/pkg/tracing"
)

var (
	// ErrBootstrapFailure is wrapped by every error Create returns.
	ErrBootstrapFailure = errors.New("chat bootstrap failed")

	// ErrInvalidSessionResponse means no extraction strategy found a session id.
	ErrInvalidSessionResponse = errors.New("invalid session response")
)

// BootstrapError describes why session creation failed.
type BootstrapError struct {
	// Reason is a short machine-readable cause: "rejected", "network" or
	// "invalid_response".
	Reason  string
	Message string
	Err     error
}

func (e *BootstrapError) Error() string {
	var b strings.Builder
	b.WriteString("chat bootstrap failed")
	if e.Reason != "" {
		b.WriteString(" (" + e.Reason + ")")
	}
	if e.Message != "" {
		b.WriteString(": " + e.Message)
	}
	if e.Err != nil {
		b.WriteString(": " + e.Err.Error())
	}
	return b.String()
}

func (e *BootstrapError) Unwrap() []error {
	if e.Err != nil {
		return []error{ErrBootstrapFailure, e.Err}
	}
	return []error{ErrBootstrapFailure}
}

// Creator is the create-session call of the backend.
type Creator interface {
	CreateSession(ctx context.Context, info model.CustomerInfo) ([]byte, error)
}

// CreatorFunc adapts a function to Creator.
type CreatorFunc func(ctx context.Context, info model.CustomerInfo) ([]byte, error)

// CreateSession calls f.
func (f CreatorFunc) CreateSession(ctx context.Context, info model.CustomerInfo) ([]byte, error) {
	return f(ctx, info)
}

// Bootstrapper creates chat sessions. It never opens the channel.
type Bootstrapper struct {
	creator    func(identity model.Identity) Creator
	strategies []Strategy
	logger     *logger.Logger
}

// NewBootstrapper creates a bootstrapper. forIdentity returns the creator to
// use for an identity, typically the backend client carrying the identity's
// bearer token.
func NewBootstrapper(forIdentity func(identity model.Identity) Creator, log *logger.Logger) *Bootstrapper {
	return &Bootstrapper{
		creator:    forIdentity,
		strategies: DefaultStrategies(),
		logger:     logger.OrNop(log).Named("bootstrap"),
	}
}

// Create resolves identity into a ChatSession. No retry is attempted.
func (b *Bootstrapper) Create(ctx context.Context, identity model.Identity) (*model.ChatSession, error) {
	ctx, span := tracing.Tracer("support-chat/session").Start(ctx, "session.create")
	defer span.End()
	span.SetAttributes(attribute.String("chat.identity", string(identity.Kind)))

	sess, err := b.create(ctx, identity)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "bootstrap failed")
		metrics.BootstrapTotal.WithLabelValues("failure").Inc()
		b.logger.Warn("chat bootstrap failed",
			zap.String("identity", string(identity.Kind)),
			zap.Error(err),
		)
		return nil, err
	}

	span.SetAttributes(attribute.String("chat.id", sess.ID))
	metrics.BootstrapTotal.WithLabelValues("success").Inc()
	b.logger.Info("chat session created",
		zap.String("chat_id", sess.ID),
		zap.String("identity", string(identity.Kind)),
	)
	return sess, nil
}

func (b *Bootstrapper) create(ctx context.Context, identity model.Identity) (*model.ChatSession, error) {
	raw, err := b.creator(identity).CreateSession(ctx, identity.CustomerInfo())
	if err != nil {
		if failed, msg := failureFlag(raw); failed {
			return nil, &BootstrapError{Reason: "rejected", Message: msg, Err: err}
		}
		return nil, &BootstrapError{Reason: "network", Err: err}
	}

	if failed, msg := failureFlag(raw); failed {
		return nil, &BootstrapError{Reason: "rejected", Message: msg}
	}

	sess, err := Extract(raw, b.strategies)
	if err != nil {
		return nil, &BootstrapError{Reason: "invalid_response", Err: err}
	}

	if identity.Kind == model.IdentityAuthenticated && identity.Token != "" {
		sess.Token = identity.Token
	}
	return sess, nil
}

func failureFlag(raw []byte) (bool, string) {
	if len(raw) == 0 {
		return false, ""
	}
	success := gjson.GetBytes(raw, "success")
	if success.Exists() && success.Type == gjson.False {
		return true, gjson.GetBytes(raw, "message").String()
	}
	return false, ""
}

// Strategy locates the session object in a create-session response.
// Object is the gjson path of the object holding the session fields, and
// IDField the key of the id within it.
type Strategy struct {
	Object  string
	IDField string
}

func (s Strategy) idPath() string {
	if s.Object == "" {
		return s.IDField
	}
	return s.Object + "." + s.IDField
}

// DefaultStrategies returns the extraction strategies in precedence order.
func DefaultStrategies() []Strategy {
	return []Strategy{
		{Object: "data.chat", IDField: "_id"},
		{Object: "data.chat", IDField: "id"},
		{Object: "data.chat", IDField: "chatId"},
		{Object: "data", IDField: "chatId"},
		{Object: "data", IDField: "_id"},
		{Object: "data", IDField: "id"},
		{Object: "chat", IDField: "_id"},
		{Object: "chat", IDField: "id"},
		{Object: "", IDField: "chatId"},
		{Object: "", IDField: "_id"},
		{Object: "", IDField: "id"},
	}
}

// tokenPaths are tried in order for a guest credential.
var tokenPaths = []string{"data.token", "token", "data.chat.token", "data.accessToken", "accessToken"}

// Extract applies strategies in order and builds a ChatSession from the first
// that yields a non-empty id.
func Extract(raw []byte, strategies []Strategy) (*model.ChatSession, error) {
	if !gjson.ValidBytes(raw) {
		return nil, fmt.Errorf("%w: body is not JSON", ErrInvalidSessionResponse)
	}

	for _, s := range strategies {
		id := gjson.GetBytes(raw, s.idPath())
		if id.Type != gjson.String && id.Type != gjson.Number {
			continue
		}
		if strings.TrimSpace(id.String()) == "" {
			continue
		}

		obj := gjson.ParseBytes(raw)
		if s.Object != "" {
			obj = gjson.GetBytes(raw, s.Object)
		}
		return buildSession(raw, obj, strings.TrimSpace(id.String())), nil
	}

	return nil, ErrInvalidSessionResponse
}

func buildSession(raw []byte, obj gjson.Result, id string) *model.ChatSession {
	sess := &model.ChatSession{
		ID:       id,
		IsActive: true,
	}

	if active := obj.Get("isActive"); active.Exists() {
		sess.IsActive = active.Bool()
	} else if status := obj.Get("status"); status.Exists() {
		sess.IsActive = !strings.EqualFold(status.String(), "closed")
	}

	if created := obj.Get("createdAt"); created.Exists() {
		if ts, err := time.Parse(time.RFC3339, created.String()); err == nil {
			sess.CreatedAt = ts
		}
	}

	agent := obj.Get("assignedAgent")
	if !agent.Exists() {
		agent = obj.Get("assignedAdmin")
	}
	if agent.IsObject() {
		agentID := agent.Get("id").String()
		if agentID == "" {
			agentID = agent.Get("_id").String()
		}
		if agentID != "" {
			sess.AssignedAgent = &model.Agent{ID: agentID, Name: agent.Get("name").String()}
		}
	}

	for _, path := range tokenPaths {
		if tok := gjson.GetBytes(raw, path); tok.Type == gjson.String && tok.String() != "" {
			sess.Token = tok.String()
			break
		}
	}

	return sess
}
