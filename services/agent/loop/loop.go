// Copyright (C) 2026 Kodiak Works (maintainers@kodiakworks.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package loop drives the agent's reasoning cycle: augment the prompt
// with retrieved memory, call the model host, parse the reply into a
// command, render it, execute it, and feed the observation back until
// the model finishes or runs out of iterations. Confirmation requests
// suspend the loop on the session's slot; disconnects cancel it.
package loop

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/kodiakworks/kodiak/pkg/fault"
	"github.com/kodiakworks/kodiak/pkg/telemetry"
	"github.com/kodiakworks/kodiak/services/agent/audit"
	"github.com/kodiakworks/kodiak/services/agent/datatypes"
	"github.com/kodiakworks/kodiak/services/agent/parse"
	"github.com/kodiakworks/kodiak/services/agent/session"
	"github.com/kodiakworks/kodiak/services/agent/tools"
	"github.com/kodiakworks/kodiak/services/haven/llm"
)

var loopTracer = otel.Tracer("kodiak.agent.loop")

// Iteration defaults, overridable through configuration.
const (
	DefaultAbsoluteMax = 10
	DefaultNominalMax  = 3
	DefaultToolTimeout = 60 * time.Second
)

// ModelHost is the slice of the haven client the loop needs: session
// registration (with optional seed history) and stateful message sends.
type ModelHost interface {
	GetOrCreateSession(ctx context.Context, name string, history []llm.Message) (bool, error)
	SendMessage(ctx context.Context, name, prompt string) (string, error)
}

// Config assembles a Loop. Parser and Tools default to fresh instances;
// Host is required. Audit and Metrics may be nil.
type Config struct {
	Parser      *parse.Parser
	Tools       *tools.Registry
	Host        ModelHost
	AbsoluteMax int
	NominalMax  int
	ToolTimeout time.Duration
	Audit       *audit.Store
	Metrics     *telemetry.Metrics
	Logger      *slog.Logger
}

// Loop executes reasoning tasks. One Loop serves all sessions; per-task
// state lives on the stack of Execute.
type Loop struct {
	parser      *parse.Parser
	tools       *tools.Registry
	host        ModelHost
	absoluteMax int
	nominalMax  int
	toolTimeout time.Duration
	auditStore  *audit.Store
	metrics     *telemetry.Metrics
	logger      *slog.Logger
}

// New builds a Loop, applying defaults for anything cfg leaves zero.
func New(cfg Config) *Loop {
	l := &Loop{
		parser:      cfg.Parser,
		tools:       cfg.Tools,
		host:        cfg.Host,
		absoluteMax: cfg.AbsoluteMax,
		nominalMax:  cfg.NominalMax,
		toolTimeout: cfg.ToolTimeout,
		auditStore:  cfg.Audit,
		metrics:     cfg.Metrics,
		logger:      cfg.Logger,
	}
	if l.parser == nil {
		l.parser = parse.NewParser(nil)
	}
	if l.tools == nil {
		l.tools = tools.NewRegistry(cfg.Logger)
	}
	if l.absoluteMax <= 0 {
		l.absoluteMax = DefaultAbsoluteMax
	}
	if l.nominalMax <= 0 {
		l.nominalMax = DefaultNominalMax
	}
	if l.toolTimeout <= 0 {
		l.toolTimeout = DefaultToolTimeout
	}
	if l.logger == nil {
		l.logger = slog.Default()
	}
	return l
}

// Execute runs one reasoning task for the session in tc. It owns all
// client rendering for the task; the returned error is for the caller's
// logs, never for re-rendering. A canceled ctx (disconnect) stops the
// loop at its next suspension point without further emits.
func (l *Loop) Execute(ctx context.Context, tc *tools.Context, prompt string) error {
	sess := tc.Session

	if strings.TrimSpace(prompt) == "" {
		l.emitLog(sess, datatypes.MessageTypeInfo, emptyPromptNotice)
		return fault.New(fault.InvalidArgument, "task prompt is empty")
	}
	if !sess.TryStartTask() {
		l.logger.Warn("task rejected, session busy", "session_id", sess.ID)
		l.emitLog(sess, datatypes.MessageTypeInfo, busyNotice)
		return nil
	}
	defer sess.EndTask()

	ctx, span := loopTracer.Start(ctx, "loop.Execute")
	span.SetAttributes(attribute.String("session_id", sess.ID))
	defer span.End()

	l.emit(sess, datatypes.EventDisplayUserPrompt, datatypes.DisplayUserPromptPayload{Prompt: prompt})
	l.audit(ctx, audit.TaskStarted(sess.ID, prompt))
	l.logger.Info("task started", "session_id", sess.ID, "prompt_chars", len(prompt))

	if err := l.ensureHostSession(ctx, sess); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		l.emitLog(sess, datatypes.MessageTypeInfo,
			"The model host is unreachable. Task aborted: "+reason(err))
		l.audit(ctx, audit.TaskCompleted(sess.ID, "model_host_unavailable"))
		return err
	}

	// recordUser marks currentPrompt as genuine user input to persist;
	// observation prompts are recorded where they arise. confirmed grants
	// one destructive dispatch; nudged caps the over-budget reminder at a
	// single injection.
	currentPrompt := prompt
	recordUser := true
	confirmed := false
	nudged := false

	for i := 0; i < l.absoluteMax; i++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		if l.metrics != nil {
			l.metrics.LoopIterationsTotal.Add(ctx, 1)
		}

		augmented := sess.Memory.PrepareAugmentedPrompt(ctx, currentPrompt)
		finalPrompt := iterationHeader(i+1, l.nominalMax) + augmented
		if recordUser {
			err := sess.Memory.AddTurn(ctx, datatypes.RoleUser, currentPrompt,
				map[string]string{datatypes.MetaAugmentedPrompt: finalPrompt})
			if err != nil {
				l.logger.Warn("recording user turn failed", "session_id", sess.ID, "error", err)
			}
		}

		reply, err := l.callModel(ctx, sess, finalPrompt)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if fault.IsKind(err, fault.ModelHostTimeout) {
				obs := datatypes.Errf("model call timed out")
				l.feedObservation(ctx, sess, obs, "")
				currentPrompt = obs.Observation()
				recordUser = false
				continue
			}
			l.emitLog(sess, datatypes.MessageTypeInfo,
				"The model host is unreachable. Task aborted: "+reason(err))
			l.audit(ctx, audit.TaskCompleted(sess.ID, "model_host_unavailable"))
			return err
		}

		if err := sess.Memory.AddTurn(ctx, datatypes.RoleModel, reply, nil); err != nil {
			l.logger.Warn("recording model turn failed", "session_id", sess.ID, "error", err)
		}

		parsed := l.parser.Parse(reply)

		if parsed.Command == nil || parsed.Command.Action == "" {
			l.emitLog(sess, datatypes.MessageTypeInfo, parsed.Prose)
			obs := datatypes.Errf("%s", invalidReplyMessage)
			l.feedObservation(ctx, sess, obs, "")
			currentPrompt = obs.Observation()
			recordUser = false
			continue
		}

		cmd := parsed.Command
		action := cmd.Action

		if action == datatypes.ActionTaskComplete {
			answer, _ := cmd.StringParam("answer")
			if strings.TrimSpace(answer) == "" {
				answer = parsed.Prose
			}
			if strings.TrimSpace(answer) == "" {
				answer = "Task complete."
			}
			l.emitLog(sess, datatypes.MessageTypeFinalAnswer, answer)
			l.audit(ctx, audit.TaskCompleted(sess.ID, "completed"))
			l.logger.Info("task completed", "session_id", sess.ID, "iterations", i+1)
			return nil
		}

		l.emitLog(sess, datatypes.MessageTypeInfo, parsed.Prose)

		if i >= l.nominalMax && !nudged {
			nudged = true
			obs := datatypes.Errf("%s", nudgeMessage)
			l.feedObservation(ctx, sess, obs, "")
			currentPrompt = obs.Observation()
			recordUser = false
			continue
		}

		if action == datatypes.ActionRequestConfirmation {
			question, _ := cmd.StringParam("prompt")
			if strings.TrimSpace(question) == "" {
				question = "Are you sure?"
			}
			answer, err := l.awaitConfirmation(ctx, sess, question)
			if err != nil {
				return err
			}
			confirmed = answer == session.ResponseYes
			currentPrompt = confirmationPrompt(answer)
			recordUser = true
			continue
		}

		if tools.IsDestructive(action) && !confirmed {
			question := fmt.Sprintf("The agent wants to run '%s'. Allow it?", action)
			answer, err := l.awaitConfirmation(ctx, sess, question)
			if err != nil {
				return err
			}
			err = sess.Memory.AddTurn(ctx, datatypes.RoleUser, confirmationPrompt(answer), nil)
			if err != nil {
				l.logger.Warn("recording confirmation turn failed", "session_id", sess.ID, "error", err)
			}
			if answer != session.ResponseYes {
				obs := datatypes.Errf("The user declined the '%s' action.", action)
				l.feedObservation(ctx, sess, obs, "")
				currentPrompt = obs.Observation()
				recordUser = false
				continue
			}
		}

		toolCtx, cancel := context.WithTimeout(ctx, l.toolTimeout)
		res := l.tools.Dispatch(toolCtx, tc, *cmd)
		cancel()
		confirmed = false

		l.emitToolLog(sess, res.Message)

		// A successful load replaced this loop's memory and host
		// binding; the rehydrated session is a new context.
		if action == datatypes.ActionLoadSession && !res.IsError() {
			l.emitLog(sess, datatypes.MessageTypeInfo, res.Message)
			l.audit(ctx, audit.TaskCompleted(sess.ID, "session_loaded"))
			return nil
		}

		l.recordObservation(ctx, sess, res, action)
		currentPrompt = res.Observation()
		recordUser = false
	}

	l.emitLog(sess, datatypes.MessageTypeInfo,
		fmt.Sprintf("Reached the iteration limit (%d) without a final answer. Stopping here.", l.absoluteMax))
	l.audit(ctx, audit.TaskCompleted(sess.ID, "iteration_cap"))
	l.logger.Warn("task hit the iteration cap", "session_id", sess.ID, "limit", l.absoluteMax)
	return nil
}

// ensureHostSession makes sure the host knows this session, seeding the
// protocol preamble only when it is brand new so an existing transcript
// is never overwritten.
func (l *Loop) ensureHostSession(ctx context.Context, sess *session.ActiveSession) error {
	created, err := l.host.GetOrCreateSession(ctx, sess.HostName(), nil)
	if err != nil {
		return err
	}
	if !created {
		return nil
	}
	_, err = l.host.GetOrCreateSession(ctx, sess.HostName(), ProtocolHistory())
	return err
}

// callModel sends one prompt and records outcome metrics.
func (l *Loop) callModel(ctx context.Context, sess *session.ActiveSession, prompt string) (string, error) {
	ctx, span := loopTracer.Start(ctx, "loop.ModelCall")
	defer span.End()

	start := time.Now()
	reply, err := l.host.SendMessage(ctx, sess.HostName(), prompt)

	if l.metrics != nil {
		outcome := "ok"
		switch {
		case err == nil:
		case fault.IsKind(err, fault.ModelHostTimeout):
			outcome = "timeout"
		default:
			outcome = "unavailable"
		}
		l.metrics.ModelCallsTotal.Add(ctx, 1, metric.WithAttributes(
			attribute.String("outcome", outcome),
		))
		l.metrics.ModelCallDuration.Record(ctx, time.Since(start).Seconds())
	}
	return reply, err
}

// awaitConfirmation suspends the task until the user answers or the
// connection goes away. A disconnect both resolves the slot with "no"
// and cancels ctx; when both race, the loop exits instead of acting on
// the synthetic answer, so ctx is rechecked after Wait.
func (l *Loop) awaitConfirmation(ctx context.Context, sess *session.ActiveSession, question string) (string, error) {
	slot := sess.InstallSlot()
	l.emit(sess, datatypes.EventRequestUserConfirmation,
		datatypes.RequestUserConfirmationPayload{Prompt: question})

	answer, err := slot.Wait(ctx)
	sess.ClearSlot()
	if err != nil {
		return "", err
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}

	l.audit(ctx, audit.ConfirmationResolved(sess.ID, answer))
	l.logger.Info("confirmation resolved", "session_id", sess.ID, "response", answer)
	return answer, nil
}

// feedObservation renders a synthetic observation to the client and
// persists it as a tool_observation turn.
func (l *Loop) feedObservation(ctx context.Context, sess *session.ActiveSession, res datatypes.ToolResult, toolName string) {
	l.emitToolLog(sess, res.Message)
	l.recordObservation(ctx, sess, res, toolName)
}

func (l *Loop) recordObservation(ctx context.Context, sess *session.ActiveSession, res datatypes.ToolResult, toolName string) {
	var meta map[string]string
	if toolName != "" {
		meta = map[string]string{datatypes.MetaToolName: toolName}
	}
	if err := sess.Memory.AddTurn(ctx, datatypes.RoleToolObservation, res.Observation(), meta); err != nil {
		l.logger.Warn("recording observation failed", "session_id", sess.ID, "error", err)
	}
}

// confirmationPrompt composes the resumption prompt after a yes/no.
func confirmationPrompt(answer string) string {
	return fmt.Sprintf("%s '%s'", datatypes.ConfirmationPrefix, answer)
}

// emitLog sends one chat-log line, skipping empty content so the
// client's view stays clean.
func (l *Loop) emitLog(sess *session.ActiveSession, msgType, data string) {
	if strings.TrimSpace(data) == "" {
		return
	}
	l.emit(sess, datatypes.EventLogMessage, datatypes.LogMessagePayload{Type: msgType, Data: data})
}

func (l *Loop) emitToolLog(sess *session.ActiveSession, message string) {
	l.emit(sess, datatypes.EventToolLog, datatypes.ToolLogPayload{Data: "[" + message + "]"})
}

func (l *Loop) emit(sess *session.ActiveSession, event string, payload any) {
	if err := sess.Emitter.Emit(event, payload); err != nil {
		l.logger.Debug("emit failed", "event", event, "error", err)
	}
}

func (l *Loop) audit(ctx context.Context, e audit.Entry) {
	if l.auditStore == nil {
		return
	}
	if err := l.auditStore.Append(ctx, e); err != nil {
		l.logger.Debug("audit append failed", "event", e.Event, "error", err)
	}
}

// reason strips the fault kind prefix for user-facing messages.
func reason(err error) string {
	var fe *fault.Error
	if errors.As(err, &fe) {
		if fe.Err != nil {
			return fmt.Sprintf("%s: %v", fe.Msg, fe.Err)
		}
		return fe.Msg
	}
	return err.Error()
}
