// Copyright (C) 2026 Kodiak Works (maintainers@kodiakworks.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package handlers mounts the agent's HTTP surface: the websocket event
// channel, the health probe, and the metrics endpoint. The Bridge owns
// the per-connection lifecycle; everything a connected client can do
// arrives here as a Frame and leaves through the session's emitter.
package handlers

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sort"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"golang.org/x/time/rate"

	"github.com/kodiakworks/kodiak/pkg/fault"
	"github.com/kodiakworks/kodiak/pkg/telemetry"
	"github.com/kodiakworks/kodiak/services/agent/audit"
	"github.com/kodiakworks/kodiak/services/agent/datatypes"
	"github.com/kodiakworks/kodiak/services/agent/loop"
	"github.com/kodiakworks/kodiak/services/agent/memory"
	"github.com/kodiakworks/kodiak/services/agent/patch"
	"github.com/kodiakworks/kodiak/services/agent/sandbox"
	"github.com/kodiakworks/kodiak/services/agent/session"
	"github.com/kodiakworks/kodiak/services/agent/store"
	"github.com/kodiakworks/kodiak/services/agent/tools"
	"github.com/kodiakworks/kodiak/services/agent/worker"
	"github.com/kodiakworks/kodiak/services/haven"
	"github.com/kodiakworks/kodiak/services/haven/llm"
)

// Inbound event throttling defaults. A chat client produces a handful
// of events per second; anything past this is a runaway.
const (
	DefaultEventRate  rate.Limit = 25
	DefaultEventBurst            = 50
)

// traceTail is how many audit entries request_trace_log returns.
const traceTail = 200

var upgrader = websocket.Upgrader{
	// The server binds to loopback for local use; origin checks would
	// only break non-browser clients like the CLI.
	CheckOrigin:     func(*http.Request) bool { return true },
	ReadBufferSize:  10 * 1024 * 1024,
	WriteBufferSize: 10 * 1024 * 1024,
}

// HostProxy is the haven surface the bridge and its per-connection
// collaborators touch. *haven.Client satisfies it; tests script it.
type HostProxy interface {
	GetOrCreateSession(ctx context.Context, name string, history []llm.Message) (bool, error)
	SendMessage(ctx context.Context, name, prompt string) (string, error)
	ListSessions(ctx context.Context) ([]string, error)
	DeleteSession(ctx context.Context, name string) error
	TraceLog(ctx context.Context) ([]haven.TraceEntry, error)
}

// Bridge turns websocket connections into sessions. One Bridge serves
// all connections; per-connection state is built in serve and torn down
// on disconnect.
type Bridge struct {
	Sessions *session.Registry
	Loop     *loop.Loop
	Store    store.Store
	Host     HostProxy
	Sandbox  *sandbox.Root
	Runner   *sandbox.ScriptRunner
	Patcher  *patch.Applier
	Pool     *worker.Pool
	Audit    *audit.Store
	Metrics  *telemetry.Metrics

	// ProjectFiles is the read_project_file allow-list.
	ProjectFiles []string

	// SegmentThreshold bounds each session's Tier-1 buffer.
	SegmentThreshold int

	// EventRate and EventBurst throttle inbound events per connection.
	// Zero values take the defaults above.
	EventRate  rate.Limit
	EventBurst int

	Logger *slog.Logger
}

// Handler upgrades the request and serves the connection until it
// drops.
func (b *Bridge) Handler() gin.HandlerFunc {
	return func(c *gin.Context) {
		ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
		if err != nil {
			b.logger().Error("websocket upgrade failed", "error", err, "remote", c.ClientIP())
			return
		}
		b.serve(c.Request.Context(), ws)
	}
}

// serve owns one connection: it builds the session state, pumps inbound
// frames, and tears everything down when the read loop ends.
func (b *Bridge) serve(parent context.Context, ws *websocket.Conn) {
	defer ws.Close()

	connID := uuid.NewString()
	logger := b.logger().With("session_id", connID)

	ctx, cancel := context.WithCancel(parent)
	defer cancel()

	mem, err := memory.NewManager(ctx, b.Store, connID, b.SegmentThreshold, b.Logger)
	if err != nil {
		logger.Error("session memory init failed", "error", err)
		return
	}

	em := session.NewSerialEmitter(func(f datatypes.Frame) error {
		return ws.WriteJSON(f)
	}, b.Logger)

	sess := session.NewActiveSession(connID, mem, em)
	b.Sessions.Add(sess)
	if b.Metrics != nil {
		b.Metrics.SessionsActive.Add(ctx, 1)
	}
	logger.Info("client connected")

	tc := &tools.Context{
		Session:      sess,
		Sessions:     b.Sessions,
		Sandbox:      b.Sandbox,
		Runner:       b.Runner,
		Patcher:      b.Patcher,
		Store:        b.Store,
		Host:         b.Host,
		Audit:        b.Audit,
		Pool:         b.Pool,
		Metrics:      b.Metrics,
		ProjectFiles: b.ProjectFiles,
		Logger:       b.Logger,
	}

	defer b.teardown(sess, em, cancel, logger)

	b.emit(sess, datatypes.EventSessionNameUpdate, datatypes.SessionNameUpdatePayload{Name: sess.Name()})

	limiter := rate.NewLimiter(b.eventRate(), b.eventBurst())
	for {
		var frame datatypes.Frame
		if err := ws.ReadJSON(&frame); err != nil {
			logger.Info("client disconnected", "reason", err.Error())
			return
		}
		if !limiter.Allow() {
			logger.Warn("inbound event dropped by rate limit", "event", frame.Event)
			continue
		}
		if b.Metrics != nil {
			b.Metrics.EventsTotal.Add(ctx, 1, metric.WithAttributes(
				attribute.String("event", frame.Event),
			))
		}
		b.dispatch(ctx, tc, frame, logger)
	}
}

// teardown releases one connection's state. Cancel first so the loop
// sees the disconnect at its next suspension point, then unblock any
// confirmation wait; cleanup RPCs run on their own context because the
// connection's is already dead. Saved sessions survive disconnects; a
// host session still keyed by the connection id was never saved.
func (b *Bridge) teardown(sess *session.ActiveSession, em *session.SerialEmitter, cancel context.CancelFunc, logger *slog.Logger) {
	cancel()
	sess.Close()
	b.Sessions.Remove(sess.ID)
	em.Close()

	ctx, done := context.WithTimeout(context.Background(), 10*time.Second)
	defer done()

	if sess.HostName() == sess.ID {
		if err := b.Host.DeleteSession(ctx, sess.ID); err != nil {
			logger.Warn("host session cleanup failed", "error", err)
		}
	}
	if err := sess.Memory.DeleteLive(ctx); err != nil {
		logger.Warn("live collection cleanup failed", "error", err)
	}
	if b.Metrics != nil {
		b.Metrics.SessionsActive.Add(ctx, -1)
	}
	logger.Info("session closed")
}

// dispatch routes one inbound frame. Tasks run on their own goroutine;
// everything else answers inline so a slow store cannot stall only
// other clients, never this connection's reads for long.
func (b *Bridge) dispatch(ctx context.Context, tc *tools.Context, frame datatypes.Frame, logger *slog.Logger) {
	sess := tc.Session

	switch frame.Event {
	case datatypes.EventStartTask:
		var p datatypes.StartTaskPayload
		if err := decode(frame.Payload, &p); err != nil {
			logger.Warn("bad start_task payload", "error", err)
			return
		}
		go func() {
			if err := b.Loop.Execute(ctx, tc, p.Prompt); err != nil && ctx.Err() == nil {
				logger.Warn("task ended with error", "error", err)
			}
		}()

	case datatypes.EventUserConfirmation:
		var p datatypes.UserConfirmationPayload
		if err := decode(frame.Payload, &p); err != nil {
			logger.Warn("bad user_confirmation payload", "error", err)
			return
		}
		if !sess.ResolveConfirmation(p.Response) {
			logger.Debug("confirmation answer with no pending request")
		}

	case datatypes.EventRequestSessionList:
		entries, err := tools.SessionList(ctx, tc)
		if err != nil {
			logger.Warn("session list failed", "error", err)
			b.emit(sess, datatypes.EventSessionListUpdate, datatypes.SessionListUpdatePayload{
				Status: datatypes.StatusError,
			})
			return
		}
		b.emit(sess, datatypes.EventSessionListUpdate, datatypes.SessionListUpdatePayload{
			Status:  datatypes.StatusSuccess,
			Content: entries,
		})

	case datatypes.EventRequestSessionName:
		b.emit(sess, datatypes.EventSessionNameUpdate, datatypes.SessionNameUpdatePayload{Name: sess.Name()})

	case datatypes.EventLogAuditEvent:
		var p datatypes.AuditEventPayload
		if err := decode(frame.Payload, &p); err != nil {
			logger.Warn("bad log_audit_event payload", "error", err)
			return
		}
		if b.Audit == nil {
			return
		}
		err := b.Audit.Append(ctx, audit.Entry{
			Event:       p.Event,
			Details:     p.Details,
			Source:      p.Source,
			Destination: p.Destination,
			ControlFlow: p.ControlFlow,
		})
		if err != nil {
			logger.Warn("audit append failed", "error", err)
		}

	case datatypes.EventRequestDBCollections:
		cols, err := b.Store.ListCollections(ctx)
		if err != nil {
			logger.Warn("collection list failed", "error", err)
			return
		}
		sort.Strings(cols)
		b.emit(sess, datatypes.EventDBCollectionsUpdate, datatypes.DBCollectionsUpdatePayload{Collections: cols})

	case datatypes.EventRequestDBCollectionData:
		var p datatypes.DBCollectionDataRequest
		if err := decode(frame.Payload, &p); err != nil {
			logger.Warn("bad collection data request", "error", err)
			return
		}
		recs, err := b.Store.GetAllRecords(ctx, p.Collection)
		if err != nil {
			logger.Warn("collection dump failed", "collection", p.Collection, "error", err)
			return
		}
		b.emit(sess, datatypes.EventDBCollectionDataUpdate, datatypes.DBCollectionDataUpdatePayload{
			Collection: p.Collection,
			Records:    recs,
		})

	case datatypes.EventRequestTraceLog:
		if b.Audit == nil {
			return
		}
		entries, err := b.Audit.Recent(ctx, traceTail)
		if err != nil {
			logger.Warn("trace read failed", "error", err)
			return
		}
		out := make([]datatypes.TraceEntry, 0, len(entries))
		for _, e := range entries {
			sessionID := e.ControlFlow
			if sessionID == "" {
				sessionID = e.Source
			}
			out = append(out, datatypes.TraceEntry{
				Timestamp: e.Timestamp,
				Kind:      e.Event,
				Session:   sessionID,
				Detail:    e.Details,
			})
		}
		b.emit(sess, datatypes.EventTraceLogUpdate, datatypes.TraceLogUpdatePayload{Entries: out})

	case datatypes.EventRequestHavenTraceLog:
		entries, err := b.Host.TraceLog(ctx)
		if err != nil {
			logger.Warn("haven trace read failed", "error", err)
			return
		}
		out := make([]datatypes.TraceEntry, 0, len(entries))
		for _, e := range entries {
			out = append(out, datatypes.TraceEntry{
				Timestamp: e.Timestamp,
				Kind:      e.Method,
				Session:   e.Session,
				Detail:    e.Detail,
			})
		}
		b.emit(sess, datatypes.EventHavenTraceLogUpdate, datatypes.TraceLogUpdatePayload{Entries: out})

	default:
		logger.Warn("unknown inbound event", "event", frame.Event)
	}
}

func (b *Bridge) emit(sess *session.ActiveSession, event string, payload any) {
	if err := sess.Emitter.Emit(event, payload); err != nil {
		b.logger().Debug("emit failed", "event", event, "error", err)
	}
}

func (b *Bridge) eventRate() rate.Limit {
	if b.EventRate > 0 {
		return b.EventRate
	}
	return DefaultEventRate
}

func (b *Bridge) eventBurst() int {
	if b.EventBurst > 0 {
		return b.EventBurst
	}
	return DefaultEventBurst
}

func (b *Bridge) logger() *slog.Logger {
	if b.Logger == nil {
		return slog.Default()
	}
	return b.Logger
}

func decode(payload json.RawMessage, v any) error {
	if len(payload) == 0 {
		return fault.New(fault.InvalidArgument, "event payload is empty")
	}
	return json.Unmarshal(payload, v)
}
