/*
 * Unified Bot Protocol
 * Copyright (C) 2026  L4DK
 *
 * This program is free software: you can redistribute it and/or modify
 * it under the terms of the GNU Affero General Public License as published by
 * the Free Software Foundation, either version 3 of the License, or
 * (at your option) any later version.
 *
 * This program is distributed in the hope that it will be useful,
 * but WITHOUT ANY WARRANTY; without even the implied warranty of
 * MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
 * GNU Affero General Public License for more details.
 *
 * You should have received a copy of the GNU Affero General Public License
 * along with this program.  If not, see <http://www.gnu.org/licenses/>.
 */

// Package web serves the two HTTP surfaces of the orchestrator: the
// token-protected admin REST API under /v1, and the websocket endpoint
// agents connect to.
package web

import (
	"crypto/subtle"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
	"github.com/julienschmidt/httprouter"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/L4DK/unified-bot-protocol/api/types"
	"github.com/L4DK/unified-bot-protocol/lib/auth"
	"github.com/L4DK/unified-bot-protocol/lib/contextstore"
	"github.com/L4DK/unified-bot-protocol/lib/httplib"
	"github.com/L4DK/unified-bot-protocol/lib/inventory"
	"github.com/L4DK/unified-bot-protocol/lib/tasks"
	"github.com/L4DK/unified-bot-protocol/lib/wire"
)

// Config holds handler dependencies.
type Config struct {
	// Auth manages bot definitions and credentials. Required.
	Auth *auth.Service
	// Controller admits agent connections. Required.
	Controller *inventory.Controller
	// Registry exposes live sessions. Required.
	Registry *inventory.Registry
	// Tasks runs asynchronous commands. Required.
	Tasks *tasks.Manager
	// ContextStore keeps session working state. Required.
	ContextStore *contextstore.Store
	// AdminToken protects the /v1 surface. Required.
	AdminToken string

	Clock  clockwork.Clock
	Logger *slog.Logger
}

// CheckAndSetDefaults validates the config.
func (c *Config) CheckAndSetDefaults() error {
	if c.Auth == nil {
		return trace.BadParameter("missing parameter Auth")
	}
	if c.Controller == nil {
		return trace.BadParameter("missing parameter Controller")
	}
	if c.Registry == nil {
		return trace.BadParameter("missing parameter Registry")
	}
	if c.Tasks == nil {
		return trace.BadParameter("missing parameter Tasks")
	}
	if c.ContextStore == nil {
		return trace.BadParameter("missing parameter ContextStore")
	}
	if c.AdminToken == "" {
		return trace.BadParameter("missing parameter AdminToken")
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.Logger == nil {
		c.Logger = slog.Default().With("component", "web")
	}
	return nil
}

// Handler is the orchestrator's HTTP mux.
type Handler struct {
	cfg      Config
	router   *httprouter.Router
	upgrader websocket.Upgrader
	started  time.Time
}

// NewHandler builds the mux.
func NewHandler(cfg Config) (*Handler, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	h := &Handler{
		cfg:    cfg,
		router: httprouter.New(),
		upgrader: websocket.Upgrader{
			Subprotocols: []string{wire.SubprotocolBinary, wire.SubprotocolJSON},
			// agents are not browsers; origin checks do not apply
			CheckOrigin: func(*http.Request) bool { return true },
		},
		started: cfg.Clock.Now(),
	}

	h.router.GET("/healthz", httplib.MakeHandler(h.healthz))
	h.router.Handler(http.MethodGet, "/metrics", promhttp.Handler())
	h.router.GET("/v1/connect", h.connect)

	h.router.POST("/v1/bots", h.withAuth(h.createBot))
	h.router.GET("/v1/bots", h.withAuth(h.listBots))
	h.router.GET("/v1/bots/:bot_id", h.withAuth(h.getBot))
	h.router.PUT("/v1/bots/:bot_id", h.withAuth(h.updateBot))
	h.router.DELETE("/v1/bots/:bot_id", h.withAuth(h.deleteBot))
	h.router.GET("/v1/bots/:bot_id/instances", h.withAuth(h.listInstances))
	h.router.POST("/v1/bots/:bot_id/actions/:command_name", h.withAuth(h.submitAction))

	h.router.GET("/v1/tasks", h.withAuth(h.listTasks))
	h.router.GET("/v1/tasks/:task_id", h.withAuth(h.getTask))
	h.router.POST("/v1/tasks/:task_id/cancel", h.withAuth(h.cancelTask))

	h.router.POST("/v1/context/:session_id/:namespace", h.withAuth(h.upsertContext))
	h.router.GET("/v1/context/:session_id/:namespace", h.withAuth(h.getContext))
	h.router.DELETE("/v1/context/:session_id/:namespace", h.withAuth(h.deleteContext))

	h.router.GET("/v1/status", h.withAuth(h.status))
	return h, nil
}

// ServeHTTP implements http.Handler.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.router.ServeHTTP(w, r)
}

// withAuth wraps an admin handler with bearer token authentication.
func (h *Handler) withAuth(fn httplib.HandlerFunc) httprouter.Handle {
	return httplib.MakeHandler(func(w http.ResponseWriter, r *http.Request, p httprouter.Params) (any, error) {
		header := r.Header.Get("Authorization")
		token, ok := strings.CutPrefix(header, "Bearer ")
		if !ok || subtle.ConstantTimeCompare([]byte(token), []byte(h.cfg.AdminToken)) != 1 {
			return nil, trace.AccessDenied("invalid admin token")
		}
		return fn(w, r, p)
	})
}

func (h *Handler) healthz(w http.ResponseWriter, r *http.Request, _ httprouter.Params) (any, error) {
	return map[string]string{"status": "ok"}, nil
}

// connect upgrades the request to a websocket and runs the agent handshake.
func (h *Handler) connect(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.cfg.Logger.WarnContext(r.Context(), "Websocket upgrade failed", "error", err)
		return
	}
	stream, err := newWebsocketStream(conn)
	if err != nil {
		h.cfg.Logger.WarnContext(r.Context(), "Unsupported subprotocol",
			"subprotocol", conn.Subprotocol(), "error", err)
		conn.Close()
		return
	}
	if _, err := h.cfg.Controller.RegisterStream(r.Context(), stream); err != nil {
		h.cfg.Logger.InfoContext(r.Context(), "Agent connection rejected",
			"remote_addr", r.RemoteAddr, "error", err)
	}
}

type createBotRequest struct {
	Name          string            `json:"name"`
	Description   string            `json:"description"`
	AdapterType   string            `json:"adapter_type"`
	Capabilities  []string          `json:"capabilities"`
	Configuration map[string]string `json:"configuration"`
}

type createBotResponse struct {
	BotID string `json:"bot_id"`
	// OneTimeRegistrationToken is shown exactly once.
	OneTimeRegistrationToken string               `json:"one_time_registration_token"`
	CreatedAt                time.Time            `json:"created_at"`
	Bot                      *types.BotDefinition `json:"bot"`
}

func (h *Handler) createBot(w http.ResponseWriter, r *http.Request, _ httprouter.Params) (any, error) {
	var req createBotRequest
	if err := httplib.ReadJSON(r, &req); err != nil {
		return nil, trace.Wrap(err)
	}
	def, token, err := h.cfg.Auth.CreateBot(r.Context(), &types.BotDefinition{
		Name:          req.Name,
		Description:   req.Description,
		AdapterType:   req.AdapterType,
		Capabilities:  req.Capabilities,
		Configuration: req.Configuration,
	})
	if err != nil {
		return nil, trace.Wrap(err)
	}
	httplib.WriteJSON(w, http.StatusCreated, createBotResponse{
		BotID:                    def.BotID,
		OneTimeRegistrationToken: token,
		CreatedAt:                def.CreatedAt,
		Bot:                      def,
	})
	return nil, httplib.ErrResponseWritten
}

func (h *Handler) listBots(w http.ResponseWriter, r *http.Request, _ httprouter.Params) (any, error) {
	bots, err := h.cfg.Auth.ListBots(r.Context())
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return map[string]any{"bots": bots}, nil
}

func (h *Handler) getBot(w http.ResponseWriter, r *http.Request, p httprouter.Params) (any, error) {
	return h.cfg.Auth.GetBot(r.Context(), p.ByName("bot_id"))
}

func (h *Handler) updateBot(w http.ResponseWriter, r *http.Request, p httprouter.Params) (any, error) {
	var req createBotRequest
	if err := httplib.ReadJSON(r, &req); err != nil {
		return nil, trace.Wrap(err)
	}
	def, err := h.cfg.Auth.UpdateBot(r.Context(), &types.BotDefinition{
		BotID:         p.ByName("bot_id"),
		Name:          req.Name,
		Description:   req.Description,
		AdapterType:   req.AdapterType,
		Capabilities:  req.Capabilities,
		Configuration: req.Configuration,
	})
	return def, trace.Wrap(err)
}

func (h *Handler) deleteBot(w http.ResponseWriter, r *http.Request, p httprouter.Params) (any, error) {
	botID := p.ByName("bot_id")
	if err := h.cfg.Auth.DeleteBot(r.Context(), botID); err != nil {
		return nil, trace.Wrap(err)
	}
	w.WriteHeader(http.StatusNoContent)
	return nil, httplib.ErrResponseWritten
}

func (h *Handler) listInstances(w http.ResponseWriter, r *http.Request, p httprouter.Params) (any, error) {
	botID := p.ByName("bot_id")
	if _, err := h.cfg.Auth.GetBot(r.Context(), botID); err != nil {
		return nil, trace.Wrap(err)
	}
	return map[string]any{"instances": h.cfg.Registry.InstancesOf(botID)}, nil
}

// submitAction queues a command as an asynchronous task and points the
// caller at its status resource.
func (h *Handler) submitAction(w http.ResponseWriter, r *http.Request, p httprouter.Params) (any, error) {
	botID := p.ByName("bot_id")
	commandName := p.ByName("command_name")
	if _, err := h.cfg.Auth.GetBot(r.Context(), botID); err != nil {
		return nil, trace.Wrap(err)
	}

	var args json.RawMessage
	if r.ContentLength != 0 {
		if err := httplib.ReadJSON(r, &args); err != nil {
			return nil, trace.Wrap(err)
		}
	}
	task, err := h.cfg.Tasks.Submit(r.Context(), botID, commandName, args)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	w.Header().Set("Location", fmt.Sprintf("/v1/tasks/%s", task.TaskID))
	httplib.WriteJSON(w, http.StatusAccepted, task)
	return nil, httplib.ErrResponseWritten
}

func (h *Handler) getTask(w http.ResponseWriter, r *http.Request, p httprouter.Params) (any, error) {
	task, err := h.cfg.Tasks.Get(r.Context(), p.ByName("task_id"))
	if err != nil {
		return nil, trace.Wrap(err)
	}
	if !task.State.IsTerminal() {
		w.Header().Set("Retry-After", "1")
	}
	return task, nil
}

func (h *Handler) listTasks(w http.ResponseWriter, r *http.Request, _ httprouter.Params) (any, error) {
	state := types.TaskState(r.URL.Query().Get("state"))
	switch state {
	case "", types.TaskStatePending, types.TaskStateRunning, types.TaskStateCompleted,
		types.TaskStateFailed, types.TaskStateCancelled:
	default:
		return nil, trace.BadParameter("unknown task state %q", state)
	}
	list, err := h.cfg.Tasks.List(r.Context(), state)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return map[string]any{"tasks": list}, nil
}

func (h *Handler) cancelTask(w http.ResponseWriter, r *http.Request, p httprouter.Params) (any, error) {
	return h.cfg.Tasks.Cancel(r.Context(), p.ByName("task_id"))
}

type upsertContextRequest struct {
	Payload    json.RawMessage `json:"payload"`
	TTLSeconds int             `json:"ttlSeconds"`
}

func (h *Handler) upsertContext(w http.ResponseWriter, r *http.Request, p httprouter.Params) (any, error) {
	var req upsertContextRequest
	if err := httplib.ReadJSON(r, &req); err != nil {
		return nil, trace.Wrap(err)
	}
	doc, err := h.cfg.ContextStore.Upsert(r.Context(),
		p.ByName("session_id"), p.ByName("namespace"),
		req.Payload, time.Duration(req.TTLSeconds)*time.Second)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	httplib.WriteJSON(w, http.StatusCreated, doc)
	return nil, httplib.ErrResponseWritten
}

func (h *Handler) getContext(w http.ResponseWriter, r *http.Request, p httprouter.Params) (any, error) {
	return h.cfg.ContextStore.Get(r.Context(), p.ByName("session_id"), p.ByName("namespace"))
}

func (h *Handler) deleteContext(w http.ResponseWriter, r *http.Request, p httprouter.Params) (any, error) {
	err := h.cfg.ContextStore.Delete(r.Context(), p.ByName("session_id"), p.ByName("namespace"))
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return map[string]string{"status": "deleted"}, nil
}

func (h *Handler) status(w http.ResponseWriter, r *http.Request, _ httprouter.Params) (any, error) {
	bots, err := h.cfg.Auth.ListBots(r.Context())
	if err != nil {
		return nil, trace.Wrap(err)
	}
	taskList, err := h.cfg.Tasks.List(r.Context(), "")
	if err != nil {
		return nil, trace.Wrap(err)
	}
	taskCounts := map[string]int{}
	for _, task := range taskList {
		taskCounts[string(task.State)]++
	}
	return map[string]any{
		"bots":             len(bots),
		"active_instances": h.cfg.Registry.Len(),
		"tasks":            taskCounts,
		"uptime_sec":       int(h.cfg.Clock.Now().Sub(h.started) / time.Second),
	}, nil
}
