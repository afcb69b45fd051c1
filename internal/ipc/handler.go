package ipc

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/bmatcuk/doublestar/v4"

	"strokebind/internal/action"
	"strokebind/internal/actiondb"
	"strokebind/internal/history"
	"strokebind/internal/logging"
	"strokebind/internal/metrics"
	"strokebind/internal/resolve"
	"strokebind/internal/stroke"
	"strokebind/internal/token"
)

// Saver is the part of the periodic saver the handler reports on.
type Saver interface {
	SaveNow() error
	Healthy() bool
	Saves() uint64
	Path() string
}

// HistorySource returns recent resolution outcomes.
type HistorySource interface {
	Recent(limit int) ([]history.Entry, error)
}

// DaemonHandler serves control requests against the binding database.
type DaemonHandler struct {
	db      *actiondb.DB
	engine  *resolve.Engine
	saver   Saver
	history HistorySource
	keys    action.KeyResolver
	audit   *logging.AuditLogger
	metrics *metrics.Daemon
	logger  *logging.Logger

	version   string
	startedAt time.Time

	// Clients reports the number of connected clients, if set.
	Clients func() int
}

// DaemonHandlerConfig configures the daemon handler. History, Keys, Audit and
// Metrics are optional.
type DaemonHandlerConfig struct {
	DB      *actiondb.DB
	Engine  *resolve.Engine
	Saver   Saver
	History HistorySource
	Keys    action.KeyResolver
	Audit   *logging.AuditLogger
	Metrics *metrics.Daemon
	Logger  *logging.Logger
	Version string
}

// NewDaemonHandler creates a new daemon handler
func NewDaemonHandler(cfg DaemonHandlerConfig) *DaemonHandler {
	logger := cfg.Logger
	if logger == nil {
		logger = logging.Default()
	}
	return &DaemonHandler{
		db:        cfg.DB,
		engine:    cfg.Engine,
		saver:     cfg.Saver,
		history:   cfg.History,
		keys:      cfg.Keys,
		audit:     cfg.Audit,
		metrics:   cfg.Metrics,
		logger:    logger.WithComponent("control"),
		version:   cfg.Version,
		startedAt: time.Now(),
	}
}

// requestError carries an error code to the client.
type requestError struct {
	code int
	msg  string
}

func (e *requestError) Error() string { return e.msg }

func invalid(format string, args ...any) error {
	return &requestError{code: ErrInvalidRequest, msg: fmt.Sprintf(format, args...)}
}

func notFound(format string, args ...any) error {
	return &requestError{code: ErrNotFound, msg: fmt.Sprintf(format, args...)}
}

// errorMessage maps err onto an error response.
func errorMessage(requestID uint32, err error) *Message {
	var re *requestError
	switch {
	case errors.As(err, &re):
		return NewErrorMessage(requestID, re.code, re.msg)
	case errors.Is(err, actiondb.ErrNotFound):
		return NewErrorMessage(requestID, ErrNotFound, err.Error())
	case errors.Is(err, actiondb.ErrReservedToken), errors.Is(err, token.ErrInvalid):
		return NewErrorMessage(requestID, ErrInvalidRequest, err.Error())
	}
	return NewErrorMessage(requestID, ErrInternalError, err.Error())
}

// HandleMessage processes an IPC message
func (h *DaemonHandler) HandleMessage(ctx context.Context, client *Client, msg *Message) (*Message, error) {
	var (
		respType MessageType
		resp     any
		err      error
	)

	switch msg.Header.Type {
	case MsgStatusRequest:
		respType, resp = MsgStatusResponse, h.status()
	case MsgResolve:
		respType = MsgResolveResp
		resp, err = h.resolve(msg)
	case MsgList:
		respType = MsgListResp
		resp, err = h.list(msg)
	case MsgAdd:
		respType = MsgAddResp
		resp, err = h.add(ctx, msg)
	case MsgDelete:
		respType = MsgDeleteResp
		resp, err = h.delete(ctx, msg)
	case MsgReset:
		respType = MsgResetResp
		resp, err = h.reset(ctx, msg)
	case MsgRename:
		respType = MsgRenameResp
		resp, err = h.rename(ctx, msg)
	case MsgOverride:
		respType = MsgOverrideResp
		resp, err = h.override(ctx, msg)
	case MsgAddStroke:
		respType = MsgAddStrokeResp
		resp, err = h.addStroke(ctx, msg)
	case MsgScopes:
		respType, resp = MsgScopesResp, h.scopes()
	case MsgAddScope:
		respType = MsgAddScopeResp
		resp, err = h.addScope(ctx, msg)
	case MsgRemoveScope:
		respType = MsgRemoveScopeResp
		resp, err = h.removeScope(ctx, msg)
	case MsgEditScope:
		respType = MsgEditScopeResp
		resp, err = h.editScope(ctx, msg)
	case MsgSaveNow:
		respType = MsgSaveNowResp
		resp, err = h.saveNow(ctx)
	case MsgHistory:
		respType = MsgHistoryResp
		resp, err = h.recent(msg)
	case MsgMetrics:
		respType = MsgMetricsResp
		resp, err = h.exposition()
	default:
		return NewErrorMessage(msg.Header.RequestID, ErrInvalidRequest,
			fmt.Sprintf("unknown message type: %s", msg.Header.Type)), nil
	}

	if err != nil {
		h.logger.WithContext(ctx).Debug("request failed", "type", msg.Header.Type, "error", err)
		return errorMessage(msg.Header.RequestID, err), nil
	}
	return NewResponse(respType, msg.Header.RequestID, resp)
}

func decodeRequest(msg *Message, v any) error {
	if err := Decode(msg.Payload, v); err != nil {
		return invalid("malformed %s request: %v", msg.Header.Type, err)
	}
	return nil
}

func parseToken(s string) (token.Token, error) {
	t, err := token.Parse(s)
	if err != nil || !t.Storable() {
		return token.Zero, invalid("bad token %q", s)
	}
	return t, nil
}

// scope returns the named scope. It must be called inside View or Update.
func (h *DaemonHandler) scope(name string) (*actiondb.Node, error) {
	n := h.db.Scope(name)
	if n == nil {
		return nil, notFound("no scope named %q", name)
	}
	return n, nil
}

// edited journals an edit attempt and counts it.
func (h *DaemonHandler) edited(ctx context.Context, kind logging.AuditEventType, scope, tok, name string, err error) {
	h.metrics.ObserveEdit(string(kind), err)
	if aerr := h.audit.LogEdit(ctx, kind, scope, tok, name, err); aerr != nil {
		h.logger.Warn("couldn't write audit journal", "error", aerr)
	}
}

func (h *DaemonHandler) status() *StatusResponse {
	resp := &StatusResponse{
		Version:        h.version,
		StartedAt:      h.startedAt,
		Uptime:         time.Since(h.startedAt),
		Dirty:          h.db.Dirty(),
		Apps:           h.db.Apps(),
		HistoryEnabled: h.history != nil,
	}
	if h.saver != nil {
		resp.ActionsPath = h.saver.Path()
		resp.Healthy = h.saver.Healthy()
		resp.Saves = h.saver.Saves()
	}
	if h.Clients != nil {
		resp.Clients = h.Clients()
	}
	_ = h.db.View(func(root *actiondb.Node) error {
		_ = root.Walk(func(*actiondb.Node) error {
			resp.Scopes++
			return nil
		})
		resp.Bindings = len(root.Tokens())
		return nil
	})
	return resp
}

func (h *DaemonHandler) resolve(msg *Message) (*ResolveResponse, error) {
	var req ResolveRequest
	if err := decodeRequest(msg, &req); err != nil {
		return nil, err
	}
	if !req.Stroke.Valid() {
		return nil, invalid("stroke has no points")
	}
	if h.engine == nil {
		return nil, &requestError{code: ErrUnavailable, msg: "resolution is not available"}
	}

	start := time.Now()
	o := h.engine.ResolveForApp(h.db, req.Class, req.Stroke, req.Button)
	result := "matched"
	if o.ID.IsSentinel() {
		result = o.ID.String()
	}
	h.metrics.ObserveResolution(result, o.Score, time.Since(start))
	resp := &ResolveResponse{
		Matched: o.Matched,
		Token:   o.ID.String(),
		Name:    o.Name,
		Action:  o.Action.Label(),
		Score:   o.Score,
		Scope:   o.Scope,
	}
	for _, c := range o.Ranking {
		resp.Ranking = append(resp.Ranking, RankedCandidate{
			Score: c.Score, Match: c.Match, Token: c.ID.String(), Name: c.Name,
		})
	}
	return resp, nil
}

func (h *DaemonHandler) list(msg *Message) (*ListResponse, error) {
	var req ListRequest
	if err := decodeRequest(msg, &req); err != nil {
		return nil, err
	}

	var resp *ListResponse
	err := h.db.View(func(*actiondb.Node) error {
		n, err := h.scope(req.Scope)
		if err != nil {
			return err
		}
		resp = &ListResponse{Scope: n.Name, App: n.App, Bindings: []BindingInfo{}}
		for _, t := range n.Tokens() {
			b, _ := n.Info(t)
			resp.Bindings = append(resp.Bindings, BindingInfo{
				Token:   t.String(),
				Name:    b.Name,
				Action:  b.Action,
				Label:   b.Action.Label(),
				Strokes: b.Strokes.Len(),
				Status:  n.Status(t).String(),
			})
		}
		for _, t := range n.Deleted() {
			resp.Deleted = append(resp.Deleted, t.String())
		}
		return nil
	})
	return resp, err
}

func (h *DaemonHandler) add(ctx context.Context, msg *Message) (*AddResponse, error) {
	var req AddRequest
	if err := decodeRequest(msg, &req); err != nil {
		return nil, err
	}
	if req.Name == "" {
		return nil, invalid("binding needs a name")
	}
	if req.Action == nil {
		return nil, invalid("binding needs an action")
	}
	for _, s := range req.Strokes {
		if !s.Valid() {
			return nil, invalid("stroke has no points")
		}
	}
	if err := req.Action.Refresh(h.keys); err != nil {
		h.logger.Warn("unresolved key binding", "name", req.Name, "error", err)
	}

	var t token.Token
	err := h.db.Update(func(*actiondb.Node) error {
		n, err := h.scope(req.Scope)
		if err != nil {
			return err
		}
		t = n.Add(&actiondb.Binding{
			Name:    req.Name,
			Action:  req.Action,
			Strokes: stroke.NewSet(req.Strokes...),
		})
		return nil
	})
	h.edited(ctx, logging.AuditEventAdd, req.Scope, t.String(), req.Name, err)
	if err != nil {
		return nil, err
	}
	return &AddResponse{Token: t.String()}, nil
}

func (h *DaemonHandler) delete(ctx context.Context, msg *Message) (*ChangedResponse, error) {
	var req TokenRequest
	if err := decodeRequest(msg, &req); err != nil {
		return nil, err
	}
	t, err := parseToken(req.Token)
	if err != nil {
		return nil, err
	}

	var changed bool
	err = h.db.Update(func(*actiondb.Node) error {
		n, err := h.scope(req.Scope)
		if err != nil {
			return err
		}
		changed = n.Delete(t)
		return nil
	})
	h.edited(ctx, logging.AuditEventDelete, req.Scope, req.Token, "", err)
	if err != nil {
		return nil, err
	}
	return &ChangedResponse{Changed: changed}, nil
}

func (h *DaemonHandler) reset(ctx context.Context, msg *Message) (*ChangedResponse, error) {
	var req TokenRequest
	if err := decodeRequest(msg, &req); err != nil {
		return nil, err
	}
	t, err := parseToken(req.Token)
	if err != nil {
		return nil, err
	}

	var changed bool
	err = h.db.Update(func(*actiondb.Node) error {
		n, err := h.scope(req.Scope)
		if err != nil {
			return err
		}
		changed = n.Reset(t)
		return nil
	})
	h.edited(ctx, logging.AuditEventReset, req.Scope, req.Token, "", err)
	if err != nil {
		return nil, err
	}
	return &ChangedResponse{Changed: changed}, nil
}

func (h *DaemonHandler) rename(ctx context.Context, msg *Message) (*ChangedResponse, error) {
	var req RenameRequest
	if err := decodeRequest(msg, &req); err != nil {
		return nil, err
	}
	if req.Name == "" {
		return nil, invalid("name must not be empty")
	}
	t, err := parseToken(req.Token)
	if err != nil {
		return nil, err
	}

	err = h.db.Update(func(*actiondb.Node) error {
		n, err := h.scope(req.Scope)
		if err != nil {
			return err
		}
		return n.SetName(t, req.Name)
	})
	h.edited(ctx, logging.AuditEventRename, req.Scope, req.Token, req.Name, err)
	if err != nil {
		return nil, err
	}
	return &ChangedResponse{Changed: true}, nil
}

func (h *DaemonHandler) override(ctx context.Context, msg *Message) (*ChangedResponse, error) {
	var req OverrideRequest
	if err := decodeRequest(msg, &req); err != nil {
		return nil, err
	}
	if req.Name == "" && req.Action == nil && len(req.Strokes) == 0 {
		return nil, invalid("override needs a name, an action or strokes")
	}
	for _, s := range req.Strokes {
		if !s.Valid() {
			return nil, invalid("stroke has no points")
		}
	}
	t, err := parseToken(req.Token)
	if err != nil {
		return nil, err
	}
	if req.Action != nil {
		if err := req.Action.Refresh(h.keys); err != nil {
			h.logger.Warn("unresolved key binding", "token", req.Token, "error", err)
		}
	}

	err = h.db.Update(func(*actiondb.Node) error {
		n, err := h.scope(req.Scope)
		if err != nil {
			return err
		}
		if !n.Contains(t) {
			// A binding deleted here but still inherited is brought back
			// with the requested fields applied.
			p := n.Parent()
			if p == nil || !p.Contains(t) {
				return fmt.Errorf("%w: %s in %s", actiondb.ErrNotFound, t, n.Name)
			}
			b, _ := p.Info(t)
			if req.Name != "" {
				b.Name = req.Name
			}
			if req.Action != nil {
				b.Action = req.Action
			}
			if len(req.Strokes) > 0 {
				b.Strokes = stroke.NewSet(req.Strokes...)
			}
			return n.Set(t, b)
		}
		if req.Name != "" {
			if err := n.SetName(t, req.Name); err != nil {
				return err
			}
		}
		if req.Action != nil {
			if err := n.SetAction(t, req.Action); err != nil {
				return err
			}
		}
		if len(req.Strokes) > 0 {
			return n.SetStrokes(t, stroke.NewSet(req.Strokes...))
		}
		return nil
	})
	h.edited(ctx, logging.AuditEventOverride, req.Scope, req.Token, req.Name, err)
	if err != nil {
		return nil, err
	}
	return &ChangedResponse{Changed: true}, nil
}

func (h *DaemonHandler) addStroke(ctx context.Context, msg *Message) (*ChangedResponse, error) {
	var req AddStrokeRequest
	if err := decodeRequest(msg, &req); err != nil {
		return nil, err
	}
	if !req.Stroke.Valid() {
		return nil, invalid("stroke has no points")
	}
	t, err := parseToken(req.Token)
	if err != nil {
		return nil, err
	}

	err = h.db.Update(func(*actiondb.Node) error {
		n, err := h.scope(req.Scope)
		if err != nil {
			return err
		}
		return n.AddStroke(t, req.Stroke)
	})
	h.edited(ctx, logging.AuditEventAddStroke, req.Scope, req.Token, "", err)
	if err != nil {
		return nil, err
	}
	return &ChangedResponse{Changed: true}, nil
}

func (h *DaemonHandler) scopes() *ScopesResponse {
	resp := &ScopesResponse{}
	_ = h.db.View(func(root *actiondb.Node) error {
		return root.Walk(func(n *actiondb.Node) error {
			info := ScopeInfo{
				Name:  n.Name,
				App:   n.App,
				Depth: len(n.Path()) - 1,
				Local: len(n.Local()),
			}
			if p := n.Parent(); p != nil {
				info.Parent = p.Name
			}
			resp.Scopes = append(resp.Scopes, info)
			return nil
		})
	})
	return resp
}

func (h *DaemonHandler) addScope(ctx context.Context, msg *Message) (*ScopeInfo, error) {
	var req AddScopeRequest
	if err := decodeRequest(msg, &req); err != nil {
		return nil, err
	}
	if req.Name == "" || req.Name == actiondb.DefaultName {
		return nil, invalid("invalid scope name %q", req.Name)
	}
	if req.App != "" && !doublestar.ValidatePattern(req.App) {
		return nil, invalid("invalid window class pattern %q", req.App)
	}

	var info *ScopeInfo
	err := h.db.Update(func(root *actiondb.Node) error {
		if root.Find(req.Name) != nil {
			return invalid("scope %q already exists", req.Name)
		}
		parent, err := h.scope(req.Parent)
		if err != nil {
			return err
		}
		c := parent.AddChild(req.Name, req.App)
		info = &ScopeInfo{Name: c.Name, App: c.App, Parent: parent.Name, Depth: len(c.Path()) - 1}
		return nil
	})
	h.edited(ctx, logging.AuditEventAddScope, req.Parent, "", req.Name, err)
	if err != nil {
		return nil, err
	}
	return info, nil
}

func (h *DaemonHandler) removeScope(ctx context.Context, msg *Message) (*ChangedResponse, error) {
	var req RemoveScopeRequest
	if err := decodeRequest(msg, &req); err != nil {
		return nil, err
	}

	err := h.db.Update(func(root *actiondb.Node) error {
		n, err := h.scope(req.Name)
		if err != nil {
			return err
		}
		if n == root {
			return invalid("the %s scope cannot be removed", actiondb.DefaultName)
		}
		return n.Parent().RemoveChild(n)
	})
	h.edited(ctx, logging.AuditEventRemoveScope, "", "", req.Name, err)
	if err != nil {
		return nil, err
	}
	return &ChangedResponse{Changed: true}, nil
}

func (h *DaemonHandler) editScope(ctx context.Context, msg *Message) (*ScopeInfo, error) {
	var req EditScopeRequest
	if err := decodeRequest(msg, &req); err != nil {
		return nil, err
	}
	if req.Rename == actiondb.DefaultName {
		return nil, invalid("invalid scope name %q", req.Rename)
	}
	if req.App != nil && *req.App != "" && !doublestar.ValidatePattern(*req.App) {
		return nil, invalid("invalid window class pattern %q", *req.App)
	}

	var info *ScopeInfo
	err := h.db.Update(func(root *actiondb.Node) error {
		n, err := h.scope(req.Name)
		if err != nil {
			return err
		}
		if n == root {
			return invalid("the %s scope cannot be edited", actiondb.DefaultName)
		}
		if req.Rename != "" && req.Rename != n.Name {
			if root.Find(req.Rename) != nil {
				return invalid("scope %q already exists", req.Rename)
			}
			n.Rename(req.Rename)
		}
		if req.App != nil {
			n.SetApp(*req.App)
		}
		info = &ScopeInfo{Name: n.Name, App: n.App, Parent: n.Parent().Name, Depth: len(n.Path()) - 1}
		return nil
	})
	h.edited(ctx, logging.AuditEventEditScope, "", "", req.Name, err)
	if err != nil {
		return nil, err
	}
	return info, nil
}

func (h *DaemonHandler) saveNow(ctx context.Context) (*SaveNowResponse, error) {
	if h.saver == nil {
		return nil, &requestError{code: ErrUnavailable, msg: "saving is not available"}
	}
	err := h.saver.SaveNow()
	h.edited(ctx, logging.AuditEventSave, "", "", "", err)
	if err != nil {
		return nil, fmt.Errorf("save: %w", err)
	}
	return &SaveNowResponse{Path: h.saver.Path(), Saves: h.saver.Saves()}, nil
}

func (h *DaemonHandler) recent(msg *Message) (*HistoryResponse, error) {
	var req HistoryRequest
	if err := decodeRequest(msg, &req); err != nil {
		return nil, err
	}
	if h.history == nil {
		return nil, &requestError{code: ErrUnavailable, msg: "history is disabled"}
	}

	entries, err := h.history.Recent(req.Limit)
	if err != nil {
		return nil, err
	}
	resp := &HistoryResponse{Entries: []HistoryEntry{}}
	for _, e := range entries {
		he := HistoryEntry{
			At:      e.At,
			Scope:   e.Scope,
			Matched: e.Matched,
			Token:   e.Token.String(),
			Name:    e.Name,
			Score:   e.Score,
		}
		for _, r := range e.Ranking {
			he.Ranking = append(he.Ranking, RankedCandidate{Score: r.Score, Match: r.Exact, Name: r.Name})
		}
		resp.Entries = append(resp.Entries, he)
	}
	return resp, nil
}

func (h *DaemonHandler) exposition() (*MetricsResponse, error) {
	if h.metrics == nil {
		return nil, &requestError{code: ErrUnavailable, msg: "metrics are disabled"}
	}
	st := h.status()
	m := h.metrics
	m.Scopes.Set(int64(st.Scopes))
	m.Bindings.Set(int64(st.Bindings))
	m.Clients.Set(int64(st.Clients))
	m.Saves.Set(int64(st.Saves))
	healthy := int64(0)
	if st.Healthy {
		healthy = 1
	}
	m.SaveHealthy.Set(healthy)
	m.Uptime()

	var b strings.Builder
	if err := m.Registry().WritePrometheus(&b); err != nil {
		return nil, err
	}
	return &MetricsResponse{Text: b.String()}, nil
}
