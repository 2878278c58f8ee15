// Package api serves the resolver over HTTP.
//
// POST /v1/load runs a root query in the request's unit of work and walks the
// requested association paths level by level, so each level costs one bulk
// fetch per association and chunk no matter how many owners it has.
package api

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"

	"lazybatch/internal/logging"
	"lazybatch/internal/resolver"
	"lazybatch/internal/schema"
)

// DefaultMaxBodyBytes caps the size of a load request body.
const DefaultMaxBodyBytes = 1 << 20

// Config holds request limits.
type Config struct {
	DefaultLimit int
	MaxLimit     int
	MaxBodyBytes int64
}

// Handler serves the load and schema endpoints.
type Handler struct {
	engine *resolver.Engine
	cfg    Config
}

// NewHandler creates a handler over engine.
func NewHandler(engine *resolver.Engine, cfg Config) *Handler {
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = DefaultMaxBodyBytes
	}
	return &Handler{engine: engine, cfg: cfg}
}

// LoadResponse is the body of a successful load.
type LoadResponse struct {
	Data    []map[string]any `json:"data"`
	Metrics resolver.Metrics `json:"metrics"`
}

// Load handles POST /v1/load. It uses the unit of work placed in the request
// context by middleware.UnitOfWorkMiddleware and opens its own otherwise.
func (h *Handler) Load(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		writeJSON(w, http.StatusMethodNotAllowed, errorBody{Error: "method not allowed"})
		return
	}

	var req LoadRequest
	dec := json.NewDecoder(io.LimitReader(r.Body, h.cfg.MaxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		h.writeError(w, r, badRequest("invalid request body: %v", err))
		return
	}

	ctx := r.Context()
	u, ok := resolver.FromContext(ctx)
	if !ok {
		u = h.engine.NewUnitOfWork(
			resolver.WithID(logging.GetRequestID(ctx)),
			resolver.WithLogger(logging.FromContext(ctx)),
		)
	}
	defer u.Complete()

	plan, err := h.compile(req)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	data, err := h.load(ctx, u, plan)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, LoadResponse{Data: data, Metrics: u.Complete()})
}

// resolved maps each include node to the targets of every owner it was
// resolved for.
type resolved map[*includeNode]map[schema.EntityRef][]*schema.Entity

func (h *Handler) load(ctx context.Context, u *resolver.UnitOfWork, plan *loadPlan) ([]map[string]any, error) {
	roots, err := u.Load(ctx, plan.root, plan.entries...)
	if err != nil {
		return nil, err
	}
	results := make(resolved)
	if err := resolveLevel(ctx, u, roots, plan.tree.children, plan.width, results); err != nil {
		return nil, err
	}
	data := make([]map[string]any, len(roots))
	for i, root := range roots {
		data[i] = render(root, plan.tree.children, results)
	}
	return data, nil
}

// resolveLevel accesses every node for every owner before reading any of
// them, so all owners of a level share one pending batch per association.
func resolveLevel(ctx context.Context, u *resolver.UnitOfWork, owners []*schema.Entity, nodes []*includeNode, width int, results resolved) error {
	if len(owners) == 0 || len(nodes) == 0 {
		return nil
	}
	placeholders := make([][]*resolver.Placeholder, len(nodes))
	for i, node := range nodes {
		placeholders[i] = make([]*resolver.Placeholder, len(owners))
		for j, owner := range owners {
			p, err := u.AccessWidth(owner, node.assoc.Name, width)
			if err != nil {
				return err
			}
			placeholders[i][j] = p
		}
	}

	for i, node := range nodes {
		byOwner := results[node]
		if byOwner == nil {
			byOwner = make(map[schema.EntityRef][]*schema.Entity, len(owners))
			results[node] = byOwner
		}
		var next []*schema.Entity
		seen := make(map[schema.EntityRef]struct{})
		for _, p := range placeholders[i] {
			children, err := p.Get(ctx)
			if err != nil {
				return err
			}
			byOwner[p.Owner().Ref] = children
			for _, child := range children {
				if _, dup := seen[child.Ref]; dup {
					continue
				}
				seen[child.Ref] = struct{}{}
				next = append(next, child)
			}
		}
		if err := resolveLevel(ctx, u, next, node.children, width, results); err != nil {
			return err
		}
	}
	return nil
}

func render(e *schema.Entity, nodes []*includeNode, results resolved) map[string]any {
	out := make(map[string]any, len(e.Fields)+len(nodes))
	for k, v := range e.Fields {
		out[k] = v
	}
	for _, node := range nodes {
		children := results[node][e.Ref]
		if node.assoc.Cardinality == schema.One {
			if len(children) == 0 {
				out[node.assoc.Name] = nil
			} else {
				out[node.assoc.Name] = render(children[0], node.children, results)
			}
			continue
		}
		list := make([]map[string]any, len(children))
		for i, child := range children {
			list[i] = render(child, node.children, results)
		}
		out[node.assoc.Name] = list
	}
	return out
}

// SchemaResponse describes the registered types.
type SchemaResponse struct {
	Types []TypeInfo `json:"types"`
}

// TypeInfo describes one type and its associations.
type TypeInfo struct {
	Name         string            `json:"name"`
	Table        string            `json:"table"`
	PrimaryKey   []string          `json:"primary_key"`
	Columns      []string          `json:"columns"`
	Associations []AssociationInfo `json:"associations"`
}

// AssociationInfo describes one association.
type AssociationInfo struct {
	Name          string   `json:"name"`
	Target        string   `json:"target"`
	Cardinality   string   `json:"cardinality"`
	Direction     string   `json:"direction"`
	LocalColumns  []string `json:"local_columns"`
	RemoteColumns []string `json:"remote_columns"`
}

// Schema handles GET /v1/schema.
func (h *Handler) Schema(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		w.Header().Set("Allow", "GET, HEAD")
		writeJSON(w, http.StatusMethodNotAllowed, errorBody{Error: "method not allowed"})
		return
	}
	reg := h.engine.Registry()
	resp := SchemaResponse{Types: []TypeInfo{}}
	for _, t := range reg.Types() {
		info := TypeInfo{
			Name:         t.Name,
			Table:        t.Table,
			PrimaryKey:   t.PrimaryKey,
			Columns:      t.Columns,
			Associations: []AssociationInfo{},
		}
		for _, a := range reg.Associations(t.Name) {
			info.Associations = append(info.Associations, AssociationInfo{
				Name:          a.Name,
				Target:        a.Target,
				Cardinality:   a.Cardinality.String(),
				Direction:     a.Direction.String(),
				LocalColumns:  a.LocalColumns,
				RemoteColumns: a.RemoteColumns,
			})
		}
		resp.Types = append(resp.Types, info)
	}
	writeJSON(w, http.StatusOK, resp)
}

// Routes registers the API endpoints on mux.
func (h *Handler) Routes(mux *http.ServeMux) {
	mux.HandleFunc("/v1/load", h.Load)
	mux.HandleFunc("/v1/schema", h.Schema)
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		slog.Default().Debug("failed to write response", slog.String("error", err.Error()))
	}
}
