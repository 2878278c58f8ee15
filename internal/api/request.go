package api

import (
	"fmt"
	"math"
	"strings"

	"lazybatch/internal/fetchplan"
	"lazybatch/internal/planner"
	"lazybatch/internal/resolver"
	"lazybatch/internal/schema"
)

// LoadRequest is the body of POST /v1/load.
type LoadRequest struct {
	Type       string         `json:"type"`
	Where      map[string]any `json:"where,omitempty"`
	OrderBy    []OrderBy      `json:"order_by,omitempty"`
	Limit      int            `json:"limit,omitempty"`
	Offset     int            `json:"offset,omitempty"`
	Include    []Include      `json:"include,omitempty"`
	BatchWidth int            `json:"batch_width,omitempty"`
}

// OrderBy is one ordering term of the root query.
type OrderBy struct {
	Column string `json:"column"`
	Desc   bool   `json:"desc,omitempty"`
}

// Include names an association path to load, such as "books" or
// "books.reviews". Mode applies to the first segment only; deeper segments
// are always batched lazily. An empty mode means lazy_batch, except on a
// nested path, where the first segment keeps the mode given to it by
// another include.
type Include struct {
	Path string `json:"path"`
	Mode string `json:"mode,omitempty"`
}

// requestError is a client error that is safe to echo back.
type requestError struct {
	msg string
}

func (e *requestError) Error() string {
	return e.msg
}

func badRequest(format string, args ...any) error {
	return &requestError{msg: fmt.Sprintf(format, args...)}
}

// includeNode is one association in the include tree.
type includeNode struct {
	assoc    *schema.Association
	children []*includeNode
}

func (n *includeNode) child(assoc *schema.Association) *includeNode {
	for _, c := range n.children {
		if c.assoc.Name == assoc.Name {
			return c
		}
	}
	c := &includeNode{assoc: assoc}
	n.children = append(n.children, c)
	return c
}

// loadPlan is a validated LoadRequest.
type loadPlan struct {
	root    planner.RootQuery
	entries []fetchplan.Entry
	tree    *includeNode
	width   int
}

func (h *Handler) compile(req LoadRequest) (*loadPlan, error) {
	reg := h.engine.Registry()
	rootType, err := reg.Type(req.Type)
	if err != nil {
		return nil, fmt.Errorf("root %q: %w", req.Type, err)
	}

	limit := req.Limit
	if limit == 0 {
		limit = h.cfg.DefaultLimit
	}
	if limit < 0 || req.Offset < 0 {
		return nil, badRequest("limit and offset must be non-negative")
	}
	if h.cfg.MaxLimit > 0 && limit > h.cfg.MaxLimit {
		return nil, badRequest("limit %d exceeds the maximum of %d", limit, h.cfg.MaxLimit)
	}
	if req.BatchWidth < 0 {
		return nil, badRequest("batch_width must be non-negative")
	}
	if maxWidth := h.engine.MaxBatchWidth(); maxWidth > 0 && req.BatchWidth > maxWidth {
		return nil, badRequest("batch_width %d exceeds the maximum of %d", req.BatchWidth, maxWidth)
	}

	where := make(map[string]any, len(req.Where))
	for col, value := range req.Where {
		if !rootType.HasColumn(col) {
			return nil, badRequest("unknown filter column %q on %s", col, rootType.Name)
		}
		if _, isObject := value.(map[string]any); isObject {
			return nil, badRequest("filter on %q must be a scalar or a list", col)
		}
		where[col] = normalizeValue(value)
	}
	orderBy := make([]planner.OrderBy, 0, len(req.OrderBy))
	for _, ob := range req.OrderBy {
		if !rootType.HasColumn(ob.Column) {
			return nil, badRequest("unknown order column %q on %s", ob.Column, rootType.Name)
		}
		orderBy = append(orderBy, planner.OrderBy{Column: ob.Column, Desc: ob.Desc})
	}

	plan := &loadPlan{
		root: planner.RootQuery{
			Type:    rootType.Name,
			Where:   where,
			OrderBy: orderBy,
			Limit:   limit,
			Offset:  req.Offset,
		},
		tree:  &includeNode{},
		width: req.BatchWidth,
	}
	for _, inc := range req.Include {
		segments := strings.Split(strings.TrimSpace(inc.Path), ".")
		mode := fetchplan.LazyBatch
		if inc.Mode != "" {
			if mode, err = fetchplan.ParseMode(inc.Mode); err != nil {
				return nil, badRequest("include %q: %v", inc.Path, err)
			}
		}
		// An unmarked nested path inherits whatever mode its first segment
		// gets elsewhere in the request.
		if inc.Mode != "" || len(segments) == 1 {
			plan.entries = append(plan.entries, fetchplan.Entry{Association: segments[0], Mode: mode})
		}

		node := plan.tree
		owner := rootType.Name
		for _, name := range segments {
			if name == "" {
				return nil, badRequest("include path %q has an empty segment", inc.Path)
			}
			assoc, ok := reg.Association(owner, name)
			if !ok {
				return nil, fmt.Errorf("include %q: %w: %s.%s", inc.Path, resolver.ErrUnknownAssociation, owner, name)
			}
			node = node.child(assoc)
			owner = assoc.Target
		}
	}
	return plan, nil
}

// normalizeValue turns integral JSON numbers into int64 so filters bind the
// same way as scanned keys.
func normalizeValue(v any) any {
	switch n := v.(type) {
	case float64:
		if n == math.Trunc(n) && math.Abs(n) < 1<<53 {
			return int64(n)
		}
	case []any:
		out := make([]any, len(n))
		for i, item := range n {
			out[i] = normalizeValue(item)
		}
		return out
	}
	return v
}
