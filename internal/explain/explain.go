// Package explain runs EXPLAIN on bulk association queries and flags plans
// that scan a whole table, which means the index the IN lookup needs is
// missing.
package explain

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"sync"

	"lazybatch/internal/dbexec"
	"lazybatch/internal/logging"
	"lazybatch/internal/planner"
)

// Result summarizes a query plan.
type Result struct {
	Backend       string   `json:"backend"`
	PlanSummary   string   `json:"plan_summary"`
	EstimatedRows int      `json:"estimated_rows"`
	FullScan      bool     `json:"full_scan"`
	ScannedTables []string `json:"scanned_tables,omitempty"`
}

// Analyzer explains each distinct query shape at most once.
type Analyzer struct {
	exec   dbexec.QueryExecutor
	logger *logging.Logger

	mu   sync.Mutex
	seen map[string]*Result
}

// NewAnalyzer creates an analyzer. A nil logger discards warnings.
func NewAnalyzer(exec dbexec.QueryExecutor, logger *logging.Logger) *Analyzer {
	if logger == nil {
		logger = logging.Discard()
	}
	return &Analyzer{exec: exec, logger: logger, seen: make(map[string]*Result)}
}

// Check explains q unless its shape was already explained, and logs a
// warning when the plan scans a full table. Failures to explain are logged
// and never affect the caller's query.
func (a *Analyzer) Check(ctx context.Context, q planner.SQLQuery) *Result {
	shape := Shape(q.SQL)

	a.mu.Lock()
	if res, ok := a.seen[shape]; ok {
		a.mu.Unlock()
		return res
	}
	// Reserve the shape so concurrent callers do not explain it twice.
	a.seen[shape] = nil
	a.mu.Unlock()

	res, err := a.Explain(ctx, q)
	if err != nil {
		a.logger.Debug("explain failed", slog.String("error", err.Error()), slog.String("query", shape))
		return nil
	}

	a.mu.Lock()
	a.seen[shape] = res
	a.mu.Unlock()

	if res.FullScan {
		a.logger.Warn("bulk association query scans a full table; add an index on the join columns",
			slog.String("backend", res.Backend),
			slog.String("tables", strings.Join(res.ScannedTables, ",")),
			slog.Int("estimated_rows", res.EstimatedRows),
			slog.String("query", shape),
		)
	}
	return res
}

// Explain runs EXPLAIN for q and summarizes the plan.
func (a *Analyzer) Explain(ctx context.Context, q planner.SQLQuery) (*Result, error) {
	rows, err := a.exec.QueryContext(ctx, "EXPLAIN "+q.SQL, q.Args...)
	if err != nil {
		return nil, fmt.Errorf("explain: %w", err)
	}
	defer rows.Close()

	planRows, err := dbexec.ScanMaps(rows)
	if err != nil {
		return nil, fmt.Errorf("explain: %w", err)
	}
	return Summarize(planRows)
}

// Summarize interprets EXPLAIN output from MySQL, TiDB or PostgreSQL.
func Summarize(planRows []map[string]any) (*Result, error) {
	if len(planRows) == 0 {
		return nil, fmt.Errorf("explain returned no rows")
	}
	first := planRows[0]
	switch {
	case has(first, "estRows"):
		return summarizeTiDB(planRows), nil
	case has(first, "type") && has(first, "table"):
		return summarizeMySQL(planRows), nil
	case has(first, "QUERY PLAN"):
		return summarizePostgres(planRows), nil
	default:
		return nil, fmt.Errorf("unrecognized explain output")
	}
}

func summarizeMySQL(planRows []map[string]any) *Result {
	res := &Result{Backend: "mysql"}
	parts := make([]string, 0, len(planRows))
	for _, row := range planRows {
		table := toString(row["table"])
		access := toString(row["type"])
		parts = append(parts, fmt.Sprintf("%s:%s", table, access))
		res.EstimatedRows += toInt(row["rows"])
		if strings.EqualFold(access, "ALL") {
			res.FullScan = true
			res.ScannedTables = appendUnique(res.ScannedTables, table)
		}
	}
	res.PlanSummary = strings.Join(parts, " ")
	return res
}

func summarizeTiDB(planRows []map[string]any) *Result {
	res := &Result{Backend: "tidb"}
	parts := make([]string, 0, len(planRows))
	for i, row := range planRows {
		op := strings.TrimLeft(toString(row["id"]), "│└─├ ")
		parts = append(parts, op)
		if i == 0 {
			res.EstimatedRows = int(toFloat(row["estRows"]))
		}
		if strings.HasPrefix(op, "TableFullScan") {
			res.FullScan = true
			access := toString(row["access object"])
			res.ScannedTables = appendUnique(res.ScannedTables, strings.TrimPrefix(access, "table:"))
		}
	}
	res.PlanSummary = strings.Join(parts, " > ")
	return res
}

var (
	seqScanPattern  = regexp.MustCompile(`Seq Scan on (\S+)`)
	pgRowsPattern   = regexp.MustCompile(`rows=(\d+)`)
	inListPattern   = regexp.MustCompile(`\((?:\s*\?\s*,)+\s*\?\s*\)`)
	pgListPattern   = regexp.MustCompile(`\((?:\s*\$\d+\s*,)+\s*\$\d+\s*\)`)
	tupleSetPattern = regexp.MustCompile(`\((?:\s*\(\?\)\s*,)+\s*\(\?\)\s*\)`)
	pgSinglePattern = regexp.MustCompile(`\$\d+`)
)

func summarizePostgres(planRows []map[string]any) *Result {
	res := &Result{Backend: "postgres"}
	lines := make([]string, 0, len(planRows))
	for i, row := range planRows {
		line := strings.TrimSpace(toString(row["QUERY PLAN"]))
		lines = append(lines, line)
		if i == 0 {
			if m := pgRowsPattern.FindStringSubmatch(line); m != nil {
				res.EstimatedRows, _ = strconv.Atoi(m[1])
			}
		}
		if m := seqScanPattern.FindStringSubmatch(line); m != nil {
			res.FullScan = true
			res.ScannedTables = appendUnique(res.ScannedTables, strings.Trim(m[1], `"`))
		}
	}
	if len(lines) > 0 {
		res.PlanSummary = lines[0]
	}
	return res
}

// Shape normalizes a batch query so that the same statement with a
// different number of keys maps to one shape.
func Shape(sql string) string {
	shape := pgListPattern.ReplaceAllString(sql, "(?)")
	shape = pgSinglePattern.ReplaceAllString(shape, "?")
	shape = inListPattern.ReplaceAllString(shape, "(?)")
	// Composite keys: ((?,?), (?,?)) collapses to ((?), (?)) above, then to ((?)).
	shape = tupleSetPattern.ReplaceAllString(shape, "((?))")
	return shape
}

// Seen returns the explained shapes, sorted.
func (a *Analyzer) Seen() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]string, 0, len(a.seen))
	for shape := range a.seen {
		out = append(out, shape)
	}
	sort.Strings(out)
	return out
}

func has(row map[string]any, col string) bool {
	_, ok := row[col]
	return ok
}

func appendUnique(list []string, v string) []string {
	for _, existing := range list {
		if existing == v {
			return list
		}
	}
	return append(list, v)
}

func toString(v any) string {
	if v == nil {
		return ""
	}
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprint(v)
}

func toInt(v any) int {
	switch val := v.(type) {
	case int64:
		return int(val)
	case int:
		return val
	case float64:
		return int(val)
	case string:
		n, _ := strconv.Atoi(val)
		return n
	default:
		return 0
	}
}

func toFloat(v any) float64 {
	switch val := v.(type) {
	case float64:
		return val
	case int64:
		return float64(val)
	case string:
		f, _ := strconv.ParseFloat(val, 64)
		return f
	default:
		return 0
	}
}
