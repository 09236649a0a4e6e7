// Package statslog records per-request outcomes for the /stats endpoint.
//
// With a MySQL DSN configured it persists every entry and serves aggregates
// straight off the database, the way the teacher's admin dashboard backing
// store did. Without a DSN it falls back to an in-memory ring that keeps the
// same aggregate shape over a bounded window, so /stats works out of the box
// with zero external dependencies.
package statslog

import (
	"context"
	"database/sql"
	"sort"
	"sync"
	"time"

	_ "github.com/go-sql-driver/mysql"
)

// Entry is one completed request, as observed by the pipeline.
type Entry struct {
	AccountID     string
	RequestModel  string
	UpstreamModel string
	Family        string
	Status        int
	ErrorKind     string
	Stream        bool
	CacheHit      bool
	InputTokens   int64
	OutputTokens  int64
	CachedTokens  int64
	LatencyMs     int64
	Timestamp     time.Time
}

// DayStat aggregates requests over a single calendar day.
type DayStat struct {
	Day          string  `json:"day"`
	Total        int64   `json:"total"`
	Success      int64   `json:"success"`
	InputTokens  int64   `json:"input_tokens"`
	OutputTokens int64   `json:"output_tokens"`
	AvgLatencyMs float64 `json:"avg_latency_ms"`
}

// HourStat aggregates requests over a single clock hour.
type HourStat struct {
	Hour         string `json:"hour"`
	Total        int64  `json:"total"`
	InputTokens  int64  `json:"input_tokens"`
	OutputTokens int64  `json:"output_tokens"`
}

// ModelStat aggregates requests by request model over the trailing window.
type ModelStat struct {
	Model  string `json:"model"`
	Count  int64  `json:"count"`
	Tokens int64  `json:"tokens"`
}

// ErrorStat aggregates failed requests by upstream error kind.
type ErrorStat struct {
	ErrorKind string `json:"error_kind"`
	Count     int64  `json:"count"`
}

// Summary is the full payload served by /stats.
type Summary struct {
	Today DayStat     `json:"today"`
	Days  []DayStat   `json:"days"`
	Hours []HourStat  `json:"hours"`
	Models []ModelStat `json:"models"`
	Errors []ErrorStat `json:"errors"`
}

// Store records request outcomes and serves aggregates for /stats.
type Store interface {
	Record(ctx context.Context, e Entry)
	Summary(ctx context.Context) (Summary, error)
	Close() error
}

// Open returns a MySQL-backed Store when dsn is non-empty, applying
// migrations on first connect, or an in-memory Store otherwise.
func Open(dsn string) (Store, error) {
	if dsn == "" {
		return newMemStore(), nil
	}

	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return nil, err
	}
	db.SetConnMaxLifetime(30 * time.Minute)
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(25)

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := migrate(db); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &mysqlStore{db: db}, nil
}

type mysqlStore struct {
	db *sql.DB
}

func (s *mysqlStore) Record(ctx context.Context, e Entry) {
	_, _ = s.db.ExecContext(ctx,
		`INSERT INTO request_log(account_id, request_model, upstream_model, family, status, error_kind, stream, cache_hit, input_tokens, output_tokens, cached_tokens, latency_ms)
		 VALUES (?,?,?,?,?,?,?,?,?,?,?,?)`,
		e.AccountID, e.RequestModel, e.UpstreamModel, e.Family, e.Status, e.ErrorKind, e.Stream, e.CacheHit,
		e.InputTokens, e.OutputTokens, e.CachedTokens, e.LatencyMs)
}

func (s *mysqlStore) Summary(ctx context.Context) (Summary, error) {
	var out Summary

	dayRows, err := s.db.QueryContext(ctx,
		`SELECT DATE(ts) as day, COUNT(*), SUM(CASE WHEN status >= 200 AND status < 400 THEN 1 ELSE 0 END),
		        IFNULL(SUM(input_tokens),0), IFNULL(SUM(output_tokens),0), IFNULL(AVG(latency_ms),0)
		 FROM request_log GROUP BY day ORDER BY day DESC LIMIT 30`)
	if err != nil {
		return out, err
	}
	defer dayRows.Close()
	for dayRows.Next() {
		var d DayStat
		if err := dayRows.Scan(&d.Day, &d.Total, &d.Success, &d.InputTokens, &d.OutputTokens, &d.AvgLatencyMs); err != nil {
			return out, err
		}
		out.Days = append(out.Days, d)
	}

	hourRows, err := s.db.QueryContext(ctx,
		`SELECT DATE_FORMAT(ts, '%Y-%m-%d %H:00:00'), COUNT(*), IFNULL(SUM(input_tokens),0), IFNULL(SUM(output_tokens),0)
		 FROM request_log WHERE ts > DATE_SUB(NOW(), INTERVAL 24 HOUR) GROUP BY 1 ORDER BY 1 DESC`)
	if err != nil {
		return out, err
	}
	defer hourRows.Close()
	for hourRows.Next() {
		var h HourStat
		if err := hourRows.Scan(&h.Hour, &h.Total, &h.InputTokens, &h.OutputTokens); err != nil {
			return out, err
		}
		out.Hours = append(out.Hours, h)
	}

	_ = s.db.QueryRowContext(ctx,
		`SELECT COUNT(*), SUM(CASE WHEN status >= 200 AND status < 400 THEN 1 ELSE 0 END),
		        IFNULL(SUM(input_tokens),0), IFNULL(SUM(output_tokens),0), IFNULL(AVG(latency_ms),0)
		 FROM request_log WHERE DATE(ts) = DATE(NOW())`,
	).Scan(&out.Today.Total, &out.Today.Success, &out.Today.InputTokens, &out.Today.OutputTokens, &out.Today.AvgLatencyMs)
	out.Today.Day = time.Now().UTC().Format("2006-01-02")

	modelRows, err := s.db.QueryContext(ctx,
		`SELECT request_model, COUNT(*), SUM(input_tokens+output_tokens)
		 FROM request_log WHERE ts > DATE_SUB(NOW(), INTERVAL 7 DAY) GROUP BY request_model ORDER BY 2 DESC`)
	if err != nil {
		return out, err
	}
	defer modelRows.Close()
	for modelRows.Next() {
		var m ModelStat
		if err := modelRows.Scan(&m.Model, &m.Count, &m.Tokens); err != nil {
			return out, err
		}
		out.Models = append(out.Models, m)
	}

	errRows, err := s.db.QueryContext(ctx,
		`SELECT error_kind, COUNT(*) FROM request_log
		 WHERE ts > DATE_SUB(NOW(), INTERVAL 7 DAY) AND status >= 400 AND error_kind != ''
		 GROUP BY error_kind ORDER BY 2 DESC`)
	if err != nil {
		return out, err
	}
	defer errRows.Close()
	for errRows.Next() {
		var e ErrorStat
		if err := errRows.Scan(&e.ErrorKind, &e.Count); err != nil {
			return out, err
		}
		out.Errors = append(out.Errors, e)
	}

	return out, nil
}

func (s *mysqlStore) Close() error {
	return s.db.Close()
}

// memStore keeps a bounded ring of entries in memory and computes the same
// aggregate shape on demand. Used when no MySQL DSN is configured.
type memStore struct {
	mu      sync.Mutex
	entries []Entry
	cap     int
}

const memStoreCapacity = 50_000

func newMemStore() *memStore {
	return &memStore{cap: memStoreCapacity}
}

func (s *memStore) Record(_ context.Context, e Entry) {
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = append(s.entries, e)
	if len(s.entries) > s.cap {
		s.entries = s.entries[len(s.entries)-s.cap:]
	}
}

func (s *memStore) Summary(_ context.Context) (Summary, error) {
	s.mu.Lock()
	entries := make([]Entry, len(s.entries))
	copy(entries, s.entries)
	s.mu.Unlock()

	now := time.Now()
	today := now.UTC().Format("2006-01-02")

	dayAgg := map[string]*DayStat{}
	hourAgg := map[string]*HourStat{}
	modelAgg := map[string]*ModelStat{}
	errAgg := map[string]*ErrorStat{}
	var todayStat DayStat
	todayStat.Day = today

	for _, e := range entries {
		day := e.Timestamp.UTC().Format("2006-01-02")
		d, ok := dayAgg[day]
		if !ok {
			d = &DayStat{Day: day}
			dayAgg[day] = d
		}
		d.Total++
		if e.Status >= 200 && e.Status < 400 {
			d.Success++
		}
		d.InputTokens += e.InputTokens
		d.OutputTokens += e.OutputTokens
		d.AvgLatencyMs = runningAvg(d.AvgLatencyMs, d.Total, float64(e.LatencyMs))

		if day == today {
			todayStat.Total++
			if e.Status >= 200 && e.Status < 400 {
				todayStat.Success++
			}
			todayStat.InputTokens += e.InputTokens
			todayStat.OutputTokens += e.OutputTokens
			todayStat.AvgLatencyMs = runningAvg(todayStat.AvgLatencyMs, todayStat.Total, float64(e.LatencyMs))
		}

		if now.Sub(e.Timestamp) <= 24*time.Hour {
			hour := e.Timestamp.UTC().Format("2006-01-02 15:00:00")
			h, ok := hourAgg[hour]
			if !ok {
				h = &HourStat{Hour: hour}
				hourAgg[hour] = h
			}
			h.Total++
			h.InputTokens += e.InputTokens
			h.OutputTokens += e.OutputTokens
		}

		if now.Sub(e.Timestamp) <= 7*24*time.Hour {
			m, ok := modelAgg[e.RequestModel]
			if !ok {
				m = &ModelStat{Model: e.RequestModel}
				modelAgg[e.RequestModel] = m
			}
			m.Count++
			m.Tokens += e.InputTokens + e.OutputTokens

			if e.Status >= 400 && e.ErrorKind != "" {
				er, ok := errAgg[e.ErrorKind]
				if !ok {
					er = &ErrorStat{ErrorKind: e.ErrorKind}
					errAgg[e.ErrorKind] = er
				}
				er.Count++
			}
		}
	}

	out := Summary{Today: todayStat}
	for _, d := range dayAgg {
		out.Days = append(out.Days, *d)
	}
	sort.Slice(out.Days, func(i, j int) bool { return out.Days[i].Day > out.Days[j].Day })
	if len(out.Days) > 30 {
		out.Days = out.Days[:30]
	}

	for _, h := range hourAgg {
		out.Hours = append(out.Hours, *h)
	}
	sort.Slice(out.Hours, func(i, j int) bool { return out.Hours[i].Hour > out.Hours[j].Hour })

	for _, m := range modelAgg {
		out.Models = append(out.Models, *m)
	}
	sort.Slice(out.Models, func(i, j int) bool { return out.Models[i].Count > out.Models[j].Count })

	for _, e := range errAgg {
		out.Errors = append(out.Errors, *e)
	}
	sort.Slice(out.Errors, func(i, j int) bool { return out.Errors[i].Count > out.Errors[j].Count })

	return out, nil
}

func (s *memStore) Close() error {
	return nil
}

func runningAvg(prevAvg float64, countAfter int64, newVal float64) float64 {
	if countAfter <= 1 {
		return newVal
	}
	return prevAvg + (newVal-prevAvg)/float64(countAfter)
}
