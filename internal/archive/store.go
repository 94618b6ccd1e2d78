package archive

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/lib/pq"

	"github.com/sprinkler/rainmachine-weewx/internal/weather"
)

const (
	columnDateTime = "dateTime"
	columnUsUnits  = "usUnits"
)

// ErrStoreUnavailable is returned by every query when the store has no
// database handle.
var ErrStoreUnavailable = errors.New("archive: store unavailable")

const columnsQuery = `SELECT column_name FROM information_schema.columns
WHERE table_schema = current_schema() AND table_name = $1`

// Store queries the archive table. It is safe for concurrent use; all
// consistency guarantees come from the database itself.
type Store struct {
	db    *sql.DB
	table string

	// columns maps canonical field names to the spelling stored in the
	// catalog. Tables created with unquoted DDL hold lower-cased names.
	columns map[string]string
}

// New wraps an existing database handle. Column names are used as given
// until ResolveColumns is called.
func New(db *sql.DB, table string) *Store {
	return &Store{db: db, table: table}
}

// Open connects to PostgreSQL at dsn, verifies the connection and reads the
// archive table's column names.
func Open(ctx context.Context, dsn, table string) (*Store, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("archive: open: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("archive: ping: %w", err)
	}
	s := New(db, table)
	if err := s.ResolveColumns(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// Close releases the database handle.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *Store) available() bool {
	return s != nil && s.db != nil
}

// ResolveColumns looks up the table in information_schema so that queries
// quote the column names exactly as PostgreSQL stored them. An unquoted
// table name is folded to lower case the same way.
func (s *Store) ResolveColumns(ctx context.Context) error {
	if !s.available() {
		return ErrStoreUnavailable
	}
	for _, table := range []string{s.table, strings.ToLower(s.table)} {
		names, err := s.columnNames(ctx, table)
		if err != nil {
			return err
		}
		if len(names) > 0 {
			s.table = table
			s.useColumns(names)
			return nil
		}
	}
	return fmt.Errorf("archive: table %q not found", s.table)
}

func (s *Store) columnNames(ctx context.Context, table string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, columnsQuery, table)
	if err != nil {
		return nil, fmt.Errorf("archive: columns of %s: %w", table, err)
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("archive: columns of %s: %w", table, err)
		}
		names = append(names, name)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("archive: columns of %s: %w", table, err)
	}
	return names, nil
}

func (s *Store) useColumns(names []string) {
	s.columns = make(map[string]string, len(names))
	for _, n := range names {
		s.columns[weather.Canonical(n)] = n
	}
}

// ident returns column quoted in its stored spelling.
func (s *Store) ident(column string) string {
	if stored, ok := s.columns[weather.Canonical(column)]; ok {
		return pq.QuoteIdentifier(stored)
	}
	return pq.QuoteIdentifier(column)
}

// dayMinMaxQuery builds the aggregate over the half-open window
// (from, to] on the dateTime column.
func (s *Store) dayMinMaxQuery(column string) string {
	col, ts := s.ident(column), s.ident(columnDateTime)
	return fmt.Sprintf("SELECT MIN(%s), MAX(%s) FROM %s WHERE %s > $1 AND %s <= $2",
		col, col, pq.QuoteIdentifier(s.table), ts, ts)
}

func (s *Store) latestQuery() string {
	return fmt.Sprintf("SELECT MAX(%s) FROM %s", s.ident(columnDateTime), pq.QuoteIdentifier(s.table))
}

func (s *Store) sinceQuery() string {
	ts := s.ident(columnDateTime)
	return fmt.Sprintf("SELECT * FROM %s WHERE %s > $1 ORDER BY %s ASC LIMIT $2",
		pq.QuoteIdentifier(s.table), ts, ts)
}

// DayMinMax returns the minimum and maximum of column over rows with
// from < dateTime <= to. Both are nil when no row matches or every value in
// the window is null.
func (s *Store) DayMinMax(ctx context.Context, column string, from, to int64) (minV, maxV *float64, err error) {
	if !s.available() {
		return nil, nil, ErrStoreUnavailable
	}

	var lo, hi sql.NullFloat64
	err = s.db.QueryRowContext(ctx, s.dayMinMaxQuery(column), from, to).Scan(&lo, &hi)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil, nil
	}
	if err != nil {
		return nil, nil, fmt.Errorf("archive: min/max %s: %w", column, err)
	}
	if lo.Valid {
		minV = &lo.Float64
	}
	if hi.Valid {
		maxV = &hi.Float64
	}
	return minV, maxV, nil
}

// Latest returns the dateTime of the newest archive row, or 0 for an empty table.
func (s *Store) Latest(ctx context.Context) (int64, error) {
	if !s.available() {
		return 0, ErrStoreUnavailable
	}
	var ts sql.NullInt64
	if err := s.db.QueryRowContext(ctx, s.latestQuery()).Scan(&ts); err != nil {
		return 0, fmt.Errorf("archive: latest: %w", err)
	}
	return ts.Int64, nil
}

// Since returns up to limit archive rows with dateTime > after, oldest first.
func (s *Store) Since(ctx context.Context, after int64, limit int) ([]weather.Record, error) {
	if !s.available() {
		return nil, ErrStoreUnavailable
	}
	rows, err := s.db.QueryContext(ctx, s.sinceQuery(), after, limit)
	if err != nil {
		return nil, fmt.Errorf("archive: since %d: %w", after, err)
	}
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return nil, fmt.Errorf("archive: columns: %w", err)
	}

	var out []weather.Record
	for rows.Next() {
		vals := make([]sql.NullFloat64, len(cols))
		dest := make([]any, len(cols))
		for i := range vals {
			dest[i] = &vals[i]
		}
		if err := rows.Scan(dest...); err != nil {
			return nil, fmt.Errorf("archive: scan: %w", err)
		}
		rec, err := toRecord(cols, vals)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("archive: rows: %w", err)
	}
	return out, nil
}

// toRecord maps one scanned row onto a weather.Record.
func toRecord(cols []string, vals []sql.NullFloat64) (weather.Record, error) {
	rec := weather.NewRecord(0, 0)
	var haveTime, haveUnits bool
	for i, name := range cols {
		field := weather.Canonical(name)
		v := vals[i]
		switch field {
		case columnDateTime:
			if !v.Valid {
				return weather.Record{}, fmt.Errorf("archive: row without %s", columnDateTime)
			}
			rec.DateTime = int64(v.Float64)
			haveTime = true
		case columnUsUnits:
			if v.Valid {
				rec.Units = weather.UnitSystem(int(v.Float64))
				haveUnits = true
			}
		default:
			if v.Valid {
				rec.Values[field] = weather.Float(v.Float64)
			} else {
				rec.Values[field] = nil
			}
		}
	}
	if !haveTime {
		return weather.Record{}, fmt.Errorf("archive: table has no %s column", columnDateTime)
	}
	if !haveUnits {
		return weather.Record{}, fmt.Errorf("archive: row %d has no %s", rec.DateTime, columnUsUnits)
	}
	return rec, nil
}
