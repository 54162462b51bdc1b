package adapter

import (
	"context"
	"database/sql"
	"fmt"

	_ "github.com/lib/pq"
)

// PostgresExecutor serves the postgres operation vocabulary over a lib/pq
// connection pool: sql_query (read), execute_sql (write), get_schema
// (introspection).
type PostgresExecutor struct {
	db *sql.DB
}

// NewPostgresExecutor opens a pool for the given DSN. The pool is sized
// for a single worker; run more workers rather than widening it.
func NewPostgresExecutor(dsn string) (*PostgresExecutor, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open postgres pool: %w", err)
	}
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(2)
	return &PostgresExecutor{db: db}, nil
}

// NewPostgresExecutorDB wraps an existing pool, mainly for tests.
func NewPostgresExecutorDB(db *sql.DB) *PostgresExecutor {
	return &PostgresExecutor{db: db}
}

func (e *PostgresExecutor) Operations() map[string]Handler {
	return map[string]Handler{
		"sql_query":   e.sqlQuery,
		"execute_sql": e.executeSQL,
		"get_schema":  e.getSchema,
	}
}

func (e *PostgresExecutor) Ping(ctx context.Context) error {
	return e.db.PingContext(ctx)
}

func (e *PostgresExecutor) Close() error { return e.db.Close() }

func (e *PostgresExecutor) sqlQuery(ctx context.Context, params map[string]any) (any, error) {
	query, err := stringParam(params, "query")
	if err != nil {
		return nil, err
	}
	rows, err := e.db.QueryContext(ctx, query, positionalArgs(params)...)
	if err != nil {
		return nil, fmt.Errorf("query failed: %w", err)
	}
	defer rows.Close()

	out, err := scanRows(rows)
	if err != nil {
		return nil, err
	}
	return map[string]any{"rows": out, "row_count": len(out)}, nil
}

func (e *PostgresExecutor) executeSQL(ctx context.Context, params map[string]any) (any, error) {
	statement, err := stringParam(params, "statement")
	if err != nil {
		// Callers reusing the sql_query shape send "query" instead.
		statement, err = stringParam(params, "query")
		if err != nil {
			return nil, fmt.Errorf("execute_sql requires a statement")
		}
	}
	res, err := e.db.ExecContext(ctx, statement, positionalArgs(params)...)
	if err != nil {
		return nil, fmt.Errorf("statement failed: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		affected = 0
	}
	return map[string]any{"rows_affected": affected, "success": true}, nil
}

func (e *PostgresExecutor) getSchema(ctx context.Context, params map[string]any) (any, error) {
	const introspect = `
		SELECT table_name, column_name, data_type, is_nullable
		FROM information_schema.columns
		WHERE table_schema = 'public'
		ORDER BY table_name, ordinal_position`

	rows, err := e.db.QueryContext(ctx, introspect)
	if err != nil {
		return nil, fmt.Errorf("schema introspection failed: %w", err)
	}
	defer rows.Close()

	only, _ := params["table"].(string)
	tables := map[string]any{}
	for rows.Next() {
		var table, column, dataType, nullable string
		if err := rows.Scan(&table, &column, &dataType, &nullable); err != nil {
			return nil, err
		}
		if only != "" && table != only {
			continue
		}
		columns, _ := tables[table].([]any)
		tables[table] = append(columns, map[string]any{
			"column":   column,
			"type":     dataType,
			"nullable": nullable == "YES",
		})
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return map[string]any{"tables": tables}, nil
}

func stringParam(params map[string]any, key string) (string, error) {
	v, ok := params[key]
	if !ok {
		return "", fmt.Errorf("missing required param %q", key)
	}
	s, ok := v.(string)
	if !ok || s == "" {
		return "", fmt.Errorf("param %q must be a non-empty string", key)
	}
	return s, nil
}

func positionalArgs(params map[string]any) []any {
	args, _ := params["params"].([]any)
	return args
}

// scanRows converts a generic result set into JSON-friendly rows. Byte
// slices become strings; lib/pq returns text columns that way.
func scanRows(rows *sql.Rows) ([]any, error) {
	cols, err := rows.Columns()
	if err != nil {
		return nil, err
	}
	out := []any{}
	for rows.Next() {
		values := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range values {
			ptrs[i] = &values[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, err
		}
		row := make(map[string]any, len(cols))
		for i, col := range cols {
			v := values[i]
			if b, ok := v.([]byte); ok {
				v = string(b)
			}
			row[col] = v
		}
		out = append(out, row)
	}
	return out, rows.Err()
}
