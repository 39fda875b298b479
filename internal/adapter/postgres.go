package adapter

import (
	"context"
	"database/sql"
	"fmt"

	_ "github.com/jackc/pgx/v5/stdlib"
)

// PostgresAdapter introspects a PostgreSQL database.
type PostgresAdapter struct {
	db         *sql.DB
	databaseID string
	schema     string
}

// NewPostgresAdapter opens a connection using a pgx DSN. schema defaults to
// "public" when empty.
func NewPostgresAdapter(databaseID, dsn, schema string) (*PostgresAdapter, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, err
	}
	if schema == "" {
		schema = "public"
	}
	return &PostgresAdapter{db: db, databaseID: databaseID, schema: schema}, nil
}

func (a *PostgresAdapter) Introspect(ctx context.Context) (*Metadata, error) {
	meta := &Metadata{DatabaseID: a.databaseID}

	tables, err := a.getTables(ctx)
	if err != nil {
		return nil, fmt.Errorf("postgres introspection: %w", err)
	}

	for i := range tables {
		cols, err := a.getColumns(ctx, tables[i].Name)
		if err != nil {
			meta.Gaps = append(meta.Gaps, fmt.Sprintf("columns unreadable for %s", tables[i].Name))
			continue
		}
		tables[i].Columns = cols

		pk, err := a.getPrimaryKey(ctx, tables[i].Name)
		if err != nil {
			meta.Gaps = append(meta.Gaps, fmt.Sprintf("primary key unreadable for %s", tables[i].Name))
		}
		tables[i].PrimaryKey = pk
	}
	meta.Tables = tables

	fks, err := a.getForeignKeys(ctx)
	if err != nil {
		meta.Gaps = append(meta.Gaps, "foreign key constraints unreadable")
	}
	meta.ForeignKeys = fks

	return meta, nil
}

func (a *PostgresAdapter) getTables(ctx context.Context) ([]Table, error) {
	// reltuples is the planner's estimate; cheap compared to COUNT(*).
	query := `
		SELECT c.relname, GREATEST(c.reltuples, 0)::bigint
		FROM pg_class c
		JOIN pg_namespace n ON n.oid = c.relnamespace
		WHERE n.nspname = $1 AND c.relkind = 'r'
		ORDER BY c.relname`
	rows, err := a.db.QueryContext(ctx, query, a.schema)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var tables []Table
	for rows.Next() {
		t := Table{Schema: a.schema}
		if err := rows.Scan(&t.Name, &t.RowEstimate); err != nil {
			return nil, err
		}
		tables = append(tables, t)
	}
	return tables, rows.Err()
}

func (a *PostgresAdapter) getColumns(ctx context.Context, table string) ([]Column, error) {
	query := `
		SELECT
			c.column_name,
			c.data_type,
			c.is_nullable = 'YES',
			EXISTS (
				SELECT 1 FROM information_schema.table_constraints tc
				JOIN information_schema.constraint_column_usage ccu
					ON ccu.constraint_name = tc.constraint_name
					AND ccu.table_schema = tc.table_schema
				WHERE tc.table_schema = c.table_schema
					AND tc.table_name = c.table_name
					AND ccu.column_name = c.column_name
					AND tc.constraint_type IN ('PRIMARY KEY', 'UNIQUE')
			)
		FROM information_schema.columns c
		WHERE c.table_schema = $1 AND c.table_name = $2
		ORDER BY c.ordinal_position`
	rows, err := a.db.QueryContext(ctx, query, a.schema, table)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var columns []Column
	for rows.Next() {
		var c Column
		if err := rows.Scan(&c.Name, &c.DataType, &c.Nullable, &c.IsUnique); err != nil {
			return nil, err
		}
		columns = append(columns, c)
	}
	return columns, rows.Err()
}

func (a *PostgresAdapter) getPrimaryKey(ctx context.Context, table string) ([]string, error) {
	query := `
		SELECT kcu.column_name
		FROM information_schema.table_constraints tc
		JOIN information_schema.key_column_usage kcu
			ON kcu.constraint_name = tc.constraint_name
			AND kcu.table_schema = tc.table_schema
		WHERE tc.table_schema = $1 AND tc.table_name = $2
			AND tc.constraint_type = 'PRIMARY KEY'
		ORDER BY kcu.ordinal_position`
	rows, err := a.db.QueryContext(ctx, query, a.schema, table)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var pk []string
	for rows.Next() {
		var col string
		if err := rows.Scan(&col); err != nil {
			return nil, err
		}
		pk = append(pk, col)
	}
	return pk, rows.Err()
}

func (a *PostgresAdapter) getForeignKeys(ctx context.Context) ([]ForeignKey, error) {
	query := `
		SELECT
			tc.table_name,
			kcu.column_name,
			ccu.table_name,
			ccu.column_name
		FROM information_schema.table_constraints tc
		JOIN information_schema.key_column_usage kcu
			ON kcu.constraint_name = tc.constraint_name
			AND kcu.table_schema = tc.table_schema
		JOIN information_schema.constraint_column_usage ccu
			ON ccu.constraint_name = tc.constraint_name
			AND ccu.table_schema = tc.table_schema
		WHERE tc.table_schema = $1 AND tc.constraint_type = 'FOREIGN KEY'
		ORDER BY tc.table_name, kcu.column_name`
	rows, err := a.db.QueryContext(ctx, query, a.schema)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var fks []ForeignKey
	for rows.Next() {
		var fk ForeignKey
		if err := rows.Scan(&fk.FromTable, &fk.FromColumn, &fk.ToTable, &fk.ToColumn); err != nil {
			return nil, err
		}
		fks = append(fks, fk)
	}
	return fks, rows.Err()
}

// DB exposes the underlying handle for the execution pool.
func (a *PostgresAdapter) DB() *sql.DB { return a.db }

func (a *PostgresAdapter) Close() error { return a.db.Close() }
