package adapter

import (
	"context"
	"database/sql"
	"fmt"

	_ "github.com/denisenkom/go-mssqldb"
)

// SQLServerAdapter introspects a SQL Server database.
type SQLServerAdapter struct {
	db         *sql.DB
	databaseID string
}

func NewSQLServerAdapter(databaseID, connStr string) (*SQLServerAdapter, error) {
	db, err := sql.Open("sqlserver", connStr)
	if err != nil {
		return nil, err
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, err
	}
	return &SQLServerAdapter{db: db, databaseID: databaseID}, nil
}

func (a *SQLServerAdapter) Introspect(ctx context.Context) (*Metadata, error) {
	meta := &Metadata{DatabaseID: a.databaseID}

	tables, err := a.getTables(ctx)
	if err != nil {
		return nil, fmt.Errorf("sqlserver introspection: %w", err)
	}

	for i := range tables {
		cols, pk, err := a.getColumns(ctx, tables[i].Schema, tables[i].Name)
		if err != nil {
			meta.Gaps = append(meta.Gaps, fmt.Sprintf("columns unreadable for %s", tables[i].Name))
			continue
		}
		tables[i].Columns = cols
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

func (a *SQLServerAdapter) getTables(ctx context.Context) ([]Table, error) {
	// sys.partitions rows is an estimate, same trade-off as pg reltuples.
	query := `
		SELECT s.name, t.name, COALESCE(SUM(p.rows), 0)
		FROM sys.tables t
		JOIN sys.schemas s ON s.schema_id = t.schema_id
		LEFT JOIN sys.partitions p ON p.object_id = t.object_id AND p.index_id IN (0, 1)
		GROUP BY s.name, t.name
		ORDER BY t.name`
	rows, err := a.db.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var tables []Table
	for rows.Next() {
		var t Table
		if err := rows.Scan(&t.Schema, &t.Name, &t.RowEstimate); err != nil {
			return nil, err
		}
		tables = append(tables, t)
	}
	return tables, rows.Err()
}

func (a *SQLServerAdapter) getColumns(ctx context.Context, schema, table string) ([]Column, []string, error) {
	query := `
		SELECT
			c.COLUMN_NAME,
			c.DATA_TYPE,
			CASE WHEN c.IS_NULLABLE = 'YES' THEN 1 ELSE 0 END,
			CASE WHEN pk.COLUMN_NAME IS NOT NULL THEN 1 ELSE 0 END
		FROM INFORMATION_SCHEMA.COLUMNS c
		LEFT JOIN (
			SELECT kcu.COLUMN_NAME
			FROM INFORMATION_SCHEMA.TABLE_CONSTRAINTS tc
			JOIN INFORMATION_SCHEMA.KEY_COLUMN_USAGE kcu
				ON kcu.CONSTRAINT_NAME = tc.CONSTRAINT_NAME
			WHERE tc.TABLE_SCHEMA = @p1 AND tc.TABLE_NAME = @p2
				AND tc.CONSTRAINT_TYPE = 'PRIMARY KEY'
		) pk ON pk.COLUMN_NAME = c.COLUMN_NAME
		WHERE c.TABLE_SCHEMA = @p1 AND c.TABLE_NAME = @p2
		ORDER BY c.ORDINAL_POSITION`
	rows, err := a.db.QueryContext(ctx, query, schema, table)
	if err != nil {
		return nil, nil, err
	}
	defer rows.Close()

	var columns []Column
	var pk []string
	for rows.Next() {
		var c Column
		var isPK bool
		if err := rows.Scan(&c.Name, &c.DataType, &c.Nullable, &isPK); err != nil {
			return nil, nil, err
		}
		if isPK {
			c.IsUnique = true
			pk = append(pk, c.Name)
		}
		columns = append(columns, c)
	}
	return columns, pk, rows.Err()
}

func (a *SQLServerAdapter) getForeignKeys(ctx context.Context) ([]ForeignKey, error) {
	query := `
		SELECT
			tp.name,
			cp.name,
			tr.name,
			cr.name
		FROM sys.foreign_key_columns fkc
		JOIN sys.tables tp ON tp.object_id = fkc.parent_object_id
		JOIN sys.columns cp ON cp.object_id = fkc.parent_object_id AND cp.column_id = fkc.parent_column_id
		JOIN sys.tables tr ON tr.object_id = fkc.referenced_object_id
		JOIN sys.columns cr ON cr.object_id = fkc.referenced_object_id AND cr.column_id = fkc.referenced_column_id
		ORDER BY tp.name, cp.name`
	rows, err := a.db.QueryContext(ctx, query)
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

func (a *SQLServerAdapter) DB() *sql.DB { return a.db }

func (a *SQLServerAdapter) Close() error { return a.db.Close() }
