package adapter

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	_ "github.com/go-sql-driver/mysql"
)

// MySQLAdapter introspects a MySQL database.
type MySQLAdapter struct {
	db         *sql.DB
	databaseID string
	schema     string
}

func NewMySQLAdapter(databaseID, connStr, schema string) (*MySQLAdapter, error) {
	if schema == "" {
		schema = mysqlSchemaFromDSN(connStr)
	}
	if schema == "" {
		return nil, fmt.Errorf("mysql database %s: no schema configured and none in the DSN", databaseID)
	}
	db, err := sql.Open("mysql", connStr)
	if err != nil {
		return nil, err
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, err
	}
	return &MySQLAdapter{db: db, databaseID: databaseID, schema: schema}, nil
}

// mysqlSchemaFromDSN pulls the database name out of a go-sql-driver DSN
// (user:pass@tcp(host:port)/dbname?params).
func mysqlSchemaFromDSN(dsn string) string {
	slash := strings.LastIndex(dsn, "/")
	if slash < 0 {
		return ""
	}
	name := dsn[slash+1:]
	if q := strings.IndexByte(name, '?'); q >= 0 {
		name = name[:q]
	}
	return name
}

func (a *MySQLAdapter) Introspect(ctx context.Context) (*Metadata, error) {
	meta := &Metadata{DatabaseID: a.databaseID}

	tables, err := a.getTables(ctx)
	if err != nil {
		return nil, fmt.Errorf("mysql introspection: %w", err)
	}

	for i := range tables {
		cols, pk, err := a.getColumns(ctx, tables[i].Name)
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

func (a *MySQLAdapter) getTables(ctx context.Context) ([]Table, error) {
	query := `
		SELECT TABLE_NAME, COALESCE(TABLE_ROWS, 0)
		FROM INFORMATION_SCHEMA.TABLES
		WHERE TABLE_SCHEMA = ? AND TABLE_TYPE = 'BASE TABLE'
		ORDER BY TABLE_NAME`
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

func (a *MySQLAdapter) getColumns(ctx context.Context, table string) ([]Column, []string, error) {
	query := `
		SELECT
			COLUMN_NAME,
			DATA_TYPE,
			IS_NULLABLE = 'YES',
			COLUMN_KEY IN ('PRI', 'UNI'),
			COLUMN_KEY = 'PRI'
		FROM INFORMATION_SCHEMA.COLUMNS
		WHERE TABLE_SCHEMA = ? AND TABLE_NAME = ?
		ORDER BY ORDINAL_POSITION`
	rows, err := a.db.QueryContext(ctx, query, a.schema, table)
	if err != nil {
		return nil, nil, err
	}
	defer rows.Close()

	var columns []Column
	var pk []string
	for rows.Next() {
		var c Column
		var isPK bool
		if err := rows.Scan(&c.Name, &c.DataType, &c.Nullable, &c.IsUnique, &isPK); err != nil {
			return nil, nil, err
		}
		if isPK {
			pk = append(pk, c.Name)
		}
		columns = append(columns, c)
	}
	return columns, pk, rows.Err()
}

func (a *MySQLAdapter) getForeignKeys(ctx context.Context) ([]ForeignKey, error) {
	query := `
		SELECT TABLE_NAME, COLUMN_NAME, REFERENCED_TABLE_NAME, REFERENCED_COLUMN_NAME
		FROM INFORMATION_SCHEMA.KEY_COLUMN_USAGE
		WHERE TABLE_SCHEMA = ? AND REFERENCED_TABLE_NAME IS NOT NULL
		ORDER BY TABLE_NAME, COLUMN_NAME`
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

func (a *MySQLAdapter) DB() *sql.DB { return a.db }

func (a *MySQLAdapter) Close() error { return a.db.Close() }
