package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/spf13/cobra"

	"sorgu/internal/adapter"
	"sorgu/internal/engine"
	"sorgu/internal/explain"
	"sorgu/internal/learning"
	"sorgu/internal/pool"
	"sorgu/internal/score"
	"sorgu/internal/service"
	"sorgu/internal/sqlgen"
)

var (
	dbType       string
	connStr      string
	databaseID   string
	schemaName   string
	learningPath string
	timeout      time.Duration
	verbose      bool
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "sorgu",
		Short: "Natural-language query engine for relational databases",
		Long:  "Translates Turkish and English questions into validated SQL, with join resolution, confidence scoring and adaptive learning.",
	}

	rootCmd.PersistentFlags().StringVar(&dbType, "type", "postgres", "database type (postgres/mysql/sqlserver)")
	rootCmd.PersistentFlags().StringVar(&connStr, "conn", "", "connection string")
	rootCmd.PersistentFlags().StringVar(&databaseID, "db", "default", "logical database id")
	rootCmd.PersistentFlags().StringVar(&schemaName, "schema", "", "schema to introspect (default: public for postgres, DSN database for mysql)")
	rootCmd.PersistentFlags().StringVar(&learningPath, "learning", "sorgu-learning.db", "learning store path")
	rootCmd.PersistentFlags().BoolVar(&verbose, "verbose", false, "debug logging")
	rootCmd.MarkPersistentFlagRequired("conn")

	askCmd := &cobra.Command{
		Use:   "ask [question]",
		Short: "Ask a question and print the results",
		Args:  cobra.ExactArgs(1),
		Run:   runAsk,
	}
	askCmd.Flags().DurationVar(&timeout, "timeout", 30*time.Second, "execution timeout")

	schemaCmd := &cobra.Command{
		Use:   "schema",
		Short: "Print the schema relationship graph as a Mermaid ER diagram",
		Run:   runSchema,
	}

	statsCmd := &cobra.Command{
		Use:   "stats",
		Short: "Print the learning history summary",
		Run:   runStats,
	}

	rootCmd.AddCommand(askCmd, schemaCmd, statsCmd)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func setup(ctx context.Context) (*service.Service, func()) {
	level := slog.LevelWarn
	if verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	store, err := learning.NewSQLiteStore(learningPath, logger)
	if err != nil {
		fatal(err)
	}

	pools := pool.NewSQLPool()
	eng := engine.New(pools, engine.Options{}, logger)
	svc := service.New(eng, service.Options{Store: store, Logger: logger})

	var intro adapter.Introspector
	var dialect sqlgen.Dialect
	switch dbType {
	case "postgres":
		a, err := adapter.NewPostgresAdapter(databaseID, connStr, schemaName)
		if err != nil {
			fatal(err)
		}
		pools.Register(databaseID, a.DB(), 4)
		intro, dialect = a, sqlgen.DialectPostgres
	case "mysql":
		a, err := adapter.NewMySQLAdapter(databaseID, connStr, schemaName)
		if err != nil {
			fatal(err)
		}
		pools.Register(databaseID, a.DB(), 4)
		intro, dialect = a, sqlgen.DialectMySQL
	case "sqlserver":
		a, err := adapter.NewSQLServerAdapter(databaseID, connStr)
		if err != nil {
			fatal(err)
		}
		pools.Register(databaseID, a.DB(), 4)
		intro, dialect = a, sqlgen.DialectSQLServer
	default:
		fatal(fmt.Errorf("unsupported database type %q", dbType))
	}

	if err := svc.RegisterDatabase(ctx, databaseID, intro, dialect); err != nil {
		fatal(err)
	}

	cleanup := func() {
		eng.Close()
		pools.Close()
		store.Close()
	}
	return svc, cleanup
}

func runAsk(cmd *cobra.Command, args []string) {
	ctx := context.Background()
	svc, cleanup := setup(ctx)
	defer cleanup()

	resp, err := svc.Ask(ctx, service.AskRequest{
		DatabaseID: databaseID,
		Question:   args[0],
		Timeout:    timeout,
	})
	if err != nil {
		fatal(err)
	}

	fmt.Printf("confidence: %.2f (%s)\n", resp.Confidence, resp.Decision)
	fmt.Printf("sql: %s\n", resp.SQL)
	if resp.Plan != nil && verbose {
		for _, step := range resp.Plan.Steps {
			fmt.Printf("  %s\n", step)
		}
	}

	switch resp.Decision {
	case score.DecisionExecute:
		if err := svc.Wait(ctx, resp.ExecutionID); err != nil {
			fatal(err)
		}
		res, err := svc.Results(resp.ExecutionID, 0, 0)
		if err != nil {
			fatal(err)
		}
		printRows(res.Columns, res.Rows)
		fmt.Printf("%d rows in %s\n", res.RowCount, res.Duration.Round(time.Millisecond))
	case score.DecisionWithhold:
		fmt.Println("\nthis reading is not certain enough to run automatically:")
		for _, c := range resp.Candidates {
			fmt.Printf("  [%s] %s (%.2f)\n", c.Table, c.SQL, c.Confidence)
		}
	}
}

func runSchema(cmd *cobra.Command, args []string) {
	ctx := context.Background()
	svc, cleanup := setup(ctx)
	defer cleanup()

	g, err := svc.Graph(databaseID)
	if err != nil {
		fatal(err)
	}
	fmt.Print(explain.MermaidER(g, nil))
	if len(g.Gaps) > 0 {
		fmt.Fprintf(os.Stderr, "\nschema gaps:\n")
		for _, gap := range g.Gaps {
			fmt.Fprintf(os.Stderr, "  - %s\n", gap)
		}
	}
}

func runStats(cmd *cobra.Command, args []string) {
	ctx := context.Background()
	svc, cleanup := setup(ctx)
	defer cleanup()

	stats, err := svc.LearningStats(ctx, databaseID)
	if err != nil {
		fatal(err)
	}
	out, _ := json.MarshalIndent(stats, "", "  ")
	fmt.Println(string(out))
}

func printRows(columns []string, rows [][]interface{}) {
	for i, c := range columns {
		if i > 0 {
			fmt.Print("\t")
		}
		fmt.Print(c)
	}
	fmt.Println()
	for _, row := range rows {
		for i, v := range row {
			if i > 0 {
				fmt.Print("\t")
			}
			fmt.Printf("%v", v)
		}
		fmt.Println()
	}
}

func fatal(err error) {
	fmt.Fprintln(os.Stderr, "error:", err)
	os.Exit(1)
}
