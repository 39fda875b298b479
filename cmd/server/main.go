package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"sorgu/internal/adapter"
	"sorgu/internal/config"
	"sorgu/internal/engine"
	"sorgu/internal/explain"
	"sorgu/internal/learning"
	"sorgu/internal/llm"
	"sorgu/internal/pool"
	"sorgu/internal/qerror"
	"sorgu/internal/service"
	"sorgu/internal/sqlgen"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

type server struct {
	svc    *service.Service
	logger *slog.Logger
}

func main() {
	configPath := flag.String("config", "", "path to YAML configuration")
	flag.Parse()

	cfg := config.Default()
	if *configPath != "" {
		var err error
		cfg, err = config.Load(*configPath)
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
	}

	logger := newLogger(cfg.LogLevel)
	slog.SetDefault(logger)

	store, err := learning.NewSQLiteStore(cfg.LearningPath, logger)
	if err != nil {
		logger.Error("learning store unavailable", slog.String("error", err.Error()))
		os.Exit(1)
	}
	defer store.Close()

	pools := pool.NewSQLPool()
	defer pools.Close()

	eng := engine.New(pools, engine.Options{
		BatchSize:      cfg.Engine.BatchSize,
		GracePeriod:    cfg.Engine.GracePeriod,
		RetryAttempts:  cfg.Engine.RetryAttempts,
		RetryBackoff:   cfg.Engine.RetryBackoff,
		DefaultTimeout: cfg.Engine.DefaultTimeout,
		ResultTTL:      cfg.Engine.ResultTTL,
	}, logger)
	defer eng.Close()

	opts := service.Options{Store: store, Logger: logger, BlendWeight: cfg.LLM.BlendWeight}
	if cfg.LLM.Enabled {
		opts.Model = llm.NewOllamaClient(cfg.LLM.BaseURL, cfg.LLM.Model, cfg.LLM.Timeout)
	}
	svc := service.New(eng, opts)

	ctx := context.Background()
	for _, db := range cfg.Databases {
		if err := registerDatabase(ctx, svc, pools, db); err != nil {
			logger.Error("database registration failed",
				slog.String("database", db.ID),
				slog.String("error", err.Error()))
			os.Exit(1)
		}
		logger.Info("database registered", slog.String("database", db.ID), slog.String("driver", db.Driver))
	}

	s := &server{svc: svc, logger: logger}

	mux := http.NewServeMux()
	mux.HandleFunc("/api/ask", s.handleAsk)
	mux.HandleFunc("/api/execution/", s.handleExecution)
	mux.HandleFunc("/api/schema/", s.handleSchema)
	mux.HandleFunc("/api/learning/", s.handleLearning)
	mux.HandleFunc("/api/ws", s.handleWebSocket)

	logger.Info("server listening", slog.String("addr", cfg.ListenAddr))
	if err := http.ListenAndServe(cfg.ListenAddr, mux); err != nil {
		logger.Error("server stopped", slog.String("error", err.Error()))
		os.Exit(1)
	}
}

func registerDatabase(ctx context.Context, svc *service.Service, pools *pool.SQLPool, db config.Database) error {
	switch db.Driver {
	case "postgres":
		a, err := adapter.NewPostgresAdapter(db.ID, db.DSN, db.Schema)
		if err != nil {
			return err
		}
		pools.Register(db.ID, a.DB(), db.MaxConns)
		return svc.RegisterDatabase(ctx, db.ID, a, sqlgen.DialectPostgres)
	case "mysql":
		a, err := adapter.NewMySQLAdapter(db.ID, db.DSN, db.Schema)
		if err != nil {
			return err
		}
		pools.Register(db.ID, a.DB(), db.MaxConns)
		return svc.RegisterDatabase(ctx, db.ID, a, sqlgen.DialectMySQL)
	case "sqlserver":
		a, err := adapter.NewSQLServerAdapter(db.ID, db.DSN)
		if err != nil {
			return err
		}
		pools.Register(db.ID, a.DB(), db.MaxConns)
		return svc.RegisterDatabase(ctx, db.ID, a, sqlgen.DialectSQLServer)
	default:
		return fmt.Errorf("unsupported driver %q", db.Driver)
	}
}

// handleAsk accepts a natural-language question and returns the pipeline's
// decision.
func (s *server) handleAsk(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req service.AskRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	resp, err := s.svc.Ask(r.Context(), req)
	if err != nil {
		writeQueryError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// handleExecution serves /api/execution/{id}, /{id}/results and
// /{id}/cancel.
func (s *server) handleExecution(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/api/execution/")
	parts := strings.Split(rest, "/")
	id := parts[0]

	switch {
	case len(parts) == 1 && r.Method == http.MethodGet:
		snap, err := s.svc.Progress(id)
		if err != nil {
			writeError(w, http.StatusNotFound, err)
			return
		}
		writeJSON(w, http.StatusOK, snap)
	case len(parts) == 2 && parts[1] == "results" && r.Method == http.MethodGet:
		offset, _ := strconv.Atoi(r.URL.Query().Get("offset"))
		limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
		res, err := s.svc.Results(id, offset, limit)
		if err != nil {
			writeQueryError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, res)
	case len(parts) == 2 && parts[1] == "cancel" && r.Method == http.MethodPost:
		if err := s.svc.Cancel(id); err != nil {
			writeError(w, http.StatusNotFound, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "cancelling"})
	default:
		http.Error(w, "not found", http.StatusNotFound)
	}
}

// handleSchema serves /api/schema/{db}/mermaid and /api/schema/{db}/refresh.
func (s *server) handleSchema(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/api/schema/")
	parts := strings.Split(rest, "/")
	if len(parts) != 2 {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}
	id, action := parts[0], parts[1]

	switch {
	case action == "mermaid" && r.Method == http.MethodGet:
		g, err := s.svc.Graph(id)
		if err != nil {
			writeError(w, http.StatusNotFound, err)
			return
		}
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		fmt.Fprint(w, explain.MermaidER(g, nil))
	case action == "refresh" && r.Method == http.MethodPost:
		changed, err := s.svc.RefreshSchema(r.Context(), id)
		if err != nil {
			writeQueryError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]bool{"changed": changed})
	default:
		http.Error(w, "not found", http.StatusNotFound)
	}
}

func (s *server) handleLearning(w http.ResponseWriter, r *http.Request) {
	id := path.Base(r.URL.Path)
	stats, err := s.svc.LearningStats(r.Context(), id)
	if err != nil {
		writeQueryError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

// handleWebSocket pushes execution snapshots every half second until the
// execution reaches a terminal state.
func (s *server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", slog.String("error", err.Error()))
		return
	}
	defer conn.Close()

	execID := r.URL.Query().Get("execution_id")
	if execID == "" {
		return
	}

	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()

	for range ticker.C {
		snap, err := s.svc.Progress(execID)
		if err != nil {
			return
		}
		if err := conn.WriteJSON(snap); err != nil {
			return
		}
		if snap.State.Terminal() {
			return
		}
	}
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch strings.ToLower(level) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

// writeQueryError maps pipeline error kinds onto HTTP statuses.
func writeQueryError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	var qe *qerror.Error
	if errors.As(err, &qe) {
		switch qe.Kind {
		case qerror.KindUnrecognizedIntent, qerror.KindAmbiguousIntent, qerror.KindLowConfidence, qerror.KindRejected:
			status = http.StatusUnprocessableEntity
		case qerror.KindJoinUnreachable, qerror.KindSchemaIncomplete:
			status = http.StatusConflict
		case qerror.KindExecutionTimeout:
			status = http.StatusGatewayTimeout
		case qerror.KindConnectionUnavailable:
			status = http.StatusServiceUnavailable
		}
		writeJSON(w, status, map[string]interface{}{
			"error":    qe.Message,
			"kind":     string(qe.Kind),
			"evidence": qe.Evidence,
		})
		return
	}
	writeError(w, status, err)
}
