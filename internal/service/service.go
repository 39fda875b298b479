// Package service wires normalization, matching, join resolution, SQL
// assembly, scoring, learning and execution into one query pipeline.
package service

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"sorgu/internal/adapter"
	"sorgu/internal/engine"
	"sorgu/internal/explain"
	"sorgu/internal/graph"
	"sorgu/internal/intent"
	"sorgu/internal/joinpath"
	"sorgu/internal/learning"
	"sorgu/internal/llm"
	"sorgu/internal/nlq"
	"sorgu/internal/qerror"
	"sorgu/internal/score"
	"sorgu/internal/sqlgen"
)

// learnThreshold gates what enters the learning store: only outcomes the
// scorer already trusted.
const learnThreshold = 0.7

// candidateTTL bounds how long a withheld candidate stays confirmable.
const candidateTTL = 10 * time.Minute

// Service is the query pipeline front door. Safe for concurrent use.
type Service struct {
	builder *graph.Builder
	matcher *intent.Matcher
	store   learning.Store
	eng     *engine.Engine
	model   llm.Client // optional
	blend   float64
	logger  *slog.Logger

	mu        sync.RWMutex
	databases map[string]*database

	candMu     sync.Mutex
	candidates map[string]*pending
	learnQueue map[string]*learning.Record
}

type database struct {
	introspector adapter.Introspector
	dialect      sqlgen.Dialect
	snapshot     atomic.Pointer[graph.Graph]
}

// pending is a withheld interpretation waiting for user confirmation.
type pending struct {
	databaseID string
	question   string
	words      []string
	statement  *sqlgen.Statement
	table      string
	confidence float64
	expected   int64
	createdAt  time.Time
}

// Options carries the optional collaborators.
type Options struct {
	Store       learning.Store
	Model       llm.Client
	BlendWeight float64
	Logger      *slog.Logger
}

func New(eng *engine.Engine, opts Options) *Service {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Store == nil {
		opts.Store = learning.NewMemoryStore()
	}
	s := &Service{
		builder:    graph.NewBuilder(opts.Logger),
		matcher:    intent.NewMatcher(opts.Store, opts.Logger),
		store:      opts.Store,
		eng:        eng,
		model:      opts.Model,
		blend:      opts.BlendWeight,
		logger:     opts.Logger,
		databases:  make(map[string]*database),
		candidates: make(map[string]*pending),
		learnQueue: make(map[string]*learning.Record),
	}
	eng.OnOutcome(s.recordOutcome)
	return s
}

// RegisterDatabase introspects the target and builds its first schema
// snapshot.
func (s *Service) RegisterDatabase(ctx context.Context, id string, intro adapter.Introspector, dialect sqlgen.Dialect) error {
	meta, err := intro.Introspect(ctx)
	if err != nil {
		return qerror.Wrap(qerror.KindSchemaIncomplete, "introspection failed", err)
	}
	db := &database{introspector: intro, dialect: dialect}
	db.snapshot.Store(s.builder.Build(meta))

	s.mu.Lock()
	s.databases[id] = db
	s.mu.Unlock()
	return nil
}

// RefreshSchema re-introspects and swaps in a fresh snapshot when the
// structural fingerprint moved. Returns whether a swap happened.
func (s *Service) RefreshSchema(ctx context.Context, id string) (bool, error) {
	db, err := s.database(id)
	if err != nil {
		return false, err
	}
	meta, err := db.introspector.Introspect(ctx)
	if err != nil {
		return false, qerror.Wrap(qerror.KindSchemaIncomplete, "introspection failed", err)
	}
	if meta.Fingerprint() == db.snapshot.Load().Fingerprint {
		return false, nil
	}
	db.snapshot.Store(s.builder.Build(meta))
	s.logger.Info("schema drift detected, snapshot rebuilt", slog.String("database", id))
	return true, nil
}

// Graph returns the current snapshot, for rendering and diagnostics.
func (s *Service) Graph(id string) (*graph.Graph, error) {
	db, err := s.database(id)
	if err != nil {
		return nil, err
	}
	return db.snapshot.Load(), nil
}

// AskRequest is one natural-language query.
type AskRequest struct {
	DatabaseID string `json:"database_id"`
	Question   string `json:"question"`
	// CandidateID confirms a previously withheld interpretation; when set
	// the pipeline is skipped and that statement executes as-is.
	CandidateID string        `json:"candidate_id,omitempty"`
	Timeout     time.Duration `json:"-"`
}

// CandidateView is one interpretation offered back to the caller.
type CandidateView struct {
	ID         string   `json:"id"`
	Table      string   `json:"table"`
	SQL        string   `json:"sql"`
	Confidence float64  `json:"confidence"`
	Evidence   []string `json:"evidence"`
}

// AskResponse reports what the pipeline decided.
type AskResponse struct {
	Decision    score.Decision  `json:"decision"`
	Confidence  float64         `json:"confidence"`
	SQL         string          `json:"sql,omitempty"`
	ExecutionID string          `json:"execution_id,omitempty"`
	Candidates  []CandidateView `json:"candidates,omitempty"`
	Plan        *explain.Plan   `json:"plan,omitempty"`
}

// Ask runs the full pipeline: normalize, match, resolve joins, assemble,
// score, then execute or withhold.
func (s *Service) Ask(ctx context.Context, req AskRequest) (*AskResponse, error) {
	if req.CandidateID != "" {
		return s.confirm(req)
	}

	db, err := s.database(req.DatabaseID)
	if err != nil {
		return nil, err
	}
	g := db.snapshot.Load()

	tokens := nlq.Normalize(req.Question)
	words := nlq.Words(tokens)

	cands, err := s.matcher.Match(req.DatabaseID, tokens, g)
	if err != nil {
		if qerror.KindOf(err) == qerror.KindAmbiguousIntent {
			return s.withholdAmbiguous(req, db, g, cands, words)
		}
		if qerror.KindOf(err) == qerror.KindUnrecognizedIntent && s.model != nil {
			return s.askModel(ctx, req, g)
		}
		return nil, err
	}

	best := cands[0]
	prep, sc, pl, err := s.prepare(db, g, best, words)
	if err != nil {
		return nil, err
	}

	resp := &AskResponse{
		Decision:   sc.Decision,
		Confidence: sc.Confidence,
		SQL:        prep.statement.SQL,
		Plan:       &pl,
	}

	switch sc.Decision {
	case score.DecisionReject:
		return nil, qerror.New(qerror.KindLowConfidence,
			"no interpretation is trustworthy enough", pl.Steps...)
	case score.DecisionWithhold:
		prep.databaseID = req.DatabaseID
		prep.question = req.Question
		resp.Candidates = []CandidateView{{
			ID:         s.remember(prep),
			Table:      prep.table,
			SQL:        prep.statement.SQL,
			Confidence: sc.Confidence,
			Evidence:   best.Evidence,
		}}
		return resp, nil
	default:
		exec := s.eng.Submit(engine.Request{
			DatabaseID:   req.DatabaseID,
			Statement:    prep.statement,
			ExpectedRows: prep.expected,
			Timeout:      req.Timeout,
		})
		s.stashForLearning(exec.ID, prep, req, sc.Confidence)
		resp.ExecutionID = exec.ID
		return resp, nil
	}
}

// prepare turns a matched candidate into an executable statement with its
// score and explanation.
func (s *Service) prepare(db *database, g *graph.Graph, cand intent.Candidate, words []string) (*pending, score.Result, explain.Plan, error) {
	var plan *joinpath.Plan
	if len(cand.Intent.ExtraTables) > 0 {
		var err error
		plan, err = joinpath.Resolve(g, cand.Intent.Table, cand.Intent.ExtraTables)
		if err != nil {
			return nil, score.Result{}, explain.Plan{}, err
		}
	}

	gen := sqlgen.NewGenerator(db.dialect)
	st, err := gen.Build(g, cand.Intent, plan)
	if err != nil {
		return nil, score.Result{}, explain.Plan{}, err
	}

	inputs := score.Inputs{
		Lexical:    cand.Score,
		SchemaName: schemaNameScore(cand),
		Historical: historicalScore(s.store, g.DatabaseID, words, cand.Intent.TableName),
	}
	if plan != nil {
		inputs.JoinHops = plan.Hops
		inputs.JoinInferred = plan.Inferred()
	}
	sc := score.Blend(inputs)
	pl := explain.Describe(cand, plan, sc)

	var expected int64
	if cand.Intent.Table >= 0 && cand.Intent.Table < len(g.Tables) {
		expected = g.Tables[cand.Intent.Table].RowEstimate
		if int64(st.RowCap) > 0 && expected > int64(st.RowCap) {
			expected = int64(st.RowCap)
		}
	}

	return &pending{
		databaseID: g.DatabaseID,
		words:      words,
		statement:  st,
		table:      cand.Intent.TableName,
		confidence: sc.Confidence,
		expected:   expected,
		createdAt:  time.Now(),
	}, sc, pl, nil
}

// withholdAmbiguous returns every near-tied interpretation for the caller
// to pick from.
func (s *Service) withholdAmbiguous(req AskRequest, db *database, g *graph.Graph, cands []intent.Candidate, words []string) (*AskResponse, error) {
	resp := &AskResponse{Decision: score.DecisionWithhold}
	var lastErr error
	for _, cand := range cands {
		prep, sc, _, err := s.prepare(db, g, cand, words)
		if err != nil {
			lastErr = err
			continue
		}
		prep.question = req.Question
		resp.Candidates = append(resp.Candidates, CandidateView{
			ID:         s.remember(prep),
			Table:      prep.table,
			SQL:        prep.statement.SQL,
			Confidence: sc.Confidence,
			Evidence:   cand.Evidence,
		})
	}
	if len(resp.Candidates) == 0 {
		// Every near-tied reading failed to assemble; the underlying cause
		// (usually an unreachable join) is more useful than the tie itself.
		if lastErr != nil {
			return nil, lastErr
		}
		return nil, qerror.New(qerror.KindAmbiguousIntent, "no interpretation could be assembled")
	}
	if resp.Candidates[0].Confidence > resp.Confidence {
		resp.Confidence = resp.Candidates[0].Confidence
	}
	return resp, nil
}

// askModel is the generative fallback for prompts the rule pipeline cannot
// read. Model output is validated, scored through the blend weight and
// never executed above it.
func (s *Service) askModel(ctx context.Context, req AskRequest, g *graph.Graph) (*AskResponse, error) {
	cand, err := s.model.Suggest(ctx, req.Question, g)
	if err != nil {
		return nil, qerror.New(qerror.KindUnrecognizedIntent,
			"no table in the schema matches the prompt")
	}

	confidence := cand.Confidence * s.blend
	decision := score.DecisionWithhold
	if confidence < score.RejectThreshold {
		return nil, qerror.New(qerror.KindLowConfidence, "model reading is not trustworthy enough")
	}

	prep := &pending{
		databaseID: req.DatabaseID,
		question:   req.Question,
		words:      nlq.Words(nlq.Normalize(req.Question)),
		statement:  &sqlgen.Statement{SQL: cand.SQL},
		table:      cand.Table,
		confidence: confidence,
		createdAt:  time.Now(),
	}
	return &AskResponse{
		Decision:   decision,
		Confidence: confidence,
		SQL:        cand.SQL,
		Candidates: []CandidateView{{
			ID:         s.remember(prep),
			Table:      cand.Table,
			SQL:        cand.SQL,
			Confidence: confidence,
			Evidence:   []string{"generated reading: " + cand.Reasoning},
		}},
	}, nil
}

// confirm executes a previously withheld candidate.
func (s *Service) confirm(req AskRequest) (*AskResponse, error) {
	s.candMu.Lock()
	prep, ok := s.candidates[req.CandidateID]
	if ok {
		delete(s.candidates, req.CandidateID)
	}
	s.candMu.Unlock()
	if !ok || time.Since(prep.createdAt) > candidateTTL {
		return nil, qerror.New(qerror.KindRejected, "candidate expired or unknown", req.CandidateID)
	}

	exec := s.eng.Submit(engine.Request{
		DatabaseID:   prep.databaseID,
		Statement:    prep.statement,
		ExpectedRows: prep.expected,
		Timeout:      req.Timeout,
	})
	// A confirmed candidate is trusted regardless of its original score.
	s.stash(exec.ID, &learning.Record{
		DatabaseID: prep.databaseID,
		Question:   prep.question,
		Words:      prep.words,
		Table:      prep.table,
		SQL:        prep.statement.SQL,
		Confidence: learnThreshold + 0.01,
	})
	return &AskResponse{
		Decision:    score.DecisionExecute,
		Confidence:  prep.confidence,
		SQL:         prep.statement.SQL,
		ExecutionID: exec.ID,
	}, nil
}

// Progress returns the engine's view of an execution.
func (s *Service) Progress(id string) (engine.Snapshot, error) {
	exec, ok := s.eng.Get(id)
	if !ok {
		return engine.Snapshot{}, qerror.New(qerror.KindExecutionError, "unknown execution", id)
	}
	return exec.Snapshot(), nil
}

// Cancel requests cancellation of a running execution.
func (s *Service) Cancel(id string) error { return s.eng.Cancel(id) }

// Results returns the row set of a finished execution. offset and limit
// page through the rows; limit <= 0 means everything from offset on.
// RowCount always reports the full set.
func (s *Service) Results(id string, offset, limit int) (*engine.Result, error) {
	exec, ok := s.eng.Get(id)
	if !ok {
		return nil, qerror.New(qerror.KindExecutionError, "unknown execution", id)
	}
	res, err := exec.Result()
	if err != nil {
		return nil, err
	}
	if offset <= 0 && limit <= 0 {
		return res, nil
	}
	page := *res
	if offset < 0 {
		offset = 0
	}
	if offset > len(res.Rows) {
		offset = len(res.Rows)
	}
	end := len(res.Rows)
	if limit > 0 && offset+limit < end {
		end = offset + limit
	}
	page.Rows = res.Rows[offset:end]
	return &page, nil
}

// Wait blocks until the execution finishes or the context expires.
func (s *Service) Wait(ctx context.Context, id string) error {
	exec, ok := s.eng.Get(id)
	if !ok {
		return qerror.New(qerror.KindExecutionError, "unknown execution", id)
	}
	select {
	case <-exec.Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// LearningStats exposes the per-database learning history summary.
func (s *Service) LearningStats(ctx context.Context, databaseID string) (learning.Stats, error) {
	return s.store.Stats(ctx, databaseID)
}

func (s *Service) database(id string) (*database, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	db, ok := s.databases[id]
	if !ok {
		return nil, qerror.New(qerror.KindExecutionError, "unknown database", id)
	}
	return db, nil
}

func (s *Service) remember(prep *pending) string {
	id := uuid.NewString()
	s.candMu.Lock()
	s.candidates[id] = prep
	// Opportunistic expiry sweep while the lock is held anyway.
	for cid, p := range s.candidates {
		if time.Since(p.createdAt) > candidateTTL {
			delete(s.candidates, cid)
		}
	}
	s.candMu.Unlock()
	return id
}

func (s *Service) stashForLearning(execID string, prep *pending, req AskRequest, confidence float64) {
	s.stash(execID, &learning.Record{
		DatabaseID: req.DatabaseID,
		Question:   req.Question,
		Words:      prep.words,
		Table:      prep.table,
		SQL:        prep.statement.SQL,
		Confidence: confidence,
	})
}

func (s *Service) stash(execID string, rec *learning.Record) {
	s.candMu.Lock()
	s.learnQueue[execID] = rec
	s.candMu.Unlock()
}

// recordOutcome feeds terminal executions into the learning store. Only
// high-confidence interpretations are remembered; cancelled runs say
// nothing about correctness and are skipped.
func (s *Service) recordOutcome(exec *engine.Execution, state engine.State) {
	s.candMu.Lock()
	rec, ok := s.learnQueue[exec.ID]
	if ok {
		delete(s.learnQueue, exec.ID)
	}
	s.candMu.Unlock()
	if !ok || state == engine.StateCancelled {
		return
	}
	if rec.Confidence < learnThreshold {
		return
	}
	rec.Success = state == engine.StateCompleted
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.store.Add(ctx, *rec); err != nil {
		s.logger.Warn("outcome not recorded", slog.String("execution", exec.ID))
	}
}

// schemaNameScore grades how directly the prompt named schema objects. A
// typo never names one, so fuzzy matches keep only half their similarity;
// repeat typos earn their trust back through the historical component.
func schemaNameScore(cand intent.Candidate) float64 {
	switch cand.Source {
	case "exact":
		return 1.0
	case "fuzzy":
		return cand.Score * 0.5
	default:
		return 0.5
	}
}

// historicalScore is the success rate among similar remembered prompts
// that routed to the same table.
func historicalScore(store learning.Store, databaseID string, words []string, table string) float64 {
	neighbors, err := store.Similar(context.Background(), databaseID, words, 20)
	if err != nil || len(neighbors) == 0 {
		return 0
	}
	var total, hit float64
	for _, n := range neighbors {
		if !strings.EqualFold(n.Record.Table, table) {
			continue
		}
		total++
		if n.Record.Success {
			hit++
		}
	}
	if total == 0 {
		return 0
	}
	return hit / total
}
