// Package llm is the optional generative candidate source. When enabled it
// asks a local model for a SELECT reading of the prompt; its output goes
// through the same validation as rule-based candidates and never executes
// unchecked.
package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"sorgu/internal/graph"
	"sorgu/internal/qerror"
	"sorgu/internal/sqlgen"
)

// Candidate is one model-produced reading.
type Candidate struct {
	SQL        string  `json:"sql"`
	Table      string  `json:"table"`
	Confidence float64 `json:"confidence"`
	Reasoning  string  `json:"reasoning"`
}

// Client produces SQL candidates from prompts.
type Client interface {
	Suggest(ctx context.Context, question string, g *graph.Graph) (*Candidate, error)
}

// OllamaClient speaks the Ollama chat API.
type OllamaClient struct {
	baseURL    string
	model      string
	httpClient *http.Client
}

func NewOllamaClient(baseURL, model string, timeout time.Duration) *OllamaClient {
	if timeout <= 0 {
		timeout = 20 * time.Second
	}
	return &OllamaClient{
		baseURL:    strings.TrimRight(baseURL, "/"),
		model:      model,
		httpClient: &http.Client{Timeout: timeout},
	}
}

const systemPrompt = `You translate Turkish or English questions into a single read-only SQL SELECT statement.
Rules:
1. Respond with JSON only: {"sql": "...", "table": "...", "confidence": 0.0-1.0, "reasoning": "..."}
2. Use only the tables and columns listed in the schema.
3. Never produce INSERT, UPDATE, DELETE, DDL, comments or multiple statements.
4. If unsure, lower the confidence instead of guessing wildly.`

// Suggest asks the model for one candidate and validates it against the
// schema before returning it.
func (c *OllamaClient) Suggest(ctx context.Context, question string, g *graph.Graph) (*Candidate, error) {
	prompt := fmt.Sprintf("Schema:\n%s\nQuestion: %s", schemaSummary(g), question)

	reqBody := map[string]interface{}{
		"model":  c.model,
		"stream": false,
		"format": "json",
		"messages": []map[string]string{
			{"role": "system", "content": systemPrompt},
			{"role": "user", "content": prompt},
		},
	}
	data, err := json.Marshal(reqBody)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/chat", bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, qerror.Wrap(qerror.KindConnectionUnavailable, "language model unreachable", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		io.Copy(io.Discard, resp.Body)
		return nil, qerror.New(qerror.KindConnectionUnavailable,
			fmt.Sprintf("language model returned status %d", resp.StatusCode))
	}

	var chat struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&chat); err != nil {
		return nil, qerror.Wrap(qerror.KindExecutionError, "language model response unreadable", err)
	}

	var cand Candidate
	if err := json.Unmarshal([]byte(chat.Message.Content), &cand); err != nil {
		return nil, qerror.Wrap(qerror.KindExecutionError, "language model did not return JSON", err)
	}
	if err := vet(&cand, g); err != nil {
		return nil, err
	}
	return &cand, nil
}

// vet applies the same trust boundary as rule-based candidates: read-only
// shape and known identifiers only.
func vet(cand *Candidate, g *graph.Graph) error {
	if err := sqlgen.Validate(cand.SQL); err != nil {
		return err
	}
	if cand.Table != "" && !g.KnownIdentifier(cand.Table) {
		return qerror.New(qerror.KindRejected, "model referenced a table not in the schema", cand.Table)
	}
	if cand.Confidence < 0 {
		cand.Confidence = 0
	}
	if cand.Confidence > 1 {
		cand.Confidence = 1
	}
	return nil
}

// schemaSummary renders a compact table/column listing for the prompt.
func schemaSummary(g *graph.Graph) string {
	var b strings.Builder
	for _, t := range g.Tables {
		b.WriteString(t.Name)
		b.WriteString("(")
		for i, c := range t.Columns {
			if i > 0 {
				b.WriteString(", ")
			}
			b.WriteString(c.Name)
			b.WriteString(" ")
			b.WriteString(c.DataType)
		}
		b.WriteString(")\n")
	}
	for _, e := range g.Edges {
		fmt.Fprintf(&b, "%s.%s -> %s.%s\n",
			g.Tables[e.From].Name, e.FromColumn, g.Tables[e.To].Name, e.ToColumn)
	}
	return b.String()
}
