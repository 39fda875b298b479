package intent

import (
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"github.com/google/uuid"
	"github.com/texttheater/golang-levenshtein/levenshtein"

	"sorgu/internal/graph"
	"sorgu/internal/nlq"
	"sorgu/internal/qerror"
)

const (
	// fuzzyFloor is the minimum levenshtein similarity for a fuzzy table
	// match to count at all.
	fuzzyFloor = 0.72

	// boostCap bounds the additive learned-history contribution so history
	// can break ties but never overrule the prompt.
	boostCap = 0.15

	// candidateFloor rejects interpretations weaker than this outright.
	candidateFloor = 0.30

	// ambiguityMargin is the gap under which the top two candidates are
	// reported as ambiguous instead of silently picking one.
	ambiguityMargin = 0.10

	// headPreference demotes non-final entity anchors under a superlative.
	// Turkish puts the head noun last: in "en çok sipariş veren müşteri" the
	// selected entity is müşteri, sipariş is the thing being counted.
	headPreference = 0.85
)

// Matcher resolves tokens to ranked intent candidates.
type Matcher struct {
	recognizers []Recognizer
	learned     LearnedIndex // optional
	logger      *slog.Logger
}

func NewMatcher(learned LearnedIndex, logger *slog.Logger) *Matcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Matcher{
		recognizers: defaultRecognizers(),
		learned:     learned,
		logger:      logger,
	}
}

// Match returns candidates best first. It fails with UnrecognizedIntent when
// nothing clears the floor and AmbiguousIntent when the top two are too
// close to call.
func (m *Matcher) Match(databaseID string, tokens []nlq.Token, g *graph.Graph) ([]Candidate, error) {
	if len(g.Tables) == 0 {
		return nil, qerror.New(qerror.KindSchemaIncomplete, "schema graph has no tables")
	}

	anchors := m.anchorTables(tokens, g)
	if len(anchors) == 0 {
		return nil, qerror.New(qerror.KindUnrecognizedIntent,
			"no table in the schema matches the prompt",
			nlq.Words(tokens)...)
	}

	if hasSuperlative(tokens) && len(anchors) > 1 {
		head := 0
		for i, a := range anchors {
			if a.lastWord > anchors[head].lastWord {
				head = i
			}
		}
		for i := range anchors {
			if i != head {
				anchors[i].score *= headPreference
			}
		}
	}

	words := nlq.Words(tokens)
	var candidates []Candidate
	for _, a := range anchors {
		in := Intent{Kind: KindList, Table: a.table, TableName: g.Tables[a.table].Name}
		evidence := append([]string(nil), a.evidence...)
		for _, r := range m.recognizers {
			applied, ev := r.Apply(tokens, g, &in)
			if applied {
				evidence = append(evidence, ev...)
			}
		}

		score := a.score
		if m.learned != nil {
			// The boost is additive on top of the lexical score; downstream
			// blending clamps, so history breaks ties without overruling
			// the prompt.
			if b := m.learned.Boost(databaseID, words, in.TableName); b > 0 {
				if b > boostCap {
					b = boostCap
				}
				score += b
				evidence = append(evidence, fmt.Sprintf("history boost +%.2f", b))
			}
		}

		candidates = append(candidates, Candidate{
			ID:       uuid.NewString(),
			Intent:   in,
			Score:    score,
			Evidence: evidence,
			Source:   a.source,
		})
	}

	sort.SliceStable(candidates, func(i, j int) bool { return candidates[i].Score > candidates[j].Score })

	if candidates[0].Score < candidateFloor {
		return nil, qerror.New(qerror.KindUnrecognizedIntent,
			"best interpretation is below the confidence floor",
			fmt.Sprintf("top score %.2f for table %s", candidates[0].Score, candidates[0].Intent.TableName))
	}
	if len(candidates) > 1 && candidates[0].Score-candidates[1].Score < ambiguityMargin &&
		candidates[0].Intent.TableName != candidates[1].Intent.TableName {
		return candidates, qerror.New(qerror.KindAmbiguousIntent,
			"prompt matches multiple tables equally well",
			candidates[0].Intent.TableName, candidates[1].Intent.TableName)
	}

	m.logger.Debug("intent matched",
		slog.String("table", candidates[0].Intent.TableName),
		slog.String("kind", string(candidates[0].Intent.Kind)),
		slog.Float64("score", candidates[0].Score),
		slog.Int("candidates", len(candidates)))
	return candidates, nil
}

type anchor struct {
	table    int
	score    float64
	source   string
	evidence []string
	lastWord int // token index of the latest word that matched this table
}

func hasSuperlative(tokens []nlq.Token) bool {
	for _, t := range tokens {
		if t.Kind == nlq.KindOperator && (t.Op == nlq.OpMax || t.Op == nlq.OpMin) {
			return true
		}
	}
	return false
}

// anchorTables runs the three resolution stages. Exact and lexicon hits
// suppress fuzzy ones for the same table; every stage may contribute
// distinct tables.
func (m *Matcher) anchorTables(tokens []nlq.Token, g *graph.Graph) []anchor {
	found := map[int]anchor{}

	for pos, t := range tokens {
		if t.Kind != nlq.KindWord {
			continue
		}

		// Stage 1: exact or lexicon resolution. One word may name several
		// tables (synonym tags); every match anchors so ambiguity can
		// surface downstream.
		if matches := resolveTables(g, t.Text); len(matches) > 0 {
			for _, idx := range matches {
				prev, seen := found[idx]
				if !seen || prev.score < 1.0 {
					found[idx] = anchor{
						table:    idx,
						score:    1.0,
						source:   "exact",
						evidence: []string{fmt.Sprintf("%q names table %s", t.Raw, g.Tables[idx].Name)},
						lastWord: pos,
					}
				} else {
					prev.lastWord = pos
					found[idx] = prev
				}
			}
			continue
		}

		// Stage 2: fuzzy match against table names, typo tolerance.
		idx, sim := m.fuzzyTable(t.Text, g)
		if idx < 0 || sim < fuzzyFloor {
			continue
		}
		if prev, seen := found[idx]; seen && prev.score >= sim {
			prev.lastWord = pos
			found[idx] = prev
			continue
		}
		found[idx] = anchor{
			table:    idx,
			score:    sim,
			source:   "fuzzy",
			evidence: []string{fmt.Sprintf("%q resembles table %s (%.2f)", t.Raw, g.Tables[idx].Name, sim)},
			lastWord: pos,
		}
	}

	out := make([]anchor, 0, len(found))
	for _, a := range found {
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].score != out[j].score {
			return out[i].score > out[j].score
		}
		return out[i].table < out[j].table
	})
	return out
}

// resolveTables matches a word to every table it can name, by canonical
// name or shared lexicon tag. Synonymous tables ("users" and "uyeler")
// all match the same word.
func resolveTables(g *graph.Graph, word string) []int {
	canon := graph.Singularize(graph.FoldTurkish(word))
	wordTags := tagsFor(canon)
	var matches []int
	for i, t := range g.Tables {
		if graph.Singularize(graph.FoldTurkish(t.Name)) == canon {
			matches = append(matches, i)
			continue
		}
	tags:
		for _, tag := range t.NamingTags {
			for _, wt := range wordTags {
				if tag == wt {
					matches = append(matches, i)
					break tags
				}
			}
		}
	}
	return matches
}

func (m *Matcher) fuzzyTable(word string, g *graph.Graph) (int, float64) {
	canon := graph.Singularize(graph.FoldTurkish(word))
	if len(canon) < 4 {
		return -1, 0
	}
	best, bestSim := -1, 0.0
	for i, t := range g.Tables {
		name := graph.Singularize(graph.FoldTurkish(t.Name))
		sim := levenshtein.RatioForStrings([]rune(canon), []rune(name), levenshtein.DefaultOptions)
		if sim > bestSim {
			best, bestSim = i, sim
		}
	}
	return best, bestSim
}

// tagsFor returns the lexicon labels a prompt word maps to.
func tagsFor(canon string) []string {
	var tags []string
	for label, variants := range graph.EntityLexicon() {
		for _, v := range variants {
			if canon == v || strings.TrimSuffix(canon, "i") == v {
				tags = append(tags, label)
				break
			}
		}
	}
	return tags
}
