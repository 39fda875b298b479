// Package nlq tokenizes and normalizes natural-language prompts. Normalize
// is a pure function: no locks, no state, no I/O.
package nlq

import (
	"strings"
	"unicode"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"
)

// TokenKind classifies a normalized token.
type TokenKind string

const (
	KindWord     TokenKind = "word"
	KindOperator TokenKind = "operator" // aggregate operator keyword
	KindOrder    TokenKind = "order"    // ordering direction keyword
	KindNumber   TokenKind = "number"
	KindLiteral  TokenKind = "literal"   // quoted string, preserved verbatim
	KindDateWord TokenKind = "date_word" // relative date keyword (bugün, geçen ay)
)

// Operator names emitted for KindOperator tokens.
const (
	OpMax   = "MAX"
	OpMin   = "MIN"
	OpSum   = "SUM"
	OpAvg   = "AVG"
	OpCount = "COUNT"
)

// Token is one unit of the normalized prompt.
type Token struct {
	Text string    `json:"text"` // folded lower-case form, or verbatim for literals
	Raw  string    `json:"raw"`  // original surface form
	Kind TokenKind `json:"kind"`
	Op   string    `json:"op,omitempty"`   // operator or direction for operator/order kinds
	Date string    `json:"date,omitempty"` // canonical range name for date words
}

// Multi-word keyword phrases are matched before single tokens so "en çok"
// becomes one MAX token instead of a stopword plus "çok".
var phraseOperators = []struct {
	phrase string
	kind   TokenKind
	op     string
	date   string
}{
	{"en çok", KindOperator, OpMax, ""},
	{"en fazla", KindOperator, OpMax, ""},
	{"en yüksek", KindOperator, OpMax, ""},
	{"en büyük", KindOperator, OpMax, ""},
	{"en az", KindOperator, OpMin, ""},
	{"en düşük", KindOperator, OpMin, ""},
	{"en küçük", KindOperator, OpMin, ""},
	{"kaç tane", KindOperator, OpCount, ""},
	{"ne kadar", KindOperator, OpSum, ""},
	{"büyükten küçüğe", KindOrder, "DESC", ""},
	{"küçükten büyüğe", KindOrder, "ASC", ""},
	{"geçen ay", KindDateWord, "", "last_month"},
	{"bu ay", KindDateWord, "", "this_month"},
	{"geçen yıl", KindDateWord, "", "last_year"},
	{"bu yıl", KindDateWord, "", "this_year"},
	{"bu hafta", KindDateWord, "", "this_week"},
	{"geçen hafta", KindDateWord, "", "last_week"},
}

var wordOperators = map[string]struct {
	kind TokenKind
	op   string
	date string
}{
	"toplam":    {KindOperator, OpSum, ""},
	"toplamı":   {KindOperator, OpSum, ""},
	"ortalama":  {KindOperator, OpAvg, ""},
	"ortalaması": {KindOperator, OpAvg, ""},
	"kaç":       {KindOperator, OpCount, ""},
	"sayı":      {KindOperator, OpCount, ""},
	"sayısı":    {KindOperator, OpCount, ""},
	"adet":      {KindOperator, OpCount, ""},
	"adedi":     {KindOperator, OpCount, ""},
	"maksimum":  {KindOperator, OpMax, ""},
	"minimum":   {KindOperator, OpMin, ""},
	"azalan":    {KindOrder, "DESC", ""},
	"artan":     {KindOrder, "ASC", ""},
	"bugün":     {KindDateWord, "", "today"},
	"dün":       {KindDateWord, "", "yesterday"},
}

// Turkish stopwords. "en", "çok" and "az" are absent on purpose: they only
// matter inside operator phrases, which are consumed first.
var stopwords = map[string]struct{}{
	"ve": {}, "ile": {}, "bir": {}, "bu": {}, "şu": {}, "o": {}, "olarak": {}, "olan": {},
	"veya": {}, "ya": {}, "ki": {}, "de": {}, "da": {}, "için": {}, "gibi": {},
	"kadar": {}, "daha": {}, "var": {}, "mı": {}, "mi": {}, "mu": {}, "mü": {},
	"dan": {}, "den": {}, "tan": {}, "ten": {}, "nın": {}, "nin": {}, "nun": {}, "nün": {},
	"the": {}, "a": {}, "an": {}, "of": {}, "in": {}, "is": {}, "are": {},
}

var turkishLower = cases.Lower(language.Turkish)

// Normalize tokenizes text with Turkish-correct casefolding, drops
// stopwords, maps locale keywords to operators and preserves quoted
// literals and numbers. Idempotent over its own word output.
func Normalize(text string) []Token {
	raw := splitRaw(text)
	var tokens []Token

	for i := 0; i < len(raw); i++ {
		if raw[i].literal {
			tokens = append(tokens, Token{Text: raw[i].text, Raw: raw[i].text, Kind: KindLiteral})
			continue
		}

		lower := turkishLower.String(raw[i].text)

		if tok, consumed := matchPhrase(raw, i, lower); consumed > 0 {
			tokens = append(tokens, tok)
			i += consumed - 1
			continue
		}

		if isNumber(lower) {
			tokens = append(tokens, Token{Text: lower, Raw: raw[i].text, Kind: KindNumber})
			continue
		}

		if w, ok := wordOperators[lower]; ok {
			tokens = append(tokens, Token{Text: lower, Raw: raw[i].text, Kind: w.kind, Op: w.op, Date: w.date})
			continue
		}

		if _, ok := stopwords[lower]; ok {
			continue
		}
		if len([]rune(lower)) < 2 {
			continue
		}
		tokens = append(tokens, Token{Text: lower, Raw: raw[i].text, Kind: KindWord})
	}
	return tokens
}

func matchPhrase(raw []rawToken, i int, firstLower string) (Token, int) {
	for _, p := range phraseOperators {
		words := strings.Fields(p.phrase)
		if firstLower != words[0] || i+len(words) > len(raw) {
			continue
		}
		match := true
		surface := raw[i].text
		for j := 1; j < len(words); j++ {
			if raw[i+j].literal || turkishLower.String(raw[i+j].text) != words[j] {
				match = false
				break
			}
			surface += " " + raw[i+j].text
		}
		if !match {
			continue
		}
		return Token{Text: p.phrase, Raw: surface, Kind: p.kind, Op: p.op, Date: p.date}, len(words)
	}
	return Token{}, 0
}

type rawToken struct {
	text    string
	literal bool
}

// splitRaw splits on whitespace and punctuation while keeping quoted spans
// ('...' or "...") intact as literal tokens.
func splitRaw(text string) []rawToken {
	var out []rawToken
	var cur strings.Builder
	flush := func() {
		if cur.Len() > 0 {
			out = append(out, rawToken{text: cur.String()})
			cur.Reset()
		}
	}

	runes := []rune(text)
	for i := 0; i < len(runes); i++ {
		r := runes[i]
		// Mid-word apostrophe is the Turkish suffix separator (100'den,
		// Ankara'da), not a quote. Split there instead of opening a literal.
		if r == '\'' && cur.Len() > 0 {
			flush()
			continue
		}
		if r == '\'' || r == '"' {
			flush()
			quote := r
			var lit strings.Builder
			for i++; i < len(runes) && runes[i] != quote; i++ {
				lit.WriteRune(runes[i])
			}
			out = append(out, rawToken{text: lit.String(), literal: true})
			continue
		}
		if unicode.IsSpace(r) || r == ',' || r == ';' || r == '?' || r == '!' {
			flush()
			continue
		}
		cur.WriteRune(r)
	}
	flush()
	return out
}

func isNumber(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

// Words returns only the plain word texts, the matcher's entity-lookup view.
func Words(tokens []Token) []string {
	var out []string
	for _, t := range tokens {
		if t.Kind == KindWord {
			out = append(out, t.Text)
		}
	}
	return out
}
