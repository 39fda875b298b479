package graph

import (
	"strings"
)

// entityLexicon maps canonical entity labels to naming variants seen in the
// wild, Turkish and English. Matching happens on folded, singularized names
// so "Musteriler", "müşteri" and "customers" all land on "musteri".
var entityLexicon = map[string][]string{
	"kullanici": {"kullanici", "user", "uye", "member", "account"},
	"musteri":   {"musteri", "customer", "client", "alici"},
	"urun":      {"urun", "product", "item", "mal"},
	"siparis":   {"siparis", "order", "satis", "sale"},
	"kategori":  {"kategori", "category", "grup", "group"},
	"tedarikci": {"tedarikci", "supplier", "saglayici", "vendor"},
	"calisan":   {"calisan", "employee", "personel", "staff"},
	"departman": {"departman", "department", "birim"},
	"fatura":    {"fatura", "invoice"},
	"odeme":     {"odeme", "payment"},
	"adres":     {"adres", "address"},
}

var nameColumns = map[string]struct{}{
	"name": {}, "ad": {}, "adi": {}, "isim": {}, "unvan": {}, "title": {},
	"username": {}, "full_name": {}, "fullname": {}, "surname": {}, "soyad": {},
	"label": {}, "baslik": {},
}

var categoryColumns = map[string]struct{}{
	"category": {}, "kategori": {}, "type": {}, "tip": {}, "tur": {},
	"status": {}, "durum": {}, "segment": {}, "state": {}, "grup": {}, "group": {},
	"level": {}, "seviye": {}, "role": {}, "rol": {},
}

var amountNames = []string{
	"amount", "tutar", "total", "toplam", "price", "fiyat", "fee", "ucret",
	"salary", "maas", "cost", "maliyet", "balance", "bakiye", "revenue", "ciro",
	"quantity", "miktar", "adet",
}

var dateNames = []string{
	"date", "tarih", "time", "zaman", "created", "updated", "deleted", "_at",
}

// EntityLexicon exposes the naming lexicon for prompt-side matching.
// Callers must treat the map as read-only.
func EntityLexicon() map[string][]string { return entityLexicon }

// FoldTurkish maps Turkish-specific letters to their ASCII neighbours so
// schema names written with and without diacritics compare equal. This is a
// matching aid only; user-facing text keeps its diacritics.
func FoldTurkish(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range strings.ToLower(s) {
		switch r {
		case 'ı', 'î':
			b.WriteRune('i')
		case 'ğ':
			b.WriteRune('g')
		case 'ü', 'û':
			b.WriteRune('u')
		case 'ş':
			b.WriteRune('s')
		case 'ö':
			b.WriteRune('o')
		case 'ç':
			b.WriteRune('c')
		default:
			b.WriteRune(r)
		}
	}
	return b.String()
}

// Singularize strips common Turkish and English plural (and trailing
// possessive) suffixes from an already-folded word.
func Singularize(word string) string {
	w := word
	// Turkish plural + possessive chains first: musterileri -> musteri.
	for _, suf := range []string{"larin", "lerin", "lari", "leri", "lar", "ler"} {
		if strings.HasSuffix(w, suf) && len(w) > len(suf)+2 {
			return strings.TrimSuffix(w, suf)
		}
	}
	if strings.HasSuffix(w, "ies") && len(w) > 4 {
		return strings.TrimSuffix(w, "ies") + "y"
	}
	if strings.HasSuffix(w, "es") && len(w) > 4 &&
		(strings.HasSuffix(w, "ses") || strings.HasSuffix(w, "xes") || strings.HasSuffix(w, "ches") || strings.HasSuffix(w, "shes")) {
		return strings.TrimSuffix(w, "es")
	}
	// Bare -s after a consonant or -e only: Turkish singulars like
	// "siparis", "satis" and "kurulus" end in another vowel plus s and
	// must stay intact, while "sales" and "types" still strip.
	if n := len(w); n > 3 && w[n-1] == 's' && !strings.ContainsRune("saiou", rune(w[n-2])) {
		return w[:n-1]
	}
	return w
}

// canonicalForm folds and singularizes one identifier segment.
func canonicalForm(s string) string {
	return Singularize(FoldTurkish(s))
}

// classifyTable assigns canonical entity labels from the lexicon.
func classifyTable(name string) []string {
	canon := canonicalForm(name)
	var tags []string
	for label, variants := range entityLexicon {
		for _, v := range variants {
			if canon == v {
				tags = append(tags, label)
				break
			}
		}
	}
	return tags
}

// classifyColumn assigns the semantic tag for one column, falling back to
// TagUnknown rather than guessing.
func classifyColumn(col ColumnDef, isPK bool) SemanticTag {
	name := FoldTurkish(col.Name)
	dtype := strings.ToLower(col.DataType)

	if isPK || name == "id" || strings.HasSuffix(name, "_id") || strings.HasSuffix(name, "id") && len(name) > 2 && isIntegerType(dtype) {
		return TagID
	}
	for _, d := range dateNames {
		if strings.Contains(name, d) {
			return TagDate
		}
	}
	if strings.Contains(dtype, "date") || strings.Contains(dtype, "time") {
		return TagDate
	}
	if _, ok := nameColumns[name]; ok {
		return TagName
	}
	if _, ok := categoryColumns[name]; ok {
		return TagCategory
	}
	for _, a := range amountNames {
		if strings.Contains(name, a) && isNumericType(dtype) {
			return TagAmount
		}
	}
	return TagUnknown
}

func isIntegerType(dtype string) bool {
	for _, t := range []string{"int", "serial", "bigserial"} {
		if strings.Contains(dtype, t) {
			return true
		}
	}
	return false
}

func isNumericType(dtype string) bool {
	for _, t := range []string{"int", "decimal", "numeric", "float", "double", "money", "real"} {
		if strings.Contains(dtype, t) {
			return true
		}
	}
	return false
}
