package contextfit

import (
	"regexp"
	"sort"
	"strconv"
	"strings"
	"unicode"
)

// DefaultSubjectKeywords maps subjects to the terms used to infer a query's
// subject and to score keyword hits. English and Indonesian terms are mixed.
func DefaultSubjectKeywords() map[string][]string {
	return map[string][]string{
		"math": {
			"equation", "fraction", "algebra", "geometry", "number", "angle", "triangle",
			"multiply", "divide", "percent", "persamaan", "pecahan", "bilangan", "sudut", "segitiga",
		},
		"biology": {
			"cell", "photosynthesis", "plant", "animal", "organism", "ecosystem", "gene",
			"sel", "fotosintesis", "tumbuhan", "hewan", "organisme", "ekosistem",
		},
		"physics": {
			"force", "energy", "motion", "velocity", "gravity", "electric", "wave",
			"gaya", "energi", "gerak", "kecepatan", "gravitasi", "listrik", "gelombang",
		},
		"chemistry": {
			"atom", "molecule", "reaction", "element", "compound", "acid", "base",
			"molekul", "reaksi", "unsur", "senyawa", "asam", "basa",
		},
		"history": {
			"war", "kingdom", "independence", "colonial", "revolution", "empire",
			"sejarah", "perang", "kerajaan", "kemerdekaan", "penjajahan",
		},
		"geography": {
			"climate", "map", "continent", "river", "mountain", "population",
			"iklim", "peta", "benua", "sungai", "gunung", "penduduk",
		},
	}
}

var gradePattern = regexp.MustCompile(`(?i)\b(?:grade|class|year|kelas)\s*-?\s*(\d{1,2})\b`)

// InferGrade extracts a grade level such as "grade 7" or "kelas 8" from text.
// It returns 0 when none is present.
func InferGrade(text string) int {
	m := gradePattern.FindStringSubmatch(text)
	if m == nil {
		return 0
	}
	g, err := strconv.Atoi(m[1])
	if err != nil || g <= 0 || g > 12 {
		return 0
	}
	return g
}

// InferSubject picks the subject with the most keyword hits in text. Ties go
// to the alphabetically first subject; no hits yields "".
func InferSubject(text string, keywords map[string][]string) string {
	words := wordSet(text)
	subjects := make([]string, 0, len(keywords))
	for s := range keywords {
		subjects = append(subjects, s)
	}
	sort.Strings(subjects)

	best, bestHits := "", 0
	for _, s := range subjects {
		hits := countHits(words, keywords[s])
		if hits > bestHits {
			best, bestHits = s, hits
		}
	}
	return best
}

var stopwords = map[string]struct{}{
	"the": {}, "and": {}, "for": {}, "are": {}, "was": {}, "what": {}, "how": {}, "why": {},
	"does": {}, "with": {}, "that": {}, "this": {}, "from": {}, "into": {}, "about": {},
	"yang": {}, "dan": {}, "apa": {}, "bagaimana": {}, "mengapa": {}, "dengan": {}, "untuk": {},
	"adalah": {}, "dari": {}, "pada": {}, "dalam": {}, "itu": {}, "ini": {},
}

func tokenize(text string) []string {
	return strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
}

func wordSet(text string) map[string]struct{} {
	set := make(map[string]struct{})
	for _, w := range tokenize(text) {
		set[w] = struct{}{}
	}
	return set
}

func queryTerms(text string) []string {
	seen := make(map[string]struct{})
	var terms []string
	for _, w := range tokenize(text) {
		if len([]rune(w)) < 3 {
			continue
		}
		if _, stop := stopwords[w]; stop {
			continue
		}
		if _, dup := seen[w]; dup {
			continue
		}
		seen[w] = struct{}{}
		terms = append(terms, w)
	}
	return terms
}

func countHits(words map[string]struct{}, keywords []string) int {
	hits := 0
	for _, k := range keywords {
		if _, ok := words[k]; ok {
			hits++
		}
	}
	return hits
}

func clamp01(v float64) float64 {
	switch {
	case v < 0:
		return 0
	case v > 1:
		return 1
	default:
		return v
	}
}
