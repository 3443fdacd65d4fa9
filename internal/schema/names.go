package schema

import (
	"strconv"
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// NameCleaner turns raw header cells into column names the query engine accepts.
// The returned slice has the same length as the input and contains no duplicates.
type NameCleaner interface {
	Clean(header []string) []string
}

// maxColumnNameLength is the longest column name the query engine accepts.
const maxColumnNameLength = 128

// DefaultNameCleaner lowercases, strips accents, and folds separators to a
// single underscore. Empty names become col_<position> and names starting with
// a digit get a c_ prefix. Duplicates receive a _<n> suffix.
type DefaultNameCleaner struct{}

var _ NameCleaner = DefaultNameCleaner{}

// Clean implements NameCleaner.
func (DefaultNameCleaner) Clean(header []string) []string {
	out := make([]string, len(header))
	taken := make(map[string]bool, len(header))

	for i, raw := range header {
		base := NormalizeName(raw)
		if base == "" {
			base = "col_" + strconv.Itoa(i+1)
		}

		name := base
		for n := 2; taken[name]; n++ {
			suffix := "_" + strconv.Itoa(n)
			name = truncateName(base, maxColumnNameLength-len(suffix)) + suffix
		}

		taken[name] = true
		out[i] = name
	}

	return out
}

// truncateName cuts name to at most n bytes without leaving a trailing underscore.
func truncateName(name string, n int) string {
	if len(name) <= n {
		return name
	}

	return strings.TrimRight(name[:n], "_")
}

// NormalizeName cleans a single name without deduplication.
func NormalizeName(raw string) string {
	s := strings.ToLower(strings.TrimSpace(strings.TrimPrefix(raw, "\ufeff")))

	t := transform.Chain(
		norm.NFD,
		runes.Remove(runes.In(unicode.Mn)),
		norm.NFC,
	)

	ascii, _, err := transform.String(t, s)
	if err != nil {
		ascii = s
	}

	var b strings.Builder

	prevUnderscore := false

	for _, r := range ascii {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)

			prevUnderscore = false
		case r == '_' || unicode.IsSpace(r) || r == '-' || r == '.' || r == '/':
			if !prevUnderscore {
				b.WriteRune('_')

				prevUnderscore = true
			}
		}
	}

	name := strings.Trim(b.String(), "_")
	if name == "" {
		return ""
	}

	if name[0] >= '0' && name[0] <= '9' {
		name = "c_" + name
	}

	return truncateName(name, maxColumnNameLength)
}
