package modelkit

import (
	"strings"
	"unicode"

	"github.com/go-openapi/inflect"
)

// snakeCase converts a model name to its conventional table name:
// "YellowSubmarine" becomes "yellow_submarine", "HTTPRequest" becomes
// "http_request".
func snakeCase(name string) string {
	name = strings.NewReplacer("-", "_", " ", "_").Replace(name)
	return inflect.Underscore(softenAcronyms(name))
}

// softenAcronyms lowers the tail of upper-case runs so each run splits as a
// single word: "HTTPRequest" becomes "HttpRequest".
func softenAcronyms(s string) string {
	r := []rune(s)
	out := make([]rune, len(r))
	for i, c := range r {
		out[i] = c
		if i == 0 || !unicode.IsUpper(c) || !unicode.IsUpper(r[i-1]) {
			continue
		}
		if i+1 < len(r) && unicode.IsLower(r[i+1]) {
			continue
		}
		out[i] = unicode.ToLower(c)
	}
	return string(out)
}

// titleCase converts a column name to a label for messages
func titleCase(name string) string {
	return inflect.Titleize(name)
}

// camelCase converts a column name to an exported Go identifier
func camelCase(name string) string {
	return inflect.Camelize(name)
}

func joinColumns(cols []string) string {
	return strings.Join(cols, ", ")
}
