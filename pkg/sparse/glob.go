package sparse

import (
	"regexp"
	"strings"
)

// compileGlob translates a glob pattern into an anchored regular expression.
//
// Patterns containing "**" treat "**" as matching across path separators and
// "*" as matching within one path segment. Plain patterns follow fnmatch
// semantics: "*" matches any run of characters, "?" matches one character.
func compileGlob(pattern string) (*regexp.Regexp, error) {
	if strings.Contains(pattern, "**") {
		return compileRecursiveGlob(pattern)
	}
	return compileFnmatch(pattern)
}

func compileRecursiveGlob(pattern string) (*regexp.Regexp, error) {
	const doubleStar = "\x00"
	escaped := regexp.QuoteMeta(strings.ReplaceAll(pattern, "**", doubleStar))
	escaped = strings.ReplaceAll(escaped, doubleStar, ".*")
	escaped = strings.ReplaceAll(escaped, `\*`, `[^/]*`)
	escaped = strings.ReplaceAll(escaped, `\?`, `[^/]`)
	return regexp.Compile("^" + escaped + "$")
}

func compileFnmatch(pattern string) (*regexp.Regexp, error) {
	escaped := regexp.QuoteMeta(pattern)
	escaped = strings.ReplaceAll(escaped, `\*`, `.*`)
	escaped = strings.ReplaceAll(escaped, `\?`, `.`)
	return regexp.Compile("^" + escaped + "$")
}
