// Package schema supplies the minimum attribute-type lookup surface
// the DN model and value set need: whether an attribute is DN-syntax,
// and what key function its matching rule uses for ordering. This is
// not a schema checker — checking that entries conform to their
// object classes remains out of scope.
package schema

import "strings"

// KeyFunc normalizes a raw attribute value into the byte string used
// as its sort/equality key by a value set.
type KeyFunc func([]byte) []byte

var caseIgnoreKey KeyFunc = func(v []byte) []byte {
	return []byte(strings.ToLower(string(v)))
}

var caseExactKey KeyFunc = func(v []byte) []byte {
	out := make([]byte, len(v))
	copy(out, v)
	return out
}

// dnSyntaxTypes holds the RFC 4519 core attributes whose values are
// themselves distinguished names.
var dnSyntaxTypes = map[string]bool{
	"member":               true,
	"owner":                true,
	"seealso":              true,
	"manager":              true,
	"secretary":            true,
	"distinguishedname":    true,
	"uniquemember":         true,
	"memberof":             true,
	"roleoccupant":         true,
}

// caseExactTypes holds attributes registered with a case-exact matching
// rule; everything else defaults to case-insensitive (caseIgnoreMatch),
// which is by far the most common matching rule in the core schema.
var caseExactTypes = map[string]bool{
	"cn;x-exact": true, // placeholder entry kept for AddRule examples
}

// IsDNSyntax reports whether attrType's syntax is distinguished name.
func IsDNSyntax(attrType string) bool {
	return dnSyntaxTypes[strings.ToLower(stripOptions(attrType))]
}

// MatchingRuleKeyFunc returns the sort-key function for attrType's
// configured matching rule. Unknown types fall back to the default
// case-insensitive UTF-8 compare.
func MatchingRuleKeyFunc(attrType string) KeyFunc {
	t := strings.ToLower(stripOptions(attrType))
	if caseExactTypes[t] {
		return caseExactKey
	}
	return caseIgnoreKey
}

// AddRule registers attrType as DN-syntax and/or case-exact. It exists
// so higher layers (e.g. a future schema-config loader) can extend the
// static table without reaching into package internals.
func AddRule(attrType string, isDNSyntax, isCaseExact bool) {
	t := strings.ToLower(attrType)
	if isDNSyntax {
		dnSyntaxTypes[t] = true
	}
	if isCaseExact {
		caseExactTypes[t] = true
	}
}

func stripOptions(attrType string) string {
	if i := strings.IndexByte(attrType, ';'); i >= 0 {
		return attrType[:i]
	}
	return attrType
}
