package pattern

import (
	"regexp/syntax"
	"strings"
)

// sample produces a minimal string matched by expr: first alternation branch,
// lowest rune of each character class, zero repeats wherever permitted. Used
// by Generate to realize delimiter patterns as concrete text.
func sample(expr string) string {
	re, err := syntax.Parse(expr, syntax.Perl)
	if err != nil {
		// Rule construction already compiled expr; unreachable in practice.
		return ""
	}
	var b strings.Builder
	sampleRegexp(re.Simplify(), &b)
	return b.String()
}

func sampleRegexp(re *syntax.Regexp, b *strings.Builder) {
	switch re.Op {
	case syntax.OpLiteral:
		b.WriteString(string(re.Rune))
	case syntax.OpCharClass:
		if len(re.Rune) > 0 {
			b.WriteRune(re.Rune[0])
		}
	case syntax.OpAnyChar, syntax.OpAnyCharNotNL:
		b.WriteByte('-')
	case syntax.OpConcat:
		for _, sub := range re.Sub {
			sampleRegexp(sub, b)
		}
	case syntax.OpAlternate:
		if len(re.Sub) > 0 {
			sampleRegexp(re.Sub[0], b)
		}
	case syntax.OpCapture:
		if len(re.Sub) > 0 {
			sampleRegexp(re.Sub[0], b)
		}
	case syntax.OpPlus:
		if len(re.Sub) > 0 {
			sampleRegexp(re.Sub[0], b)
		}
	case syntax.OpRepeat:
		for i := 0; i < re.Min; i++ {
			sampleRegexp(re.Sub[0], b)
		}
	case syntax.OpStar, syntax.OpQuest:
		// zero repetitions
	default:
		// anchors, boundaries, empty match: contribute nothing
	}
}
