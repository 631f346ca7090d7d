// Package threat matches request strings against known injection and scanner signatures.
package threat

import (
	"net/url"
	"regexp"
)

// Category groups rules by the attack they detect.
type Category string

const (
	CategorySQLi             Category = "sqli"
	CategoryXSS              Category = "xss"
	CategoryPathTraversal    Category = "path_traversal"
	CategoryCommandInjection Category = "command_injection"
	CategoryScanner          Category = "scanner"
)

const maxDecodePasses = 2

// Rule is a single named signature.
type Rule struct {
	Name     string
	Category Category
	Pattern  *regexp.Regexp
}

// Match describes the first rule that fired and where.
type Match struct {
	Rule     string
	Category Category
	Location string
}

// Detector evaluates rules in order. It is safe for concurrent use.
type Detector struct {
	payloadRules []Rule
	agentRules   []Rule
}

// NewDetector splits rules into payload rules and user-agent (scanner) rules.
func NewDetector(rules []Rule) *Detector {
	d := &Detector{}
	for _, rule := range rules {
		if rule.Pattern == nil {
			continue
		}
		if rule.Category == CategoryScanner {
			d.agentRules = append(d.agentRules, rule)
			continue
		}
		d.payloadRules = append(d.payloadRules, rule)
	}
	return d
}

// NewDefaultDetector builds a detector with DefaultRules.
func NewDefaultDetector() *Detector {
	return NewDetector(DefaultRules())
}

// Inspect checks value and its URL-decoded forms against payload rules.
func (d *Detector) Inspect(location, value string) (Match, bool) {
	if value == "" {
		return Match{}, false
	}
	for _, candidate := range decodedVariants(value) {
		for _, rule := range d.payloadRules {
			if rule.Pattern.MatchString(candidate) {
				return Match{Rule: rule.Name, Category: rule.Category, Location: location}, true
			}
		}
	}
	return Match{}, false
}

// InspectUserAgent checks the User-Agent header against scanner signatures.
func (d *Detector) InspectUserAgent(userAgent string) (Match, bool) {
	if userAgent == "" {
		return Match{}, false
	}
	for _, rule := range d.agentRules {
		if rule.Pattern.MatchString(userAgent) {
			return Match{Rule: rule.Name, Category: rule.Category, Location: "header:user-agent"}, true
		}
	}
	return Match{}, false
}

// decodedVariants returns value plus up to two percent-decoded forms, catching double encoding.
func decodedVariants(value string) []string {
	out := []string{value}
	current := value
	for i := 0; i < maxDecodePasses; i++ {
		decoded, err := url.QueryUnescape(current)
		if err != nil || decoded == current {
			break
		}
		out = append(out, decoded)
		current = decoded
	}
	return out
}
