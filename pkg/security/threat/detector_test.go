package threat

import (
	"regexp"
	"testing"
)

func TestInspectDetectsPayloads(t *testing.T) {
	d := NewDefaultDetector()
	cases := []struct {
		value    string
		category Category
	}{
		{"1 UNION ALL SELECT password FROM users", CategorySQLi},
		{"admin' OR '1'='1", CategorySQLi},
		{"id=1 or 1=1", CategorySQLi},
		{"x'; DROP TABLE orders", CategorySQLi},
		{"1) AND pg_sleep(5)", CategorySQLi},
		{"<script>alert(1)</script>", CategoryXSS},
		{`<a href="#" onclick="steal()">`, CategoryXSS},
		{"javascript:alert(1)", CategoryXSS},
		{"../../etc/passwd", CategoryPathTraversal},
		{"file; cat /tmp/x", CategoryCommandInjection},
		{"$(whoami)", CategoryCommandInjection},
	}
	for _, tc := range cases {
		match, ok := d.Inspect("query:q", tc.value)
		if !ok {
			t.Fatalf("expected %q to be flagged", tc.value)
		}
		if match.Category != tc.category {
			t.Fatalf("%q: expected category %s, got %s (%s)", tc.value, tc.category, match.Category, match.Rule)
		}
		if match.Location != "query:q" {
			t.Fatalf("expected location to be preserved, got %s", match.Location)
		}
	}
}

func TestInspectAllowsOrdinaryInput(t *testing.T) {
	d := NewDefaultDetector()
	benign := []string{
		"",
		"blue cotton t-shirt",
		"Rock & Roll Hall of Fame poster",
		"O'Brien",
		"42 Main St. Apt 3",
		"size=large",
		"jane.doe@example.com",
		"Select your size",
	}
	for _, value := range benign {
		if match, ok := d.Inspect("body", value); ok {
			t.Fatalf("expected %q to pass, got rule %s", value, match.Rule)
		}
	}
}

func TestInspectDecodesDoubleEncoding(t *testing.T) {
	d := NewDefaultDetector()
	match, ok := d.Inspect("path", "%252e%252e%252fetc%252fpasswd")
	if !ok {
		t.Fatal("expected double-encoded traversal to be flagged")
	}
	if match.Category != CategoryPathTraversal {
		t.Fatalf("unexpected category %s", match.Category)
	}
}

func TestInspectUserAgent(t *testing.T) {
	d := NewDefaultDetector()
	if _, ok := d.InspectUserAgent("sqlmap/1.7.2#stable (https://sqlmap.org)"); !ok {
		t.Fatal("expected sqlmap agent to be flagged")
	}
	if _, ok := d.InspectUserAgent("Mozilla/5.0 (X11; Linux x86_64)"); ok {
		t.Fatal("expected browser agent to pass")
	}
	if _, ok := d.Inspect("query:q", "sqlmap"); ok {
		t.Fatal("scanner rules must not apply to payloads")
	}
}

func TestNewDetectorSkipsNilPatterns(t *testing.T) {
	d := NewDetector([]Rule{
		{Name: "broken", Category: CategoryXSS},
		{Name: "custom", Category: CategorySQLi, Pattern: regexp.MustCompile(`forbidden`)},
	})
	match, ok := d.Inspect("body", "this is forbidden")
	if !ok || match.Rule != "custom" {
		t.Fatalf("expected custom rule match, got %+v", match)
	}
}
