package threat

import "regexp"

// DefaultRules returns the built-in signature set.
func DefaultRules() []Rule {
	return []Rule{
		{Name: "sqli_union_select", Category: CategorySQLi, Pattern: regexp.MustCompile(`(?i)\bunion\b[\s/*+]+(all[\s/*+]+)?select\b`)},
		{Name: "sqli_tautology", Category: CategorySQLi, Pattern: regexp.MustCompile(`(?i)['"]\s*or\s+['"]?\w+['"]?\s*=\s*['"]?\w+`)},
		{Name: "sqli_numeric_tautology", Category: CategorySQLi, Pattern: regexp.MustCompile(`(?i)\bor\s+(\d+)\s*=\s*(\d+)\b`)},
		{Name: "sqli_stacked_query", Category: CategorySQLi, Pattern: regexp.MustCompile(`(?i);\s*(drop|truncate|alter|delete|insert|update|create)\s+\w`)},
		{Name: "sqli_comment_terminator", Category: CategorySQLi, Pattern: regexp.MustCompile(`'\s*(--|#|/\*)`)},
		{Name: "sqli_time_based", Category: CategorySQLi, Pattern: regexp.MustCompile(`(?i)\b(pg_sleep|sleep|benchmark|waitfor\s+delay)\s*\(`)},
		{Name: "sqli_schema_probe", Category: CategorySQLi, Pattern: regexp.MustCompile(`(?i)\b(information_schema|pg_catalog|sqlite_master)\b`)},

		{Name: "xss_script_tag", Category: CategoryXSS, Pattern: regexp.MustCompile(`(?i)<\s*/?\s*script\b`)},
		{Name: "xss_js_uri", Category: CategoryXSS, Pattern: regexp.MustCompile(`(?i)\b(javascript|vbscript)\s*:`)},
		{Name: "xss_event_handler", Category: CategoryXSS, Pattern: regexp.MustCompile(`(?i)<[^>]*\bon[a-z]+\s*=`)},
		{Name: "xss_embed_tag", Category: CategoryXSS, Pattern: regexp.MustCompile(`(?i)<\s*(iframe|object|embed|svg|img)\b[^>]*>`)},
		{Name: "xss_cookie_access", Category: CategoryXSS, Pattern: regexp.MustCompile(`(?i)document\s*\.\s*cookie`)},

		{Name: "traversal_dotdot", Category: CategoryPathTraversal, Pattern: regexp.MustCompile(`(\.\.[/\\])|([/\\]\.\.$)`)},
		{Name: "traversal_sensitive_file", Category: CategoryPathTraversal, Pattern: regexp.MustCompile(`(?i)(/etc/(passwd|shadow)|\bwin\.ini\b|\.env\b|\.git/)`)},
		{Name: "traversal_null_byte", Category: CategoryPathTraversal, Pattern: regexp.MustCompile(`\x00`)},

		{Name: "cmd_chained", Category: CategoryCommandInjection, Pattern: regexp.MustCompile(`(?i)(;|\|\||&&|\|)\s*(cat|ls|id|whoami|uname|wget|curl|nc|bash|sh|powershell)\b`)},
		{Name: "cmd_substitution", Category: CategoryCommandInjection, Pattern: regexp.MustCompile("(\\$\\([^)]*\\))|(`[^`]*`)")},

		{Name: "scanner_agent", Category: CategoryScanner, Pattern: regexp.MustCompile(`(?i)(sqlmap|nikto|nmap|masscan|acunetix|nessus|wpscan|dirbuster|gobuster|zgrab|nuclei)`)},
	}
}
