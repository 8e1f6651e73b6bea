package injection

import (
	"regexp"

	"github.com/finshield-project/finshield/internal/core"
)

// Pattern families.
const (
	FamilySQL           = "sql"
	FamilyNoSQL         = "nosql"
	FamilyCommand       = "command"
	FamilyPathTraversal = "path_traversal"
	FamilySmuggling     = "smuggling"
)

// Families lists every family in report order.
var Families = []string{FamilySQL, FamilyNoSQL, FamilyCommand, FamilyPathTraversal, FamilySmuggling}

func compilePatterns() []Pattern {
	patterns := []Pattern{
		// SQL injection
		{Name: "sql_union", Family: FamilySQL, Severity: core.SeverityHigh,
			Regex: regexp.MustCompile(`(?i)\bunion\b\s+(all\s+)?select\b`)},
		{Name: "sql_or_true", Family: FamilySQL, Severity: core.SeverityHigh,
			Regex: regexp.MustCompile(`(?i)(\bor\b\s+[\d'"]+\s*=\s*[\d'"]+|'\s*or\s*'[^']*'\s*=\s*'[^']*')`)},
		{Name: "sql_comment", Family: FamilySQL, Severity: core.SeverityMedium,
			Regex: regexp.MustCompile(`(?i)(--|#|/\*.*?\*/)\s*(drop|alter|delete|update|insert|create|exec|execute)\b`)},
		{Name: "sql_stacked", Family: FamilySQL, Severity: core.SeverityCritical,
			Regex: regexp.MustCompile(`(?i);\s*(drop\s+(table|database)|alter\s+table|truncate|delete\s+from|update\s+\w+\s+set|insert\s+into|create\s+(table|user)|exec(ute)?\s)`)},
		{Name: "sql_quote_break", Family: FamilySQL, Severity: core.SeverityHigh,
			Regex: regexp.MustCompile(`(?i)'\s*(;|--|\)\s*(or|and)\b|\b(or|and)\b\s+\d+\s*[=<>])`)},
		{Name: "sql_sleep", Family: FamilySQL, Severity: core.SeverityHigh,
			Regex: regexp.MustCompile(`(?i)(sleep\s*\(\s*\d+\s*\)|benchmark\s*\(\s*\d+|waitfor\s+delay\s+'|pg_sleep\s*\()`)},
		{Name: "sql_extract", Family: FamilySQL, Severity: core.SeverityHigh,
			Regex: regexp.MustCompile(`(?i)(extractvalue|updatexml|load_file|into\s+(out|dump)file)\s*\(`)},
		{Name: "sql_information_schema", Family: FamilySQL, Severity: core.SeverityCritical,
			Regex: regexp.MustCompile(`(?i)(information_schema|sys\.objects|sysobjects|syscolumns|pg_catalog)`)},
		{Name: "sql_hex_encode", Family: FamilySQL, Severity: core.SeverityHigh,
			Regex: regexp.MustCompile(`(?i)(\b0x[0-9a-f]{16,}|char\s*\(\s*\d+(\s*,\s*\d+)+\s*\))`)},

		// NoSQL operator injection
		{Name: "nosql_operator", Family: FamilyNoSQL, Severity: core.SeverityHigh,
			Regex: regexp.MustCompile(`(\$gt|\$lt|\$gte|\$lte|\$ne|\$nin|\$in|\$regex|\$where|\$exists|\$or|\$and|\$not|\$nor|\$expr|\$function)\b`)},
		{Name: "nosql_js_exec", Family: FamilyNoSQL, Severity: core.SeverityCritical,
			Regex: regexp.MustCompile(`(?i)(\$where\s*:\s*['"]?function|this\.\w+\s*==|db\.\w+\.(find|remove|update|drop|insert))`)},
		{Name: "nosql_json_inject", Family: FamilyNoSQL, Severity: core.SeverityHigh,
			Regex: regexp.MustCompile(`\{\s*['"]\$\w+['"]\s*:`)},
		{Name: "nosql_bracket_operator", Family: FamilyNoSQL, Severity: core.SeverityHigh,
			Regex: regexp.MustCompile(`\[\$(ne|gt|lt|gte|lte|in|nin|regex|where|exists)\]`)},

		// Shell and command injection
		{Name: "command_chain", Family: FamilyCommand, Severity: core.SeverityCritical,
			Regex: regexp.MustCompile(`(\|\||&&|[|;` + "`" + `])\s*(cat|ls|dir|whoami|id|uname|pwd|wget|curl|nc|ncat|bash|sh|cmd|powershell|python|perl|ruby|php|rm|chmod)\b`)},
		{Name: "command_subshell", Family: FamilyCommand, Severity: core.SeverityCritical,
			Regex: regexp.MustCompile(`\$\(\s*(cat|ls|whoami|id|uname|pwd|wget|curl|nc|bash|sh|rm)\b`)},
		{Name: "command_backtick", Family: FamilyCommand, Severity: core.SeverityCritical,
			Regex: regexp.MustCompile("`\\s*(cat|ls|whoami|id|uname|pwd|wget|curl|nc|bash|sh|rm)\\b")},
		{Name: "command_redirect", Family: FamilyCommand, Severity: core.SeverityHigh,
			Regex: regexp.MustCompile(`(>\s*/etc/|>\s*/tmp/|<\s*/etc/passwd|/dev/(tcp|udp)/)`)},
		{Name: "command_reverse_shell", Family: FamilyCommand, Severity: core.SeverityCritical,
			Regex: regexp.MustCompile(`(?i)(bash\s+-i\s+>&|nc\s+-[elp]|ncat\s+-|python\s+-c\s+.*socket|perl\s+-e\s+.*socket|ruby\s+-rsocket|php\s+-r\s+.*fsockopen)`)},

		// Path traversal
		{Name: "path_dot_segments", Family: FamilyPathTraversal, Severity: core.SeverityHigh,
			Regex: regexp.MustCompile(`(?i)(\.\.[\\/]|%2e%2e[\\/]|%252e%252e[\\/]|\.\.%2f|\.\.%5c|%2e%2e%2f|%2e%2e%5c)`)},
		{Name: "path_sensitive_files", Family: FamilyPathTraversal, Severity: core.SeverityCritical,
			Regex: regexp.MustCompile(`(?i)(/etc/(passwd|shadow|hosts|crontab)|/proc/self/|[\\/]windows[\\/]system32[\\/]|web\.config|/\.env\b|\.git/config|\.htaccess|wp-config\.php)`)},
		{Name: "path_null_byte", Family: FamilyPathTraversal, Severity: core.SeverityHigh,
			Regex: regexp.MustCompile(`(%00|\\x00|\\0|\x00)`)},
		{Name: "path_overlong_encoded", Family: FamilyPathTraversal, Severity: core.SeverityHigh,
			Regex: regexp.MustCompile(`(?i)(%c0%ae|%c0%af|%c1%9c|%c1%1c|%c0%2e|%e0%80%ae|%e0%80%af|%f0%80%80%ae|%25c0%25ae|%25c0%25af)`)},

		// Smuggled framing inside values
		{Name: "smuggling_header_injection", Family: FamilySmuggling, Severity: core.SeverityCritical,
			Regex: regexp.MustCompile(`(?i)[\r\n]+\s*(content-length|transfer-encoding|host)\s*:`)},
		{Name: "smuggling_request_line", Family: FamilySmuggling, Severity: core.SeverityCritical,
			Regex: regexp.MustCompile(`(?i)[\r\n]+(get|post|put|delete|patch|head|options)\s+\S+\s+http/\d`)},
		{Name: "smuggling_chunk_terminator", Family: FamilySmuggling, Severity: core.SeverityHigh,
			Regex: regexp.MustCompile(`\r\n0\r\n\r\n`)},
	}

	return patterns
}

// overlongSequences are invalid UTF-8 encodings of '.', '/' and '\'. Go's
// regexp decodes input as UTF-8 and cannot match them, so they are checked
// as raw bytes.
var overlongSequences = []string{
	"\xc0\xae", "\xc0\xaf", "\xc1\x9c", "\xc1\x1c",
	"\xe0\x80\xae", "\xe0\x80\xaf", "\xf0\x80\x80\xae",
}
