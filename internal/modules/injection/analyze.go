package injection

import (
	"fmt"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"unicode/utf8"

	"github.com/finshield-project/finshield/internal/core"
)

// Finding is one pattern match at one location of the input.
type Finding struct {
	Pattern     string        `json:"pattern"`
	Family      string        `json:"family"`
	Severity    core.Severity `json:"severity"`
	Location    string        `json:"location"`
	MatchedText string        `json:"matched_text"`
	Decoded     bool          `json:"decoded,omitempty"`
}

// Scan walks value recursively and reports every finding. Strings, slices,
// maps (keys and values), url.Values and http.Header are traversed; other
// scalars are ignored.
func (s *Scanner) Scan(value any) []Finding {
	var out []Finding
	s.walk(value, "", &out)
	return out
}

func (s *Scanner) walk(value any, loc string, out *[]Finding) {
	switch v := value.(type) {
	case nil:
	case string:
		*out = append(*out, s.AnalyzeInput(v, loc)...)
	case []string:
		for i, item := range v {
			s.walk(item, index(loc, i), out)
		}
	case []any:
		for i, item := range v {
			s.walk(item, index(loc, i), out)
		}
	case map[string]any:
		for _, k := range sortedKeys(v) {
			*out = append(*out, s.AnalyzeInput(k, field(loc, k)+"#key")...)
			s.walk(v[k], field(loc, k), out)
		}
	case map[string]string:
		for _, k := range sortedKeys(v) {
			*out = append(*out, s.AnalyzeInput(k, field(loc, k)+"#key")...)
			s.walk(v[k], field(loc, k), out)
		}
	case map[string][]string:
		s.walkMulti(v, loc, out)
	case url.Values:
		s.walkMulti(v, loc, out)
	case http.Header:
		s.walkMulti(v, loc, out)
	}
}

func (s *Scanner) walkMulti(m map[string][]string, loc string, out *[]Finding) {
	for _, k := range sortedKeys(m) {
		*out = append(*out, s.AnalyzeInput(k, field(loc, k)+"#key")...)
		s.walk(m[k], field(loc, k), out)
	}
}

func sortedKeys[M ~map[string]V, V any](m M) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func field(loc, key string) string {
	if loc == "" {
		return key
	}
	return loc + "." + key
}

func index(loc string, i int) string {
	return fmt.Sprintf("%s[%d]", loc, i)
}

// AnalyzeInput scans one string in its raw form and, when it differs, its
// decoded form. Each pattern is reported at most once per location.
func (s *Scanner) AnalyzeInput(input, location string) []Finding {
	if input == "" {
		return nil
	}
	s.scanned.Add(1)

	var findings []Finding
	seen := make(map[string]bool)
	add := func(f Finding) {
		if seen[f.Pattern] {
			return
		}
		seen[f.Pattern] = true
		findings = append(findings, f)
		s.count(f.Family)
	}

	decoded := normalizeInput(input)
	forms := []string{input}
	if decoded != input {
		forms = append(forms, decoded)
	}

	for i, form := range forms {
		for _, p := range s.patterns {
			if m := p.Regex.FindString(form); m != "" {
				add(Finding{
					Pattern:     p.Name,
					Family:      p.Family,
					Severity:    p.Severity,
					Location:    location,
					MatchedText: truncate(m, 200),
					Decoded:     i > 0,
				})
			}
		}
		for _, seq := range overlongSequences {
			if strings.Contains(form, seq) {
				add(Finding{
					Pattern:     "path_overlong_utf8",
					Family:      FamilyPathTraversal,
					Severity:    core.SeverityHigh,
					Location:    location,
					MatchedText: fmt.Sprintf("%q", seq),
					Decoded:     i > 0,
				})
				break
			}
		}
	}
	return findings
}

// normalizeInput decodes up to two rounds of percent-encoding and folds
// unicode homoglyphs onto their ASCII counterparts.
func normalizeInput(input string) string {
	result := input
	for range 2 {
		next, err := url.PathUnescape(result)
		if err != nil {
			next = percentReplacer.Replace(result)
		}
		if next == result {
			break
		}
		result = next
	}
	return foldHomoglyphs(result)
}

// percentReplacer handles the common sequences when the input is not valid
// percent-encoding as a whole.
var percentReplacer = strings.NewReplacer(
	"%20", " ", "%27", "'", "%22", "\"", "%3C", "<", "%3E", ">",
	"%28", "(", "%29", ")", "%3B", ";", "%7C", "|", "%26", "&",
	"%2F", "/", "%5C", "\\", "%2E", ".", "%3D", "=", "%23", "#",
	"%2D", "-", "%2A", "*", "%24", "$", "%60", "`",
	"%09", "\t", "%0A", "\n", "%0D", "\r",
	"%3c", "<", "%3e", ">", "%3b", ";", "%7c", "|", "%2f", "/",
	"%5c", "\\", "%2e", ".", "%3d", "=", "%2d", "-", "%2a", "*",
	"%0a", "\n", "%0d", "\r",
)

var homoglyphReplacer = strings.NewReplacer(
	"\u2018", "'", // left single quote
	"\u2019", "'", // right single quote
	"\u02BC", "'", // modifier letter apostrophe
	"\u201C", "\"", // left double quote
	"\u201D", "\"", // right double quote
	"\u2024", ".", // one dot leader
	"\u2215", "/", // division slash
	"\u2044", "/", // fraction slash
	"\u29F5", "\\", // reverse solidus operator
	"\uFE54", ";", // small semicolon
	"\u037E", ";", // greek question mark
)

// foldHomoglyphs maps fullwidth ASCII (U+FF01..U+FF5E) to ASCII and then
// replaces the remaining look-alikes. Invalid UTF-8 is left byte-for-byte so
// overlong sequences survive for the raw check.
func foldHomoglyphs(s string) string {
	if !utf8.ValidString(s) {
		return homoglyphReplacer.Replace(s)
	}
	folded := strings.Map(func(r rune) rune {
		if r >= 0xFF01 && r <= 0xFF5E {
			return r - 0xFEE0
		}
		return r
	}, s)
	return homoglyphReplacer.Replace(folded)
}

// ScanRequest scans every piece of caller-controlled input on req: query,
// form fields, the JSON tree, uploaded filenames, the path, text bodies and
// the framing headers.
func (s *Scanner) ScanRequest(req *core.Request) []Finding {
	var out []Finding
	if len(req.Query) > 0 {
		s.walk(req.Query, "query", &out)
	}
	if len(req.Form) > 0 {
		s.walk(req.Form, "form", &out)
	}
	if req.JSON != nil {
		s.walk(req.JSON, "json", &out)
	}
	for i, name := range req.Filenames {
		s.walk(name, index("filename", i), &out)
	}
	for _, f := range s.AnalyzeInput(req.Route, "path") {
		if f.Family == FamilyPathTraversal || f.Family == FamilySmuggling {
			out = append(out, f)
		}
	}
	if req.JSON == nil && req.Form == nil && len(req.Body) > 0 && isText(req.ContentType) {
		out = append(out, s.AnalyzeInput(string(req.Body), "body")...)
	}
	out = append(out, s.scanFraming(req)...)
	return out
}

func isText(contentType string) bool {
	return strings.HasPrefix(contentType, "text/") || contentType == "application/xml"
}

// scanFraming checks the headers that decide where a request ends.
// Front-end and back-end servers disagreeing on them is request smuggling.
func (s *Scanner) scanFraming(req *core.Request) []Finding {
	var out []Finding
	add := func(name, loc, text string) {
		out = append(out, Finding{
			Pattern:     name,
			Family:      FamilySmuggling,
			Severity:    core.SeverityCritical,
			Location:    loc,
			MatchedText: truncate(text, 200),
		})
		s.count(FamilySmuggling)
	}

	lengths := req.Header.Values("Content-Length")
	var distinct []string
	for _, v := range lengths {
		for _, part := range strings.Split(v, ",") {
			part = strings.TrimSpace(part)
			if !contains(distinct, part) {
				distinct = append(distinct, part)
			}
		}
	}
	switch {
	case len(distinct) > 1:
		add("smuggling_conflicting_content_length", "header.Content-Length", strings.Join(lengths, ", "))
	case len(lengths) > 1 || strings.Contains(strings.Join(lengths, ""), ","):
		add("smuggling_duplicate_content_length", "header.Content-Length", strings.Join(lengths, ", "))
	}

	encodings := req.Header.Values("Transfer-Encoding")
	if req.HTTP != nil && len(encodings) == 0 {
		encodings = req.HTTP.TransferEncoding
	}
	if len(encodings) > 0 {
		if len(lengths) > 0 {
			add("smuggling_te_cl", "header.Transfer-Encoding", "Transfer-Encoding with Content-Length")
		}
		if len(encodings) > 1 {
			add("smuggling_duplicate_transfer_encoding", "header.Transfer-Encoding", strings.Join(encodings, ", "))
		}
		for _, te := range encodings {
			if !strings.EqualFold(te, "chunked") {
				add("smuggling_obfuscated_transfer_encoding", "header.Transfer-Encoding", te)
				break
			}
		}
	}

	for _, name := range sortedKeys(req.Header) {
		for _, v := range req.Header[name] {
			if strings.ContainsAny(v, "\r\n") {
				add("smuggling_header_crlf", "header."+name, v)
				break
			}
		}
	}
	return out
}

func contains(list []string, s string) bool {
	for _, item := range list {
		if item == s {
			return true
		}
	}
	return false
}

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}
