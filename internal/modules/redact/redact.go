package redact

import (
	"bytes"
	"encoding/json"
	"io"
	"mime"
	"regexp"
	"strings"
)

// Placeholder replaces every redacted value.
const Placeholder = "[REDACTED]"

var (
	// Card numbers: 13 to 19 digits, optionally grouped by spaces or dashes.
	// Candidates are masked only when they pass the Luhn check.
	cardPattern = regexp.MustCompile(`\b\d(?:[ -]?\d){12,18}\b`)
	ssnPattern  = regexp.MustCompile(`\b\d{3}-\d{2}-\d{4}\b`)
	cardNumber  = regexp.MustCompile(`^\d{13,19}$`)
)

// Filter scrubs sensitive data from response bodies before they leave the
// service.
type Filter struct {
	fields map[string]bool
}

// New creates a Filter redacting JSON values stored under any of fields,
// matched case-insensitively.
func New(fields []string) *Filter {
	f := &Filter{fields: make(map[string]bool, len(fields))}
	for _, name := range fields {
		f.fields[strings.ToLower(name)] = true
	}
	return f
}

// Filter returns body with sensitive values removed. JSON bodies have
// sensitive keys replaced; every text body has card numbers and SSNs masked.
// Anything else is returned untouched.
func (f *Filter) Filter(contentType string, body []byte) []byte {
	if len(body) == 0 {
		return body
	}
	mediaType, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		mediaType = strings.ToLower(strings.TrimSpace(contentType))
	}

	switch {
	case isJSON(mediaType):
		return f.filterJSON(body)
	case isText(mediaType):
		return maskText(body)
	default:
		return body
	}
}

// filterJSON redacts every value of a JSON body, including each value of a
// newline-delimited stream. Bodies that fail to parse are masked as text.
func (f *Filter) filterJSON(body []byte) []byte {
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()

	var out bytes.Buffer
	enc := json.NewEncoder(&out)
	enc.SetEscapeHTML(false)
	for {
		var doc any
		err := dec.Decode(&doc)
		if err == io.EOF {
			break
		}
		if err != nil {
			return maskText(body)
		}
		if err := enc.Encode(f.redactValue(doc)); err != nil {
			return maskText(body)
		}
	}
	if out.Len() == 0 {
		return maskText(body)
	}
	if bytes.HasSuffix(body, []byte("\n")) {
		return out.Bytes()
	}
	return bytes.TrimSuffix(out.Bytes(), []byte("\n"))
}

func (f *Filter) redactValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		for k, item := range t {
			if f.fields[strings.ToLower(k)] {
				t[k] = Placeholder
				continue
			}
			t[k] = f.redactValue(item)
		}
		return t
	case []any:
		for i, item := range t {
			t[i] = f.redactValue(item)
		}
		return t
	case string:
		return string(maskText([]byte(t)))
	case json.Number:
		if n := t.String(); cardNumber.MatchString(n) && luhn([]byte(n)) {
			return Placeholder
		}
		return t
	default:
		return v
	}
}

func maskText(body []byte) []byte {
	out := ssnPattern.ReplaceAll(body, []byte("***-**-****"))
	return cardPattern.ReplaceAllFunc(out, maskCard)
}

// maskCard keeps the last four digits.
func maskCard(m []byte) []byte {
	digits := make([]byte, 0, len(m))
	for _, c := range m {
		if c >= '0' && c <= '9' {
			digits = append(digits, c)
		}
	}
	if len(digits) < 13 || !luhn(digits) {
		return m
	}
	return append(bytes.Repeat([]byte("*"), len(digits)-4), digits[len(digits)-4:]...)
}

func luhn(digits []byte) bool {
	sum := 0
	double := false
	for i := len(digits) - 1; i >= 0; i-- {
		d := int(digits[i] - '0')
		if double {
			d *= 2
			if d > 9 {
				d -= 9
			}
		}
		sum += d
		double = !double
	}
	return sum%10 == 0
}

func isJSON(mediaType string) bool {
	return mediaType == "application/json" || strings.HasSuffix(mediaType, "+json")
}

func isText(mediaType string) bool {
	return strings.HasPrefix(mediaType, "text/") ||
		mediaType == "application/xml" ||
		mediaType == "application/javascript" ||
		mediaType == "application/x-www-form-urlencoded"
}
