package vast

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// Query is a parsed offer filter in the shape the bundles endpoint expects:
// field -> operator -> value, e.g. {"num_gpus": {"eq": 1}}.
type Query map[string]map[string]any

// defaultQuery restricts searches to offers that can actually be rented.
// User terms for the same field replace these.
func defaultQuery() Query {
	return Query{
		"verified": {"eq": true},
		"external": {"eq": false},
		"rentable": {"eq": true},
		"rented":   {"eq": false},
	}
}

// operators maps query operators to API operator names.
var operators = map[string]string{
	"=":     "eq",
	"==":    "eq",
	"eq":    "eq",
	"!=":    "neq",
	"neq":   "neq",
	"<":     "lt",
	"lt":    "lt",
	"<=":    "lte",
	"lte":   "lte",
	">":     "gt",
	"gt":    "gt",
	">=":    "gte",
	"gte":   "gte",
	"in":    "in",
	"notin": "notin",
	"nin":   "notin",
}

// fieldAliases maps the short names accepted on the command line to API fields.
var fieldAliases = map[string]string{
	"cuda_vers":      "cuda_max_good",
	"reliability":    "reliability2",
	"dph":            "dph_total",
	"display_active": "gpu_display_active",
	"dlperf_usd":     "dlperf_per_dphtotal",
	"flops_usd":      "flops_per_dphtotal",
}

// fieldMultipliers converts user units to API units: RAM is given in GB but
// filtered in MB, duration in days but filtered in seconds.
var fieldMultipliers = map[string]float64{
	"gpu_ram":  1000,
	"cpu_ram":  1000,
	"duration": 24 * 60 * 60,
}

var (
	symbolicTerm = regexp.MustCompile(`^([A-Za-z0-9_]+)(<=|>=|==|!=|=|<|>)(.+)$`)
	fieldName    = regexp.MustCompile(`^[A-Za-z0-9_]+$`)
)

// ParseQuery parses a whitespace-separated list of "field op value" terms,
// e.g. `gpu_name=RTX_3090 num_gpus=1 gpu_ram>=20 cuda_vers in [12.1,12.2]`,
// on top of the default rentable-offer filter. A value of "any" drops the
// field from the filter, including default fields.
func ParseQuery(s string) (Query, error) {
	q := defaultQuery()

	tokens, err := tokenize(s)
	if err != nil {
		return nil, err
	}
	userFields := make(map[string]bool)

	for i := 0; i < len(tokens); i++ {
		var field, op, raw string

		if m := symbolicTerm.FindStringSubmatch(tokens[i]); m != nil {
			field, op, raw = m[1], m[2], m[3]
		} else if fieldName.MatchString(tokens[i]) && i+2 < len(tokens) {
			if _, ok := operators[strings.ToLower(tokens[i+1])]; !ok {
				return nil, fmt.Errorf("unknown operator %q after %q", tokens[i+1], tokens[i])
			}
			field, op, raw = tokens[i], strings.ToLower(tokens[i+1]), tokens[i+2]
			i += 2
		} else {
			return nil, fmt.Errorf("cannot parse query term %q", tokens[i])
		}

		if alias, ok := fieldAliases[field]; ok {
			field = alias
		}
		apiOp := operators[op]

		if raw == "any" || raw == "*" || raw == "?" {
			delete(q, field)
			continue
		}

		value, err := parseValue(field, raw)
		if err != nil {
			return nil, fmt.Errorf("field %s: %w", field, err)
		}
		_, isList := value.([]any)
		wantList := apiOp == "in" || apiOp == "notin"
		if isList && !wantList {
			return nil, fmt.Errorf("field %s: operator %q does not take a list", field, op)
		}
		if wantList && !isList {
			return nil, fmt.Errorf("field %s: operator %q needs a list like [a,b]", field, op)
		}

		// The first user term on a field replaces whatever default filter it had.
		if !userFields[field] || q[field] == nil {
			q[field] = map[string]any{}
			userFields[field] = true
		}
		q[field][apiOp] = value
	}

	return q, nil
}

// tokenize splits on whitespace, keeping [..] lists and "..." strings whole.
func tokenize(s string) ([]string, error) {
	var tokens []string
	var cur strings.Builder
	depth := 0
	inQuote := false

	flush := func() {
		if cur.Len() > 0 {
			tokens = append(tokens, cur.String())
			cur.Reset()
		}
	}

	for _, r := range s {
		switch {
		case r == '"':
			inQuote = !inQuote
			cur.WriteRune(r)
		case inQuote:
			cur.WriteRune(r)
		case r == '[':
			depth++
			cur.WriteRune(r)
		case r == ']':
			depth--
			if depth < 0 {
				return nil, fmt.Errorf("unbalanced ] in query %q", s)
			}
			cur.WriteRune(r)
		case (r == ' ' || r == '\t' || r == '\n') && depth == 0:
			flush()
		case r == ' ' || r == '\t' || r == '\n':
			// whitespace inside a list is insignificant
		default:
			cur.WriteRune(r)
		}
	}
	if inQuote {
		return nil, fmt.Errorf("unterminated quote in query %q", s)
	}
	if depth != 0 {
		return nil, fmt.Errorf("unbalanced [ in query %q", s)
	}
	flush()
	return tokens, nil
}

func parseValue(field, raw string) (any, error) {
	if strings.HasPrefix(raw, "[") {
		if !strings.HasSuffix(raw, "]") {
			return nil, fmt.Errorf("malformed list %q", raw)
		}
		inner := strings.TrimSpace(raw[1 : len(raw)-1])
		if inner == "" {
			return nil, fmt.Errorf("empty list")
		}
		parts := strings.Split(inner, ",")
		values := make([]any, 0, len(parts))
		for _, p := range parts {
			v, err := parseScalar(field, strings.TrimSpace(p))
			if err != nil {
				return nil, err
			}
			values = append(values, v)
		}
		return values, nil
	}
	return parseScalar(field, raw)
}

func parseScalar(field, raw string) (any, error) {
	if raw == "" {
		return nil, fmt.Errorf("missing value")
	}
	if len(raw) >= 2 && strings.HasPrefix(raw, `"`) && strings.HasSuffix(raw, `"`) {
		return normalizeString(field, raw[1:len(raw)-1]), nil
	}

	switch strings.ToLower(raw) {
	case "true":
		return true, nil
	case "false":
		return false, nil
	}

	if f, err := strconv.ParseFloat(raw, 64); err == nil {
		if m, ok := fieldMultipliers[field]; ok {
			f *= m
		}
		return f, nil
	}

	if _, numeric := fieldMultipliers[field]; numeric {
		return nil, fmt.Errorf("expected a number, got %q", raw)
	}
	return normalizeString(field, raw), nil
}

// normalizeString lets GPU names be written without quotes: RTX_3090 -> "RTX 3090".
func normalizeString(field, s string) string {
	if field == "gpu_name" {
		return strings.ReplaceAll(s, "_", " ")
	}
	return s
}
