// Package payload decodes scanned QR codes into a subject identity.
//
// A code is either a JSON object carrying identity fields (printed on ID
// cards) or a bare identifier such as "EMP-001". The decision is made once,
// at parse time.
package payload

import (
	"encoding/json"
	"io"
	"strconv"
	"strings"

	apperrors "github.com/kimhsiao/attendsync/internal/errors"
)

// Kind tags which variant of Parsed is populated.
type Kind string

const (
	KindStructured Kind = "structured"
	KindRaw        Kind = "raw"
)

// idKeys are the identity fields recognised in structured codes, in priority order.
var idKeys = []string{"employeeId", "studentId", "subjectId", "id"}

// Structured holds the fields of a JSON identity code.
type Structured struct {
	SubjectID  string
	Name       string
	Department string
	Extra      map[string]any
}

// Parsed is the result of Parse. Exactly one of Structured or Code is set,
// as indicated by Kind.
type Parsed struct {
	Kind       Kind
	Structured *Structured
	Code       string
}

// SubjectID returns the best-effort identifier of the scanned subject.
func (p Parsed) SubjectID() string {
	if p.Kind == KindStructured && p.Structured != nil {
		return p.Structured.SubjectID
	}
	return p.Code
}

// Parse decodes a scanned code. Empty or whitespace-only codes are rejected
// with a MALFORMED_CODE error. JSON objects without a recognised identity
// field fall back to the raw variant.
func Parse(code string) (Parsed, error) {
	trimmed := strings.TrimSpace(code)
	if trimmed == "" {
		return Parsed{}, apperrors.New(apperrors.ErrMalformed, "malformed code")
	}

	if strings.HasPrefix(trimmed, "{") {
		if s, ok := parseStructured(trimmed); ok {
			return Parsed{Kind: KindStructured, Structured: s}, nil
		}
	}

	return Parsed{Kind: KindRaw, Code: trimmed}, nil
}

func parseStructured(data string) (*Structured, bool) {
	// UseNumber keeps numeric IDs above 2^53 exact.
	dec := json.NewDecoder(strings.NewReader(data))
	dec.UseNumber()
	var fields map[string]any
	if err := dec.Decode(&fields); err != nil {
		return nil, false
	}
	if _, err := dec.Token(); err != io.EOF {
		return nil, false
	}

	s := &Structured{Extra: make(map[string]any)}
	for _, key := range idKeys {
		if id := stringField(fields[key]); id != "" {
			s.SubjectID = id
			break
		}
	}
	if s.SubjectID == "" {
		return nil, false
	}

	for k, v := range fields {
		switch k {
		case "name":
			s.Name = stringField(v)
		case "department":
			s.Department = stringField(v)
		default:
			if !isIDKey(k) {
				s.Extra[k] = v
			}
		}
	}
	return s, true
}

// stringField accepts both string and numeric identifiers.
func stringField(v any) string {
	switch val := v.(type) {
	case string:
		return strings.TrimSpace(val)
	case json.Number:
		return val.String()
	case float64:
		return strconv.FormatFloat(val, 'f', -1, 64)
	default:
		return ""
	}
}

func isIDKey(k string) bool {
	for _, key := range idKeys {
		if k == key {
			return true
		}
	}
	return false
}
