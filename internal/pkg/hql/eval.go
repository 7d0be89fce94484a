package hql

import "strings"

// Record is what expressions are evaluated against.
type Record interface {
	// Field returns the value of a canonical field.
	Field(name string) string
	// Text returns the values searched by free-text terms.
	Text() []string
}

// Canonical field names.
const (
	FieldCorrelationID = "correlationId"
	FieldAPIName       = "apiName"
	FieldServiceName   = "serviceName"
	FieldSessionID     = "sessionId"
	FieldLogLevel      = "logLevel"
	FieldURL           = "url"
	FieldErrorMessage  = "errorMessage"
	FieldHasError      = "hasError"
	FieldDurationMs    = "durationMs"
	FieldSourceFile    = "sourceFile"
)

var aliases = map[string]string{
	"correlationid": FieldCorrelationID,
	"id":            FieldCorrelationID,
	"apiname":       FieldAPIName,
	"api":           FieldAPIName,
	"servicename":   FieldServiceName,
	"service":       FieldServiceName,
	"svc":           FieldServiceName,
	"sessionid":     FieldSessionID,
	"session":       FieldSessionID,
	"loglevel":      FieldLogLevel,
	"level":         FieldLogLevel,
	"lvl":           FieldLogLevel,
	"url":           FieldURL,
	"errormessage":  FieldErrorMessage,
	"error":         FieldErrorMessage,
	"msg":           FieldErrorMessage,
	"haserror":      FieldHasError,
	"durationms":    FieldDurationMs,
	"duration":      FieldDurationMs,
	"sourcefile":    FieldSourceFile,
	"file":          FieldSourceFile,
}

// Canonical resolves a field name or alias, ignoring case.
func Canonical(key string) (string, bool) {
	f, ok := aliases[strings.ToLower(key)]
	return f, ok
}

// Match evaluates node against rec. A nil node matches everything.
func Match(node Node, rec Record) bool {
	switch n := node.(type) {
	case nil:
		return true
	case BinaryExpr:
		if n.Op == "OR" {
			return Match(n.Left, rec) || Match(n.Right, rec)
		}
		return Match(n.Left, rec) && Match(n.Right, rec)
	case MatchExpr:
		return evalMatch(n, rec)
	case NotExpr:
		return !Match(n.Expr, rec)
	}
	return false
}

func evalMatch(expr MatchExpr, rec Record) bool {
	if expr.Key == "" {
		for _, s := range rec.Text() {
			if containsFold(s, expr.Value) {
				return true
			}
		}
		return false
	}

	v := rec.Field(expr.Key)
	switch expr.Op {
	case "!=":
		return !strings.EqualFold(v, expr.Value)
	case "CONTAINS":
		return containsFold(v, expr.Value)
	default:
		return strings.EqualFold(v, expr.Value)
	}
}

func containsFold(haystack, needle string) bool {
	return strings.Contains(strings.ToLower(haystack), strings.ToLower(needle))
}
