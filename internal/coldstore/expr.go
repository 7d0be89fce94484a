package coldstore

import (
	"fmt"
	"strings"

	"github.com/coffersTech/hotlog/internal/pkg/hql"
)

// fieldColumns maps search fields to text-valued SQL expressions.
var fieldColumns = map[string]string{
	hql.FieldCorrelationID: "correlation_id",
	hql.FieldAPIName:       "COALESCE(api_name, '')",
	hql.FieldServiceName:   "COALESCE(service_name, '')",
	hql.FieldSessionID:     "COALESCE(session_id, '')",
	hql.FieldLogLevel:      "COALESCE(log_level, '')",
	hql.FieldURL:           urlExpr,
	hql.FieldErrorMessage:  "COALESCE(error_message, '')",
	hql.FieldHasError:      "CASE WHEN " + hasErrorExpr + " THEN 'true' ELSE 'false' END",
	hql.FieldDurationMs:    "COALESCE(duration_ms, 0)::text",
	hql.FieldSourceFile:    sourceFileExpr,
}

// textColumns are searched by free-text terms.
var textColumns = []string{
	"COALESCE(error_message, '')",
	"COALESCE(error_trace, '')",
	urlExpr,
	"COALESCE(api_name, '')",
	"COALESCE(service_name, '')",
	"correlation_id",
	"COALESCE(" + requestExpr + "::text, '')",
	"COALESCE(" + responseExpr + "::text, '')",
}

// renderExpr translates a search expression into a SQL condition. bind adds
// an argument and returns its placeholder.
func renderExpr(n hql.Node, bind func(any) string) string {
	switch e := n.(type) {
	case hql.BinaryExpr:
		return "(" + renderExpr(e.Left, bind) + " " + e.Op + " " + renderExpr(e.Right, bind) + ")"
	case hql.NotExpr:
		return "NOT " + renderExpr(e.Expr, bind)
	case hql.MatchExpr:
		if e.Key == "" {
			p := bind(likePattern(e.Value))
			conds := make([]string, len(textColumns))
			for i, col := range textColumns {
				conds[i] = fmt.Sprintf("%s ILIKE %s", col, p)
			}
			return "(" + strings.Join(conds, " OR ") + ")"
		}
		col, ok := fieldColumns[e.Key]
		if !ok {
			col = "''"
		}
		switch e.Op {
		case "CONTAINS":
			return fmt.Sprintf("(%s ILIKE %s)", col, bind(likePattern(e.Value)))
		case "!=":
			return fmt.Sprintf("(lower(%s) <> lower(%s))", col, bind(e.Value))
		default:
			return fmt.Sprintf("(lower(%s) = lower(%s))", col, bind(e.Value))
		}
	}
	return "TRUE"
}

var likeEscaper = strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)

func likePattern(s string) string {
	return "%" + likeEscaper.Replace(s) + "%"
}
