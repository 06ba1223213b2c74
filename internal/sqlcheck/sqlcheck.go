// Package sqlcheck decides whether a submitted SQL statement is allowed to
// run. Validation is pure: it inspects text only and never touches the
// database or the audit log.
package sqlcheck

import (
	"fmt"
	"regexp"
	"strings"

	"sqldesk.org/internal/auth"
)

// Kind is the coarse statement classification used by the policy and the
// executor. Read-only introspection statements (SHOW, DESCRIBE, EXPLAIN)
// count as selects.
type Kind string

const (
	KindSelect  Kind = "SELECT"
	KindInsert  Kind = "INSERT"
	KindUpdate  Kind = "UPDATE"
	KindDelete  Kind = "DELETE"
	KindUnknown Kind = "UNKNOWN"
)

// Mutating reports whether statements of this kind change rows.
func (k Kind) Mutating() bool {
	return k == KindInsert || k == KindUpdate || k == KindDelete
}

// Reason identifies why a statement was rejected.
type Reason string

const (
	ReasonForbiddenStatement    Reason = "forbidden_statement_type"
	ReasonMissingWhere          Reason = "missing_where_clause"
	ReasonInsufficientPrivilege Reason = "insufficient_privilege"
	ReasonEmptyOrMultiStatement Reason = "empty_or_multi_statement"
)

// Verdict is the outcome of validation. It is never a bare boolean: callers
// need the reason code for the audit record and for the user-facing message.
type Verdict struct {
	Allowed    bool
	Normalized string
	Kind       Kind
	Reason     Reason
	Message    string
}

var (
	lineCommentRe  = regexp.MustCompile(`(?m)--.*$`)
	blockCommentRe = regexp.MustCompile(`(?s)/\*.*?\*/`)
	whereClauseRe  = regexp.MustCompile(`(?i)\bWHERE\s+(.+?)(\s+ORDER\b|\s+LIMIT\b|;|$)`)
)

// ddlKeywords are schema-altering statements that are never allowed,
// regardless of role.
var ddlKeywords = []string{"CREATE", "DROP", "ALTER", "TRUNCATE", "RENAME"}

// Normalize strips SQL comments and collapses whitespace.
func Normalize(query string) string {
	q := lineCommentRe.ReplaceAllString(query, "")
	q = blockCommentRe.ReplaceAllString(q, "")
	return strings.Join(strings.Fields(q), " ")
}

// KindOf classifies the leading keyword of an already-normalized statement.
func KindOf(normalized string) Kind {
	upper := strings.ToUpper(normalized)
	switch {
	case strings.HasPrefix(upper, "SELECT"),
		strings.HasPrefix(upper, "SHOW"),
		strings.HasPrefix(upper, "DESCRIBE"),
		strings.HasPrefix(upper, "DESC "),
		strings.HasPrefix(upper, "EXPLAIN"):
		return KindSelect
	case strings.HasPrefix(upper, "INSERT"):
		return KindInsert
	case strings.HasPrefix(upper, "UPDATE"):
		return KindUpdate
	case strings.HasPrefix(upper, "DELETE"):
		return KindDelete
	default:
		return KindUnknown
	}
}

// Policy holds the table-access rules applied on top of the statement rules.
type Policy struct {
	// ProtectedTables are accessible only to the admin role.
	ProtectedTables []string
}

// DefaultPolicy protects the service's own bookkeeping tables.
var DefaultPolicy = Policy{
	ProtectedTables: []string{"users", "audit_log"},
}

// Validate applies the full rule set and returns a verdict.
//
// Rule order: empty/multi-statement checks first, then the statement-type
// whitelist, then protected-table access, then the WHERE requirement for
// mutating statements. DDL is checked before table access so that
// "DROP TABLE users" reports the statement-type rejection.
func (p Policy) Validate(query string, role auth.Role) Verdict {
	norm := Normalize(query)
	if norm == "" {
		return reject(ReasonEmptyOrMultiStatement, "query contains no executable statement")
	}

	trimmed := strings.TrimSuffix(norm, ";")
	if strings.Contains(trimmed, ";") {
		return reject(ReasonEmptyOrMultiStatement, "multiple statements per submission are not allowed")
	}
	if strings.TrimSpace(trimmed) == "" {
		return reject(ReasonEmptyOrMultiStatement, "query contains no executable statement")
	}
	norm = strings.TrimSpace(trimmed)

	upper := strings.ToUpper(norm)
	for _, kw := range ddlKeywords {
		if strings.HasPrefix(upper, kw) {
			return reject(ReasonForbiddenStatement,
				"DDL operations (CREATE, DROP, ALTER, TRUNCATE, RENAME) are not allowed")
		}
	}

	kind := KindOf(norm)
	if kind == KindUnknown {
		return reject(ReasonForbiddenStatement,
			"only SELECT, INSERT, UPDATE and DELETE statements are allowed")
	}

	if role != auth.RoleAdmin {
		if table, ok := p.referencesProtected(upper); ok {
			return reject(ReasonInsufficientPrivilege,
				fmt.Sprintf("access to table %q is restricted to administrators", table))
		}
	}

	if kind == KindUpdate || kind == KindDelete {
		if !hasWhereClause(upper) {
			return reject(ReasonMissingWhere,
				fmt.Sprintf("%s statements must include a WHERE clause", kind))
		}
	}

	return Verdict{Allowed: true, Normalized: norm, Kind: kind}
}

func (p Policy) referencesProtected(upperQuery string) (string, bool) {
	for _, table := range p.ProtectedTables {
		re := regexp.MustCompile(`\b` + regexp.QuoteMeta(strings.ToUpper(table)) + `\b`)
		if re.MatchString(upperQuery) {
			return table, true
		}
	}
	return "", false
}

func hasWhereClause(upperQuery string) bool {
	m := whereClauseRe.FindStringSubmatch(upperQuery)
	if m == nil {
		return false
	}
	return strings.TrimSpace(m[1]) != ""
}

func reject(reason Reason, message string) Verdict {
	return Verdict{Reason: reason, Message: message}
}
