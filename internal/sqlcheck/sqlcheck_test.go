package sqlcheck

import (
	"testing"

	"sqldesk.org/internal/auth"
)

func TestValidateAllowsPlainSelect(t *testing.T) {
	v := DefaultPolicy.Validate("SELECT * FROM orders", auth.RoleStandard)
	if !v.Allowed {
		t.Fatalf("expected allowed, got %s: %s", v.Reason, v.Message)
	}
	if v.Kind != KindSelect {
		t.Fatalf("expected SELECT kind, got %s", v.Kind)
	}
}

func TestValidateRejectsDDLAnyCase(t *testing.T) {
	cases := []string{
		"DROP TABLE orders",
		"drop table orders",
		"Create Table t (id int)",
		"ALTER TABLE orders ADD COLUMN x int",
		"truncate orders",
		"RENAME TABLE a TO b",
	}
	for _, q := range cases {
		v := DefaultPolicy.Validate(q, auth.RoleAdmin)
		if v.Allowed {
			t.Fatalf("%q: expected rejection", q)
		}
		if v.Reason != ReasonForbiddenStatement {
			t.Fatalf("%q: expected forbidden_statement_type, got %s", q, v.Reason)
		}
	}
}

func TestValidateWhereRequirement(t *testing.T) {
	cases := []struct {
		query   string
		allowed bool
	}{
		{"UPDATE orders SET state = 'done'", false},
		{"DELETE FROM orders", false},
		{"UPDATE orders SET state = 'done' WHERE id = 5", true},
		{"DELETE FROM orders WHERE created_at < '2020-01-01'", true},
		{"update orders set state = 'x' where id = 1", true},
		// WHERE with nothing after it is as good as no WHERE.
		{"DELETE FROM orders WHERE", false},
	}
	for _, tc := range cases {
		v := DefaultPolicy.Validate(tc.query, auth.RoleStandard)
		if v.Allowed != tc.allowed {
			t.Fatalf("%q: allowed=%v, want %v (%s)", tc.query, v.Allowed, tc.allowed, v.Message)
		}
		if !tc.allowed && v.Reason != ReasonMissingWhere {
			t.Fatalf("%q: expected missing_where_clause, got %s", tc.query, v.Reason)
		}
	}
}

func TestValidateProtectedTables(t *testing.T) {
	q := "SELECT * FROM users WHERE id = 1"

	v := DefaultPolicy.Validate(q, auth.RoleStandard)
	if v.Allowed {
		t.Fatal("standard role must not read the users table")
	}
	if v.Reason != ReasonInsufficientPrivilege {
		t.Fatalf("expected insufficient_privilege, got %s", v.Reason)
	}

	if v := DefaultPolicy.Validate(q, auth.RoleAdmin); !v.Allowed {
		t.Fatalf("admin should be allowed: %s", v.Message)
	}

	// Substrings of protected names are fine.
	if v := DefaultPolicy.Validate("SELECT * FROM users_archive", auth.RoleStandard); !v.Allowed {
		t.Fatalf("users_archive is not protected: %s", v.Message)
	}
}

func TestValidateProtectedBeatenByDDL(t *testing.T) {
	v := DefaultPolicy.Validate("DROP TABLE users", auth.RoleStandard)
	if v.Reason != ReasonForbiddenStatement {
		t.Fatalf("DDL check runs first, got %s", v.Reason)
	}
}

func TestValidateMultiStatement(t *testing.T) {
	cases := []string{
		"SELECT 1; SELECT 2",
		"DELETE FROM t WHERE id = 1; DROP TABLE t",
	}
	for _, q := range cases {
		v := DefaultPolicy.Validate(q, auth.RoleAdmin)
		if v.Allowed || v.Reason != ReasonEmptyOrMultiStatement {
			t.Fatalf("%q: expected empty_or_multi_statement, got allowed=%v reason=%s", q, v.Allowed, v.Reason)
		}
	}

	// A single trailing semicolon is not a second statement.
	if v := DefaultPolicy.Validate("SELECT 1;", auth.RoleStandard); !v.Allowed {
		t.Fatalf("trailing semicolon should be tolerated: %s", v.Message)
	}
}

func TestValidateEmptyAndCommentOnly(t *testing.T) {
	cases := []string{
		"",
		"   \n\t ",
		"-- just a comment",
		"/* block comment */",
		";",
	}
	for _, q := range cases {
		v := DefaultPolicy.Validate(q, auth.RoleAdmin)
		if v.Allowed || v.Reason != ReasonEmptyOrMultiStatement {
			t.Fatalf("%q: expected empty_or_multi_statement, got allowed=%v reason=%s", q, v.Allowed, v.Reason)
		}
	}
}

func TestValidateUnknownStatement(t *testing.T) {
	v := DefaultPolicy.Validate("GRANT ALL ON orders TO bob", auth.RoleAdmin)
	if v.Allowed || v.Reason != ReasonForbiddenStatement {
		t.Fatalf("expected forbidden_statement_type, got allowed=%v reason=%s", v.Allowed, v.Reason)
	}
}

func TestValidateIntrospectionCountsAsSelect(t *testing.T) {
	for _, q := range []string{"SHOW search_path", "EXPLAIN SELECT 1", "DESCRIBE orders", "desc orders"} {
		v := DefaultPolicy.Validate(q, auth.RoleStandard)
		if !v.Allowed {
			t.Fatalf("%q: expected allowed, got %s", q, v.Message)
		}
		if v.Kind != KindSelect {
			t.Fatalf("%q: expected SELECT kind, got %s", q, v.Kind)
		}
	}
}

func TestNormalizeStripsComments(t *testing.T) {
	q := "SELECT id -- inline\nFROM orders /* block */ WHERE id = 1"
	got := Normalize(q)
	want := "SELECT id FROM orders WHERE id = 1"
	if got != want {
		t.Fatalf("got %q, want %q", got, want)
	}
}

func TestCommentsCannotHideDDL(t *testing.T) {
	v := DefaultPolicy.Validate("/* harmless */ DROP TABLE orders", auth.RoleAdmin)
	if v.Allowed || v.Reason != ReasonForbiddenStatement {
		t.Fatalf("expected forbidden_statement_type, got allowed=%v reason=%s", v.Allowed, v.Reason)
	}
}

func TestMutatingKinds(t *testing.T) {
	if KindSelect.Mutating() || KindUnknown.Mutating() {
		t.Fatal("SELECT and UNKNOWN are not mutating")
	}
	for _, k := range []Kind{KindInsert, KindUpdate, KindDelete} {
		if !k.Mutating() {
			t.Fatalf("%s should be mutating", k)
		}
	}
}
