package index

import (
	"strings"
	"testing"
)

func TestSplitSQL(t *testing.T) {
	t.Run("comment semicolons do not split statements", func(t *testing.T) {
		script := `-- leading note; the semicolon stays inside the comment
CREATE TABLE a (id TEXT);
-- another note; also with a semicolon
CREATE TABLE b (id TEXT);`

		statements := splitSQL(script)
		if len(statements) != 2 {
			t.Fatalf("expected 2 statements, got %d: %v", len(statements), statements)
		}
		for i, stmt := range statements {
			if !strings.HasPrefix(stmt, "CREATE TABLE") {
				t.Errorf("statement %d polluted by comment text: %q", i+1, stmt)
			}
		}
	})

	t.Run("embedded schema yields only executable statements", func(t *testing.T) {
		statements := splitSQL(initialSchema)
		if len(statements) == 0 {
			t.Fatal("embedded schema produced no statements")
		}
		for i, stmt := range statements {
			if !strings.HasPrefix(stmt, "CREATE ") {
				t.Errorf("statement %d is not a CREATE: %q", i+1, stmt)
			}
		}
	})
}

func TestNewDBInitializesSchema(t *testing.T) {
	store, err := NewDB(t.TempDir())
	if err != nil {
		t.Fatalf("NewDB failed: %v", err)
	}
	defer store.Close()

	if err := store.Health(); err != nil {
		t.Errorf("health check after open: %v", err)
	}
}
