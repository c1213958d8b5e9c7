package migrations

import (
	"strings"
	"testing"
)

func TestLoadMigrationFilesOrderedByVersion(t *testing.T) {
	files, err := loadMigrationFiles()
	if err != nil {
		t.Fatalf("load migration files: %v", err)
	}
	if len(files) < 2 {
		t.Fatalf("expected at least 2 migrations, got %d", len(files))
	}
	for i := 1; i < len(files); i++ {
		if files[i-1].version > files[i].version {
			t.Fatalf("migrations out of order: %s before %s", files[i-1].name, files[i].name)
		}
	}
	for _, file := range files {
		if len(file.statements) == 0 {
			t.Fatalf("migration %s has no statements", file.name)
		}
		for _, stmt := range file.statements {
			if !strings.Contains(stmt, "CREATE TABLE") {
				t.Fatalf("unexpected statement in %s: %q", file.name, stmt)
			}
		}
	}
}

func TestSplitSQLStatements(t *testing.T) {
	statements := splitSQLStatements("CREATE TABLE a (id INT);\n\nCREATE TABLE b (id INT);\n")
	if len(statements) != 2 {
		t.Fatalf("expected 2 statements, got %d", len(statements))
	}
}

func TestParseMigrationVersion(t *testing.T) {
	cases := map[string]string{
		"0001_sessions.sql":     "0001",
		"0002_transactions.sql": "0002",
		"0003.sql":              "0003",
		"plain":                 "plain",
	}
	for name, want := range cases {
		if got := parseMigrationVersion(name); got != want {
			t.Fatalf("%s: got %s want %s", name, got, want)
		}
	}
}
