package database

import "testing"

func TestRebindSQLitePassthrough(t *testing.T) {
	q := "INSERT INTO events (a, b) VALUES (?, ?)"
	if got := Rebind(DialectSQLite, q); got != q {
		t.Fatalf("sqlite rebind changed query: %s", got)
	}
}

func TestRebindPostgres(t *testing.T) {
	got := Rebind(DialectPostgres, "SELECT * FROM t WHERE a = ? AND b = ? AND c = ?")
	want := "SELECT * FROM t WHERE a = $1 AND b = $2 AND c = $3"
	if got != want {
		t.Fatalf("got %q, want %q", got, want)
	}
}

func TestRebindNoPlaceholders(t *testing.T) {
	q := "SELECT 1"
	if got := Rebind(DialectPostgres, q); got != q {
		t.Fatalf("got %q", got)
	}
}

func TestAutoIncrementPK(t *testing.T) {
	if AutoIncrementPK(DialectPostgres) != "BIGSERIAL PRIMARY KEY" {
		t.Fatal("postgres pk")
	}
	if AutoIncrementPK(DialectSQLite) != "INTEGER PRIMARY KEY AUTOINCREMENT" {
		t.Fatal("sqlite pk")
	}
}
