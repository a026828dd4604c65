package repository

import "testing"

func TestContainsLikeConditionByDialect(t *testing.T) {
	if got, want := containsLikeCondition("sqlite", "content"), `content LIKE ? ESCAPE '\'`; got != want {
		t.Fatalf("sqlite like mismatch, want %s got %s", want, got)
	}
	if got, want := containsLikeCondition("postgres", "content"), `content ILIKE ? ESCAPE '\'`; got != want {
		t.Fatalf("postgres like mismatch, want %s got %s", want, got)
	}
}

func TestContainsLikeArgEscapesWildcards(t *testing.T) {
	cases := map[string]string{
		"abc":    "%abc%",
		"50%off": `%50\%off%`,
		"a_b":    `%a\_b%`,
		`c:\d`:   `%c:\\d%`,
	}
	for in, want := range cases {
		if got := containsLikeArg(in); got != want {
			t.Fatalf("containsLikeArg(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestDBDialectNameDefaultsToSQLite(t *testing.T) {
	if got := dbDialectName(nil); got != "sqlite" {
		t.Fatalf("expected sqlite for nil db, got %s", got)
	}
	if !isPostgresDialect("PostgreSQL") {
		t.Fatalf("expected postgresql to be treated as postgres")
	}
}

func TestAdvisoryLockKeyIsStablePerProduct(t *testing.T) {
	a := advisoryLockKey(0x43415244, 42)
	b := advisoryLockKey(0x43415244, 42)
	c := advisoryLockKey(0x43415244, 43)
	if a != b {
		t.Fatalf("expected stable key, got %d and %d", a, b)
	}
	if a == c {
		t.Fatalf("expected distinct keys for distinct products")
	}
}
