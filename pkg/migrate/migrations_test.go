package migrate_test

import (
	"io/fs"
	"strings"
	"testing"
	"testing/fstest"

	"github.com/bring2life/bring2life-backend/pkg/migrate"
)

func readMigration(t *testing.T, suffix string) string {
	t.Helper()
	matches, err := fs.Glob(migrate.Embedded(), "*_"+suffix+".sql")
	if err != nil {
		t.Fatalf("glob migrations: %v", err)
	}
	if len(matches) != 1 {
		t.Fatalf("expected one %s migration, found %d", suffix, len(matches))
	}
	data, err := fs.ReadFile(migrate.Embedded(), matches[0])
	if err != nil {
		t.Fatalf("read migration: %v", err)
	}
	return string(data)
}

func TestEmbeddedMigrationsValidate(t *testing.T) {
	if err := migrate.ValidateFS(migrate.Embedded()); err != nil {
		t.Fatalf("validate: %v", err)
	}
}

func TestCommissionsMigrationGuardsFunds(t *testing.T) {
	content := readMigration(t, "create_commissions")
	for _, sub := range []string{
		"CREATE TABLE IF NOT EXISTS commissions",
		"CHECK (released + refunded <= held)",
		"UNIQUE (commission_id, order_index)",
		"ux_bids_open_per_artist",
		"ux_bids_one_accepted",
		"DROP TABLE IF EXISTS commissions",
	} {
		if !strings.Contains(content, sub) {
			t.Errorf("missing expected statement %q", sub)
		}
	}
}

func TestLedgerMigrationAllowsOneLiveRelease(t *testing.T) {
	content := readMigration(t, "create_ledger_transactions")
	for _, sub := range []string{
		"CONSTRAINT ledger_transactions_token_unique UNIQUE (idempotency_token)",
		"CREATE UNIQUE INDEX IF NOT EXISTS ux_ledger_release_live ON ledger_transactions (milestone_id)",
		"WHERE kind = 'release' AND status IN ('requested', 'confirmed')",
		"ux_reconciliation_flags_open",
	} {
		if !strings.Contains(content, sub) {
			t.Errorf("missing expected statement %q", sub)
		}
	}
}

func TestValidateRejectsBrokenMigrations(t *testing.T) {
	cases := map[string]fstest.MapFS{
		"bad name": {"create_things.sql": {Data: []byte("-- +goose Up\n-- +goose Down\n")}},
		"no down":  {"20260301090000_things.sql": {Data: []byte("-- +goose Up\n")}},
		"duplicate version": {
			"20260301090000_a.sql": {Data: []byte("-- +goose Up\n-- +goose Down\n")},
			"20260301090000_b.sql": {Data: []byte("-- +goose Up\n-- +goose Down\n")},
		},
		"concurrent index in tx": {"20260301090000_idx.sql": {Data: []byte(
			"-- +goose Up\nCREATE INDEX CONCURRENTLY idx ON t (c);\n-- +goose Down\nDROP INDEX idx;\n")}},
	}
	for name, fsys := range cases {
		t.Run(name, func(t *testing.T) {
			if err := migrate.ValidateFS(fsys); err == nil {
				t.Fatal("expected validation error")
			}
		})
	}
}
