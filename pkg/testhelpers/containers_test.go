//go:build integration

package testhelpers

import (
	"context"
	"testing"
)

func TestTestDB_MigrationsApplied(t *testing.T) {
	testDB := GetTestDB(t)

	ctx := context.Background()

	for _, table := range []string{
		"sqlagent_conversations",
		"sqlagent_messages",
		"sqlagent_workspace_contexts",
		"sqlagent_metadata_cache",
	} {
		var exists bool
		err := testDB.DB.QueryRow(ctx,
			"SELECT EXISTS (SELECT 1 FROM information_schema.tables WHERE table_schema = 'public' AND table_name = $1)",
			table).Scan(&exists)
		if err != nil {
			t.Fatalf("failed to check %s: %v", table, err)
		}
		if !exists {
			t.Errorf("expected table %s to exist", table)
		}
	}
}

func TestTestDB_AppRoleIsNotSuperuser(t *testing.T) {
	testDB := GetTestDB(t)

	var super bool
	err := testDB.DB.QueryRow(context.Background(),
		"SELECT rolsuper FROM pg_roles WHERE rolname = current_user").Scan(&super)
	if err != nil {
		t.Fatalf("failed to read role: %v", err)
	}
	if super {
		t.Error("application role must not bypass row-level security")
	}
}

func TestTestRedis_Ping(t *testing.T) {
	r := GetTestRedis(t)
	if err := r.Client.Ping(context.Background()).Err(); err != nil {
		t.Fatalf("ping failed: %v", err)
	}
}
