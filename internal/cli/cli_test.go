package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"path/filepath"
	"strings"
	"testing"

	"github.com/buildtall-systems/vendorder/internal/config"
	"github.com/buildtall-systems/vendorder/internal/db"
	"github.com/spf13/viper"
	"go.uber.org/zap/zaptest"
)

func setupCLI(t *testing.T) string {
	t.Helper()
	viper.Reset()
	t.Cleanup(viper.Reset)

	dbPath := filepath.Join(t.TempDir(), "test.db")
	viper.Set("database.path", dbPath)

	claimList, claimStatus, claimLimit = false, "", 50
	return dbPath
}

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&out)
	rootCmd.SetArgs(args)
	t.Cleanup(func() { rootCmd.SetArgs(nil) })

	err := rootCmd.Execute()
	return out.String(), err
}

func TestMigrateCommand(t *testing.T) {
	dbPath := setupCLI(t)

	out, err := run(t, "migrate")
	if err != nil {
		t.Fatalf("migrate: %v", err)
	}
	if !strings.Contains(out, dbPath) || !strings.Contains(out, "version 1") {
		t.Errorf("output = %q", out)
	}
}

func TestVersionCommand(t *testing.T) {
	out, err := run(t, "version")
	if err != nil {
		t.Fatalf("version: %v", err)
	}
	if !strings.HasPrefix(out, "vendorder dev") {
		t.Errorf("output = %q", out)
	}
}

func TestClaimCommand(t *testing.T) {
	dbPath := setupCLI(t)
	ctx := context.Background()

	database, err := db.Open(dbPath)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := database.Migrate(); err != nil {
		t.Fatalf("Migrate: %v", err)
	}
	order, err := database.CreateOrder(ctx, db.NewOrder{MachineID: "M1", Items: []db.Item{{SlotID: "A1", Qty: 2}}, AmountCents: 500})
	if err != nil {
		t.Fatalf("CreateOrder: %v", err)
	}
	auth, err := database.AuthorizeOrder(ctx, order.ID)
	if err != nil {
		t.Fatalf("AuthorizeOrder: %v", err)
	}
	_ = database.Close()

	out, err := run(t, "claim", "M1", "--list")
	if err != nil {
		t.Fatalf("claim --list: %v", err)
	}
	var listed []claimedCommand
	if err := json.Unmarshal([]byte(out), &listed); err != nil {
		t.Fatalf("decoding list %q: %v", out, err)
	}
	if len(listed) != 1 || listed[0].Status != "PENDING" {
		t.Fatalf("listed = %+v", listed)
	}

	claimList = false
	out, err = run(t, "claim", "M1")
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	var claimed claimedCommand
	if err := json.Unmarshal([]byte(out), &claimed); err != nil {
		t.Fatalf("decoding claim %q: %v", out, err)
	}
	if claimed.CommandID != auth.Command.ID || claimed.Status != "CLAIMED" || claimed.Items[0].Qty != 2 {
		t.Errorf("claimed = %+v", claimed)
	}

	out, err = run(t, "claim", "M1")
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if !strings.Contains(out, "NO_COMMAND") {
		t.Errorf("output = %q, want NO_COMMAND", out)
	}
}

func TestOpenDatabaseSeedsMachines(t *testing.T) {
	cfg := &config.Config{
		Database: config.DatabaseConfig{Path: filepath.Join(t.TempDir(), "seed.db")},
		Machines: []config.MachineConfig{{ID: "M1", ReaderID: "tmr_1"}, {ID: "M2"}},
	}

	database, err := openDatabase(context.Background(), cfg, zaptest.NewLogger(t))
	if err != nil {
		t.Fatalf("openDatabase: %v", err)
	}
	defer func() { _ = database.Close() }()

	m, err := database.GetMachine(context.Background(), "M1")
	if err != nil {
		t.Fatalf("GetMachine: %v", err)
	}
	if m.ReaderID != "tmr_1" {
		t.Errorf("reader = %q", m.ReaderID)
	}
	if _, err := database.GetMachine(context.Background(), "M2"); err != nil {
		t.Errorf("GetMachine(M2): %v", err)
	}
}

func TestBuildWithoutBackends(t *testing.T) {
	ctx := context.Background()
	logger := zaptest.NewLogger(t)
	cfg := &config.Config{Database: config.DatabaseConfig{Path: filepath.Join(t.TempDir(), "b.db")}}

	database, err := openDatabase(ctx, cfg, logger)
	if err != nil {
		t.Fatalf("openDatabase: %v", err)
	}
	defer func() { _ = database.Close() }()

	store, closeStore, err := buildIdempotencyStore(ctx, cfg, database, logger)
	if err != nil {
		t.Fatalf("buildIdempotencyStore: %v", err)
	}
	defer closeStore()
	if _, ok := store.(*db.IdempotencyStore); !ok {
		t.Errorf("store = %T, want *db.IdempotencyStore", store)
	}

	notifier, closeNotifier, err := buildNotifier(ctx, cfg, logger)
	if err != nil {
		t.Fatalf("buildNotifier: %v", err)
	}
	defer closeNotifier()
	if notifier.Len() != 0 {
		t.Errorf("channels = %d, want 0", notifier.Len())
	}
}
