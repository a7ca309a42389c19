package ledger_test

import (
	"context"
	"log/slog"
	"os"
	"testing"

	payoutstesting "github.com/hashfleet/payouts/utils/pkg/testing"
)

var testDB *payoutstesting.DB

func TestMain(m *testing.M) {
	ctx := context.Background()
	log := slog.Default()

	var err error
	testDB, err = payoutstesting.NewDB(ctx, log, nil)
	if err != nil {
		slog.Error("failed to start PostgreSQL container", "error", err)
		os.Exit(1)
	}

	code := m.Run()

	testDB.Close()
	os.Exit(code)
}
