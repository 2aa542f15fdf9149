package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"math/rand"
	"os"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/punchamoorthee/settleops/internal/config"
	"github.com/punchamoorthee/settleops/internal/logging"
	"github.com/punchamoorthee/settleops/internal/store"
	"go.uber.org/zap"
)

var (
	partners        = flag.Int("partners", 20, "number of partners")
	subMerchants    = flag.Int("sub-merchants", 5, "sub-merchants per partner")
	orders          = flag.Int("orders", 50000, "number of PAID orders")
	initialBalance  = flag.Int64("balance", 1_000_000, "starting balance of every partner and sub-merchant")
	configPath      = flag.String("config", os.Getenv("SETTLEOPS_CONFIG"), "path to config file")
	orderWindowDays = flag.Int("days", 7, "spread order created_at over the last N days")
)

func main() {
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatal(err)
	}
	logger := logging.New(cfg.LogLevel, cfg.Env).Named("seeder")
	defer logger.Sync()

	ctx := context.Background()
	pg, err := store.NewPostgres(ctx, cfg.Database.URL, 2, logger)
	if err != nil {
		logger.Fatal("unable to connect to database", zap.Error(err))
	}
	if err := pg.Migrate(ctx); err != nil {
		logger.Fatal("migrate", zap.Error(err))
	}
	pg.Close()

	conn, err := pgx.Connect(ctx, cfg.Database.URL)
	if err != nil {
		logger.Fatal("unable to connect to database", zap.Error(err))
	}
	defer conn.Close(ctx)

	var count int
	if err := conn.QueryRow(ctx, "SELECT COUNT(*) FROM partners").Scan(&count); err != nil {
		logger.Fatal("count partners", zap.Error(err))
	}
	if count >= *partners {
		logger.Info("database already seeded, skipping", zap.Int("partners", count))
		return
	}

	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	now := time.Now().UTC()

	// Bulk insert with CopyFrom; parents first for the foreign keys.
	partnerRows := make([][]any, 0, *partners)
	smRows := make([][]any, 0, *partners**subMerchants)
	smIDs := make([][]string, *partners)
	for i := 0; i < *partners; i++ {
		pid := fmt.Sprintf("partner-%04d", i+1)
		feePercent := float64(rng.Intn(30)) / 10 // 0.0 .. 2.9
		feeFlat := int64(rng.Intn(3)) * 100
		partnerRows = append(partnerRows, []any{pid, fmt.Sprintf("Partner %d", i+1), *initialBalance, feePercent, feeFlat})

		for j := 0; j < *subMerchants; j++ {
			sid := fmt.Sprintf("%s-sm-%02d", pid, j+1)
			smIDs[i] = append(smIDs[i], sid)
			smRows = append(smRows, []any{sid, pid, fmt.Sprintf("Sub-merchant %d/%d", i+1, j+1), *initialBalance})
		}
	}

	copyRows(ctx, conn, logger, "partners", []string{"id", "name", "balance", "fee_percent", "fee_flat"}, partnerRows)
	copyRows(ctx, conn, logger, "sub_merchants", []string{"id", "partner_id", "name", "balance"}, smRows)

	methods := []string{"QRIS", "VA", "EWALLET", "CARD"}
	window := time.Duration(*orderWindowDays) * 24 * time.Hour
	orderRows := make([][]any, 0, *orders)
	for i := 0; i < *orders; i++ {
		p := rng.Intn(*partners)
		var sm any
		if *subMerchants > 0 && rng.Intn(2) == 0 {
			sm = smIDs[p][rng.Intn(*subMerchants)]
		}
		amount := int64(rng.Intn(500)+1) * 1000
		createdAt := now.Add(-time.Duration(rng.Int63n(int64(window))))
		orderRows = append(orderRows, []any{
			fmt.Sprintf("order-%08d", i+1),
			fmt.Sprintf("partner-%04d", p+1),
			sm,
			methods[rng.Intn(len(methods))],
			amount,
			amount,
			"PAID",
			"ACTIVE",
			createdAt,
			createdAt,
		})
	}
	copyRows(ctx, conn, logger, "orders",
		[]string{"id", "partner_id", "sub_merchant_id", "payment_method", "amount", "pending_amount", "status", "settlement_status", "created_at", "updated_at"},
		orderRows)

	logger.Info("seed complete",
		zap.Int("partners", len(partnerRows)),
		zap.Int("sub_merchants", len(smRows)),
		zap.Int("orders", len(orderRows)),
	)
}

func copyRows(ctx context.Context, conn *pgx.Conn, logger *zap.Logger, table string, columns []string, rows [][]any) {
	n, err := conn.CopyFrom(ctx, pgx.Identifier{table}, columns, pgx.CopyFromRows(rows))
	if err != nil {
		logger.Fatal("bulk insert failed", zap.String("table", table), zap.Error(err))
	}
	logger.Info("seeded", zap.String("table", table), zap.Int64("rows", n))
}
