package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/segmentio/encoding/json"

	"github.com/navid-fn/txradar/configs"
	"github.com/navid-fn/txradar/internal/connector"
	"github.com/navid-fn/txradar/internal/drivers"
	"github.com/navid-fn/txradar/internal/models"
	"github.com/navid-fn/txradar/internal/tenants"
)

// probe runs one connector for one tenant and prints what it returned. Nothing is stored.
func main() {
	tenantFlag := flag.String("tenant", "", "tenant id from the tenants file")
	sourceFlag := flag.String("source", "", "source id (e.g. changenow, sideshift)")
	settingsFlag := flag.String("settings", "{}", "checkpoint settings to start from, as JSON")
	limitFlag := flag.Int("limit", 20, "print at most this many records")
	flag.Parse()

	appConfig := configs.AppLoad()
	logger := appConfig.NewLogger()
	registry := drivers.NewRegistry(logger)

	if *tenantFlag == "" || *sourceFlag == "" {
		fmt.Println("Usage: go run cmd/probe/main.go -tenant=<id> -source=<source> [-settings='{...}'] [-limit=N]")
		fmt.Println()
		fmt.Printf("Available sources: %v\n", registry.Sources())
		os.Exit(1)
	}

	var settings connector.Settings
	if err := json.Unmarshal([]byte(*settingsFlag), &settings); err != nil {
		fmt.Printf("Error: invalid -settings: %v\n", err)
		os.Exit(1)
	}

	conn, err := registry.Get(*sourceFlag)
	if err != nil {
		fmt.Printf("Error: %v\n", err)
		os.Exit(1)
	}

	dir, err := tenants.NewFileDirectory(appConfig.TenantsFile, logger)
	if err != nil {
		logger.Error("Failed to load tenants", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	ctx, cancel := context.WithTimeout(ctx, appConfig.Sync.UnitTimeout)
	defer cancel()

	list, err := dir.Tenants(ctx)
	if err != nil {
		logger.Error("Failed to list tenants", "error", err)
		os.Exit(1)
	}
	pairs := tenants.Pairs(list, []string{*tenantFlag}, []string{*sourceFlag})
	if len(pairs) == 0 {
		fmt.Printf("Error: tenant %q has no %q source configured\n", *tenantFlag, *sourceFlag)
		os.Exit(1)
	}

	started := time.Now()
	out, err := conn.Query(ctx, connector.Credentials(pairs[0].Credentials), settings)
	if err != nil {
		logger.Error("Query failed", "error", err)
		os.Exit(1)
	}

	var invalid int
	for i, r := range out.Records {
		tx, err := models.NormalizeTx(r)
		if err != nil {
			invalid++
			continue
		}
		if i < *limitFlag {
			printTx(*tenantFlag, *sourceFlag, tx)
		}
	}

	next, _ := json.Marshal(out.Settings)
	fmt.Printf("\n--- %d records (%d invalid) in %s | next settings: %s ---\n",
		len(out.Records), invalid, time.Since(started).Round(time.Millisecond), next)
}

func printTx(tenant, source string, tx models.StandardTx) {
	usd := "unknown"
	if tx.HasUSDValue() {
		usd = fmt.Sprintf("%.2f", tx.USDValue)
	}
	fmt.Printf("[TX] %-40s %-9s %12.8f %-6s -> %12.8f %-6s usd=%-10s %s\n",
		models.TxKey(tenant, source, tx.OrderID), tx.Status,
		tx.DepositAmount, tx.DepositCurrency,
		tx.PayoutAmount, tx.PayoutCurrency,
		usd, tx.IsoDate,
	)
}
