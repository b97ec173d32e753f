// escrow-ledger-export writes the escrow transaction ledger to an Excel file
// for finance review.
//
// Usage:
//
//	DB_USER=... DB_PASSWORD=... DB_HOST=... DB_PORT=... DB_NAME=... \
//	go run ./cmd/escrow-ledger-export [-order-id 0] [-out escrow-ledger.xlsx]
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/xuri/excelize/v2"

	"github.com/stitchbase/atelier_backend/config"
	"github.com/stitchbase/atelier_backend/models"
)

func main() {
	orderId := flag.Int("order-id", 0, "Optional: export only one order's ledger.")
	out := flag.String("out", "escrow-ledger.xlsx", "Output file path.")
	flag.Parse()

	ctx := context.Background()
	config.ConnectDatabaseWithRetry()
	db := config.GetDB()
	if db == nil {
		fmt.Fprintln(os.Stderr, "database not initialized (config.GetDB returned nil). Set DB_* env vars.")
		os.Exit(1)
	}

	q := db.WithContext(ctx).Model(&models.EscrowTransaction{}).Order("id asc")
	if *orderId > 0 {
		q = q.Where("order_id = ?", *orderId)
	}
	var rows []models.EscrowTransaction
	if err := q.Find(&rows).Error; err != nil {
		fmt.Fprintf(os.Stderr, "failed to load ledger: %v\n", err)
		os.Exit(1)
	}

	f := excelize.NewFile()
	sheet := "Sheet1"
	if _, err := f.NewSheet(sheet); err != nil {
		fmt.Fprintf(os.Stderr, "failed to create sheet: %v\n", err)
		os.Exit(1)
	}

	headers := []string{"Id", "OrderId", "MilestoneId", "Stage", "Amount", "Status", "SettlementRef", "FailureReason", "CreatedAt", "ProcessedAt"}
	for i, h := range headers {
		cell, _ := excelize.CoordinatesToCellName(i+1, 1)
		f.SetCellValue(sheet, cell, h)
	}
	for i, r := range rows {
		rowNo := i + 2
		settlementRef := ""
		if r.SettlementRef != nil {
			settlementRef = *r.SettlementRef
		}
		failureReason := ""
		if r.FailureReason != nil {
			failureReason = *r.FailureReason
		}
		processedAt := ""
		if r.ProcessedAt != nil {
			processedAt = r.ProcessedAt.Format(time.RFC3339)
		}
		values := []interface{}{
			r.ID, r.OrderId, r.MilestoneId, string(r.Stage), r.Amount.String(),
			string(r.Status), settlementRef, failureReason,
			r.CreatedAt.Format(time.RFC3339), processedAt,
		}
		for col, v := range values {
			cell, _ := excelize.CoordinatesToCellName(col+1, rowNo)
			f.SetCellValue(sheet, cell, v)
		}
	}

	if err := f.SaveAs(*out); err != nil {
		fmt.Fprintf(os.Stderr, "failed to save %s: %v\n", *out, err)
		os.Exit(1)
	}
	fmt.Printf("wrote %d ledger rows to %s\n", len(rows), *out)
}
