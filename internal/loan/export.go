package loan

import (
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/punchamoorthee/settleops/internal/domain"
	"github.com/shopspring/decimal"
)

var exportHeader = []string{"order_id", "current_status", "restored_status", "pending_amount", "settlement_amount", "loan_amount"}

type exportRow struct {
	current  domain.Order
	restored domain.Order
}

func (r exportRow) record() []string {
	return []string{
		r.current.ID,
		string(r.current.Status),
		string(r.restored.Status),
		amount(r.restored.PendingAmount),
		amount(r.restored.SettlementAmount),
		amount(r.current.LoanAmount),
	}
}

func amount(d *decimal.Decimal) string {
	if d == nil {
		return ""
	}
	return d.StringFixed(3)
}

// writeExport writes the would-be revert of rows to a new CSV file under dir
// and returns its path.
func writeExport(dir, subMerchantID string, at time.Time, rows []exportRow) (string, error) {
	if dir == "" {
		dir = os.TempDir()
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create export dir: %w", err)
	}
	safe := strings.NewReplacer("/", "_", `\`, "_", "..", "_").Replace(subMerchantID)
	name := fmt.Sprintf("loan-revert-%s-%s.csv", safe, at.Format("20060102T150405.000Z"))
	path := filepath.Join(dir, name)

	f, err := os.Create(path)
	if err != nil {
		return "", fmt.Errorf("create export file: %w", err)
	}
	defer f.Close()

	w := csv.NewWriter(f)
	if err := w.Write(exportHeader); err != nil {
		return "", err
	}
	for _, r := range rows {
		if err := w.Write(r.record()); err != nil {
			return "", err
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return "", fmt.Errorf("write export: %w", err)
	}
	return path, f.Sync()
}
