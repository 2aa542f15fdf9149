package models

import (
	"time"

	"github.com/punchamoorthee/settleops/internal/domain"
	"github.com/shopspring/decimal"
)

// SettlementRunRequest is the payload of POST /settlements/runs and
// /settlements/preview. A missing filter matches every payable order.
type SettlementRunRequest struct {
	Filter *domain.Filter `json:"filter,omitempty"`
}

// JobAccepted is returned for every request that queues a job.
type JobAccepted struct {
	JobID  string           `json:"job_id"`
	Status domain.JobStatus `json:"status"`
}

type PreviewItem struct {
	OrderID       string          `json:"order_id"`
	PartnerID     string          `json:"partner_id"`
	SubMerchantID *string         `json:"sub_merchant_id,omitempty"`
	Amount        decimal.Decimal `json:"amount"`
	NetAmount     decimal.Decimal `json:"net_amount"`
	CreatedAt     time.Time       `json:"created_at"`
}

type PreviewResponse struct {
	TotalOrders    int                 `json:"total_orders"`
	TotalNetAmount decimal.Decimal     `json:"total_net_amount"`
	Sample         []PreviewItem       `json:"sample"`
	Failures       []domain.OrderError `json:"failures,omitempty"`
}

type LoanSettleRequest struct {
	SubMerchantID string     `json:"sub_merchant_id"`
	From          *time.Time `json:"from,omitempty"`
	To            *time.Time `json:"to,omitempty"`
	Note          string     `json:"note,omitempty"`
	Actor         string     `json:"actor,omitempty"`
	// Queue runs the request as a job instead of inline.
	Queue bool `json:"queue,omitempty"`
}

type LoanRevertRequest struct {
	SubMerchantID string     `json:"sub_merchant_id"`
	From          *time.Time `json:"from,omitempty"`
	To            *time.Time `json:"to,omitempty"`
	OrderIDs      []string   `json:"order_ids,omitempty"`
	ExportOnly    bool       `json:"export_only,omitempty"`
	Actor         string     `json:"actor,omitempty"`
	Queue         bool       `json:"queue,omitempty"`
}

// AdjustmentRequest credits (positive amount) or debits a partner balance.
type AdjustmentRequest struct {
	PartnerID string          `json:"partner_id"`
	Amount    decimal.Decimal `json:"amount"`
	Reference string          `json:"reference,omitempty"`
	Reason    string          `json:"reason,omitempty"`
	Actor     string          `json:"actor,omitempty"`
}

type ScheduleRequest struct {
	Cron string `json:"cron"`
}
