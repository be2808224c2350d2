package accounting

import "time"

// JournalEntry is the accounting-side effect of a sales order: one entry per
// order, keyed by the originating order id.
type JournalEntry struct {
	ID        string    `json:"id"`
	OrderID   string    `json:"order_id"`
	Amount    float64   `json:"amount"`
	Memo      string    `json:"memo"`
	CreatedAt time.Time `json:"created_at"`
}
