package models

import "time"

// WebhookEvent: отметка об обработанном событии шлюза для дедупликации повторов.
type WebhookEvent struct {
	EventID     string    `db:"event_id" json:"event_id"`
	EventType   string    `db:"event_type" json:"event_type"`
	ProcessedAt time.Time `db:"processed_at" json:"processed_at"`
	ExpiresAt   time.Time `db:"expires_at" json:"expires_at"`
}

const (
	ReconcileEntityTransaction = "transaction"
	ReconcileEntityPayout      = "payout"
)

// ReconciliationItem: операция с неизвестным исходом, требующая сверки со шлюзом.
type ReconciliationItem struct {
	ID         int64      `db:"id" json:"id"`
	EntityType string     `db:"entity_type" json:"entity_type"`
	EntityID   string     `db:"entity_id" json:"entity_id"`
	Operation  string     `db:"operation" json:"operation"`
	Reason     string     `db:"reason" json:"reason"`
	Attempts   int        `db:"attempts" json:"attempts"`
	CreatedAt  time.Time  `db:"created_at" json:"created_at"`
	ResolvedAt *time.Time `db:"resolved_at" json:"resolved_at,omitempty"`
}
