package repository

// MessageBus publishes engine events (ledger entries, conversion/payout
// updates, operator alerts). The NATS transport implements it.
type MessageBus interface {
	Publish(topic string, data []byte) error
}
