package telemetry

// DeliveryBuckets covers sink round trips from a local queue to a slow webhook.
var DeliveryBuckets = []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30}

// Replication metrics
var (
	// SlotState is 1 for the current state of each slot (connecting, streaming, reconnecting, stopped).
	SlotState GaugeVec = noopGaugeVec{}

	// FlushLSN is the last flush position confirmed to the server per slot.
	FlushLSN GaugeVec = noopGaugeVec{}

	// TransactionsTotal counts committed transactions decoded per slot.
	TransactionsTotal CounterVec = noopCounterVec{}

	// ReconnectsTotal counts replication reconnects per slot.
	ReconnectsTotal CounterVec = noopCounterVec{}

	// RestartsTotal counts supervisor restarts per slot by reason.
	RestartsTotal CounterVec = noopCounterVec{}
)

// Routing and partition metrics
var (
	// RoutedTotal counts messages routed per consumer.
	RoutedTotal CounterVec = noopCounterVec{}

	// FilterErrorsTotal counts predicates that failed to evaluate per consumer.
	FilterErrorsTotal CounterVec = noopCounterVec{}

	// PartitionBuffered tracks messages held by each partition handler.
	PartitionBuffered GaugeVec = noopGaugeVec{}

	// BackfillRowsTotal counts snapshot rows read per slot and table.
	BackfillRowsTotal CounterVec = noopCounterVec{}
)

// Delivery metrics
var (
	// DeliveredTotal counts acknowledged messages per consumer.
	DeliveredTotal CounterVec = noopCounterVec{}

	// DeliveryAttemptsTotal counts sink calls per consumer and outcome.
	DeliveryAttemptsTotal CounterVec = noopCounterVec{}

	// DeadLetteredTotal counts messages isolated as poison per consumer.
	DeadLetteredTotal CounterVec = noopCounterVec{}

	// ConsumerFailing is 1 while a consumer has exhausted its retries.
	ConsumerFailing GaugeVec = noopGaugeVec{}

	// DeliverySeconds measures sink latency per consumer.
	DeliverySeconds HistogramVec = noopHistogramVec{}
)

func registerMetrics() {
	SlotState = newGaugeVec("slot_state", "Current state of each replication slot processor.", "slot", "state")
	FlushLSN = newGaugeVec("slot_flush_lsn", "Last flush position confirmed to Postgres.", "slot")
	TransactionsTotal = newCounterVec("slot_transactions_total", "Committed transactions decoded.", "slot")
	ReconnectsTotal = newCounterVec("slot_reconnects_total", "Replication connection re-establishments.", "slot")
	RestartsTotal = newCounterVec("slot_restarts_total", "Processor restarts by the supervisor.", "slot", "reason")

	RoutedTotal = newCounterVec("routed_messages_total", "Messages routed to consumers.", "consumer")
	FilterErrorsTotal = newCounterVec("filter_errors_total", "Predicates that could not be evaluated.", "consumer")
	PartitionBuffered = newGaugeVec("partition_buffered_messages", "Messages held by a partition handler.", "slot", "partition")
	BackfillRowsTotal = newCounterVec("backfill_rows_total", "Rows read by table backfills.", "slot", "table")

	DeliveredTotal = newCounterVec("delivered_messages_total", "Messages acknowledged by sinks.", "consumer")
	DeliveryAttemptsTotal = newCounterVec("delivery_attempts_total", "Sink delivery attempts by outcome.", "consumer", "outcome")
	DeadLetteredTotal = newCounterVec("dead_lettered_messages_total", "Messages moved to the dead-letter store.", "consumer")
	ConsumerFailing = newGaugeVec("consumer_failing", "1 while a consumer has exhausted its delivery retries.", "consumer")
	DeliverySeconds = newHistogramVec("delivery_seconds", "Sink delivery latency.", DeliveryBuckets, "consumer")
}
