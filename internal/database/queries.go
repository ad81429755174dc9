package database

// Session queries
const (
	sessionColumns = `id, room_number, status, opened_at, closed_at, pos_order_reference, total_amount, order_count`

	InsertSessionSQL = `
		INSERT INTO order_sessions (id, room_number, status, opened_at, total_amount, order_count)
		VALUES ($1, $2, $3, $4, 0, 0)`

	GetSessionSQL = `SELECT ` + sessionColumns + ` FROM order_sessions WHERE id = $1`

	LockSessionSQL = GetSessionSQL + ` FOR UPDATE`

	GetActiveSessionForRoomSQL = `
		SELECT ` + sessionColumns + `
		FROM order_sessions WHERE room_number = $1 AND status = 'active'`

	UpdateSessionStatusSQL = `
		UPDATE order_sessions SET status = $2, closed_at = $3
		WHERE id = $1 AND status = 'active'`

	AdjustSessionTotalsSQL = `
		UPDATE order_sessions
		SET total_amount = total_amount + $2, order_count = order_count + $3
		WHERE id = $1`

	SetPOSReferenceSQL = `
		UPDATE order_sessions SET pos_order_reference = $2
		WHERE id = $1 AND (pos_order_reference IS NULL OR pos_order_reference = $2)`

	DeleteSessionSQL = `DELETE FROM order_sessions WHERE id = $1`
)

// Order queries
const (
	InsertOrderSQL = `
		INSERT INTO orders (id, session_id, room_number, submitted_by, status, total_amount, submitted_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`

	InsertOrderLineSQL = `
		INSERT INTO order_lines (id, order_id, session_id, catalog_item_reference, item_name,
			unit_price, quantity, subtotal, note, fulfillment_status, line_no)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`

	LockOrderSQL = `
		SELECT id, session_id, room_number, submitted_by, status, total_amount, submitted_at, settled_at
		FROM orders WHERE id = $1 FOR UPDATE`

	CancelOrderSQL = `UPDATE orders SET status = 'canceled' WHERE id = $1 AND status = 'placed'`

	CancelOrderLinesSQL = `
		UPDATE order_lines SET fulfillment_status = 'canceled'
		WHERE order_id = $1 AND fulfillment_status <> 'delivered'`

	MarkOrdersSettledSQL = `
		UPDATE orders SET settled_at = $2
		WHERE session_id = $1 AND status = 'placed' AND settled_at IS NULL`

	ListOrdersSQL = `
		SELECT id, session_id, room_number, submitted_by, status, total_amount, submitted_at, settled_at
		FROM orders WHERE session_id = $1
		ORDER BY submitted_at ASC, id ASC`

	lineColumns = `id, order_id, session_id, catalog_item_reference, item_name,
			unit_price, quantity, subtotal, note, fulfillment_status, line_no, pos_mirrored`

	ListSessionLinesSQL = `
		SELECT ` + lineColumns + `
		FROM order_lines WHERE session_id = $1
		ORDER BY order_id, line_no, id`

	// UnmirroredLinesSQL lists the lines of placed orders that never reached
	// the POS, oldest order first.
	UnmirroredLinesSQL = `
		SELECT l.id, l.order_id, l.session_id, l.catalog_item_reference, l.item_name,
			l.unit_price, l.quantity, l.subtotal, l.note, l.fulfillment_status, l.line_no, l.pos_mirrored
		FROM order_lines l
		JOIN orders o ON o.id = l.order_id
		WHERE l.session_id = $1
		  AND l.pos_mirrored = FALSE
		  AND o.status = 'placed'
		  AND l.fulfillment_status <> 'canceled'
		ORDER BY o.submitted_at ASC, o.id ASC, l.line_no ASC`

	MarkLineMirroredSQL = `UPDATE order_lines SET pos_mirrored = TRUE WHERE id = $1`

	GetLineSQL = `SELECT ` + lineColumns + ` FROM order_lines WHERE id = $1`

	UpdateLineFulfillmentSQL = `
		UPDATE order_lines SET fulfillment_status = $3
		WHERE id = $1 AND fulfillment_status = $2`

	DeleteSessionLinesSQL  = `DELETE FROM order_lines WHERE session_id = $1`
	DeleteSessionOrdersSQL = `DELETE FROM orders WHERE session_id = $1`
)

// Outbox queries
const (
	eventColumns = `id, correlation_id, event_type, payload, created_at, processed, processed_at,
			claimed_by, claim_expires_at, attempts, dead_lettered`

	InsertEventSQL = `
		INSERT INTO webhook_events (correlation_id, event_type, payload, created_at)
		VALUES ($1, $2, $3, $4)
		RETURNING id`

	// ClaimEventsSQL leases the oldest claimable rows. SKIP LOCKED keeps two
	// overlapping runs from picking the same row.
	ClaimEventsSQL = `
		UPDATE webhook_events
		SET claimed_by = $1, claim_expires_at = $2, attempts = attempts + 1
		WHERE id IN (
			SELECT id FROM webhook_events
			WHERE processed = FALSE
			  AND (claim_expires_at IS NULL OR claim_expires_at < $3)
			ORDER BY created_at ASC, id ASC
			LIMIT $4
			FOR UPDATE SKIP LOCKED)
		RETURNING ` + eventColumns

	MarkEventProcessedSQL = `
		UPDATE webhook_events
		SET processed = TRUE, processed_at = $3, dead_lettered = $4,
			claimed_by = NULL, claim_expires_at = NULL
		WHERE id = $1 AND claimed_by = $2 AND processed = FALSE`

	ReleaseEventSQL = `
		UPDATE webhook_events SET claimed_by = NULL, claim_expires_at = NULL
		WHERE id = $1 AND claimed_by = $2 AND processed = FALSE`

	RequeueEventSQL = `
		UPDATE webhook_events
		SET processed = FALSE, processed_at = NULL, dead_lettered = FALSE,
			claimed_by = NULL, claim_expires_at = NULL
		WHERE id = $1`

	RequeueDeliveriesSQL = `
		UPDATE webhook_deliveries SET status = 'pending', attempts = 0, updated_at = NOW()
		WHERE event_id = $1 AND status IN ('failed', 'dead')`

	GetEventSQL = `SELECT ` + eventColumns + ` FROM webhook_events WHERE id = $1`

	EventsByCorrelationSQL = `
		SELECT ` + eventColumns + `
		FROM webhook_events WHERE correlation_id = $1
		ORDER BY created_at ASC, id ASC`

	DeleteEventsByCorrelationSQL = `DELETE FROM webhook_events WHERE correlation_id = $1`
)

// Webhook endpoint queries
const (
	LockEndpointsSQL = `LOCK TABLE webhook_endpoints IN SHARE ROW EXCLUSIVE MODE`

	CountEndpointsSQL = `SELECT COUNT(*) FROM webhook_endpoints`

	InsertEndpointSQL = `
		INSERT INTO webhook_endpoints (id, url, name, enabled, created_at)
		VALUES ($1, $2, $3, $4, $5)`

	ListEndpointsSQL = `
		SELECT id, url, name, enabled, created_at
		FROM webhook_endpoints
		WHERE enabled OR NOT $1
		ORDER BY created_at ASC`

	SetEndpointEnabledSQL = `UPDATE webhook_endpoints SET enabled = $2 WHERE id = $1`

	DeleteEndpointSQL = `DELETE FROM webhook_endpoints WHERE id = $1`

	ListDeliveriesSQL = `
		SELECT event_id, endpoint_id, status, attempts, last_error, last_status_code, updated_at
		FROM webhook_deliveries WHERE event_id = $1`

	UpsertDeliverySQL = `
		INSERT INTO webhook_deliveries (event_id, endpoint_id, status, attempts, last_error, last_status_code, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (event_id, endpoint_id) DO UPDATE SET
			status = EXCLUDED.status,
			attempts = EXCLUDED.attempts,
			last_error = EXCLUDED.last_error,
			last_status_code = EXCLUDED.last_status_code,
			updated_at = EXCLUDED.updated_at`
)
