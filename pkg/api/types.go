package api

import (
	"github.com/uhyunpark/orderflow/pkg/events"
	"github.com/uhyunpark/orderflow/pkg/order"
)

// API request and response types for REST endpoints

// SubmitOrderRequest is the body of POST /api/orders/execute.
type SubmitOrderRequest = order.Request

// SubmitOrderResponse is returned with 202 Accepted.
type SubmitOrderResponse struct {
	OrderID string `json:"orderId"`
}

// OrderResponse is the persisted record as served by GET /api/orders/{id}.
type OrderResponse struct {
	*order.Order
}

// EventsResponse is the audit trail for one order.
type EventsResponse struct {
	OrderID string               `json:"orderId"`
	Events  []events.StatusEvent `json:"events"`
}

// ErrorResponse represents an API error
type ErrorResponse struct {
	Error   string   `json:"error"`
	Message string   `json:"message,omitempty"`
	Details []string `json:"details,omitempty"`
}

// HealthResponse is served by /health.
type HealthResponse struct {
	Status    string `json:"status"`
	Streams   int    `json:"streams"`
	QueueSize int    `json:"queueSize"`
}
