package httpapi

import (
	"time"

	"github.com/buildtall-systems/vendorder/internal/db"
	"github.com/buildtall-systems/vendorder/internal/orders"
	"github.com/buildtall-systems/vendorder/internal/payment"
)

const timeFormat = "2006-01-02T15:04:05.000Z07:00"

type itemJSON struct {
	SlotID string `json:"slot_id" binding:"required"`
	Qty    int    `json:"qty" binding:"required,min=1"`
}

type createOrderRequest struct {
	MachineID   string     `json:"machine_id" binding:"required"`
	Items       []itemJSON `json:"items" binding:"required,min=1,dive"`
	AmountCents *int64     `json:"amount_cents" binding:"required,min=0"`
}

func (r createOrderRequest) toService() orders.CreateOrderRequest {
	items := make([]db.Item, len(r.Items))
	for i, it := range r.Items {
		items[i] = db.Item{SlotID: it.SlotID, Qty: it.Qty}
	}
	return orders.CreateOrderRequest{
		MachineID:   r.MachineID,
		Items:       items,
		AmountCents: *r.AmountCents,
	}
}

type orderResponse struct {
	OrderID               string     `json:"order_id"`
	MachineID             string     `json:"machine_id"`
	Items                 []itemJSON `json:"items"`
	AmountCents           int64      `json:"amount_cents"`
	Status                string     `json:"status"`
	StripePaymentIntentID *string    `json:"stripe_payment_intent_id"`
	CreatedAt             string     `json:"created_at"`
	UpdatedAt             string     `json:"updated_at"`
}

func newOrderResponse(o *db.Order) orderResponse {
	resp := orderResponse{
		OrderID:     o.ID,
		MachineID:   o.MachineID,
		Items:       itemsJSON(o.Items),
		AmountCents: o.AmountCents,
		Status:      o.Status,
		CreatedAt:   formatTime(o.CreatedAt),
		UpdatedAt:   formatTime(o.UpdatedAt),
	}
	if o.PaymentIntentID.Valid {
		id := o.PaymentIntentID.String
		resp.StripePaymentIntentID = &id
	}
	return resp
}

type authorizeResponse struct {
	Status    string `json:"status"`
	OrderID   string `json:"order_id"`
	CommandID string `json:"command_id"`
}

func newAuthorizeResponse(r *orders.AuthorizeResult) authorizeResponse {
	return authorizeResponse{
		Status:    r.Order.Status,
		OrderID:   r.Order.ID,
		CommandID: r.Command.ID,
	}
}

type startPaymentResponse struct {
	OrderID         string `json:"order_id"`
	Status          string `json:"status"`
	PaymentIntentID string `json:"payment_intent_id"`
}

func newStartPaymentResponse(r *payment.Result) startPaymentResponse {
	return startPaymentResponse{
		OrderID:         r.Order.ID,
		Status:          r.Order.Status,
		PaymentIntentID: r.IntentID,
	}
}

type commandResponse struct {
	CommandID string     `json:"command_id"`
	Type      string     `json:"type"`
	OrderID   string     `json:"order_id"`
	MachineID string     `json:"machine_id"`
	Items     []itemJSON `json:"items"`
	Status    string     `json:"status"`
	CreatedAt string     `json:"created_at"`
	ClaimedAt *string    `json:"claimed_at,omitempty"`
}

func newCommandResponse(c *db.Command) commandResponse {
	resp := commandResponse{
		CommandID: c.ID,
		Type:      c.Type,
		OrderID:   c.OrderID,
		MachineID: c.MachineID,
		Items:     itemsJSON(c.Items),
		Status:    c.Status,
		CreatedAt: formatTime(c.CreatedAt),
	}
	if c.ClaimedAt.Valid {
		t := formatTime(c.ClaimedAt.Time)
		resp.ClaimedAt = &t
	}
	return resp
}

type errorResponse struct {
	Error string `json:"error"`
}

func itemsJSON(items []db.Item) []itemJSON {
	out := make([]itemJSON, len(items))
	for i, it := range items {
		out[i] = itemJSON{SlotID: it.SlotID, Qty: it.Qty}
	}
	return out
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeFormat)
}
