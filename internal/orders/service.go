// Package orders implements the order workflow: create, authorize, start payment and
// the machine-side claim.
package orders

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/buildtall-systems/vendorder/internal/db"
	"github.com/buildtall-systems/vendorder/internal/fsm"
	"github.com/buildtall-systems/vendorder/internal/metrics"
	"github.com/buildtall-systems/vendorder/internal/payment"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

var orderSM = fsm.NewOrderStateMachine()

const idempotencySettleTimeout = 5 * time.Second

type Store interface {
	CreateOrder(ctx context.Context, o db.NewOrder) (*db.Order, error)
	GetOrder(ctx context.Context, orderID string) (*db.Order, error)
	AuthorizeOrder(ctx context.Context, orderID string) (*db.Authorization, error)
	GetMachine(ctx context.Context, machineID string) (*db.Machine, error)
}

type Queue interface {
	ClaimNext(ctx context.Context, machineID string) (*db.Command, error)
	Announce(ctx context.Context, cmd *db.Command)
}

type Payments interface {
	StartPayment(ctx context.Context, order *db.Order, machine *db.Machine) (*payment.Result, error)
}

// IdempotencyStore maps Idempotency-Key values to created orders.
type IdempotencyStore interface {
	Reserve(ctx context.Context, key string) (orderID string, reserved bool, err error)
	Bind(ctx context.Context, key, orderID string) error
	Release(ctx context.Context, key string) error
}

// Deps are the collaborators of a Service. Idempotency may be nil, in which case
// Idempotency-Key headers are ignored.
type Deps struct {
	Store       Store
	Queue       Queue
	Payments    Payments
	Idempotency IdempotencyStore
	Logger      *zap.Logger
}

type Service struct {
	store       Store
	queue       Queue
	payments    Payments
	idempotency IdempotencyStore
	logger      *zap.Logger
}

func NewService(deps Deps) *Service {
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		store:       deps.Store,
		queue:       deps.Queue,
		payments:    deps.Payments,
		idempotency: deps.Idempotency,
		logger:      logger,
	}
}

// CreateOrderRequest is the caller-supplied part of a new order.
type CreateOrderRequest struct {
	MachineID   string
	Items       []db.Item
	AmountCents int64
}

func (r CreateOrderRequest) validate() error {
	if r.MachineID == "" {
		return newError(ErrInvalidRequest, "machine_id is required", nil)
	}
	if len(r.Items) == 0 {
		return newError(ErrInvalidRequest, "items must not be empty", nil)
	}
	for i, item := range r.Items {
		if item.SlotID == "" {
			return newError(ErrInvalidRequest, fmt.Sprintf("items[%d].slot_id is required", i), nil)
		}
		if item.Qty < 1 {
			return newError(ErrInvalidRequest, fmt.Sprintf("items[%d].qty must be at least 1", i), nil)
		}
	}
	if r.AmountCents < 0 {
		return newError(ErrInvalidRequest, "amount_cents must not be negative", nil)
	}
	return nil
}

// AuthorizeResult is the order after authorization and its vend command. Created is
// false when the command already existed.
type AuthorizeResult struct {
	Order   *db.Order
	Command *db.Command
	Created bool
}

// CreateOrder stores a new order in CREATED status. With an idempotency key, a repeated
// request returns the order created by the first one and replayed is true.
func (s *Service) CreateOrder(ctx context.Context, req CreateOrderRequest, idempotencyKey string) (order *db.Order, replayed bool, err error) {
	ctx, span := otel.Tracer("vendorder").Start(ctx, "CreateOrder")
	defer span.End()

	if err := req.validate(); err != nil {
		return nil, false, err
	}

	if idempotencyKey != "" && s.idempotency != nil {
		orderID, reserved, resErr := s.idempotency.Reserve(ctx, idempotencyKey)
		if resErr != nil {
			return nil, false, resErr
		}
		if !reserved {
			if orderID == "" {
				return nil, false, newError(ErrConflict, "A request with this Idempotency-Key is in progress", nil)
			}
			existing, getErr := s.GetOrder(ctx, orderID)
			if getErr != nil {
				return nil, false, getErr
			}
			return existing, true, nil
		}

		defer func() {
			// The key must settle even when the caller has gone away.
			settleCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), idempotencySettleTimeout)
			defer cancel()

			if err != nil {
				if relErr := s.idempotency.Release(settleCtx, idempotencyKey); relErr != nil {
					s.logger.Warn("releasing idempotency key", zap.String("key", idempotencyKey), zap.Error(relErr))
				}
				return
			}
			if bindErr := s.idempotency.Bind(settleCtx, idempotencyKey, order.ID); bindErr != nil {
				s.logger.Warn("binding idempotency key", zap.String("key", idempotencyKey), zap.Error(bindErr))
			}
		}()
	}

	order, err = s.store.CreateOrder(ctx, db.NewOrder{
		MachineID:   req.MachineID,
		Items:       req.Items,
		AmountCents: req.AmountCents,
	})
	if err != nil {
		span.RecordError(err)
		return nil, false, err
	}

	metrics.RecordOrderCreated()
	span.SetAttributes(attribute.String("order.id", order.ID))
	s.logger.Info("order created",
		zap.String("order_id", order.ID),
		zap.String("machine_id", order.MachineID),
		zap.Int64("amount_cents", order.AmountCents),
	)
	return order, false, nil
}

func (s *Service) GetOrder(ctx context.Context, orderID string) (*db.Order, error) {
	order, err := s.store.GetOrder(ctx, orderID)
	if errors.Is(err, db.ErrOrderNotFound) {
		return nil, newError(ErrNotFound, "Order not found", err)
	}
	if err != nil {
		return nil, err
	}
	return order, nil
}

// AuthorizeOrder moves the order to AUTHORIZED and makes sure one vend command is
// queued for it. Machines are notified only for a newly queued command, after commit.
func (s *Service) AuthorizeOrder(ctx context.Context, orderID string) (*AuthorizeResult, error) {
	ctx, span := otel.Tracer("vendorder").Start(ctx, "AuthorizeOrder")
	defer span.End()
	span.SetAttributes(attribute.String("order.id", orderID))

	auth, err := s.store.AuthorizeOrder(ctx, orderID)
	switch {
	case errors.Is(err, db.ErrOrderNotFound):
		return nil, newError(ErrNotFound, "Order not found", err)
	case errors.Is(err, db.ErrInvalidStateTransition):
		return nil, newError(ErrInvalidState, stateMessage(err), err)
	case err != nil:
		span.RecordError(err)
		return nil, err
	}

	if auth.Enqueued {
		s.queue.Announce(ctx, auth.Command)
	}

	s.logger.Info("order authorized",
		zap.String("order_id", orderID),
		zap.String("command_id", auth.Command.ID),
		zap.Bool("enqueued", auth.Enqueued),
	)
	return &AuthorizeResult{Order: auth.Order, Command: auth.Command, Created: auth.Enqueued}, nil
}

// StartPayment sends the order's payment to the reader of its machine. Re-entry for an
// order in PAYMENT_STARTED prompts the reader again with the recorded intent.
func (s *Service) StartPayment(ctx context.Context, orderID string) (*payment.Result, error) {
	order, err := s.GetOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}

	if !orderSM.CanTransition(order.Status, fsm.OrderEventStartPayment) {
		return nil, newError(ErrInvalidState,
			fmt.Sprintf("Cannot start payment for order in %s state", order.Status), nil)
	}

	machine, err := s.store.GetMachine(ctx, order.MachineID)
	if errors.Is(err, db.ErrMachineNotFound) {
		return nil, newError(ErrNotFound, "Machine not found", err)
	}
	if err != nil {
		return nil, err
	}
	if !machine.HasReader() {
		return nil, newError(ErrPrecondition, "Machine has no payment reader configured", payment.ErrNoReader)
	}

	res, err := s.payments.StartPayment(ctx, order, machine)
	switch {
	case errors.Is(err, payment.ErrNoReader):
		return nil, newError(ErrPrecondition, "Machine has no payment reader configured", err)
	case errors.Is(err, db.ErrOrderNotFound):
		return nil, newError(ErrNotFound, "Order not found", err)
	case errors.Is(err, db.ErrInvalidStateTransition):
		return nil, newError(ErrInvalidState, stateMessage(err), err)
	case errors.Is(err, payment.ErrUpstreamRetryable):
		return nil, newError(ErrUpstreamRetryable, "Payment processor unavailable, retry later", err)
	case errors.Is(err, payment.ErrUpstreamRejected):
		return nil, newError(ErrUpstreamRejected, "Payment processor rejected the request", err)
	case err != nil:
		return nil, err
	}
	return res, nil
}

// ClaimNextCommand claims the oldest pending command of a machine. It returns nil, nil
// when there is none.
func (s *Service) ClaimNextCommand(ctx context.Context, machineID string) (*db.Command, error) {
	if machineID == "" {
		return nil, newError(ErrInvalidRequest, "machine_id is required", nil)
	}
	return s.queue.ClaimNext(ctx, machineID)
}

// stateMessage strips the sentinel prefix from a store transition error, leaving the
// part that names the current status.
func stateMessage(err error) string {
	return strings.TrimPrefix(err.Error(), db.ErrInvalidStateTransition.Error()+": ")
}
