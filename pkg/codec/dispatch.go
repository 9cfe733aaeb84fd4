package codec

import (
	"context"
	"encoding/json"

	"github.com/nacosd/nacosd/pkg/apierr"
	"github.com/nacosd/nacosd/pkg/clock"
	"github.com/nacosd/nacosd/pkg/tracing"
)

// Dispatcher ties a Registry to a Clock for response timestamps. One
// Dispatcher is shared by every connection.
type Dispatcher struct {
	registry *Registry
	clock    clock.Clock
}

// NewDispatcher wires a Registry to a Clock.
func NewDispatcher(registry *Registry, clk clock.Clock) *Dispatcher {
	return &Dispatcher{registry: registry, clock: clk}
}

// Dispatch implements the 5-step contract of spec 4.A: decode is the
// caller's job (req is already a decoded Envelope); here we look up the
// handler, check authorization, invoke it, and wrap the result with the
// original request-id.
func (d *Dispatcher) Dispatch(ctx context.Context, conn ConnContext, req Envelope) Response {
	now := d.clock.Now()

	ctx, span := tracing.StartDispatch(ctx, req.Type, conn.ConnectionID())
	var dispatchErr error
	defer func() { tracing.EndWithError(span, dispatchErr) }()

	handler, ok := d.registry.Lookup(req.Type)
	if !ok {
		dispatchErr = apierr.New(apierr.KindParameterInvalid, "no handler registered for request type "+req.Type)
		return failure(req.Type, req.Metadata.RequestID, apierr.CodeParameterMissing, dispatchErr.Error(), now)
	}

	if authDenied(conn, handler.AuthLevel) {
		dispatchErr = errAuthDenied
		return failure(req.Type, req.Metadata.RequestID, apierr.CodeForbidden, errAuthDenied.Message, now)
	}

	body, err := handler.Func(ctx, conn, req.Body)
	if err != nil {
		dispatchErr = err
		if apiErr, ok := apierr.As(err); ok {
			return failure(req.Type, req.Metadata.RequestID, apiErr.Code, apiErr.Message, now)
		}
		return failure(req.Type, req.Metadata.RequestID, apierr.CodeInternal, err.Error(), now)
	}

	return success(req.Type, req.Metadata.RequestID, body, now)
}

// DecodeEnvelope unmarshals raw bytes into an Envelope; a malformed
// envelope is itself an InvalidRequest, reported with an empty request-id
// since none could be recovered.
func DecodeEnvelope(raw []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return Envelope{}, apierr.Wrap(apierr.KindParameterInvalid, err, "malformed envelope")
	}
	if env.Type == "" {
		return Envelope{}, apierr.New(apierr.KindParameterInvalid, "envelope missing type")
	}
	return env, nil
}
