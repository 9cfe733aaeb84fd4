package codec

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/nacosd/nacosd/pkg/apierr"
	"github.com/nacosd/nacosd/pkg/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeConn struct {
	id    string
	ip    string
	level AuthLevel
}

func (c fakeConn) ConnectionID() string { return c.id }
func (c fakeConn) ClientIP() string     { return c.ip }
func (c fakeConn) AuthLevel() AuthLevel { return c.level }

func TestDispatchUnknownTypeIsInvalidRequest(t *testing.T) {
	d := NewDispatcher(NewRegistry(), clock.NewManual(time.Unix(0, 0)))
	resp := d.Dispatch(context.Background(), fakeConn{level: AuthWrite}, Envelope{Type: "DoesNotExist", Metadata: Metadata{RequestID: "r1"}})

	assert.False(t, resp.Success)
	assert.Equal(t, ResultFail, resp.ResultCode)
	assert.Equal(t, "r1", resp.RequestID)
}

func TestDispatchDeniesInsufficientAuthLevel(t *testing.T) {
	registry := NewRegistry()
	registry.Register(&Handler{
		RequestType: "ConfigPublishRequest",
		AuthLevel:   AuthWrite,
		Resource:    "config",
		Func: func(ctx context.Context, conn ConnContext, body json.RawMessage) (json.RawMessage, error) {
			t.Fatal("handler must not be invoked when auth is denied")
			return nil, nil
		},
	})
	d := NewDispatcher(registry, clock.NewManual(time.Unix(0, 0)))

	resp := d.Dispatch(context.Background(), fakeConn{level: AuthRead}, Envelope{Type: "ConfigPublishRequest", Metadata: Metadata{RequestID: "r2"}})

	assert.False(t, resp.Success)
	assert.Equal(t, apierr.CodeForbidden, resp.ErrorCode)
}

func TestDispatchSuccessWrapsRequestID(t *testing.T) {
	registry := NewRegistry()
	registry.Register(&Handler{
		RequestType: "PingRequest",
		AuthLevel:   AuthNone,
		Func: func(ctx context.Context, conn ConnContext, body json.RawMessage) (json.RawMessage, error) {
			return json.RawMessage(`{"pong":true}`), nil
		},
	})
	d := NewDispatcher(registry, clock.NewManual(time.Unix(100, 0)))

	resp := d.Dispatch(context.Background(), fakeConn{level: AuthNone}, Envelope{Type: "PingRequest", Metadata: Metadata{RequestID: "abc"}})

	require.True(t, resp.Success)
	assert.Equal(t, "abc", resp.RequestID)
	assert.JSONEq(t, `{"pong":true}`, string(resp.Body))
}

func TestDispatchHandlerErrorPreservesApierrCode(t *testing.T) {
	registry := NewRegistry()
	registry.Register(&Handler{
		RequestType: "GetThing",
		AuthLevel:   AuthRead,
		Func: func(ctx context.Context, conn ConnContext, body json.RawMessage) (json.RawMessage, error) {
			return nil, apierr.New(apierr.KindNotFound, "thing not found")
		},
	})
	d := NewDispatcher(registry, clock.NewManual(time.Unix(0, 0)))

	resp := d.Dispatch(context.Background(), fakeConn{level: AuthRead}, Envelope{Type: "GetThing", Metadata: Metadata{RequestID: "x"}})

	assert.False(t, resp.Success)
	assert.Equal(t, apierr.CodeResourceNotFound, resp.ErrorCode)
	assert.Equal(t, "thing not found", resp.Message)
}

func TestDecodeEnvelopeRejectsMissingType(t *testing.T) {
	_, err := DecodeEnvelope([]byte(`{"metadata":{"requestId":"r"}}`))
	require.Error(t, err)
}

func TestDecodeEnvelopeRejectsMalformedJSON(t *testing.T) {
	_, err := DecodeEnvelope([]byte(`not json`))
	require.Error(t, err)
}

func TestDecodeEnvelopeRoundTrip(t *testing.T) {
	raw := []byte(`{"type":"Foo","metadata":{"clientIp":"1.2.3.4","requestId":"r9"},"body":{"a":1}}`)
	env, err := DecodeEnvelope(raw)
	require.NoError(t, err)
	assert.Equal(t, "Foo", env.Type)
	assert.Equal(t, "1.2.3.4", env.Metadata.ClientIP)
	assert.Equal(t, "r9", env.Metadata.RequestID)
}
