package gateway

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"time"

	"go.uber.org/zap"

	"github.com/teamchat/chat-app/internal/apperr"
	"github.com/teamchat/chat-app/internal/metrics"
	"github.com/teamchat/chat-app/internal/protocol"
)

// HandlerFunc handles one parsed event. A returned error is reported to the
// client under the handler's error event, except authentication failures,
// which end the connection.
type HandlerFunc func(ctx context.Context, c Client, payload interface{}) error

type route struct {
	errorEvent string
	handle     HandlerFunc
}

// Dispatcher routes inbound frames to registered handlers by event name. It
// answers ping itself, and converts parse errors, handler errors and panics
// into error events sent to the originating client.
type Dispatcher struct {
	routes map[string]route
	logger *zap.Logger
}

// NewDispatcher creates an empty Dispatcher.
func NewDispatcher(logger *zap.Logger) *Dispatcher {
	return &Dispatcher{routes: make(map[string]route), logger: logger}
}

// Register associates a handler and its error event with an event name,
// replacing any previous registration.
func (d *Dispatcher) Register(event, errorEvent string, h HandlerFunc) {
	d.routes[event] = route{errorEvent: errorEvent, handle: h}
}

// Dispatch parses data and runs the matching handler to completion. It
// returns only authentication failures; everything else is answered here.
func (d *Dispatcher) Dispatch(ctx context.Context, c Client, data []byte) error {
	start := time.Now()
	event, payload, err := protocol.ParseClientMessage(data)
	if event == "" {
		event = "unknown"
	}

	r, known := d.routes[event]
	errorEvent := protocol.EventError
	if known {
		errorEvent = r.errorEvent
	}

	if err != nil {
		d.logger.Debug("rejected frame", zap.String("session", c.ID()), zap.String("event", event), zap.Error(err))
		d.fail(c, event, errorEvent, err)
		metrics.Events.WithLabelValues(metricLabel(event, known), "invalid").Inc()
		return nil
	}

	if event == protocol.EventPing {
		d.reply(c, protocol.EventPong, nil)
		return nil
	}

	if !known {
		d.fail(c, event, protocol.EventError, fmt.Errorf("%w: %q", protocol.ErrUnsupportedEvent, event))
		metrics.Events.WithLabelValues("unknown", "invalid").Inc()
		return nil
	}

	err = d.run(ctx, r.handle, c, payload)
	metrics.EventLatency.WithLabelValues(event).Observe(time.Since(start).Seconds())
	if err != nil {
		kind := apperr.KindOf(err)
		metrics.Events.WithLabelValues(event, kind.String()).Inc()
		if kind == apperr.KindAuthentication {
			return err
		}
		d.fail(c, event, r.errorEvent, err)
		return nil
	}
	metrics.Events.WithLabelValues(event, "ok").Inc()
	return nil
}

// run calls h, turning a panic into an internal error.
func (d *Dispatcher) run(ctx context.Context, h HandlerFunc, c Client, payload interface{}) (err error) {
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("handler panic",
				zap.String("session", c.ID()),
				zap.Any("panic", r),
				zap.ByteString("stack", debug.Stack()),
			)
			err = fmt.Errorf("gateway: handler panic: %v", r)
		}
	}()
	return h(ctx, c, payload)
}

// fail reports err to c. Internal errors are logged with their cause and
// reach the client as a generic message.
func (d *Dispatcher) fail(c Client, event, errorEvent string, err error) {
	var rl *rateLimitError
	if errors.As(err, &rl) {
		d.reply(c, protocol.EventRateLimited, protocol.RateLimitedPayload{
			Event:      rl.event,
			RetryAfter: int((rl.retryAfter + time.Second - 1) / time.Second),
		})
		return
	}

	kind := apperr.KindOf(err)
	if kind == apperr.KindInternal {
		d.logger.Error("event failed",
			zap.String("session", c.ID()),
			zap.String("user", c.Principal().ID),
			zap.String("event", event),
			zap.Error(err),
		)
	}
	d.reply(c, errorEvent, protocol.ErrorPayload{
		Success: false,
		Event:   event,
		Type:    kind.String(),
		Code:    apperr.CodeOf(err),
		Message: apperr.Public(err),
	})
}

func (d *Dispatcher) reply(c Client, event string, payload interface{}) {
	data, err := protocol.NewServerMessage(event, payload)
	if err != nil {
		d.logger.Error("encode reply", zap.String("event", event), zap.Error(err))
		return
	}
	if err := c.Send(data); err != nil {
		d.logger.Debug("reply failed", zap.String("session", c.ID()), zap.String("event", event), zap.Error(err))
	}
}

// metricLabel keeps the event label bounded to known names.
func metricLabel(event string, known bool) string {
	if known || event == protocol.EventPing {
		return event
	}
	return "unknown"
}
