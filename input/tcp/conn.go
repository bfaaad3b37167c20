package tcp

import (
	"context"
	stderrors "errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"time"

	"github.com/T-en1991/demo111/alert"
	"github.com/T-en1991/demo111/errors"
	"github.com/T-en1991/demo111/frame"
)

// previewLen bounds the payload text attached to persistence failure logs.
const previewLen = 120

// conn handles one accepted device connection. Data events on it are
// processed strictly in arrival order; a failure on one event never ends the
// connection.
type conn struct {
	listener *Listener
	nc       net.Conn
	remote   string
	logger   *slog.Logger
}

func newConn(l *Listener, nc net.Conn) *conn {
	remote := nc.RemoteAddr().String()
	return &conn{
		listener: l,
		nc:       nc,
		remote:   remote,
		logger:   l.logger.With("remote", remote),
	}
}

// serve reads until the peer closes, the transport fails, or the listener
// closes the socket.
func (c *conn) serve(ctx context.Context) {
	l := c.listener
	defer func() {
		_ = c.nc.Close()
		l.untrack(c)
		l.metrics.connClosed(l.endpoint.DeviceID)
	}()

	buf := make([]byte, l.cfg.ReadBufferSize)
	for {
		n, err := c.nc.Read(buf)
		if n > 0 {
			if herr := c.handle(ctx, buf[:n]); herr != nil {
				l.errorCount.Add(1)
			}
		}
		if err != nil {
			switch {
			case stderrors.Is(err, io.EOF):
				c.logger.Info("Connection closed by peer")
			case stderrors.Is(err, net.ErrClosed):
				c.logger.Info("Connection closed")
			default:
				l.errorCount.Add(1)
				c.logger.Error("Connection errored", "error", err)
			}
			return
		}
	}
}

// handle runs one data event through decode, ack, normalize and persist. The
// returned error is only used for accounting; it has already been logged.
func (c *conn) handle(ctx context.Context, payload []byte) error {
	l := c.listener
	deviceID := l.endpoint.DeviceID
	now := time.Now()
	l.lastActivity.Store(now)

	f := frame.Decode(payload)
	kind := string(f.Kind())
	l.metrics.received(deviceID, len(payload), kind)
	c.logger.Info("Data received", "bytes", len(payload), "frame", kind)

	var ackErr error
	if filename, ok := frame.NeedsAck(f); ok {
		ackErr = c.writeAck(filename)
		l.metrics.ackWritten(deviceID, ackErr)
		if ackErr != nil {
			c.logger.Error("Ack write failed", "image_file", filename, "error", ackErr)
		} else {
			c.logger.Info("Ack sent", "image_file", filename)
		}
	}

	rec := alert.Normalize(f, deviceID, c.remote)

	pctx, cancel := context.WithTimeout(ctx, l.cfg.PersistTimeout)
	defer cancel()

	stored, err := l.sink.CreateAlert(pctx, rec)
	l.metrics.persisted(deviceID, kind, time.Since(now).Seconds(), err)
	if err != nil {
		err = errors.WrapTransient(fmt.Errorf("%w: %w", errors.ErrPersistFailed, err),
			"Listener", "handle", "create alert")
		c.logger.Error("Alert persistence failed",
			"frame", kind,
			"payload", preview(payload),
			"error", err)
		return err
	}

	l.alertCount.Add(1)
	c.logger.Info("Alert created", "alert_id", stored.ID, "level", stored.Level)
	return ackErr
}

func (c *conn) writeAck(filename string) error {
	if t := c.listener.cfg.AckTimeout; t > 0 {
		_ = c.nc.SetWriteDeadline(time.Now().Add(t))
		defer func() { _ = c.nc.SetWriteDeadline(time.Time{}) }()
	}
	if _, err := c.nc.Write(frame.AckReply(filename)); err != nil {
		return errors.WrapTransient(fmt.Errorf("%w: %w", errors.ErrAckWriteFailed, err),
			"Listener", "writeAck", "write ack")
	}
	return nil
}

func preview(payload []byte) string {
	s := fmt.Sprintf("%q", payload)
	if len(s) > previewLen {
		return s[:previewLen] + frame.TruncationMarker
	}
	return s
}
