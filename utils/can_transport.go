package utils

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"

	"go.einride.tech/can"
	"go.einride.tech/can/pkg/socketcan"
)

type CANWriter interface {
	WriteFrame(ctx context.Context, frame can.Frame) error
	Close() error
}

type CANReader interface {
	ReadFrame(ctx context.Context) (can.Frame, error)
	Close() error
}

type SocketCANWriter struct {
	conn net.Conn
	tx   *socketcan.Transmitter
}

func NewSocketCANWriter(ctx context.Context, iface string) (*SocketCANWriter, error) {
	conn, err := socketcan.DialContext(ctx, "can", iface)
	if err != nil {
		return nil, fmt.Errorf("socketcan dial: %w", err)
	}
	return &SocketCANWriter{
		conn: conn,
		tx:   socketcan.NewTransmitter(conn),
	}, nil
}

func (w *SocketCANWriter) WriteFrame(ctx context.Context, frame can.Frame) error {
	return w.tx.TransmitFrame(ctx, frame)
}

func (w *SocketCANWriter) Close() error {
	if w.conn != nil {
		return w.conn.Close()
	}
	return nil
}

// SocketCANReader owns one receive goroutine feeding a channel, so ReadFrame
// can honour ctx without leaking a goroutine per call.
type SocketCANReader struct {
	conn      net.Conn
	frames    chan can.Frame
	done      chan struct{}
	closeOnce sync.Once
	err       error
}

// frameSource is the part of socketcan.Receiver the pump reads from.
type frameSource interface {
	Receive() bool
	Frame() can.Frame
	Err() error
}

func NewSocketCANReader(ctx context.Context, iface string) (*SocketCANReader, error) {
	conn, err := socketcan.DialContext(ctx, "can", iface)
	if err != nil {
		return nil, fmt.Errorf("socketcan dial: %w", err)
	}
	r := newPumpedReader(conn, socketcan.NewReceiver(conn))
	return r, nil
}

func newPumpedReader(conn net.Conn, src frameSource) *SocketCANReader {
	r := &SocketCANReader{
		conn:   conn,
		frames: make(chan can.Frame, 64),
		done:   make(chan struct{}),
	}
	go r.pump(src)
	return r
}

func (r *SocketCANReader) pump(src frameSource) {
	defer close(r.frames)
	for src.Receive() {
		select {
		case r.frames <- src.Frame():
		case <-r.done:
			r.err = net.ErrClosed
			return
		}
	}
	err := src.Err()
	if err == nil {
		err = errors.New("receiver closed")
	}
	r.err = err
}

// ReadFrame blocks until a frame arrives, the receiver fails or ctx is done.
func (r *SocketCANReader) ReadFrame(ctx context.Context) (can.Frame, error) {
	select {
	case <-ctx.Done():
		return can.Frame{}, ctx.Err()
	case f, ok := <-r.frames:
		if !ok {
			return can.Frame{}, r.err
		}
		return f, nil
	}
}

// Close stops the pump even when nobody drains the frame channel.
func (r *SocketCANReader) Close() error {
	var err error
	r.closeOnce.Do(func() {
		close(r.done)
		if r.conn != nil {
			err = r.conn.Close()
		}
	})
	return err
}
