package transport

import "context"

// Transport is the byte-frame source boundary: a line-oriented observer log
// stream plus the control channel used to enable logging on the device.
type Transport interface {
	Name() string
	Connect(ctx context.Context) error
	Close() error
	ReadLine(ctx context.Context) (string, error)
	WriteCommand(ctx context.Context, cmd string) error
}
