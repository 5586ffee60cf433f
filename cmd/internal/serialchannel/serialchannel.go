// Package serialchannel adapts a goserial RS-485 port to osdp.Channel.
package serialchannel

import (
	"fmt"

	serial "github.com/daedaluz/goserial"
)

// Channel wraps an open RS-485 serial port. It implements osdp.Channel
// without importing the osdp package, so either a CP or a PD binary can
// embed it directly.
type Channel struct {
	port *serial.Port
}

// Config describes how to open and condition the port before handing it
// to a CP or PD. RS485 only matters on lines actually wired as RS-485;
// leave it false for a direct RS-232 bench connection.
type Config struct {
	Device string
	Baud   int
	RS485  bool

	// RS485RTSBeforeSend / RS485RTSAfterSend are delays in milliseconds
	// applied around each transmission when RS485 is set.
	RS485RTSBeforeSend uint32
	RS485RTSAfterSend  uint32
}

var baudFlags = map[int]serial.CFlag{
	9600:   serial.B9600,
	19200:  serial.B19200,
	38400:  serial.B38400,
	57600:  serial.B57600,
	115200: serial.B115200,
}

// Open configures and opens the named serial device for OSDP framing:
// 8N1, receiver enabled, non-canonical with a zero inter-byte timeout so
// Recv never blocks waiting for more data than is already buffered.
func Open(cfg Config) (*Channel, error) {
	flag, ok := baudFlags[cfg.Baud]
	if !ok {
		return nil, fmt.Errorf("serialchannel: unsupported baud rate %d", cfg.Baud)
	}

	opts := serial.NewOptions()
	port, err := serial.Open(cfg.Device, opts)
	if err != nil {
		return nil, fmt.Errorf("serialchannel: open %s: %w", cfg.Device, err)
	}

	attrs, err := port.GetAttr()
	if err != nil {
		port.Close()
		return nil, fmt.Errorf("serialchannel: get attr: %w", err)
	}
	attrs.MakeRaw()
	attrs.Cflag = flag | serial.CS8 | serial.CREAD | serial.CLOCAL
	attrs.Cc[serial.VMIN] = 0
	attrs.Cc[serial.VTIME] = 0
	if err := port.SetAttr(serial.TCSANOW, attrs); err != nil {
		port.Close()
		return nil, fmt.Errorf("serialchannel: set attr: %w", err)
	}

	if cfg.RS485 {
		rs485 := &serial.RS485{
			Flags:              serial.RS485Enabled | serial.RS485RTSOnSend,
			DelayRTSBeforeSend: cfg.RS485RTSBeforeSend,
			DelayRTSAfterSend:  cfg.RS485RTSAfterSend,
		}
		if err := port.SetRS485(rs485); err != nil {
			port.Close()
			return nil, fmt.Errorf("serialchannel: set RS-485 mode: %w", err)
		}
	}

	return &Channel{port: port}, nil
}

// Recv copies whatever the kernel already has buffered into buf and
// returns immediately; VMIN=0/VTIME=0 above guarantees the underlying
// read never blocks.
func (c *Channel) Recv(buf []byte) (int, error) {
	n, err := c.port.Read(buf)
	if err != nil {
		return 0, fmt.Errorf("serialchannel: read: %w", err)
	}
	return n, nil
}

func (c *Channel) Send(buf []byte) error {
	n, err := c.port.Write(buf)
	if err != nil {
		return fmt.Errorf("serialchannel: write: %w", err)
	}
	if n != len(buf) {
		return fmt.Errorf("serialchannel: short write: %d of %d bytes", n, len(buf))
	}
	return nil
}

func (c *Channel) Flush() {
	_ = c.port.Flush(serial.TCIFLUSH)
}

func (c *Channel) Close() error {
	return c.port.Close()
}
