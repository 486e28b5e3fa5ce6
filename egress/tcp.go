package egress

import (
	"bufio"
	"context"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/FerroO2000/phaser/internal/config"
	"github.com/FerroO2000/phaser/internal/message"
	"github.com/FerroO2000/phaser/internal/stage"
	"go.opentelemetry.io/otel/attribute"
)

//////////////
//  CONFIG  //
//////////////

// Default values for the TCP egress handler configuration.
const (
	DefaultTCPConfigIPAddr       = "127.0.0.1"
	DefaultTCPConfigPort         = 20_000
	DefaultTCPConfigWriteTimeout = 10 * time.Second
	DefaultTCPConfigBufferSize   = 4096
)

// DefaultTCPConfigDelimiter is the default delimiter written after each message.
var DefaultTCPConfigDelimiter = []byte("\r\n")

// TCPConfig structs contains the configuration for the TCP egress handler.
type TCPConfig struct {
	*config.Base

	// IPAddr is the destination IP address.
	//
	// Default: 127.0.0.1
	IPAddr string

	// Port is the destination port.
	//
	// Default: 20_000
	Port uint16

	// WriteTimeout is the timeout for writing messages to the TCP connection.
	//
	// Default: 10s
	WriteTimeout time.Duration

	// BufferSize is the size of the write buffer.
	//
	// Default: 4096
	BufferSize int

	// Delimiter is written after each message, so the stream
	// can be split again by a delimited reader.
	// An empty delimiter writes the messages as they are.
	//
	// Default: "\r\n"
	Delimiter []byte
}

// NewTCPConfig returns the default configuration for the TCP egress handler.
func NewTCPConfig(runningMode config.StageRunningMode) *TCPConfig {
	return &TCPConfig{
		Base: config.NewBase(runningMode),

		IPAddr:       DefaultTCPConfigIPAddr,
		Port:         DefaultTCPConfigPort,
		WriteTimeout: DefaultTCPConfigWriteTimeout,
		BufferSize:   DefaultTCPConfigBufferSize,
		Delimiter:    DefaultTCPConfigDelimiter,
	}
}

// Validate checks the configuration.
func (c *TCPConfig) Validate(ac *config.AnomalyCollector) {
	c.Base.Validate(ac)

	config.CheckNotEmpty(ac, "IPAddr", &c.IPAddr, DefaultTCPConfigIPAddr)
	config.CheckNotZero(ac, "Port", &c.Port, DefaultTCPConfigPort)

	config.CheckPositive(ac, "WriteTimeout", &c.WriteTimeout, DefaultTCPConfigWriteTimeout)

	config.CheckPositive(ac, "BufferSize", &c.BufferSize, DefaultTCPConfigBufferSize)
}

///////////////
//  HANDLER  //
///////////////

// TCPHandler is an egress handler that writes the messages to a TCP connection.
// The writes are buffered and flushed at the end of each batch.
type TCPHandler[T message.Serializable] struct {
	stage.HandlerBase

	cfg *TCPConfig

	conn   *net.TCPConn
	writer *bufio.Writer

	writeMux sync.Mutex

	// Metrics
	deliveredBytes    atomic.Int64
	deliveredMessages atomic.Int64
}

// NewTCPHandler returns a new TCP egress handler.
func NewTCPHandler[T message.Serializable](cfg *TCPConfig) *TCPHandler[T] {
	return &TCPHandler[T]{
		cfg: cfg,
	}
}

// Name returns the name of the handler.
func (th *TCPHandler[T]) Name() string {
	return "tcp"
}

// Init dials the TCP connection.
func (th *TCPHandler[T]) Init(_ context.Context) error {
	config.NewValidator(th.Tel).Validate(th.cfg)

	addrPort, err := parseAddrPort(th.cfg.IPAddr, th.cfg.Port)
	if err != nil {
		return err
	}

	conn, err := net.DialTCP("tcp", nil, net.TCPAddrFromAddrPort(addrPort))
	if err != nil {
		return err
	}

	th.conn = conn
	th.writer = bufio.NewWriterSize(conn, th.cfg.BufferSize)

	th.Tel.NewCounter("delivered_bytes", th.deliveredBytes.Load)
	th.Tel.NewCounter("delivered_messages", th.deliveredMessages.Load)

	return nil
}

// Handle writes the message and its delimiter into the buffer.
func (th *TCPHandler[T]) Handle(ctx context.Context, msg *message.Message[T], endOfBatch bool) error {
	_, span := th.Tel.NewTrace(ctx, "deliver TCP message")
	defer span.End()

	payload := msg.GetPayload().GetBytes()

	th.writeMux.Lock()
	defer th.writeMux.Unlock()

	if err := th.conn.SetWriteDeadline(time.Now().Add(th.cfg.WriteTimeout)); err != nil {
		return err
	}

	n, err := th.writer.Write(payload)
	if err != nil {
		return err
	}

	if len(th.cfg.Delimiter) > 0 {
		delimN, err := th.writer.Write(th.cfg.Delimiter)
		if err != nil {
			return err
		}
		n += delimN
	}

	span.SetAttributes(attribute.Int("message_size", len(payload)))

	th.deliveredBytes.Add(int64(n))
	th.deliveredMessages.Add(1)

	if endOfBatch {
		return th.writer.Flush()
	}

	return nil
}

// Flush sends the buffered messages.
func (th *TCPHandler[T]) Flush(_ context.Context) error {
	th.writeMux.Lock()
	defer th.writeMux.Unlock()

	if err := th.conn.SetWriteDeadline(time.Now().Add(th.cfg.WriteTimeout)); err != nil {
		return err
	}

	return th.writer.Flush()
}

// Close flushes the buffer and closes the connection.
func (th *TCPHandler[T]) Close(ctx context.Context) error {
	if th.conn == nil {
		return nil
	}

	if err := th.Flush(ctx); err != nil {
		th.Tel.LogError("failed to flush connection", err)
	}

	return th.conn.Close()
}
