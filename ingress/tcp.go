package ingress

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"io"
	"net"
	"net/netip"
	"sync"
	"sync/atomic"
	"time"

	"github.com/FerroO2000/phaser/connector"
	"github.com/FerroO2000/phaser/internal"
	"github.com/FerroO2000/phaser/internal/config"
	"github.com/FerroO2000/phaser/internal/message"
	"go.opentelemetry.io/otel/attribute"
)

const (
	tcpBufSize = 4096
)

//////////////
//  CONFIG  //
//////////////

// Endianess defines the endianness of a slice of bytes.
type Endianess uint8

const (
	// LittleEndian defines little endianess.
	LittleEndian Endianess = iota
	// BigEndian defines big endianess.
	BigEndian
)

// TCPFramingMode defines the framing mode to use.
type TCPFramingMode uint8

const (
	// TCPFramingModeDelimited will use delimited messages.
	TCPFramingModeDelimited TCPFramingMode = iota
	// TCPFramingModeLengthPrefixed will use length-prefixed messages.
	TCPFramingModeLengthPrefixed
)

// Default values for the TCP ingress stage configuration.
const (
	DefaultTCPConfigIPAddr         = "0.0.0.0"
	DefaultTCPConfigPort           = 20_000
	DefaultTCPConfigReadTimeout    = 10 * time.Second
	DefaultTCPConfigFramingMode    = TCPFramingModeDelimited
	DefaultTCPConfigMaxMessageSize = 4 << 20
	DefaultTCPConfigHeaderLen      = 4
)

// DefaultTCPConfigDelimiter is the default delimiter for delimited messages.
var DefaultTCPConfigDelimiter = []byte("\r\n")

// TCPConfig structs contains the configuration for the TCP ingress stage.
type TCPConfig struct {
	// IPAddr is the IP address of the server to listen on.
	IPAddr string

	// Port is the port to listen on.
	// If zero, a random port is chosen.
	Port uint16

	// ReadTimeout is the timeout for reading from a connection.
	ReadTimeout time.Duration

	// FramingMode is the framing mode to use.
	// It basically defines how the messages are separated.
	FramingMode TCPFramingMode

	// MaxMessageSize is the maximum size of a message.
	// If the accumulator that is holding the message
	// gets bigger, the connection is closed.
	MaxMessageSize int

	// Delimiter is the delimiter to use to separate messages
	// when the FramingMode is TCPFramingModeDelimited.
	Delimiter []byte

	// HeaderLen is the length of the header in the context
	// of the TCPFramingModeLengthPrefixed mode.
	HeaderLen int

	// MessageLengthFieldLen is the length of the message length field
	// when FramingMode is TCPFramingModeLengthPrefixed.
	MessageLengthFieldLen int

	// MessageLengthFieldOffset is the offset in the header
	// of the message length field when FramingMode is TCPFramingModeLengthPrefixed.
	MessageLengthFieldOffset int

	// MessageLengthFieldEndianess is the endianess (byte order)
	// of the message length field when FramingMode is TCPFramingModeLengthPrefixed.
	MessageLengthFieldEndianess Endianess
}

// NewTCPConfig returns the default configuration for the TCP ingress stage.
func NewTCPConfig() *TCPConfig {
	return &TCPConfig{
		IPAddr:         DefaultTCPConfigIPAddr,
		Port:           DefaultTCPConfigPort,
		ReadTimeout:    DefaultTCPConfigReadTimeout,
		FramingMode:    DefaultTCPConfigFramingMode,
		MaxMessageSize: DefaultTCPConfigMaxMessageSize,
		Delimiter:      DefaultTCPConfigDelimiter,

		HeaderLen:                   DefaultTCPConfigHeaderLen,
		MessageLengthFieldLen:       DefaultTCPConfigHeaderLen,
		MessageLengthFieldEndianess: BigEndian,
	}
}

// Validate checks the configuration.
func (c *TCPConfig) Validate(ac *config.AnomalyCollector) {
	config.CheckNotEmpty(ac, "IPAddr", &c.IPAddr, DefaultTCPConfigIPAddr)

	config.CheckPositive(ac, "ReadTimeout", &c.ReadTimeout, DefaultTCPConfigReadTimeout)

	config.CheckPositive(ac, "MaxMessageSize", &c.MaxMessageSize, DefaultTCPConfigMaxMessageSize)

	if c.FramingMode == TCPFramingModeDelimited {
		config.CheckLen(ac, "Delimiter", &c.Delimiter, DefaultTCPConfigDelimiter)
		return
	}

	// Check configuration when framing mode is length-prefixed
	config.CheckPositive(ac, "HeaderLen", &c.HeaderLen, DefaultTCPConfigHeaderLen)

	config.CheckNotNegative(ac, "MessageLengthFieldLen", &c.MessageLengthFieldLen, c.HeaderLen)
	config.CheckNotZero(ac, "MessageLengthFieldLen", &c.MessageLengthFieldLen, min(c.HeaderLen, 8))
	config.CheckNotGreaterThan(ac, "MessageLengthFieldLen", "HeaderLen", &c.MessageLengthFieldLen, c.HeaderLen)
	config.CheckNotGreaterThan(ac, "MessageLengthFieldLen", "8", &c.MessageLengthFieldLen, 8)

	config.CheckNotNegative(ac, "MessageLengthFieldOffset", &c.MessageLengthFieldOffset, 0)
	config.CheckNotGreaterThan(ac,
		"MessageLengthFieldOffset", "HeaderLen-MessageLengthFieldLen",
		&c.MessageLengthFieldOffset, c.HeaderLen-c.MessageLengthFieldLen,
	)
}

///////////////
//  MESSAGE  //
///////////////

var _ message.Serializable = (*TCPMessage)(nil)

// TCPMessage represents a message extracted from a TCP stream.
type TCPMessage struct {
	// RemoteAddr is the remote address of the connection.
	RemoteAddr string
	// Message is the message payload, without delimiter or header.
	Message []byte
}

// NewTCPMessage returns an empty TCP message.
// It can be used as the factory of a ring buffer.
func NewTCPMessage() *TCPMessage {
	return &TCPMessage{}
}

// GetBytes returns the bytes of the TCP message.
func (tm *TCPMessage) GetBytes() []byte {
	return tm.Message
}

//////////////
//  SOURCE  //
//////////////

var _ source[*TCPMessage] = (*tcpSource)(nil)

type tcpSource struct {
	tel *internal.Telemetry

	cfg *TCPConfig

	listener *net.TCPListener
	connWg   sync.WaitGroup

	msgLenFieldParseLen int

	// Metrics
	openConnections  atomic.Int64
	receivedBytes    atomic.Int64
	receivedMessages atomic.Int64
}

func newTCPSource(cfg *TCPConfig) *tcpSource {
	return &tcpSource{
		cfg: cfg,
	}
}

func (ts *tcpSource) setTelemetry(tel *internal.Telemetry) {
	ts.tel = tel
}

func (ts *tcpSource) init() error {
	parsedAddr, err := netip.ParseAddr(ts.cfg.IPAddr)
	if err != nil {
		return err
	}

	addr := netip.AddrPortFrom(parsedAddr, ts.cfg.Port)
	listener, err := net.ListenTCP("tcp", net.TCPAddrFromAddrPort(addr))
	if err != nil {
		return err
	}

	ts.listener = listener

	ts.msgLenFieldParseLen = widenFieldLen(ts.cfg.MessageLengthFieldLen)

	ts.tel.NewUpDownCounter("open_connections", ts.openConnections.Load)
	ts.tel.NewCounter("received_bytes", ts.receivedBytes.Load)
	ts.tel.NewCounter("received_messages", ts.receivedMessages.Load)

	return nil
}

func (ts *tcpSource) addr() netip.AddrPort {
	if ts.listener == nil {
		return netip.AddrPort{}
	}
	addrPort := ts.listener.Addr().(*net.TCPAddr).AddrPort()
	return netip.AddrPortFrom(addrPort.Addr().Unmap(), addrPort.Port())
}

func (ts *tcpSource) run(ctx context.Context, pub connector.Publisher[*TCPMessage]) {
	defer ts.connWg.Wait()

	stop := context.AfterFunc(ctx, func() {
		ts.listener.Close()
	})
	defer stop()

	for {
		conn, err := ts.listener.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) || ctx.Err() != nil {
				return
			}

			ts.tel.LogError("failed to accept connection", err)
			continue
		}

		ts.connWg.Go(func() {
			ts.handleConn(ctx, conn, pub)
		})
	}
}

func (ts *tcpSource) handleConn(ctx context.Context, conn net.Conn, pub connector.Publisher[*TCPMessage]) {
	defer conn.Close()

	// Close the connection when the context is done
	stop := context.AfterFunc(ctx, func() {
		conn.Close()
	})
	defer stop()

	ts.openConnections.Add(1)
	defer ts.openConnections.Add(-1)

	remoteAddr := conn.RemoteAddr().String()

	buf := make([]byte, tcpBufSize)

	accBaseCap := 4 * tcpBufSize
	acc := make([]byte, 0, accBaseCap)

	for {
		conn.SetReadDeadline(time.Now().Add(ts.cfg.ReadTimeout))

		n, err := conn.Read(buf)
		if err != nil {
			// The client closed the connection
			if errors.Is(err, io.EOF) {
				return
			}

			if errors.Is(err, net.ErrClosed) && ctx.Err() != nil {
				return
			}

			// Likely the read deadline being exceeded
			ts.tel.LogError("failed to read connection", err)
			return
		}

		acc = append(acc, buf[:n]...)

		for {
			frame, body, ok := ts.nextFrame(acc)
			if !ok {
				break
			}

			err := pub.Publish(ctx, ts.translator(ctx, body, remoteAddr))
			if publishOrStop(ctx, ts.tel, err) {
				return
			}

			acc = acc[len(frame):]
		}

		// Shrink the accumulator once it is drained
		if len(acc) == 0 && cap(acc) > accBaseCap {
			acc = make([]byte, 0, accBaseCap)
		}

		// Prevent accumulator from growing too large
		if len(acc) > ts.cfg.MaxMessageSize {
			ts.tel.LogWarn("message too large, closing connection", "remote_addr", remoteAddr)
			return
		}
	}
}

// nextFrame returns the first complete frame of the accumulator
// and its body (without delimiter or header).
func (ts *tcpSource) nextFrame(acc []byte) (frame, body []byte, ok bool) {
	switch ts.cfg.FramingMode {
	case TCPFramingModeDelimited:
		msgLen := bytes.Index(acc, ts.cfg.Delimiter)
		if msgLen == -1 {
			return nil, nil, false
		}

		totLen := msgLen + len(ts.cfg.Delimiter)
		return acc[:totLen], acc[:msgLen], true

	case TCPFramingModeLengthPrefixed:
		headerLen := ts.cfg.HeaderLen
		if len(acc) < headerLen {
			return nil, nil, false
		}

		msgLen := ts.parseHeader(acc[:headerLen])
		totLen := headerLen + msgLen
		if msgLen < 0 || len(acc) < totLen {
			return nil, nil, false
		}

		return acc[:totLen], acc[headerLen:totLen], true
	}

	return nil, nil, false
}

// widenFieldLen returns the size of the integer able to hold
// a length field of the given size.
func widenFieldLen(fieldLen int) int {
	switch fieldLen {
	case 3:
		return 4
	case 5, 6, 7:
		return 8
	}
	return fieldLen
}

func (ts *tcpSource) parseHeader(header []byte) int {
	offset := ts.cfg.MessageLengthFieldOffset
	fieldLen := ts.cfg.MessageLengthFieldLen
	endianess := ts.cfg.MessageLengthFieldEndianess

	msgLenField := header[offset : offset+fieldLen]

	buf := msgLenField
	// Check if the message length field should be extended
	if fieldLen != ts.msgLenFieldParseLen {
		buf = make([]byte, ts.msgLenFieldParseLen)

		switch endianess {
		case LittleEndian:
			copy(buf, msgLenField)
		case BigEndian:
			copy(buf[ts.msgLenFieldParseLen-fieldLen:], msgLenField)
		}
	}

	var byteOrder binary.ByteOrder = binary.BigEndian
	if endianess == LittleEndian {
		byteOrder = binary.LittleEndian
	}

	switch len(buf) {
	case 1:
		return int(buf[0])
	case 2:
		return int(byteOrder.Uint16(buf))
	case 4:
		return int(byteOrder.Uint32(buf))
	case 8:
		return int(byteOrder.Uint64(buf))
	default:
		return -1
	}
}

func (ts *tcpSource) translator(ctx context.Context, body []byte, remoteAddr string) connector.Translator[*TCPMessage] {
	return func(msg *message.Message[*TCPMessage]) error {
		_, span := ts.tel.NewTrace(ctx, "receive TCP message")
		defer span.End()

		tcpMsg := payloadOf(msg)
		tcpMsg.RemoteAddr = remoteAddr
		tcpMsg.Message = append(tcpMsg.Message[:0], body...)

		msgSize := len(body)
		span.SetAttributes(attribute.Int("payload_size", msgSize))
		stamp(msg, time.Now(), span)

		ts.receivedBytes.Add(int64(msgSize))
		ts.receivedMessages.Add(1)

		return nil
	}
}

func (ts *tcpSource) close() {
	if ts.listener != nil {
		ts.listener.Close()
	}
}

/////////////
//  STAGE  //
/////////////

// TCPStage is an ingress stage that reads TCP connections and extracts messages.
// Every connection is handled by its own goroutine, publishing concurrently,
// so the publisher must accept multiple producers.
type TCPStage struct {
	*stage[*TCPMessage, *TCPConfig]

	source *tcpSource
}

// NewTCPStage returns a new TCP ingress stage publishing into pub.
func NewTCPStage(pub connector.Publisher[*TCPMessage], cfg *TCPConfig) *TCPStage {
	if cfg == nil {
		cfg = NewTCPConfig()
	}

	source := newTCPSource(cfg)

	return &TCPStage{
		stage: newStage("tcp", source, pub, cfg),

		source: source,
	}
}

// Addr returns the local address the stage is listening on.
// It is valid after Init.
func (ts *TCPStage) Addr() netip.AddrPort {
	return ts.source.addr()
}
