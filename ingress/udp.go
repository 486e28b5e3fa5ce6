package ingress

import (
	"context"
	"errors"
	"net"
	"net/netip"
	"sync/atomic"
	"time"

	"github.com/FerroO2000/phaser/connector"
	"github.com/FerroO2000/phaser/internal"
	"github.com/FerroO2000/phaser/internal/config"
	"github.com/FerroO2000/phaser/internal/message"
	"go.opentelemetry.io/otel/attribute"
)

const (
	udpPayloadSize = 1474
)

//////////////
//  CONFIG  //
//////////////

// Default values for the UDP stage configuration.
const (
	DefaultUDPConfigIPAddr = "0.0.0.0"
	DefaultUDPConfigPort   = 20_000
)

// UDPConfig structs contains the configuration for the UDP stage.
type UDPConfig struct {
	// IPAddr is the IP address to listen on.
	IPAddr string

	// Port is the port to listen on.
	// If zero, a random port is chosen.
	Port uint16
}

// NewUDPConfig returns the default configuration for the UDP stage.
func NewUDPConfig() *UDPConfig {
	return &UDPConfig{
		IPAddr: DefaultUDPConfigIPAddr,
		Port:   DefaultUDPConfigPort,
	}
}

// Validate checks the configuration.
func (c *UDPConfig) Validate(ac *config.AnomalyCollector) {
	config.CheckNotEmpty(ac, "IPAddr", &c.IPAddr, DefaultUDPConfigIPAddr)
}

///////////////
//  MESSAGE  //
///////////////

var _ message.Serializable = (*UDPMessage)(nil)

// UDPMessage represents a UDP datagram.
type UDPMessage struct {
	// RemoteAddr is the address of the sender.
	RemoteAddr netip.AddrPort
	// Payload is the datagram payload.
	Payload []byte
}

// NewUDPMessage returns an empty UDP message with a buffer
// large enough for a datagram.
// It can be used as the factory of a ring buffer.
func NewUDPMessage() *UDPMessage {
	return &UDPMessage{
		Payload: make([]byte, 0, udpPayloadSize),
	}
}

// GetBytes returns the payload of the datagram.
func (um *UDPMessage) GetBytes() []byte {
	return um.Payload
}

//////////////
//  SOURCE  //
//////////////

var _ source[*UDPMessage] = (*udpSource)(nil)

type udpSource struct {
	tel *internal.Telemetry

	cfg *UDPConfig

	conn *net.UDPConn

	// Metrics
	receivedMessages atomic.Int64
	receivedBytes    atomic.Int64
}

func newUDPSource(cfg *UDPConfig) *udpSource {
	return &udpSource{
		cfg: cfg,
	}
}

func (us *udpSource) setTelemetry(tel *internal.Telemetry) {
	us.tel = tel
}

func (us *udpSource) init() error {
	parsedAddr, err := netip.ParseAddr(us.cfg.IPAddr)
	if err != nil {
		return err
	}

	addr := net.UDPAddrFromAddrPort(netip.AddrPortFrom(parsedAddr, us.cfg.Port))
	conn, err := net.ListenUDP("udp", addr)
	if err != nil {
		return err
	}

	us.conn = conn

	us.tel.NewCounter("received_messages", us.receivedMessages.Load)
	us.tel.NewCounter("received_bytes", us.receivedBytes.Load)

	return nil
}

func (us *udpSource) addr() netip.AddrPort {
	if us.conn == nil {
		return netip.AddrPort{}
	}
	addrPort := us.conn.LocalAddr().(*net.UDPAddr).AddrPort()
	return netip.AddrPortFrom(addrPort.Addr().Unmap(), addrPort.Port())
}

func (us *udpSource) run(ctx context.Context, pub connector.Publisher[*UDPMessage]) {
	// Unblock the read when the context is done
	stop := context.AfterFunc(ctx, func() {
		us.conn.Close()
	})
	defer stop()

	buf := make([]byte, udpPayloadSize)

	for {
		n, remoteAddr, err := us.conn.ReadFromUDPAddrPort(buf)
		if err != nil {
			if errors.Is(err, net.ErrClosed) || ctx.Err() != nil {
				return
			}

			us.tel.LogError("failed to read connection", err)
			return
		}

		err = pub.Publish(ctx, us.translator(ctx, buf[:n], remoteAddr))
		if publishOrStop(ctx, us.tel, err) {
			return
		}
	}
}

func (us *udpSource) translator(ctx context.Context, datagram []byte, remoteAddr netip.AddrPort) connector.Translator[*UDPMessage] {
	return func(msg *message.Message[*UDPMessage]) error {
		_, span := us.tel.NewTrace(ctx, "receive UDP datagram")
		defer span.End()

		udpMsg := payloadOf(msg)
		udpMsg.RemoteAddr = remoteAddr
		udpMsg.Payload = append(udpMsg.Payload[:0], datagram...)

		payloadSize := len(datagram)
		span.SetAttributes(attribute.Int("payload_size", payloadSize))
		stamp(msg, time.Now(), span)

		us.receivedBytes.Add(int64(payloadSize))
		us.receivedMessages.Add(1)

		return nil
	}
}

func (us *udpSource) close() {
	if us.conn != nil {
		us.conn.Close()
	}
}

/////////////
//  STAGE  //
/////////////

// UDPStage is an ingress stage that reads UDP datagrams.
type UDPStage struct {
	*stage[*UDPMessage, *UDPConfig]

	source *udpSource
}

// NewUDPStage returns a new UDP stage publishing into pub.
func NewUDPStage(pub connector.Publisher[*UDPMessage], cfg *UDPConfig) *UDPStage {
	if cfg == nil {
		cfg = NewUDPConfig()
	}

	source := newUDPSource(cfg)

	return &UDPStage{
		stage: newStage("udp", source, pub, cfg),

		source: source,
	}
}

// Addr returns the local address the stage is listening on.
// It is valid after Init.
func (us *UDPStage) Addr() netip.AddrPort {
	return us.source.addr()
}
