package egress

import (
	"context"
	"net"
	"sync/atomic"

	"github.com/FerroO2000/phaser/internal/config"
	"github.com/FerroO2000/phaser/internal/message"
	"github.com/FerroO2000/phaser/internal/stage"
	"go.opentelemetry.io/otel/attribute"
)

//////////////
//  CONFIG  //
//////////////

// Default values for the UDP egress handler configuration.
const (
	DefaultUDPConfigIPAddr = "127.0.0.1"
	DefaultUDPConfigPort   = 20_000
)

// UDPConfig structs contains the configuration for the UDP egress handler.
type UDPConfig struct {
	*config.Base

	// IPAddr is the destination IP address.
	IPAddr string

	// Port is the destination port.
	Port uint16
}

// NewUDPConfig returns the default configuration for the UDP egress handler.
func NewUDPConfig(runningMode config.StageRunningMode) *UDPConfig {
	return &UDPConfig{
		Base: config.NewBase(runningMode),

		IPAddr: DefaultUDPConfigIPAddr,
		Port:   DefaultUDPConfigPort,
	}
}

// Validate checks the configuration.
func (c *UDPConfig) Validate(ac *config.AnomalyCollector) {
	c.Base.Validate(ac)

	config.CheckNotEmpty(ac, "IPAddr", &c.IPAddr, DefaultUDPConfigIPAddr)
	config.CheckNotZero(ac, "Port", &c.Port, DefaultUDPConfigPort)
}

///////////////
//  HANDLER  //
///////////////

// UDPHandler is an egress handler that sends a UDP datagram for each message.
// It is safe for concurrent use, so it can run on a worker pool.
type UDPHandler[T message.Serializable] struct {
	stage.HandlerBase

	cfg *UDPConfig

	conn *net.UDPConn

	// Metrics
	deliveredBytes    atomic.Int64
	deliveredMessages atomic.Int64
}

// NewUDPHandler returns a new UDP egress handler.
func NewUDPHandler[T message.Serializable](cfg *UDPConfig) *UDPHandler[T] {
	return &UDPHandler[T]{
		cfg: cfg,
	}
}

// Name returns the name of the handler.
func (uh *UDPHandler[T]) Name() string {
	return "udp"
}

// Init dials the UDP connection.
func (uh *UDPHandler[T]) Init(_ context.Context) error {
	config.NewValidator(uh.Tel).Validate(uh.cfg)

	addrPort, err := parseAddrPort(uh.cfg.IPAddr, uh.cfg.Port)
	if err != nil {
		return err
	}

	conn, err := net.DialUDP("udp", nil, net.UDPAddrFromAddrPort(addrPort))
	if err != nil {
		return err
	}
	uh.conn = conn

	uh.Tel.NewCounter("delivered_bytes", uh.deliveredBytes.Load)
	uh.Tel.NewCounter("delivered_messages", uh.deliveredMessages.Load)

	return nil
}

// Handle sends the bytes of the message.
func (uh *UDPHandler[T]) Handle(ctx context.Context, msg *message.Message[T], _ bool) error {
	_, span := uh.Tel.NewTrace(ctx, "deliver UDP message")
	defer span.End()

	payload := msg.GetPayload().GetBytes()

	deliveredBytes, err := uh.conn.Write(payload)
	if err != nil {
		return err
	}

	span.SetAttributes(attribute.Int("payload_size", len(payload)))

	uh.deliveredBytes.Add(int64(deliveredBytes))
	uh.deliveredMessages.Add(1)

	return nil
}

// Close closes the UDP connection.
func (uh *UDPHandler[T]) Close(_ context.Context) error {
	if uh.conn == nil {
		return nil
	}
	return uh.conn.Close()
}
