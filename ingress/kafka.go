package ingress

import (
	"context"
	"errors"
	"io"
	"sync/atomic"
	"time"

	"github.com/FerroO2000/phaser/connector"
	"github.com/FerroO2000/phaser/internal"
	"github.com/FerroO2000/phaser/internal/config"
	"github.com/FerroO2000/phaser/internal/message"
	"github.com/FerroO2000/phaser/internal/telemetry"
	"github.com/segmentio/kafka-go"
	"go.opentelemetry.io/otel/attribute"
)

//////////////
//  CONFIG  //
//////////////

// DefaultKafkaConfigBrokers is the default list of Kafka brokers to connect to.
var DefaultKafkaConfigBrokers = []string{"localhost:9092"}

// Default values for the Kafka ingress stage configuration.
const (
	DefaultKafkaConfigGroupID                = "group"
	DefaultKafkaConfigQueueCapacity          = 100
	DefaultKafkaConfigMinBytes               = 1
	DefaultKafkaConfigMaxBytes               = 1 << 20
	DefaultKafkaConfigMaxWait                = 10 * time.Second
	DefaultKafkaConfigReadBatchTimeout       = 10 * time.Second
	DefaultKafkaConfigHeartbeatInterval      = 3 * time.Second
	DefaultKafkaConfigCommitInterval         = 0
	DefaultKafkaConfigPartitionWatchInterval = 5 * time.Second
	DefaultKafkaConfigWatchPartitionChanges  = false
	DefaultKafkaConfigSessionTimeout         = 30 * time.Second
	DefaultKafkaConfigRebalanceTimeout       = 30 * time.Second
	DefaultKafkaConfigJoinGroupBackoff       = 5 * time.Second
	DefaultKafkaConfigRetentionTime          = time.Hour * 24 * 7
	DefaultKafkaConfigStartOffset            = kafka.FirstOffset
	DefaultKafkaConfigReadMinBackoff         = 100 * time.Millisecond
	DefaultKafkaConfigReadMaxBackoff         = 1 * time.Second
	DefaultKafkaConfigIsolationLevel         = kafka.ReadUncommitted
	DefaultKafkaConfigMaxAttempts            = 3
)

// DefaultKafkaConfigGroupBalancer is the default balancer used to distribute messages across partitions.
var DefaultKafkaConfigGroupBalancer = []kafka.GroupBalancer{
	kafka.RangeGroupBalancer{},
	kafka.RoundRobinGroupBalancer{},
}

// KafkaConfig structs contains the configuration for the Kafka ingress stage.
type KafkaConfig struct {
	// The list of broker addresses used to connect to the kafka cluster.
	Brokers []string

	// GroupID holds the consumer group id.
	GroupID string

	// Topics allows specifying multiple topics, but can only be used in
	// combination with GroupID, as it is a consumer-group feature. As such, if
	// GroupID is set, then either Topic or Topics must be defined.
	Topics []string

	// An dialer used to open connections to the kafka server. This field is
	// optional, if nil, the default dialer is used instead.
	Dialer *kafka.Dialer

	// The capacity of the internal message queue, defaults to 100 if none is
	// set.
	QueueCapacity int

	// MinBytes indicates to the broker the minimum batch size that the consumer
	// will accept. Setting a high minimum when consuming from a low-volume topic
	// may result in delayed delivery when the broker does not have enough data to
	// satisfy the defined minimum.
	MinBytes int

	// MaxBytes indicates to the broker the maximum batch size that the consumer
	// will accept. The broker will truncate a message to satisfy this maximum, so
	// choose a value that is high enough for your largest message size.
	MaxBytes int

	// Maximum amount of time to wait for new data to come when fetching batches
	// of messages from kafka.
	MaxWait time.Duration

	// ReadBatchTimeout amount of time to wait to fetch message from kafka messages batch.
	ReadBatchTimeout time.Duration

	// GroupBalancers is the priority-ordered list of client-side consumer group
	// balancing strategies that will be offered to the coordinator.  The first
	// strategy that all group members support will be chosen by the leader.
	//
	// Only used when GroupID is set
	GroupBalancers []kafka.GroupBalancer

	// HeartbeatInterval sets the optional frequency at which the reader sends the consumer
	// group heartbeat update.
	//
	// Only used when GroupID is set
	HeartbeatInterval time.Duration

	// CommitInterval indicates the interval at which offsets are committed to
	// the broker.  If 0, commits will be handled synchronously.
	//
	// Only used when GroupID is set
	CommitInterval time.Duration

	// PartitionWatchInterval indicates how often a reader checks for partition changes.
	// If a reader sees a partition change (such as a partition add) it will rebalance the group
	// picking up new partitions.
	//
	// Only used when GroupID is set and WatchPartitionChanges is set.
	PartitionWatchInterval time.Duration

	// WatchForPartitionChanges is used to inform kafka-go that a consumer group should be
	// polling the brokers and rebalancing if any partition changes happen to the topic.
	WatchPartitionChanges bool

	// SessionTimeout optionally sets the length of time that may pass without a heartbeat
	// before the coordinator considers the consumer dead and initiates a rebalance.
	//
	// Only used when GroupID is set
	SessionTimeout time.Duration

	// RebalanceTimeout optionally sets the length of time the coordinator will wait
	// for members to join as part of a rebalance.  For kafka servers under higher
	// load, it may be useful to set this value higher.
	//
	// Only used when GroupID is set
	RebalanceTimeout time.Duration

	// JoinGroupBackoff optionally sets the length of time to wait between re-joining
	// the consumer group after an error.
	JoinGroupBackoff time.Duration

	// RetentionTime optionally sets the length of time the consumer group will be saved
	// by the broker. -1 will disable the setting and leave the
	// retention up to the broker's offsets.retention.minutes property. By
	// default, that setting is 1 day for kafka < 2.0 and 7 days for kafka >= 2.0.
	//
	// Only used when GroupID is set
	RetentionTime time.Duration

	// StartOffset determines from whence the consumer group should begin
	// consuming when it finds a partition without a committed offset.  If
	// non-zero, it must be set to one of FirstOffset or LastOffset.
	//
	// Only used when GroupID is set
	StartOffset int64

	// BackoffDelayMin optionally sets the smallest amount of time the reader will wait before
	// polling for new messages
	ReadBackoffMin time.Duration

	// BackoffDelayMax optionally sets the maximum amount of time the reader will wait before
	// polling for new messages
	ReadBackoffMax time.Duration

	// IsolationLevel controls the visibility of transactional records.
	// ReadUncommitted makes all records visible. With ReadCommitted only
	// non-transactional and committed records are visible.
	IsolationLevel kafka.IsolationLevel

	// Limit of how many attempts to connect will be made before returning the error.
	MaxAttempts int
}

// NewKafkaConfig returns the default configuration for the Kafka ingress stage.
// There are NO default topics set.
func NewKafkaConfig(topics ...string) *KafkaConfig {
	return &KafkaConfig{
		Brokers:                DefaultKafkaConfigBrokers,
		GroupID:                DefaultKafkaConfigGroupID,
		Topics:                 topics,
		QueueCapacity:          DefaultKafkaConfigQueueCapacity,
		MinBytes:               DefaultKafkaConfigMinBytes,
		MaxBytes:               DefaultKafkaConfigMaxBytes,
		MaxWait:                DefaultKafkaConfigMaxWait,
		ReadBatchTimeout:       DefaultKafkaConfigReadBatchTimeout,
		GroupBalancers:         DefaultKafkaConfigGroupBalancer,
		HeartbeatInterval:      DefaultKafkaConfigHeartbeatInterval,
		CommitInterval:         DefaultKafkaConfigCommitInterval,
		PartitionWatchInterval: DefaultKafkaConfigPartitionWatchInterval,
		WatchPartitionChanges:  DefaultKafkaConfigWatchPartitionChanges,
		SessionTimeout:         DefaultKafkaConfigSessionTimeout,
		RebalanceTimeout:       DefaultKafkaConfigRebalanceTimeout,
		JoinGroupBackoff:       DefaultKafkaConfigJoinGroupBackoff,
		RetentionTime:          DefaultKafkaConfigRetentionTime,
		StartOffset:            DefaultKafkaConfigStartOffset,
		ReadBackoffMin:         DefaultKafkaConfigReadMinBackoff,
		ReadBackoffMax:         DefaultKafkaConfigReadMaxBackoff,
		IsolationLevel:         DefaultKafkaConfigIsolationLevel,
		MaxAttempts:            DefaultKafkaConfigMaxAttempts,
	}
}

// Validate checks the configuration.
func (c *KafkaConfig) Validate(ac *config.AnomalyCollector) {
	config.CheckLen(ac, "Brokers", &c.Brokers, DefaultKafkaConfigBrokers)

	config.CheckNotEmpty(ac, "GroupID", &c.GroupID, DefaultKafkaConfigGroupID)

	config.CheckPositive(ac, "QueueCapacity", &c.QueueCapacity, DefaultKafkaConfigQueueCapacity)

	config.CheckPositive(ac, "MaxAttempts", &c.MaxAttempts, DefaultKafkaConfigMaxAttempts)

	if len(c.GroupBalancers) == 0 {
		c.GroupBalancers = DefaultKafkaConfigGroupBalancer
	}
}

func (c *KafkaConfig) toReaderConfig() kafka.ReaderConfig {
	return kafka.ReaderConfig{
		Brokers:                c.Brokers,
		GroupID:                c.GroupID,
		GroupTopics:            c.Topics,
		Dialer:                 c.Dialer,
		QueueCapacity:          c.QueueCapacity,
		MinBytes:               c.MinBytes,
		MaxBytes:               c.MaxBytes,
		MaxWait:                c.MaxWait,
		ReadBatchTimeout:       c.ReadBatchTimeout,
		GroupBalancers:         c.GroupBalancers,
		HeartbeatInterval:      c.HeartbeatInterval,
		CommitInterval:         c.CommitInterval,
		PartitionWatchInterval: c.PartitionWatchInterval,
		WatchPartitionChanges:  c.WatchPartitionChanges,
		SessionTimeout:         c.SessionTimeout,
		RebalanceTimeout:       c.RebalanceTimeout,
		JoinGroupBackoff:       c.JoinGroupBackoff,
		RetentionTime:          c.RetentionTime,
		StartOffset:            c.StartOffset,
		ReadBackoffMin:         c.ReadBackoffMin,
		ReadBackoffMax:         c.ReadBackoffMax,
		IsolationLevel:         c.IsolationLevel,
		MaxAttempts:            c.MaxAttempts,
	}
}

///////////////
//  MESSAGE  //
///////////////

var _ message.Serializable = (*KafkaMessage)(nil)

// KafkaMessage represents a message read by the Kafka ingress stage.
type KafkaMessage struct {
	Topic     string
	Partition int
	Offset    int64
	Key       []byte
	Value     []byte
	Time      time.Time

	Headers []kafka.Header
}

// NewKafkaMessage returns an empty Kafka message.
// It can be used as the factory of a ring buffer.
func NewKafkaMessage() *KafkaMessage {
	return &KafkaMessage{}
}

// GetBytes returns the bytes of the Kafka's message value.
func (km *KafkaMessage) GetBytes() []byte {
	return km.Value
}

// GetHeader returns the value of the first header with the given key.
func (km *KafkaMessage) GetHeader(key string) ([]byte, bool) {
	for _, header := range km.Headers {
		if header.Key == key {
			return header.Value, true
		}
	}
	return nil, false
}

//////////////
//  SOURCE  //
//////////////

type kafkaReader interface {
	ReadMessage(ctx context.Context) (kafka.Message, error)
	Close() error
}

var _ kafkaReader = (*kafka.Reader)(nil)

var _ source[*KafkaMessage] = (*kafkaSource)(nil)

type kafkaSource struct {
	tel *internal.Telemetry

	cfg *KafkaConfig

	reader kafkaReader

	// Metrics
	receivedMessages atomic.Int64
	receivedBytes    atomic.Int64
}

func newKafkaSource(cfg *KafkaConfig) *kafkaSource {
	return &kafkaSource{
		cfg: cfg,
	}
}

func (ks *kafkaSource) setTelemetry(tel *internal.Telemetry) {
	ks.tel = tel
}

func (ks *kafkaSource) init() error {
	if ks.reader == nil {
		ks.reader = kafka.NewReader(ks.cfg.toReaderConfig())
	}

	ks.tel.NewCounter("received_bytes", ks.receivedBytes.Load)
	ks.tel.NewCounter("received_messages", ks.receivedMessages.Load)

	return nil
}

func (ks *kafkaSource) run(ctx context.Context, pub connector.Publisher[*KafkaMessage]) {
	for {
		msg, err := ks.reader.ReadMessage(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, context.Canceled) || errors.Is(err, io.EOF) {
				return
			}

			ks.tel.LogError("failed to read message", err)
			continue
		}

		err = pub.Publish(ctx, ks.translator(ctx, &msg))
		if publishOrStop(ctx, ks.tel, err) {
			return
		}
	}
}

func (ks *kafkaSource) translator(ctx context.Context, kMsg *kafka.Message) connector.Translator[*KafkaMessage] {
	return func(msg *message.Message[*KafkaMessage]) error {
		traceCtx := ctx
		if len(kMsg.Headers) > 0 {
			headerCarrier := telemetry.NewKafkaHeaderCarrier(kMsg.Headers)
			traceCtx = ks.tel.ExtractTraceContext(ctx, headerCarrier)
		}

		_, span := ks.tel.NewTrace(traceCtx, "handle kafka message")
		defer span.End()

		kafkaMsg := payloadOf(msg)
		kafkaMsg.Topic = kMsg.Topic
		kafkaMsg.Partition = kMsg.Partition
		kafkaMsg.Offset = kMsg.Offset
		kafkaMsg.Key = append(kafkaMsg.Key[:0], kMsg.Key...)
		kafkaMsg.Value = append(kafkaMsg.Value[:0], kMsg.Value...)
		kafkaMsg.Time = kMsg.Time
		kafkaMsg.Headers = append(kafkaMsg.Headers[:0], kMsg.Headers...)

		valueSize := len(kMsg.Value)
		span.SetAttributes(
			attribute.String("topic", kMsg.Topic),
			attribute.Int("value_size", valueSize),
		)

		recvTime := time.Now()
		stamp(msg, recvTime, span)
		if !kMsg.Time.IsZero() {
			msg.SetTimestamp(kMsg.Time)
		}

		ks.receivedBytes.Add(int64(valueSize))
		ks.receivedMessages.Add(1)

		return nil
	}
}

func (ks *kafkaSource) close() {
	if ks.reader == nil {
		return
	}

	if err := ks.reader.Close(); err != nil {
		ks.tel.LogError("failed to close reader", err)
	}
}

/////////////
//  STAGE  //
/////////////

// KafkaStage is an ingress stage that reads messages from Kafka.
type KafkaStage struct {
	*stage[*KafkaMessage, *KafkaConfig]
}

// NewKafkaStage returns a new Kafka ingress stage publishing into pub.
func NewKafkaStage(pub connector.Publisher[*KafkaMessage], cfg *KafkaConfig) *KafkaStage {
	if cfg == nil {
		cfg = NewKafkaConfig()
	}

	return &KafkaStage{
		stage: newStage("kafka", newKafkaSource(cfg), pub, cfg),
	}
}
