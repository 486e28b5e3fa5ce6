package ingress

import (
	"context"
	"encoding/binary"
	"net"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/FerroO2000/phaser/connector"
	"github.com/FerroO2000/phaser/internal"
	"github.com/FerroO2000/phaser/internal/config"
	"github.com/FerroO2000/phaser/internal/message"
	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
)

const testTimeout = 5 * time.Second

type testStage interface {
	Init(ctx context.Context) error
	Run(ctx context.Context)
	Close()
}

func newTestBuffer[T any](t *testing.T) *connector.RingBuffer[T] {
	t.Helper()

	buf, err := connector.NewRingBuffer[T](64)
	require.NoError(t, err)
	t.Cleanup(buf.Close)

	return buf
}

// startStage runs the stage in the background, returning
// a channel closed when Run returns.
func startStage(t *testing.T, s testStage) <-chan struct{} {
	t.Helper()

	require.NoError(t, s.Init(t.Context()))

	done := make(chan struct{})
	go func() {
		defer close(done)
		s.Run(context.Background())
	}()

	t.Cleanup(func() {
		s.Close()
		waitDone(t, done)
	})

	return done
}

func waitDone(t *testing.T, done <-chan struct{}) {
	t.Helper()

	select {
	case <-done:
	case <-time.After(testTimeout):
		t.Error("stage did not stop")
	}
}

func readItem[T any](t *testing.T, buf *connector.RingBuffer[T]) T {
	t.Helper()

	ctx, cancel := context.WithTimeout(t.Context(), testTimeout)
	defer cancel()

	item, err := buf.Read(ctx)
	require.NoError(t, err)

	return item
}

func Test_TickerStage(t *testing.T) {
	t.Run("ticks", func(t *testing.T) {
		assert := assert.New(t)

		buf := newTestBuffer[*TickerMessage](t)

		cfg := NewTickerConfig()
		cfg.Interval = 5 * time.Millisecond

		stage := NewTickerStage(buf, cfg)
		done := startStage(t, stage)

		for expected := range 3 {
			tick := readItem(t, buf)
			assert.Equal(expected+1, tick.TickNumber)
		}

		stage.Close()
		waitDone(t, done)

		assert.GreaterOrEqual(stage.Published(), int64(3))
	})

	t.Run("invalid interval", func(t *testing.T) {
		buf := newTestBuffer[*TickerMessage](t)

		cfg := &TickerConfig{Interval: -time.Second}
		stage := NewTickerStage(buf, cfg)
		startStage(t, stage)

		assert.Equal(t, DefaultTickerConfigInterval, cfg.Interval)
	})

	t.Run("closed publisher", func(t *testing.T) {
		buf := newTestBuffer[*TickerMessage](t)
		buf.Close()

		cfg := NewTickerConfig()
		cfg.Interval = time.Millisecond

		stage := NewTickerStage(buf, cfg)
		done := startStage(t, stage)

		// The stage stops by itself
		waitDone(t, done)
		assert.Zero(t, stage.Published())
	})
}

func Test_Stage_runContext(t *testing.T) {
	buf := newTestBuffer[*TickerMessage](t)

	stage := NewTickerStage(buf, nil)
	require.NoError(t, stage.Init(t.Context()))
	defer stage.Close()

	ctx, cancel := context.WithCancel(t.Context())

	done := make(chan struct{})
	go func() {
		defer close(done)
		stage.Run(ctx)
	}()

	cancel()
	waitDone(t, done)
}

func Test_UDPStage(t *testing.T) {
	assert := assert.New(t)

	buf := newTestBuffer[*UDPMessage](t)

	cfg := NewUDPConfig()
	cfg.IPAddr = "127.0.0.1"
	cfg.Port = 0

	stage := NewUDPStage(buf, cfg)
	startStage(t, stage)

	conn, err := net.DialUDP("udp", nil, net.UDPAddrFromAddrPort(stage.Addr()))
	require.NoError(t, err)
	defer conn.Close()

	datagrams := []string{"first", "second", "third"}
	for _, datagram := range datagrams {
		_, err := conn.Write([]byte(datagram))
		require.NoError(t, err)
	}

	for _, expected := range datagrams {
		udpMsg := readItem(t, buf)
		assert.Equal(expected, string(udpMsg.GetBytes()))
		assert.Equal(conn.LocalAddr().(*net.UDPAddr).Port, int(udpMsg.RemoteAddr.Port()))
	}

	invalidStage := NewUDPStage(buf, &UDPConfig{IPAddr: "not an address"})
	assert.Error(invalidStage.Init(t.Context()))
	invalidStage.Close()
}

func Test_TCPStage(t *testing.T) {
	t.Run("delimited", func(t *testing.T) {
		assert := assert.New(t)

		buf := newTestBuffer[*TCPMessage](t)

		cfg := NewTCPConfig()
		cfg.IPAddr = "127.0.0.1"
		cfg.Port = 0

		stage := NewTCPStage(buf, cfg)
		startStage(t, stage)

		conn, err := net.Dial("tcp", stage.Addr().String())
		require.NoError(t, err)
		defer conn.Close()

		_, err = conn.Write([]byte("first\r\nsecond\r\nthi"))
		require.NoError(t, err)
		_, err = conn.Write([]byte("rd\r\n"))
		require.NoError(t, err)

		for _, expected := range []string{"first", "second", "third"} {
			tcpMsg := readItem(t, buf)
			assert.Equal(expected, string(tcpMsg.GetBytes()))
			assert.Equal(conn.LocalAddr().String(), tcpMsg.RemoteAddr)
		}
	})

	t.Run("length prefixed", func(t *testing.T) {
		assert := assert.New(t)

		buf := newTestBuffer[*TCPMessage](t)

		cfg := NewTCPConfig()
		cfg.IPAddr = "127.0.0.1"
		cfg.Port = 0
		cfg.FramingMode = TCPFramingModeLengthPrefixed
		cfg.HeaderLen = 4
		cfg.MessageLengthFieldOffset = 2
		cfg.MessageLengthFieldLen = 2
		cfg.MessageLengthFieldEndianess = BigEndian

		stage := NewTCPStage(buf, cfg)
		startStage(t, stage)

		conn, err := net.Dial("tcp", stage.Addr().String())
		require.NoError(t, err)
		defer conn.Close()

		payloads := []string{"abc", "", "hello world"}

		stream := []byte{}
		for _, payload := range payloads {
			stream = append(stream, 0xAA, 0xBB)
			stream = binary.BigEndian.AppendUint16(stream, uint16(len(payload)))
			stream = append(stream, payload...)
		}

		_, err = conn.Write(stream)
		require.NoError(t, err)

		for _, expected := range payloads {
			tcpMsg := readItem(t, buf)
			assert.Equal(expected, string(tcpMsg.GetBytes()))
		}
	})
}

func Test_tcpSource_nextFrame(t *testing.T) {
	tests := []struct {
		name      string
		cfg       *TCPConfig
		acc       []byte
		wantOk    bool
		wantFrame int
		wantBody  string
	}{
		{
			name:   "delimited incomplete",
			cfg:    &TCPConfig{FramingMode: TCPFramingModeDelimited, Delimiter: []byte("\n")},
			acc:    []byte("abc"),
			wantOk: false,
		},
		{
			name:      "delimited complete",
			cfg:       &TCPConfig{FramingMode: TCPFramingModeDelimited, Delimiter: []byte("||")},
			acc:       []byte("abc||def"),
			wantOk:    true,
			wantFrame: 5,
			wantBody:  "abc",
		},
		{
			name: "length prefixed short header",
			cfg: &TCPConfig{
				FramingMode: TCPFramingModeLengthPrefixed, HeaderLen: 2, MessageLengthFieldLen: 2,
			},
			acc:    []byte{0x01},
			wantOk: false,
		},
		{
			name: "length prefixed incomplete body",
			cfg: &TCPConfig{
				FramingMode: TCPFramingModeLengthPrefixed, HeaderLen: 2, MessageLengthFieldLen: 2,
				MessageLengthFieldEndianess: LittleEndian,
			},
			acc:    []byte{0x05, 0x00, 'a', 'b'},
			wantOk: false,
		},
		{
			name: "length prefixed 3 bytes little endian",
			cfg: &TCPConfig{
				FramingMode: TCPFramingModeLengthPrefixed, HeaderLen: 4, MessageLengthFieldLen: 3,
				MessageLengthFieldOffset: 1, MessageLengthFieldEndianess: LittleEndian,
			},
			acc:       []byte{0xFF, 0x02, 0x00, 0x00, 'o', 'k', 'x'},
			wantOk:    true,
			wantFrame: 6,
			wantBody:  "ok",
		},
		{
			name: "length prefixed 1 byte",
			cfg: &TCPConfig{
				FramingMode: TCPFramingModeLengthPrefixed, HeaderLen: 1, MessageLengthFieldLen: 1,
			},
			acc:       []byte{0x01, 'z'},
			wantOk:    true,
			wantFrame: 2,
			wantBody:  "z",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert := assert.New(t)

			ts := newTCPSource(tt.cfg)
			ts.msgLenFieldParseLen = widenFieldLen(tt.cfg.MessageLengthFieldLen)

			frame, body, ok := ts.nextFrame(tt.acc)
			assert.Equal(tt.wantOk, ok)

			if tt.wantOk {
				assert.Len(frame, tt.wantFrame)
				assert.Equal(tt.wantBody, string(body))
			}
		})
	}
}

func Test_TCPConfig_Validate(t *testing.T) {
	assert := assert.New(t)

	cfg := &TCPConfig{
		IPAddr:                   "127.0.0.1",
		FramingMode:              TCPFramingModeLengthPrefixed,
		MessageLengthFieldLen:    10,
		MessageLengthFieldOffset: 3,
	}

	config.NewValidator(internal.NewTelemetry("ingress", "test")).Validate(cfg)

	assert.Equal(DefaultTCPConfigReadTimeout, cfg.ReadTimeout)
	assert.Equal(DefaultTCPConfigMaxMessageSize, cfg.MaxMessageSize)
	assert.Equal(DefaultTCPConfigHeaderLen, cfg.HeaderLen)
	assert.Equal(4, cfg.MessageLengthFieldLen)
	assert.Equal(0, cfg.MessageLengthFieldOffset)
}

type fakeKafkaReader struct {
	msgs   chan kafka.Message
	closed atomic.Bool
}

func newFakeKafkaReader() *fakeKafkaReader {
	return &fakeKafkaReader{
		msgs: make(chan kafka.Message, 16),
	}
}

func (r *fakeKafkaReader) ReadMessage(ctx context.Context) (kafka.Message, error) {
	select {
	case msg := <-r.msgs:
		return msg, nil
	case <-ctx.Done():
		return kafka.Message{}, ctx.Err()
	}
}

func (r *fakeKafkaReader) Close() error {
	r.closed.Store(true)
	return nil
}

func Test_KafkaStage(t *testing.T) {
	t.Run("read", func(t *testing.T) {
		assert := assert.New(t)

		buf := newTestBuffer[*KafkaMessage](t)

		reader := newFakeKafkaReader()

		stage := NewKafkaStage(buf, NewKafkaConfig("topic"))
		stage.stage.source.(*kafkaSource).reader = reader
		done := startStage(t, stage)

		for idx := range 3 {
			reader.msgs <- kafka.Message{
				Topic:  "topic",
				Offset: int64(idx),
				Key:    []byte("key"),
				Value:  []byte{byte(idx)},
			}
		}

		for idx := range 3 {
			kafkaMsg := readItem(t, buf)
			assert.Equal("topic", kafkaMsg.Topic)
			assert.Equal(int64(idx), kafkaMsg.Offset)
			assert.Equal([]byte("key"), kafkaMsg.Key)
			assert.Equal([]byte{byte(idx)}, kafkaMsg.GetBytes())
		}

		stage.Close()
		waitDone(t, done)

		assert.True(reader.closed.Load())
	})

	t.Run("translate", func(t *testing.T) {
		assert := assert.New(t)

		otel.SetTextMapPropagator(propagation.TraceContext{})

		spanCtx := trace.NewSpanContext(trace.SpanContextConfig{
			TraceID:    trace.TraceID{1},
			SpanID:     trace.SpanID{2},
			TraceFlags: trace.FlagsSampled,
		})

		carrier := propagation.MapCarrier{}
		otel.GetTextMapPropagator().Inject(trace.ContextWithSpanContext(t.Context(), spanCtx), carrier)

		headers := []kafka.Header{}
		for key, value := range carrier {
			headers = append(headers, kafka.Header{Key: key, Value: []byte(value)})
		}

		sentAt := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
		kMsg := &kafka.Message{
			Topic:     "topic",
			Partition: 3,
			Value:     []byte("value"),
			Headers:   headers,
			Time:      sentAt,
		}

		source := newKafkaSource(NewKafkaConfig())
		source.setTelemetry(internal.NewTelemetry("ingress", "kafka"))

		// The slot payload is reused
		msg := message.New(NewKafkaMessage())
		msg.GetPayload().Value = make([]byte, 0, 64)
		msg.Reset(0)

		require.NoError(t, source.translator(t.Context(), kMsg)(msg))

		kafkaMsg := msg.GetPayload()
		assert.Equal(3, kafkaMsg.Partition)
		assert.Equal("value", string(kafkaMsg.Value))
		assert.Equal(64, cap(kafkaMsg.Value))

		traceparent, ok := kafkaMsg.GetHeader("traceparent")
		assert.True(ok)
		assert.Contains(string(traceparent), spanCtx.TraceID().String())

		assert.Equal(sentAt, msg.GetTimestamp())
		assert.False(msg.GetReceiveTime().IsZero())

		loaded := trace.SpanContextFromContext(msg.LoadSpanContext(t.Context()))
		assert.Equal(spanCtx.TraceID(), loaded.TraceID())

		// The value is copied out of the read message
		kMsg.Value[0] = 'V'
		assert.Equal("value", string(kafkaMsg.Value))
	})
}

func writeFile(t *testing.T, path, content string, flag int) {
	t.Helper()

	file, err := os.OpenFile(path, flag|os.O_WRONLY|os.O_CREATE, 0o644)
	require.NoError(t, err)
	defer file.Close()

	_, err = file.WriteString(content)
	require.NoError(t, err)
}

func Test_FileStage(t *testing.T) {
	t.Run("read lines", func(t *testing.T) {
		assert := assert.New(t)

		dir := t.TempDir()
		existingPath := filepath.Join(dir, "a.log")
		writeFile(t, existingPath, "one\ntwo\nthr", os.O_TRUNC)

		buf := newTestBuffer[*FileMessage](t)

		stage := NewFileStage(buf, NewFileConfig(dir))
		startStage(t, stage)

		for idx, expected := range []string{"one", "two"} {
			fileMsg := readItem(t, buf)
			assert.Equal(expected, string(fileMsg.GetBytes()))
			assert.Equal(int64(idx+1), fileMsg.LineNumber)
			assert.Equal(existingPath, fileMsg.Path)
		}

		writeFile(t, existingPath, "ee\n", os.O_APPEND)

		fileMsg := readItem(t, buf)
		assert.Equal("three", string(fileMsg.Line))
		assert.Equal(int64(3), fileMsg.LineNumber)
		assert.Equal(int64(8), fileMsg.Offset)

		newPath := filepath.Join(dir, "b.log")
		writeFile(t, newPath, "x\n", os.O_TRUNC)

		fileMsg = readItem(t, buf)
		assert.Equal("x", string(fileMsg.Line))
		assert.Equal(newPath, fileMsg.Path)
	})

	t.Run("skip existing", func(t *testing.T) {
		assert := assert.New(t)

		dir := t.TempDir()
		path := filepath.Join(dir, "a.log")
		writeFile(t, path, "old\n", os.O_TRUNC)

		buf := newTestBuffer[*FileMessage](t)

		cfg := NewFileConfig(dir)
		cfg.ReadExisting = false

		stage := NewFileStage(buf, cfg)
		startStage(t, stage)

		source := stage.stage.source.(*fileSource)
		require.Eventually(t, func() bool {
			return source.openFiles.Load() == 1
		}, testTimeout, time.Millisecond)

		writeFile(t, path, "new\n", os.O_APPEND)

		fileMsg := readItem(t, buf)
		assert.Equal("new", string(fileMsg.Line))
		assert.Equal(int64(4), fileMsg.Offset)
	})

	t.Run("missing directory", func(t *testing.T) {
		buf := newTestBuffer[*FileMessage](t)

		stage := NewFileStage(buf, NewFileConfig(filepath.Join(t.TempDir(), "missing")))
		assert.Error(t, stage.Init(t.Context()))
		stage.Close()
	})
}

func Test_fileReader(t *testing.T) {
	type line struct {
		text   string
		number int64
		offset int64
	}

	readAll := func(t *testing.T, fr *fileReader, maxLineSize int) []line {
		t.Helper()

		lines := []line{}
		err := fr.readLines('\n', maxLineSize, func(l []byte, number, offset int64) bool {
			lines = append(lines, line{string(l), number, offset})
			return true
		})
		require.NoError(t, err)

		return lines
	}

	t.Run("partial line", func(t *testing.T) {
		assert := assert.New(t)

		path := filepath.Join(t.TempDir(), "file")
		writeFile(t, path, "abc", os.O_TRUNC)

		fr, err := openFileReader(path, 16, false)
		require.NoError(t, err)
		defer fr.close()

		assert.Empty(readAll(t, fr, 64))

		writeFile(t, path, "def\nghi\n", os.O_APPEND)
		assert.Equal([]line{{"abcdef", 1, 0}, {"ghi", 2, 7}}, readAll(t, fr, 64))
	})

	t.Run("line too long", func(t *testing.T) {
		assert := assert.New(t)

		path := filepath.Join(t.TempDir(), "file")
		long := make([]byte, 50)
		for idx := range long {
			long[idx] = 'x'
		}
		writeFile(t, path, "short\n"+string(long)+"\nok\n", os.O_TRUNC)

		fr, err := openFileReader(path, 16, false)
		require.NoError(t, err)
		defer fr.close()

		assert.Equal([]line{{"short", 1, 0}, {"ok", 3, 57}}, readAll(t, fr, 10))
		assert.Equal(int64(1), fr.discardedLines)
	})

	t.Run("truncated", func(t *testing.T) {
		assert := assert.New(t)

		path := filepath.Join(t.TempDir(), "file")
		writeFile(t, path, "aaa\nbbb\n", os.O_TRUNC)

		fr, err := openFileReader(path, 16, false)
		require.NoError(t, err)
		defer fr.close()

		assert.Len(readAll(t, fr, 64), 2)

		writeFile(t, path, "c\n", os.O_TRUNC)

		rewound, err := fr.rewindIfTruncated()
		require.NoError(t, err)
		assert.True(rewound)

		assert.Equal([]line{{"c", 1, 0}}, readAll(t, fr, 64))
	})
}
