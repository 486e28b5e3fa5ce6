package egress

import (
	"bufio"
	"context"
	"os"
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

// Default values for the file egress handler configuration.
const (
	DefaultFileConfigBufferSize               = 4096
	DefaultFileConfigFlushThresholdPercentage = 0.75
	DefaultFileConfigFlushDeadline            = time.Second
)

// FileConfig structs contains the configuration for the file egress handler.
type FileConfig struct {
	*config.Base

	// Path is the path to the file.
	Path string

	// BufferSize is the size of the buffer used to write messages to the file.
	//
	// Default: 4096
	BufferSize int

	// FlushThresholdPercentage is the percentage of the buffer size that triggers a flush.
	//
	// Default: 0.75
	FlushThresholdPercentage float64

	// FlushDeadline is the maximum time to wait before flushing the buffer.
	//
	// Default: 1s
	FlushDeadline time.Duration
}

// NewFileConfig returns the default configuration for the file egress handler.
// The file is written by a single consumer, so the messages keep their order.
func NewFileConfig(path string) *FileConfig {
	return &FileConfig{
		Base: config.NewBase(config.StageRunningModeSingle),

		Path:                     path,
		BufferSize:               DefaultFileConfigBufferSize,
		FlushThresholdPercentage: DefaultFileConfigFlushThresholdPercentage,
		FlushDeadline:            DefaultFileConfigFlushDeadline,
	}
}

// Validate checks the configuration.
func (c *FileConfig) Validate(ac *config.AnomalyCollector) {
	c.Base.Validate(ac)

	config.CheckPositive(ac, "BufferSize", &c.BufferSize, DefaultFileConfigBufferSize)

	config.CheckPositive(ac, "FlushThresholdPercentage", &c.FlushThresholdPercentage, DefaultFileConfigFlushThresholdPercentage)
	config.CheckNotGreaterThan(ac, "FlushThresholdPercentage", "1", &c.FlushThresholdPercentage, 1)

	config.CheckPositive(ac, "FlushDeadline", &c.FlushDeadline, DefaultFileConfigFlushDeadline)
}

///////////////
//  HANDLER  //
///////////////

// FileHandler is an egress handler that appends the bytes of the messages to a file.
// The buffer is flushed at the end of each batch, when it exceeds
// the flush threshold and periodically after the flush deadline.
type FileHandler[T message.Serializable] struct {
	stage.HandlerBase

	cfg *FileConfig

	file   *os.File
	writer *bufio.Writer

	writeMux         sync.Mutex
	bufSizeThreshold int
	notFlushedBytes  int

	cancelTicker context.CancelFunc
	tickerWg     sync.WaitGroup

	// Metrics
	writtenBytes atomic.Int64
	writeErrors  atomic.Int64
	flushErrors  atomic.Int64
}

// NewFileHandler returns a new file egress handler.
func NewFileHandler[T message.Serializable](cfg *FileConfig) *FileHandler[T] {
	return &FileHandler[T]{
		cfg: cfg,
	}
}

// Name returns the name of the handler.
func (fh *FileHandler[T]) Name() string {
	return "file"
}

// Init opens the file as append only and starts the periodic flush.
func (fh *FileHandler[T]) Init(ctx context.Context) error {
	config.NewValidator(fh.Tel).Validate(fh.cfg)

	file, err := os.OpenFile(fh.cfg.Path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return err
	}
	fh.file = file

	fh.writer = bufio.NewWriterSize(file, fh.cfg.BufferSize)
	fh.bufSizeThreshold = int(float64(fh.cfg.BufferSize) * fh.cfg.FlushThresholdPercentage)

	fh.initMetrics()

	tickerCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	fh.cancelTicker = cancel

	fh.tickerWg.Go(func() {
		fh.runTicker(tickerCtx)
	})

	return nil
}

func (fh *FileHandler[T]) initMetrics() {
	fh.Tel.NewCounter("written_bytes", fh.writtenBytes.Load)
	fh.Tel.NewCounter("write_errors", fh.writeErrors.Load)
	fh.Tel.NewCounter("flush_errors", fh.flushErrors.Load)
}

func (fh *FileHandler[T]) runTicker(ctx context.Context) {
	ticker := time.NewTicker(fh.cfg.FlushDeadline)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return

		case <-ticker.C:
			if err := fh.Flush(ctx); err != nil {
				fh.Tel.LogError("periodic flush failed", err, "path", fh.cfg.Path)
			}
		}
	}
}

// Handle writes the bytes of the message into the buffer.
func (fh *FileHandler[T]) Handle(ctx context.Context, msg *message.Message[T], endOfBatch bool) error {
	_, span := fh.Tel.NewTrace(ctx, "write file")
	defer span.End()

	chunk := msg.GetPayload().GetBytes()

	fh.writeMux.Lock()
	defer fh.writeMux.Unlock()

	n, err := fh.writer.Write(chunk)
	if err != nil {
		fh.writeErrors.Add(1)
		return err
	}

	fh.notFlushedBytes += n
	fh.writtenBytes.Add(int64(n))

	span.SetAttributes(attribute.Int("chunk_size", n))

	if endOfBatch || fh.notFlushedBytes >= fh.bufSizeThreshold {
		return fh.flush()
	}

	return nil
}

// Flush writes the buffered bytes to the file.
func (fh *FileHandler[T]) Flush(_ context.Context) error {
	fh.writeMux.Lock()
	defer fh.writeMux.Unlock()

	return fh.flush()
}

func (fh *FileHandler[T]) flush() error {
	if fh.notFlushedBytes == 0 {
		return nil
	}

	if err := fh.writer.Flush(); err != nil {
		fh.flushErrors.Add(1)
		return err
	}

	fh.notFlushedBytes = 0

	return nil
}

// WrittenBytes returns the number of bytes written into the buffer.
func (fh *FileHandler[T]) WrittenBytes() int64 {
	return fh.writtenBytes.Load()
}

// Close flushes the buffer, then syncs and closes the file.
func (fh *FileHandler[T]) Close(ctx context.Context) error {
	if fh.file == nil {
		return nil
	}

	fh.cancelTicker()
	fh.tickerWg.Wait()

	if err := fh.Flush(ctx); err != nil {
		fh.Tel.LogError("failed to flush file", err, "path", fh.cfg.Path)
	}

	if err := fh.file.Sync(); err != nil {
		fh.Tel.LogError("failed to sync file", err, "path", fh.cfg.Path)
	}

	return fh.file.Close()
}
