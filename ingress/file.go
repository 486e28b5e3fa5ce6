package ingress

import (
	"bufio"
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/FerroO2000/phaser/connector"
	"github.com/FerroO2000/phaser/internal"
	"github.com/FerroO2000/phaser/internal/config"
	"github.com/FerroO2000/phaser/internal/message"
	"github.com/fsnotify/fsnotify"
	"go.opentelemetry.io/otel/attribute"
)

//////////////
//  CONFIG  //
//////////////

// Default values for the file ingress stage configuration.
const (
	DefaultFileConfigReadBufferSize = 4096
	DefaultFileConfigDelimiter      = '\n'
	DefaultFileConfigMaxLineSize    = 32 * 1024
	DefaultFileConfigReadExisting   = true
)

// DefaultFileConfigWatchedDirs is the default list of directories to watch.
var DefaultFileConfigWatchedDirs = []string{"."}

// FileConfig structs contains the configuration for the file ingress stage.
type FileConfig struct {
	// WatchedDirs contains the list of directories to watch.
	WatchedDirs []string

	// ReadBufferSize is the size of the buffer used to read a file.
	ReadBufferSize int

	// Delimiter is the byte separating the lines of a file.
	Delimiter byte

	// MaxLineSize is the maximum size of a line.
	// Longer lines are discarded.
	MaxLineSize int

	// ReadExisting states whether the files already present in the
	// watched directories are read from the beginning.
	// If false, only the lines appended after the start are read.
	ReadExisting bool
}

// NewFileConfig returns the default configuration for the file ingress stage.
func NewFileConfig(watchedDirs ...string) *FileConfig {
	if len(watchedDirs) == 0 {
		watchedDirs = DefaultFileConfigWatchedDirs
	}

	return &FileConfig{
		WatchedDirs:    watchedDirs,
		ReadBufferSize: DefaultFileConfigReadBufferSize,
		Delimiter:      DefaultFileConfigDelimiter,
		MaxLineSize:    DefaultFileConfigMaxLineSize,
		ReadExisting:   DefaultFileConfigReadExisting,
	}
}

// Validate checks the configuration.
func (c *FileConfig) Validate(ac *config.AnomalyCollector) {
	config.CheckLen(ac, "WatchedDirs", &c.WatchedDirs, DefaultFileConfigWatchedDirs)

	config.CheckPositive(ac, "ReadBufferSize", &c.ReadBufferSize, DefaultFileConfigReadBufferSize)

	config.CheckPositive(ac, "MaxLineSize", &c.MaxLineSize, DefaultFileConfigMaxLineSize)
}

///////////////
//  MESSAGE  //
///////////////

var _ message.Serializable = (*FileMessage)(nil)

// FileMessage represents a line read by the file ingress stage.
type FileMessage struct {
	// Path is the path of the file.
	Path string

	// Line is the content of the line, without the delimiter.
	Line []byte

	// LineNumber is the 1-based number of the line in the file.
	// Files that are not read from the beginning are numbered
	// from the first line read.
	LineNumber int64

	// Offset is the offset of the line from the beginning of the file.
	Offset int64
}

// NewFileMessage returns an empty file message.
// It can be used as the factory of a ring buffer.
func NewFileMessage() *FileMessage {
	return &FileMessage{}
}

// GetBytes returns the bytes of the line.
func (fm *FileMessage) GetBytes() []byte {
	return fm.Line
}

//////////////
//  READER  //
//////////////

// fileReader tails a single file, keeping the offset of the
// last complete line between the notifications.
type fileReader struct {
	path string

	file   *os.File
	reader *bufio.Reader

	// offset is the offset of the first byte not yet published
	offset     int64
	lineNumber int64
	partial    []byte

	discarding     bool
	discardedLines int64
}

func openFileReader(path string, bufSize int, fromEnd bool) (*fileReader, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}

	fr := &fileReader{
		path: path,
		file: file,
	}

	if fromEnd {
		offset, err := file.Seek(0, io.SeekEnd)
		if err != nil {
			file.Close()
			return nil, err
		}
		fr.offset = offset
	}

	fr.reader = bufio.NewReaderSize(file, bufSize)

	return fr, nil
}

// rewindIfTruncated restarts the reader when the file got shorter
// than the already read content.
func (fr *fileReader) rewindIfTruncated() (bool, error) {
	info, err := fr.file.Stat()
	if err != nil {
		return false, err
	}

	if info.Size() >= fr.offset+int64(len(fr.partial)) {
		return false, nil
	}

	if _, err := fr.file.Seek(0, io.SeekStart); err != nil {
		return false, err
	}

	fr.reader.Reset(fr.file)
	fr.offset = 0
	fr.lineNumber = 0
	fr.partial = fr.partial[:0]
	fr.discarding = false

	return true, nil
}

// readLines calls fn for every complete line available in the file.
// A trailing line without delimiter is kept until it is completed.
func (fr *fileReader) readLines(delim byte, maxLineSize int, fn func(line []byte, lineNumber, offset int64) bool) error {
	for {
		chunk, err := fr.reader.ReadSlice(delim)

		switch {
		case err == nil:
			lineLen := len(fr.partial) + len(chunk)

			if fr.discarding {
				fr.discarding = false
				fr.offset += int64(lineLen)
				fr.lineNumber++
				fr.partial = fr.partial[:0]
				continue
			}

			line := chunk[:len(chunk)-1]
			if len(fr.partial) > 0 {
				fr.partial = append(fr.partial, line...)
				line = fr.partial
			}

			fr.lineNumber++
			ok := fn(line, fr.lineNumber, fr.offset)

			fr.offset += int64(lineLen)
			fr.partial = fr.partial[:0]

			if !ok {
				return nil
			}

		case errors.Is(err, bufio.ErrBufferFull) || errors.Is(err, io.EOF):
			if fr.discarding {
				fr.offset += int64(len(chunk))
			} else {
				fr.partial = append(fr.partial, chunk...)
			}

			if len(fr.partial) > maxLineSize {
				fr.offset += int64(len(fr.partial))
				fr.partial = fr.partial[:0]
				fr.discarding = true
				fr.discardedLines++
			}

			if errors.Is(err, io.EOF) {
				return nil
			}

		default:
			return err
		}
	}
}

func (fr *fileReader) close() error {
	return fr.file.Close()
}

//////////////
//  SOURCE  //
//////////////

var _ source[*FileMessage] = (*fileSource)(nil)

type fileSource struct {
	tel *internal.Telemetry

	cfg *FileConfig

	watcher *fsnotify.Watcher

	readersMux sync.Mutex
	readers    map[string]*fileReader
	isClosed   bool

	// Metrics
	openFiles        atomic.Int64
	readLines        atomic.Int64
	readBytes        atomic.Int64
	discardedLines   atomic.Int64
	truncatedRewinds atomic.Int64
}

func newFileSource(cfg *FileConfig) *fileSource {
	return &fileSource{
		cfg: cfg,

		readers: make(map[string]*fileReader),
	}
}

func (fs *fileSource) setTelemetry(tel *internal.Telemetry) {
	fs.tel = tel
}

func (fs *fileSource) init() error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}

	// Add the directories to watch
	for _, dirPath := range fs.cfg.WatchedDirs {
		if err := watcher.Add(dirPath); err != nil {
			watcher.Close()
			return err
		}
	}

	fs.watcher = watcher

	fs.tel.NewUpDownCounter("open_files", fs.openFiles.Load)
	fs.tel.NewCounter("read_lines", fs.readLines.Load)
	fs.tel.NewCounter("read_bytes", fs.readBytes.Load)
	fs.tel.NewCounter("discarded_lines", fs.discardedLines.Load)
	fs.tel.NewCounter("truncated_rewinds", fs.truncatedRewinds.Load)

	return nil
}

// readExistingFiles reads all the existing files in the watched directories.
// This is needed because the watcher does not fire events for existing files.
func (fs *fileSource) readExistingFiles(ctx context.Context, pub connector.Publisher[*FileMessage]) bool {
	for _, dirPath := range fs.cfg.WatchedDirs {
		entries, err := os.ReadDir(dirPath)
		if err != nil {
			fs.tel.LogError("failed to read directory", err, "path", dirPath)
			continue
		}

		for _, entry := range entries {
			if entry.IsDir() {
				continue
			}

			path := filepath.Join(dirPath, entry.Name())
			if fs.readFile(ctx, pub, path, !fs.cfg.ReadExisting) {
				return true
			}
		}
	}

	return false
}

func (fs *fileSource) getReader(path string, fromEnd bool) (*fileReader, error) {
	if reader, ok := fs.readers[path]; ok {
		return reader, nil
	}

	reader, err := openFileReader(path, fs.cfg.ReadBufferSize, fromEnd)
	if err != nil {
		return nil, err
	}

	fs.readers[path] = reader
	fs.openFiles.Add(1)

	fs.tel.LogInfo("file opened", "path", path)

	return reader, nil
}

func (fs *fileSource) removeReader(path string) {
	fs.readersMux.Lock()
	defer fs.readersMux.Unlock()

	reader, ok := fs.readers[path]
	if !ok {
		return
	}

	if err := reader.close(); err != nil {
		fs.tel.LogWarn("failed to close file", "path", path, "error", err)
	}

	delete(fs.readers, path)
	fs.openFiles.Add(-1)

	fs.tel.LogInfo("file closed", "path", path)
}

// readFile publishes the new lines of the file.
// It returns true when the source must stop.
func (fs *fileSource) readFile(ctx context.Context, pub connector.Publisher[*FileMessage], path string, fromEnd bool) bool {
	fs.readersMux.Lock()
	defer fs.readersMux.Unlock()

	if fs.isClosed {
		return true
	}

	reader, err := fs.getReader(path, fromEnd)
	if err != nil {
		fs.tel.LogError("failed to open file", err, "path", path)
		return false
	}

	rewound, err := reader.rewindIfTruncated()
	if err != nil {
		fs.tel.LogError("failed to stat file", err, "path", path)
		return false
	}
	if rewound {
		fs.truncatedRewinds.Add(1)
		fs.tel.LogWarn("file truncated, reading from the beginning", "path", path)
	}

	stop := false
	discardedBefore := reader.discardedLines

	err = reader.readLines(fs.cfg.Delimiter, fs.cfg.MaxLineSize, func(line []byte, lineNumber, offset int64) bool {
		err := pub.Publish(ctx, fs.translator(ctx, path, line, lineNumber, offset))
		stop = publishOrStop(ctx, fs.tel, err)
		return !stop
	})
	if err != nil {
		fs.tel.LogError("failed to read file", err, "path", path)
	}

	if discarded := reader.discardedLines - discardedBefore; discarded > 0 {
		fs.discardedLines.Add(discarded)
		fs.tel.LogWarn("lines too long, discarded", "path", path, "count", discarded, "max_line_size", fs.cfg.MaxLineSize)
	}

	return stop
}

func (fs *fileSource) translator(
	ctx context.Context, path string, line []byte, lineNumber, offset int64,
) connector.Translator[*FileMessage] {

	return func(msg *message.Message[*FileMessage]) error {
		_, span := fs.tel.NewTrace(ctx, "read file line")
		defer span.End()

		fileMsg := payloadOf(msg)
		fileMsg.Path = path
		fileMsg.Line = append(fileMsg.Line[:0], line...)
		fileMsg.LineNumber = lineNumber
		fileMsg.Offset = offset

		span.SetAttributes(
			attribute.String("path", path),
			attribute.Int64("line_number", lineNumber),
			attribute.Int("line_size", len(line)),
		)
		stamp(msg, time.Now(), span)

		fs.readLines.Add(1)
		fs.readBytes.Add(int64(len(line)))

		return nil
	}
}

func (fs *fileSource) run(ctx context.Context, pub connector.Publisher[*FileMessage]) {
	// Before handling the events, read all the existing files
	if fs.readExistingFiles(ctx, pub) {
		return
	}

	for {
		select {
		case <-ctx.Done():
			return

		case event, ok := <-fs.watcher.Events:
			if !ok {
				return
			}

			if fs.handleEvent(ctx, pub, event) {
				return
			}

		case err, ok := <-fs.watcher.Errors:
			if !ok {
				return
			}

			fs.tel.LogError("watcher error", err)
		}
	}
}

func (fs *fileSource) handleEvent(ctx context.Context, pub connector.Publisher[*FileMessage], event fsnotify.Event) bool {
	path := event.Name

	// Handle file deletion/renaming
	if event.Has(fsnotify.Remove) || event.Has(fsnotify.Rename) {
		fs.removeReader(path)
		return false
	}

	if !event.Has(fsnotify.Create) && !event.Has(fsnotify.Write) {
		return false
	}

	info, err := os.Stat(path)
	if err != nil || info.IsDir() {
		return false
	}

	return fs.readFile(ctx, pub, path, false)
}

func (fs *fileSource) close() {
	fs.readersMux.Lock()
	defer fs.readersMux.Unlock()

	if fs.isClosed {
		return
	}
	fs.isClosed = true

	for path, reader := range fs.readers {
		if err := reader.close(); err != nil {
			fs.tel.LogWarn("failed to close file", "path", path, "error", err)
		}
		delete(fs.readers, path)
		fs.openFiles.Add(-1)
	}

	if fs.watcher != nil {
		fs.watcher.Close()
	}
}

/////////////
//  STAGE  //
/////////////

// FileStage is an ingress stage that reads the lines of the files
// created or written in a list of directories.
type FileStage struct {
	*stage[*FileMessage, *FileConfig]
}

// NewFileStage returns a new file ingress stage publishing into pub.
func NewFileStage(pub connector.Publisher[*FileMessage], cfg *FileConfig) *FileStage {
	if cfg == nil {
		cfg = NewFileConfig()
	}

	return &FileStage{
		stage: newStage("file", newFileSource(cfg), pub, cfg),
	}
}
