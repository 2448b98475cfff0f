package emitter

import (
	"bufio"
	"os"
	"path/filepath"

	"github.com/c360/tapstream/errors"
)

// DefaultBufferSize is the write buffer of a file sink.
const DefaultBufferSize = 64 * 1024

// File is a buffered file sink. Emit flushes it after every message.
type File struct {
	file *os.File
	buf  *bufio.Writer
}

// OpenFile opens path for writing, creating parent directories. With
// appendMode the file is appended to, otherwise it is truncated.
func OpenFile(path string, appendMode bool) (*File, error) {
	if path == "" {
		return nil, errors.WrapInvalid(errors.ErrInvalidConfig, "File", "OpenFile", "path is required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, errors.WrapFatal(err, "File", "OpenFile", "create output directory")
	}

	flags := os.O_CREATE | os.O_WRONLY
	if appendMode {
		flags |= os.O_APPEND
	} else {
		flags |= os.O_TRUNC
	}
	f, err := os.OpenFile(path, flags, 0644)
	if err != nil {
		return nil, errors.WrapFatal(err, "File", "OpenFile", "open output file")
	}
	return &File{file: f, buf: bufio.NewWriterSize(f, DefaultBufferSize)}, nil
}

// Write implements io.Writer.
func (f *File) Write(p []byte) (int, error) {
	return f.buf.Write(p)
}

// Flush writes buffered data to the file.
func (f *File) Flush() error {
	return f.buf.Flush()
}

// Name returns the file path.
func (f *File) Name() string {
	return f.file.Name()
}

// Close flushes and closes the file.
func (f *File) Close() error {
	flushErr := f.buf.Flush()
	closeErr := f.file.Close()
	if flushErr != nil {
		return errors.Wrap(flushErr, "File", "Close", "flush output file")
	}
	if closeErr != nil {
		return errors.Wrap(closeErr, "File", "Close", "close output file")
	}
	return nil
}
