package wsocket

import (
	"bytes"
	"os"
	"path/filepath"

	"github.com/google/uuid"
	"github.com/pkg/errors"
)

// streamSink accumulates the bytes of one stream.
type streamSink interface {
	Write(p []byte) (int, error)
	Len() int64
	// finish seals the sink and returns either the bytes or the spool file path.
	finish() (data []byte, path string, err error)
	// discard drops everything written so far.
	discard()
}

type memorySink struct {
	buf bytes.Buffer
}

func (s *memorySink) Write(p []byte) (int, error) { return s.buf.Write(p) }
func (s *memorySink) Len() int64                  { return int64(s.buf.Len()) }

func (s *memorySink) finish() ([]byte, string, error) {
	data := s.buf.Bytes()
	if data == nil {
		data = []byte{}
	}
	return data, "", nil
}

func (s *memorySink) discard() { s.buf.Reset() }

// fileSink spools a stream to a uuid-named file inside dir.
type fileSink struct {
	f    *os.File
	path string
	n    int64
}

func newFileSink(dir string) (*fileSink, error) {
	path := filepath.Join(dir, uuid.NewString())
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, errors.WithMessage(err, "create spool file")
	}
	return &fileSink{f: f, path: path}, nil
}

func (s *fileSink) Write(p []byte) (int, error) {
	n, err := s.f.Write(p)
	s.n += int64(n)
	return n, err
}

func (s *fileSink) Len() int64 { return s.n }

func (s *fileSink) finish() ([]byte, string, error) {
	if err := s.f.Close(); err != nil {
		_ = os.Remove(s.path)
		return nil, "", errors.WithMessage(err, "close spool file")
	}
	return nil, s.path, nil
}

func (s *fileSink) discard() {
	_ = s.f.Close()
	_ = os.Remove(s.path)
}
