package wsocket

import (
	"sort"
	"time"

	"github.com/pkg/errors"
)

// CompletedStream is the result of a finished stream.
type CompletedStream struct {
	ID uint32
	// Declared is the size announced in StreamStart, -1 if none was given.
	Declared int64
	// Size is the number of bytes actually received.
	Size int64
	// Data holds the bytes when the stream was kept in memory.
	Data []byte
	// Path names the spool file when a spool directory is configured.
	Path string
}

// Payload returns what the data callback receives: the bytes, or the spool path.
func (c CompletedStream) Payload() []byte {
	if c.Path != "" {
		return []byte(c.Path)
	}
	return c.Data
}

type stream struct {
	id           uint32
	declared     int64
	sink         streamSink
	lastActivity time.Time
}

// AssemblerConfig tunes a StreamAssembler. Zero values mean no limit.
type AssemblerConfig struct {
	// IdleTimeout aborts streams that see no chunk for this long.
	IdleTimeout time.Duration
	// MaxStreamSize aborts streams that grow past this many bytes.
	MaxStreamSize int64
	// SpoolDir, when set, spools stream bytes to files in this directory.
	SpoolDir string
}

// StreamAssembler rebuilds payloads from StreamStart, Streaming and StreamEnd
// frames, keeping any number of streams in flight at once.
//
// It is not safe for concurrent use. A Session confines its assembler to the
// dispatch goroutine.
type StreamAssembler struct {
	cfg      AssemblerConfig
	active   map[uint32]*stream
	finished map[uint32]struct{}
	rejected map[uint32]struct{}
}

// NewStreamAssembler returns an empty assembler.
func NewStreamAssembler(cfg AssemblerConfig) *StreamAssembler {
	return &StreamAssembler{
		cfg:      cfg,
		active:   make(map[uint32]*stream),
		finished: make(map[uint32]struct{}),
		rejected: make(map[uint32]struct{}),
	}
}

// Start opens stream id. declared is the announced size or -1.
func (a *StreamAssembler) Start(id uint32, declared int64, now time.Time) error {
	if _, ok := a.active[id]; ok {
		return errors.WithMessagef(ErrDuplicateStream, "stream %d", id)
	}
	if _, ok := a.finished[id]; ok {
		return errors.WithMessagef(ErrStreamReused, "stream %d", id)
	}
	if a.cfg.MaxStreamSize > 0 && declared > a.cfg.MaxStreamSize {
		a.finished[id] = struct{}{}
		a.rejected[id] = struct{}{}
		return errors.WithMessagef(ErrStreamTooLarge, "stream %d announces %d bytes, limit %d", id, declared, a.cfg.MaxStreamSize)
	}

	var sink streamSink = &memorySink{}
	if a.cfg.SpoolDir != "" {
		fs, err := newFileSink(a.cfg.SpoolDir)
		if err != nil {
			return errors.WithMessagef(err, "stream %d", id)
		}
		sink = fs
	}

	a.active[id] = &stream{id: id, declared: declared, sink: sink, lastActivity: now}
	return nil
}

// Append adds chunk to stream id.
func (a *StreamAssembler) Append(id uint32, chunk []byte, now time.Time) error {
	s, ok := a.active[id]
	if !ok {
		if _, dropped := a.rejected[id]; dropped {
			return errors.WithMessagef(ErrStreamDiscarded, "chunk for stream %d", id)
		}
		return errors.WithMessagef(ErrUnknownStream, "chunk for stream %d", id)
	}
	if a.cfg.MaxStreamSize > 0 && s.sink.Len()+int64(len(chunk)) > a.cfg.MaxStreamSize {
		a.drop(s)
		return errors.WithMessagef(ErrStreamTooLarge, "stream %d exceeds %d bytes", id, a.cfg.MaxStreamSize)
	}
	if _, err := s.sink.Write(chunk); err != nil {
		a.drop(s)
		return errors.WithMessagef(err, "stream %d", id)
	}
	s.lastActivity = now
	return nil
}

// End closes stream id and returns its content. When the received size does not
// match the announced one, the content is returned together with ErrIncompleteStream.
func (a *StreamAssembler) End(id uint32) (CompletedStream, error) {
	s, ok := a.active[id]
	if !ok {
		if _, dropped := a.rejected[id]; dropped {
			delete(a.rejected, id)
			return CompletedStream{}, errors.WithMessagef(ErrStreamDiscarded, "end of stream %d", id)
		}
		return CompletedStream{}, errors.WithMessagef(ErrUnknownStream, "end of stream %d", id)
	}
	delete(a.active, id)
	a.finished[id] = struct{}{}

	data, path, err := s.sink.finish()
	if err != nil {
		return CompletedStream{}, errors.WithMessagef(err, "stream %d", id)
	}

	done := CompletedStream{
		ID:       id,
		Declared: s.declared,
		Size:     s.sink.Len(),
		Data:     data,
		Path:     path,
	}
	if s.declared >= 0 && s.declared != done.Size {
		return done, errors.WithMessagef(ErrIncompleteStream, "stream %d: got %d of %d bytes", id, done.Size, s.declared)
	}
	return done, nil
}

// Sweep aborts streams idle for longer than the idle timeout and returns their ids.
func (a *StreamAssembler) Sweep(now time.Time) []uint32 {
	if a.cfg.IdleTimeout <= 0 {
		return nil
	}
	var ids []uint32
	for id, s := range a.active {
		if now.Sub(s.lastActivity) >= a.cfg.IdleTimeout {
			a.drop(s)
			ids = append(ids, id)
		}
	}
	sortIDs(ids)
	return ids
}

// AbortAll discards every stream in flight and returns their ids.
func (a *StreamAssembler) AbortAll() []uint32 {
	ids := make([]uint32, 0, len(a.active))
	for id, s := range a.active {
		a.drop(s)
		ids = append(ids, id)
	}
	sortIDs(ids)
	return ids
}

// Active returns the number of streams in flight.
func (a *StreamAssembler) Active() int {
	return len(a.active)
}

// Progress reports how many bytes stream id has received and its announced size.
func (a *StreamAssembler) Progress(id uint32) (received, declared int64, ok bool) {
	s, ok := a.active[id]
	if !ok {
		return 0, 0, false
	}
	return s.sink.Len(), s.declared, true
}

func (a *StreamAssembler) drop(s *stream) {
	s.sink.discard()
	delete(a.active, s.id)
	a.finished[s.id] = struct{}{}
	a.rejected[s.id] = struct{}{}
}

func sortIDs(ids []uint32) {
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
}
