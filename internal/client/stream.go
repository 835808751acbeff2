package client

import (
	"strings"
	"sync"
	"time"

	"github.com/PabloGalante/parley/internal/protocol"
)

type chunkPart struct {
	text  string
	index int
}

// Stream hands the application control over one in-progress assistant
// reply. Chunks queue inside the stream and drain through the chunk
// callback at the configured speed, so a UI can render a typewriter
// effect without holding up the read loop.
type Stream struct {
	correlationID   string
	clientMessageID string

	onChunk        func(s *Stream, text string, index int)
	onFinish       func(s *Stream, final protocol.Envelope, text string)
	cancelUpstream func(correlationID string)

	mu        sync.Mutex
	cond      *sync.Cond
	queue     []chunkPart
	parts     []string
	interval  time.Duration
	lastIndex int
	paused    bool
	ended     bool
	aborted   bool
	canceled  bool
	final     protocol.Envelope
	done      chan struct{}
}

func newStream(
	correlationID, clientMessageID string,
	onChunk func(s *Stream, text string, index int),
	onFinish func(s *Stream, final protocol.Envelope, text string),
	cancelUpstream func(correlationID string),
) *Stream {
	s := &Stream{
		correlationID:   correlationID,
		clientMessageID: clientMessageID,
		onChunk:         onChunk,
		onFinish:        onFinish,
		cancelUpstream:  cancelUpstream,
		done:            make(chan struct{}),
	}
	s.cond = sync.NewCond(&s.mu)
	go s.pump()
	return s
}

func (s *Stream) CorrelationID() string   { return s.correlationID }
func (s *Stream) ClientMessageID() string { return s.clientMessageID }

// Done closes once the stream has finished, was cancelled, or aborted.
func (s *Stream) Done() <-chan struct{} { return s.done }

// Text returns the reply text delivered so far.
func (s *Stream) Text() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return strings.Join(s.parts, "")
}

// Pause holds back chunk delivery. Chunks keep accumulating.
func (s *Stream) Pause() {
	s.mu.Lock()
	s.paused = true
	s.mu.Unlock()
}

// Resume restarts chunk delivery after Pause.
func (s *Stream) Resume() {
	s.mu.Lock()
	s.paused = false
	s.cond.Broadcast()
	s.mu.Unlock()
}

// SetSpeed caps delivery at chunksPerSecond. Zero or negative removes
// the cap and chunks flow as fast as they arrive.
func (s *Stream) SetSpeed(chunksPerSecond float64) {
	s.mu.Lock()
	if chunksPerSecond > 0 {
		s.interval = time.Duration(float64(time.Second) / chunksPerSecond)
	} else {
		s.interval = 0
	}
	s.mu.Unlock()
}

// Cancel asks the server to stop generating and drops any undelivered
// chunks. Cancelling a finished stream is a no-op, and repeated calls
// send the request only once.
func (s *Stream) Cancel() {
	s.mu.Lock()
	if s.ended || s.canceled || s.aborted {
		s.mu.Unlock()
		return
	}
	s.canceled = true
	s.cond.Broadcast()
	s.mu.Unlock()
	if s.cancelUpstream != nil {
		s.cancelUpstream(s.correlationID)
	}
}

// noteIndex records a chunk index and reports whether it leaves a gap.
// Gaps are survivable, partial content still renders.
func (s *Stream) noteIndex(index int) bool {
	if index <= 0 {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	gap := s.lastIndex > 0 && index != s.lastIndex+1
	if index > s.lastIndex {
		s.lastIndex = index
	}
	return gap
}

func (s *Stream) feed(text string, index int) {
	s.mu.Lock()
	if !s.ended && !s.aborted && !s.canceled {
		s.queue = append(s.queue, chunkPart{text: text, index: index})
		s.cond.Broadcast()
	}
	s.mu.Unlock()
}

func (s *Stream) end(final *protocol.Envelope) {
	s.mu.Lock()
	s.final = *final
	s.ended = true
	s.cond.Broadcast()
	s.mu.Unlock()
}

// abort tears the stream down without a finish callback, for server
// errors and dropped connections.
func (s *Stream) abort() {
	s.mu.Lock()
	s.aborted = true
	s.cond.Broadcast()
	s.mu.Unlock()
}

func (s *Stream) pump() {
	defer close(s.done)
	for {
		s.mu.Lock()
		for s.idleLocked() {
			s.cond.Wait()
		}
		if s.aborted || s.canceled {
			s.mu.Unlock()
			return
		}
		if len(s.queue) == 0 && s.ended {
			final := s.final
			text := strings.Join(s.parts, "")
			s.mu.Unlock()
			if s.onFinish != nil {
				s.onFinish(s, final, text)
			}
			return
		}
		part := s.queue[0]
		s.queue = s.queue[1:]
		s.parts = append(s.parts, part.text)
		interval := s.interval
		s.mu.Unlock()

		if s.onChunk != nil {
			s.onChunk(s, part.text, part.index)
		}
		if interval > 0 {
			time.Sleep(interval)
		}
	}
}

func (s *Stream) idleLocked() bool {
	if s.aborted || s.canceled {
		return false
	}
	if s.paused {
		return true
	}
	return len(s.queue) == 0 && !s.ended
}

// assembler tracks the streams active on one connection keyed by
// correlation id.
type assembler struct {
	mu      sync.Mutex
	streams map[string]*Stream
}

func newAssembler() *assembler {
	return &assembler{streams: make(map[string]*Stream)}
}

func (a *assembler) add(s *Stream) {
	a.mu.Lock()
	a.streams[s.correlationID] = s
	a.mu.Unlock()
}

func (a *assembler) get(correlationID string) *Stream {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.streams[correlationID]
}

func (a *assembler) remove(correlationID string) {
	a.mu.Lock()
	delete(a.streams, correlationID)
	a.mu.Unlock()
}

// abortAll tears down every active stream, used when the connection
// drops mid-reply.
func (a *assembler) abortAll() {
	a.mu.Lock()
	streams := make([]*Stream, 0, len(a.streams))
	for _, s := range a.streams {
		streams = append(streams, s)
	}
	a.streams = make(map[string]*Stream)
	a.mu.Unlock()
	for _, s := range streams {
		s.abort()
	}
}
