// Package audio turns a stream of synthesized speech chunks into continuous
// playback. Chunks may repeat because of upstream retries; the buffer drops
// runaway repeats, keeps latency bounded by dropping the oldest pending audio
// and trims already played audio from long running streams.
package audio

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"bizagent/pkg/logger"
)

const (
	// HashPrefixBytes is how much of a chunk is hashed for duplicate detection.
	HashPrefixBytes = 100
	// MaxDuplicateCount is how many identical consecutive chunks are played.
	MaxDuplicateCount = 2
	// DefaultSegmentBytes is the minimum segment size of the segment strategy.
	DefaultSegmentBytes = 4000
	// DefaultQueueCapacity bounds pending chunks or segments.
	DefaultQueueCapacity = 64
	// DefaultTrimWindow is how much played audio a stream sink keeps.
	DefaultTrimWindow = 5 * time.Second
	// DefaultTrimInterval is how often the trim runs.
	DefaultTrimInterval = time.Second
	// DefaultRetryDelay is the pause before a failed append is retried.
	DefaultRetryDelay = 50 * time.Millisecond
)

// ErrClosed is returned by Push after Close.
var ErrClosed = errors.New("audio buffer closed")

// StreamSink appends to an in-progress audio stream.
type StreamSink interface {
	Append(chunk []byte) error
	// Trim discards played audio older than keep.
	Trim(keep time.Duration) error
}

// SegmentPlayer plays discrete segments. The platform calls
// Buffer.SegmentEnded when a segment finished.
type SegmentPlayer interface {
	Play(segment []byte) error
}

// Options configures a Buffer. Exactly one of Stream and Player must be set;
// Stream is preferred when both are.
type Options struct {
	Stream        StreamSink
	Player        SegmentPlayer
	SegmentBytes  int
	QueueCapacity int
	TrimWindow    time.Duration
	TrimInterval  time.Duration
	RetryDelay    time.Duration
	// OnError receives playback failures. Push never returns them.
	OnError func(error)
	Logger  *logger.Logger
}

// Stats counts what happened to pushed chunks.
type Stats struct {
	Received   int
	Forwarded  int
	Duplicates int
	Dropped    int
	Failed     int
}

// Buffer feeds chunks to a StreamSink or a SegmentPlayer.
type Buffer struct {
	opts Options
	log  *logger.Logger

	mu       sync.Mutex
	lastHash uint32
	hasLast  bool
	dupCount int
	pending  [][]byte
	segment  []byte
	segments [][]byte
	playing  bool
	busy     bool
	closed   bool
	stats    Stats

	wake   chan struct{}
	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

// New creates a buffer and starts its worker.
func New(opts Options) (*Buffer, error) {
	if opts.Stream == nil && opts.Player == nil {
		return nil, fmt.Errorf("audio buffer needs a stream sink or a segment player")
	}
	if opts.SegmentBytes <= 0 {
		opts.SegmentBytes = DefaultSegmentBytes
	}
	if opts.QueueCapacity <= 0 {
		opts.QueueCapacity = DefaultQueueCapacity
	}
	if opts.TrimWindow <= 0 {
		opts.TrimWindow = DefaultTrimWindow
	}
	if opts.TrimInterval <= 0 {
		opts.TrimInterval = DefaultTrimInterval
	}
	if opts.RetryDelay <= 0 {
		opts.RetryDelay = DefaultRetryDelay
	}
	log := opts.Logger
	if log == nil {
		log = logger.NewNop()
	}

	ctx, cancel := context.WithCancel(context.Background())
	b := &Buffer{
		opts:   opts,
		log:    log,
		wake:   make(chan struct{}, 1),
		ctx:    ctx,
		cancel: cancel,
		done:   make(chan struct{}),
	}
	go b.run()
	return b, nil
}

// Streaming reports whether the append strategy is in use.
func (b *Buffer) Streaming() bool {
	return b.opts.Stream != nil
}

// Push accepts a chunk without blocking on playback.
func (b *Buffer) Push(chunk []byte) error {
	if len(chunk) == 0 {
		return nil
	}
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return ErrClosed
	}
	b.stats.Received++
	if !b.admit(chunk) {
		b.stats.Duplicates++
		b.mu.Unlock()
		b.log.Debug("Dropped repeated audio chunk", zap.Int("bytes", len(chunk)))
		return nil
	}

	data := append([]byte(nil), chunk...)
	if b.Streaming() {
		b.pending = b.enqueue(b.pending, data)
		b.mu.Unlock()
		b.signal()
		return nil
	}

	b.segment = append(b.segment, data...)
	if len(b.segment) >= b.opts.SegmentBytes {
		b.segments = b.enqueue(b.segments, b.segment)
		b.segment = nil
	}
	b.mu.Unlock()
	b.signal()
	return nil
}

// admit applies duplicate suppression. Callers hold b.mu.
func (b *Buffer) admit(chunk []byte) bool {
	h := prefixHash(chunk)
	if b.hasLast && h == b.lastHash {
		b.dupCount++
		return b.dupCount <= MaxDuplicateCount
	}
	b.lastHash = h
	b.hasLast = true
	b.dupCount = 1
	return true
}

// enqueue appends item and drops the oldest entry when over capacity.
func (b *Buffer) enqueue(queue [][]byte, item []byte) [][]byte {
	queue = append(queue, item)
	if over := len(queue) - b.opts.QueueCapacity; over > 0 {
		b.stats.Dropped += over
		queue = queue[over:]
	}
	return queue
}

// Flush queues a partial segment, e.g. at the end of an utterance.
func (b *Buffer) Flush() {
	b.mu.Lock()
	if len(b.segment) > 0 {
		b.segments = b.enqueue(b.segments, b.segment)
		b.segment = nil
	}
	b.mu.Unlock()
	b.signal()
}

// SegmentEnded advances the segment queue.
func (b *Buffer) SegmentEnded() {
	b.mu.Lock()
	b.playing = false
	b.mu.Unlock()
	b.signal()
}

// Reset discards queued audio and duplicate state, e.g. after an interruption.
func (b *Buffer) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.pending = nil
	b.segment = nil
	b.segments = nil
	b.hasLast = false
	b.dupCount = 0
}

// Stats returns a snapshot of the counters.
func (b *Buffer) Stats() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.stats
}

// Close stops the worker. Queued audio is discarded.
func (b *Buffer) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	b.mu.Unlock()
	b.cancel()
	<-b.done
}

// Trim discards played audio older than the trim window. It is skipped while
// an append is running and reports whether it ran.
func (b *Buffer) Trim() bool {
	if !b.Streaming() || !b.acquire() {
		return false
	}
	defer func() {
		b.release()
		// Chunks that arrived during the trim.
		b.signal()
	}()
	if err := b.opts.Stream.Trim(b.opts.TrimWindow); err != nil {
		b.report(fmt.Errorf("trim played audio: %w", err))
	}
	return true
}

func (b *Buffer) signal() {
	select {
	case b.wake <- struct{}{}:
	default:
	}
}

func (b *Buffer) run() {
	defer close(b.done)
	var tick <-chan time.Time
	if b.Streaming() {
		ticker := time.NewTicker(b.opts.TrimInterval)
		defer ticker.Stop()
		tick = ticker.C
	}
	for {
		select {
		case <-b.ctx.Done():
			return
		case <-b.wake:
			if b.Streaming() {
				b.drainStream()
			} else {
				b.playNextSegment()
			}
		case <-tick:
			b.Trim()
		}
	}
}

func (b *Buffer) drainStream() {
	if !b.acquire() {
		return
	}
	defer b.release()
	for {
		b.mu.Lock()
		if len(b.pending) == 0 || b.closed {
			b.mu.Unlock()
			return
		}
		chunk := b.pending[0]
		b.pending = b.pending[1:]
		b.mu.Unlock()

		b.deliver(chunk, b.opts.Stream.Append)
	}
}

func (b *Buffer) playNextSegment() {
	b.mu.Lock()
	if b.playing || len(b.segments) == 0 || b.closed {
		b.mu.Unlock()
		return
	}
	segment := b.segments[0]
	b.segments = b.segments[1:]
	b.playing = true
	b.mu.Unlock()

	if !b.deliver(segment, b.opts.Player.Play) {
		b.mu.Lock()
		b.playing = false
		b.mu.Unlock()
		b.signal()
	}
}

// deliver hands data to the platform, retrying once after RetryDelay.
func (b *Buffer) deliver(data []byte, fn func([]byte) error) bool {
	err := fn(data)
	if err == nil {
		b.count(func(s *Stats) { s.Forwarded++ })
		return true
	}
	select {
	case <-b.ctx.Done():
		return false
	case <-time.After(b.opts.RetryDelay):
	}
	if err = fn(data); err == nil {
		b.count(func(s *Stats) { s.Forwarded++ })
		return true
	}
	b.count(func(s *Stats) { s.Failed++ })
	b.report(fmt.Errorf("play audio (%d bytes): %w", len(data), err))
	return false
}

func (b *Buffer) acquire() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.busy {
		return false
	}
	b.busy = true
	return true
}

func (b *Buffer) release() {
	b.mu.Lock()
	b.busy = false
	b.mu.Unlock()
}

func (b *Buffer) count(fn func(*Stats)) {
	b.mu.Lock()
	fn(&b.stats)
	b.mu.Unlock()
}

func (b *Buffer) report(err error) {
	b.log.Warn("Audio playback failed", zap.Error(err))
	if b.opts.OnError != nil {
		b.opts.OnError(err)
	}
}

// prefixHash is a 31-multiplier rolling hash over the first HashPrefixBytes.
func prefixHash(chunk []byte) uint32 {
	n := len(chunk)
	if n > HashPrefixBytes {
		n = HashPrefixBytes
	}
	var h uint32
	for _, c := range chunk[:n] {
		h = h*31 + uint32(c)
	}
	return h
}
