// Package capture turns a live microphone stream into transport-ready audio
// chunks.
//
// The device delivers one frame per callback (about 256 ms at 16 kHz). The
// [Pipeline] drops the frame when muted or when the session is not
// connected; otherwise it converts it to 16 kHz mono, encodes it, and hands
// it to a bounded queue drained by a single sender goroutine, so a slow
// network never stalls the device callback. Delivery failures are
// recoverable: they are logged and counted and the session continues.
package capture

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"github.com/MrWong99/voxview/internal/lifecycle"
	"github.com/MrWong99/voxview/internal/observe"
	"github.com/MrWong99/voxview/pkg/audio"
)

// DefaultQueueDepth is the number of encoded chunks buffered between the
// device callback and the sender.
const DefaultQueueDepth = 16

// ErrQueueFull is reported as a send failure when the sender falls behind.
var ErrQueueFull = errors.New("capture: send queue full")

// Sender accepts encoded capture chunks. [s2s.SessionHandle] satisfies it.
type Sender interface {
	SendAudio(encoded string) error
}

// Option is a functional option for configuring a Pipeline.
type Option func(*Pipeline)

// WithQueueDepth sets the send queue depth. Values below 1 are ignored.
func WithQueueDepth(n int) Option {
	return func(p *Pipeline) {
		if n > 0 {
			p.depth = n
		}
	}
}

// WithMetrics sets the metrics sink. Defaults to [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(p *Pipeline) { p.metrics = m }
}

// WithErrorHandler registers the callback for capture device errors. It is
// invoked from the device goroutine and only while the token is alive.
func WithErrorHandler(fn func(error)) Option {
	return func(p *Pipeline) { p.onError = fn }
}

// WithSendFailureHandler registers a callback for each failed delivery, in
// addition to the warning log. Invoked from the sender or device goroutine.
func WithSendFailureHandler(fn func(error)) Option {
	return func(p *Pipeline) { p.onSendFailure = fn }
}

// Pipeline owns the input stream for the lifetime of one session.
type Pipeline struct {
	ctx     context.Context
	stream  audio.InputStream
	sender  Sender
	token   *lifecycle.Token
	conv    audio.Converter
	metrics *observe.Metrics
	depth   int

	onError       func(error)
	onSendFailure func(error)

	muted  atomic.Bool
	active atomic.Bool

	queue    chan string
	stop     chan struct{}
	started  atomic.Bool
	detach   sync.Once
	release  sync.Once
	sendDone chan struct{}
}

// New creates a pipeline reading from stream and delivering to sender. ctx
// carries the session id for logs and metrics; token gates every callback.
// Call [Pipeline.Start] to attach to the device.
func New(ctx context.Context, stream audio.InputStream, sender Sender, token *lifecycle.Token, opts ...Option) *Pipeline {
	p := &Pipeline{
		ctx:      ctx,
		stream:   stream,
		sender:   sender,
		token:    token,
		conv:     audio.Converter{Target: audio.Mono16k},
		depth:    DefaultQueueDepth,
		stop:     make(chan struct{}),
		sendDone: make(chan struct{}),
	}
	for _, o := range opts {
		o(p)
	}
	if p.metrics == nil {
		p.metrics = observe.DefaultMetrics()
	}
	p.queue = make(chan string, p.depth)
	return p
}

// Start attaches the frame callback and launches the sender goroutine.
// Subsequent calls are no-ops.
func (p *Pipeline) Start() {
	if !p.started.CompareAndSwap(false, true) {
		return
	}
	go p.sendLoop()
	p.stream.Attach(p.onFrame, p.onDeviceError)
}

// SetMuted sets the mute flag read on every capture callback.
func (p *Pipeline) SetMuted(muted bool) { p.muted.Store(muted) }

// Muted reports the current mute flag.
func (p *Pipeline) Muted() bool { return p.muted.Load() }

// SetActive tells the pipeline whether the session is connected. Frames are
// only forwarded while active.
func (p *Pipeline) SetActive(active bool) { p.active.Store(active) }

// Detach disconnects the frame callback and stops the sender. It does not
// wait for an in-flight send. Safe to call more than once.
func (p *Pipeline) Detach() {
	p.detach.Do(func() {
		p.active.Store(false)
		p.stream.Detach()
		close(p.stop)
	})
}

// Release closes the input stream. Only the first call reaches the device;
// later calls return nil.
func (p *Pipeline) Release() error {
	err := error(nil)
	p.release.Do(func() {
		err = p.stream.Close()
	})
	return err
}

// SenderDone is closed when the sender goroutine has exited.
func (p *Pipeline) SenderDone() <-chan struct{} { return p.sendDone }

// onFrame runs on the device goroutine.
func (p *Pipeline) onFrame(frame []float32) {
	if !p.token.Alive() {
		return
	}
	if p.muted.Load() {
		p.metrics.RecordCaptureChunk(p.ctx, observe.ChunkDroppedMuted)
		return
	}
	if !p.active.Load() {
		p.metrics.RecordCaptureChunk(p.ctx, observe.ChunkDroppedInactive)
		return
	}

	chunk := audio.EncodeFrame(p.conv.Convert(frame, p.stream.Format()))
	select {
	case p.queue <- chunk:
	default:
		p.metrics.RecordCaptureChunk(p.ctx, observe.ChunkDroppedFull)
		p.sendFailed(ErrQueueFull)
	}
}

func (p *Pipeline) onDeviceError(err error) {
	if !p.token.Alive() || p.onError == nil {
		return
	}
	p.onError(err)
}

// sendLoop delivers queued chunks one at a time until Detach.
func (p *Pipeline) sendLoop() {
	defer close(p.sendDone)
	for {
		select {
		case <-p.stop:
			return
		case chunk := <-p.queue:
			if !p.token.Alive() {
				return
			}
			if err := p.sender.SendAudio(chunk); err != nil {
				p.sendFailed(err)
				continue
			}
			p.metrics.RecordCaptureChunk(p.ctx, observe.ChunkSent)
		}
	}
}

func (p *Pipeline) sendFailed(err error) {
	if !p.token.Alive() {
		return
	}
	p.metrics.RecordSendFailure(p.ctx, "audio")
	observe.Logger(p.ctx).Warn("capture: send failed", "err", err)
	if p.onSendFailure != nil {
		p.onSendFailure(err)
	}
}
