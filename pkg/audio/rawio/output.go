package rawio

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/MrWong99/voxview/pkg/audio"
)

// Compile-time interface assertions.
var (
	_ audio.OutputDevice = (*WriterOutput)(nil)
	_ audio.Output       = (*writerOut)(nil)
	_ audio.Voice        = (*writerVoice)(nil)
)

// renderInterval is how often scheduled voices are mixed and written out.
const renderInterval = 20 * time.Millisecond

// WriterOutput renders scheduled buffers to an [io.Writer] as mono s16le on a
// wall clock. Gaps between voices are written as silence so the byte stream
// stays in real time.
type WriterOutput struct {
	w io.Writer
}

// NewWriterOutput returns an output device writing to w.
func NewWriterOutput(w io.Writer) *WriterOutput {
	return &WriterOutput{w: w}
}

// Open starts the render loop at sampleRate.
func (d *WriterOutput) Open(ctx context.Context, sampleRate int) (audio.Output, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("rawio: open output: %w", err)
	}
	if sampleRate <= 0 {
		sampleRate = audio.PlaybackSampleRate
	}
	o := &writerOut{
		w:     d.w,
		rate:  sampleRate,
		start: time.Now(),
		done:  make(chan struct{}),
	}
	go o.renderLoop()
	return o, nil
}

type writerOut struct {
	w     io.Writer
	rate  int
	start time.Time

	mu       sync.Mutex
	voices   []*writerVoice
	rendered int64 // samples written so far
	closed   bool

	done chan struct{}
}

type writerVoice struct {
	out     *writerOut
	first   int64 // absolute sample index of the first sample
	samples []float32
	onEnded func()
	ended   bool
}

func (o *writerOut) Now() time.Duration { return time.Since(o.start) }

func (o *writerOut) Play(buf audio.Buffer, at time.Duration, onEnded func()) (audio.Voice, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closed {
		return nil, audio.ErrDeviceClosed
	}
	samples := buf.Samples
	if buf.SampleRate > 0 && buf.SampleRate != o.rate {
		samples = audio.Resample(samples, buf.SampleRate, o.rate)
	}
	v := &writerVoice{
		out:     o,
		first:   int64(at) * int64(o.rate) / int64(time.Second),
		samples: samples,
		onEnded: onEnded,
	}
	o.voices = append(o.voices, v)
	return v, nil
}

func (o *writerOut) Close() error {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return audio.ErrDeviceClosed
	}
	o.closed = true
	o.mu.Unlock()
	close(o.done)
	return nil
}

func (v *writerVoice) Stop() error {
	o := v.out
	o.mu.Lock()
	if v.ended {
		o.mu.Unlock()
		return audio.ErrVoiceStopped
	}
	v.ended = true
	o.voices = slices.DeleteFunc(o.voices, func(x *writerVoice) bool { return x == v })
	o.mu.Unlock()

	if v.onEnded != nil {
		go v.onEnded()
	}
	return nil
}

// renderLoop mixes every voice overlapping the elapsed wall-clock window and
// writes the result. Voices that have been fully rendered fire onEnded.
func (o *writerOut) renderLoop() {
	ticker := time.NewTicker(renderInterval)
	defer ticker.Stop()

	for {
		select {
		case <-o.done:
			return
		case <-ticker.C:
		}

		target := int64(time.Since(o.start)) * int64(o.rate) / int64(time.Second)
		pcm, ended := o.mix(target)
		if len(pcm) > 0 {
			if _, err := o.w.Write(audio.PCM16ToBytes(pcm)); err != nil {
				slog.Warn("rawio: write output", "err", err)
			}
		}
		for _, v := range ended {
			if v.onEnded != nil {
				v.onEnded()
			}
		}
	}
}

// mix renders samples [o.rendered, target) and returns the voices that
// completed within that window.
func (o *writerOut) mix(target int64) ([]int16, []*writerVoice) {
	o.mu.Lock()
	defer o.mu.Unlock()

	if target <= o.rendered {
		return nil, nil
	}
	n := int(target - o.rendered)
	acc := make([]float32, n)
	for _, v := range o.voices {
		for i := range n {
			idx := o.rendered + int64(i) - v.first
			if idx >= 0 && idx < int64(len(v.samples)) {
				acc[i] += v.samples[idx]
			}
		}
	}

	var ended []*writerVoice
	o.voices = slices.DeleteFunc(o.voices, func(v *writerVoice) bool {
		if v.first+int64(len(v.samples)) <= target {
			v.ended = true
			ended = append(ended, v)
			return true
		}
		return false
	})
	o.rendered = target
	return audio.ToPCM16(acc), ended
}
