package audio

import "time"

// FadeInProcessor ramps in the first few PCM frames of a stream to avoid
// the audible pop when playback starts mid-turn. Input is pcm_s16le; chunks
// whose length is not frame-aligned are passed through untouched rather
// than risk corrupting the sample boundaries.
type FadeInProcessor struct {
	frameWidth      int // bytes per frame (sampleWidth * channels)
	channels        int
	fadeFrames      int // frames over which the ramp runs
	processedFrames int
}

const sampleWidth = 2 // pcm_s16le

// NewFadeInProcessor builds a processor for the given stream format.
// A zero duration disables the fade (Process becomes a pass-through).
func NewFadeInProcessor(sampleRate, channels int, duration time.Duration) *FadeInProcessor {
	if channels < 1 {
		channels = 1
	}
	frames := int(float64(sampleRate) * duration.Seconds())
	if frames < 0 {
		frames = 0
	}
	return &FadeInProcessor{
		frameWidth: sampleWidth * channels,
		channels:   channels,
		fadeFrames: frames,
	}
}

// Process scales the samples of chunk that fall within the fade window.
// It allocates a new slice only when the chunk is actually modified.
func (f *FadeInProcessor) Process(chunk []byte) []byte {
	if len(chunk) == 0 || f.fadeFrames <= 0 {
		return chunk
	}
	if len(chunk)%f.frameWidth != 0 {
		return chunk
	}

	frameCount := len(chunk) / f.frameWidth
	if f.processedFrames >= f.fadeFrames {
		f.processedFrames += frameCount
		return chunk
	}

	applyFrames := f.fadeFrames - f.processedFrames
	if applyFrames > frameCount {
		applyFrames = frameCount
	}

	out := make([]byte, len(chunk))
	copy(out, chunk)
	startFrame := f.processedFrames
	for i := 0; i < applyFrames; i++ {
		factor := float64(startFrame+i) / float64(f.fadeFrames)
		if factor > 1.0 {
			factor = 1.0
		}
		base := i * f.frameWidth
		for ch := 0; ch < f.channels; ch++ {
			idx := base + ch*sampleWidth
			sample := int16(uint16(out[idx]) | uint16(out[idx+1])<<8)
			sample = int16(float64(sample) * factor)
			out[idx] = byte(sample)
			out[idx+1] = byte(sample >> 8)
		}
	}

	f.processedFrames += frameCount
	return out
}

// Done reports whether the fade window has been fully consumed.
func (f *FadeInProcessor) Done() bool {
	return f.processedFrames >= f.fadeFrames
}
