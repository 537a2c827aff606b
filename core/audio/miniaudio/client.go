// Package miniaudio plays synthesized speech and captures microphone audio
// through the default system devices.
package miniaudio

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/gen2brain/malgo"
)

const (
	DefaultSampleRate = 16000
	// Format is the only sample format the devices are opened with, 16 bit
	// signed little endian mono.
	Format = "linear16"

	channels = 1
)

type Client struct {
	audioContext *malgo.AllocatedContext
	playback     *malgo.Device
	capture      *malgo.Device

	buffer  playbackBuffer
	onAudio atomic.Pointer[func([]byte)]
}

// NewClient opens the default playback and capture devices at sampleRate and
// starts playback. Capture starts with StartCapture.
func NewClient(sampleRate int) (*Client, error) {
	if sampleRate <= 0 {
		sampleRate = DefaultSampleRate
	}
	audioContext, err := malgo.InitContext(nil, malgo.ContextConfig{}, func(message string) {
		logger.Debug("malgo", "message", message)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to initialize audio context: %w", err)
	}

	c := &Client{audioContext: audioContext}
	bytesPerFrame := malgo.SampleSizeInBytes(malgo.FormatS16) * channels

	playbackConfig := deviceConfig(malgo.Playback, uint32(sampleRate))
	playbackConfig.PeriodSizeInFrames = uint32(sampleRate) / 10
	playbackConfig.Periods = 4
	c.playback, err = malgo.InitDevice(audioContext.Context, playbackConfig, malgo.DeviceCallbacks{
		Data: func(output, _ []byte, frameCount uint32) {
			period := min(int(frameCount)*bytesPerFrame, len(output))
			if fired := c.buffer.read(output[:period]); len(fired) > 0 {
				go func() {
					for _, m := range fired {
						m.callback(m.name)
					}
				}()
			}
		},
	})
	if err != nil {
		c.Close()
		return nil, fmt.Errorf("failed to initialize playback device: %w", err)
	}
	if err := c.playback.Start(); err != nil {
		c.Close()
		return nil, fmt.Errorf("failed to start playback device: %w", err)
	}

	captureConfig := deviceConfig(malgo.Capture, uint32(sampleRate))
	captureConfig.PerformanceProfile = malgo.LowLatency
	captureConfig.PeriodSizeInFrames = uint32(sampleRate) / 100 * 3
	captureConfig.Periods = 3
	c.capture, err = malgo.InitDevice(audioContext.Context, captureConfig, malgo.DeviceCallbacks{
		Data: func(_, input []byte, frameCount uint32) {
			n := int(frameCount) * bytesPerFrame
			onAudio := c.onAudio.Load()
			if onAudio == nil || n == 0 || len(input) < n {
				return
			}
			(*onAudio)(input[:n])
		},
	})
	if err != nil {
		c.Close()
		return nil, fmt.Errorf("failed to initialize capture device: %w", err)
	}

	return c, nil
}

func deviceConfig(deviceType malgo.DeviceType, sampleRate uint32) malgo.DeviceConfig {
	config := malgo.DefaultDeviceConfig(deviceType)
	config.SampleRate = sampleRate
	config.Alsa.NoMMap = 1
	if deviceType == malgo.Capture {
		config.Capture.Format = malgo.FormatS16
		config.Capture.Channels = channels
	} else {
		config.Playback.Format = malgo.FormatS16
		config.Playback.Channels = channels
	}
	return config
}

// StartCapture streams microphone audio to onAudio until StopCapture. The
// slice passed to onAudio is only valid during the call.
func (c *Client) StartCapture(_ context.Context, onAudio func(audio []byte)) error {
	if c.capture == nil {
		return errors.New("capture device not initialized")
	}
	c.onAudio.Store(&onAudio)
	if c.capture.IsStarted() {
		return nil
	}
	if err := c.capture.Start(); err != nil {
		c.onAudio.Store(nil)
		return fmt.Errorf("failed to start capture device: %w", err)
	}
	return nil
}

func (c *Client) StopCapture() error {
	c.onAudio.Store(nil)
	if c.capture == nil || !c.capture.IsStarted() {
		return nil
	}
	if err := c.capture.Stop(); err != nil {
		return fmt.Errorf("failed to stop capture device: %w", err)
	}
	return nil
}

// Play queues audio for playback.
func (c *Client) Play(_ context.Context, audio []byte) {
	c.buffer.push(audio)
}

// Clear drops queued audio and pending marks.
func (c *Client) Clear(context.Context) {
	c.buffer.reset()
}

// Mark calls callback with name once the audio queued so far has been played.
func (c *Client) Mark(name string, callback func(string)) {
	c.buffer.mark(name, callback)
}

func (c *Client) Close() {
	for _, device := range []*malgo.Device{c.capture, c.playback} {
		if device != nil {
			device.Uninit()
		}
	}
	c.capture, c.playback = nil, nil
	if c.audioContext != nil {
		_ = c.audioContext.Uninit()
		c.audioContext.Free()
		c.audioContext = nil
	}
}
