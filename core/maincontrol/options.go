package maincontrol

import "log/slog"

const (
	DefaultGreeting        = "Agent connected, how can I help you today?"
	DefaultTTSTarget       = "tts"
	DefaultCollectorTarget = "message_collector"
	DefaultRTCTarget       = "agora_rtc"

	assistantStreamID = 100
	defaultSessionID  = "100"
)

type ControllerOption func(*Controller)

// WithGreeting sets the text spoken when the first user joins. An empty
// greeting disables it.
func WithGreeting(greeting string) ControllerOption {
	return func(c *Controller) {
		c.greeting = greeting
	}
}

func WithTTSTarget(target string) ControllerOption {
	return func(c *Controller) {
		c.ttsTarget = target
	}
}

func WithCollectorTarget(target string) ControllerOption {
	return func(c *Controller) {
		c.collectorTarget = target
	}
}

// WithRTCTarget sets the component told to drop buffered audio on
// interruption. An empty target skips it.
func WithRTCTarget(target string) ControllerOption {
	return func(c *Controller) {
		c.rtcTarget = target
	}
}

func WithLogger(l *slog.Logger) ControllerOption {
	return func(c *Controller) {
		if l != nil {
			c.logger = l
		}
	}
}
