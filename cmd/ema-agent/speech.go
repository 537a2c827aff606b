package main

import (
	"context"
	"log/slog"

	"github.com/koscakluka/ema-agent/core/audio/miniaudio"
	"github.com/koscakluka/ema-agent/core/texttospeech/deepgram"
	"github.com/koscakluka/ema-agent/core/transport"
	"github.com/koscakluka/ema-agent/internal/config"
)

type speaker interface {
	Play(ctx context.Context, audio []byte)
	Clear(ctx context.Context)
	Mark(name string, callback func(string))
}

// speechHandler builds the handler for the speech synthesis target. Without a
// Deepgram key the text is only logged. Without a speaker the synthesized
// audio is dropped.
func speechHandler(cfg *config.Config, out speaker, logger *slog.Logger) (transport.DataHandler, func() error) {
	if cfg.Deepgram.APIKey == "" {
		return func(_ context.Context, data transport.Data) error {
			logger.Debug("speech synthesis input", "name", data.Name, "payload", string(data.Payload))
			return nil
		}, func() error { return nil }
	}

	onAudio := func(_ context.Context, audio []byte) {
		logger.Debug("dropping synthesized audio", "bytes", len(audio))
	}
	opts := []deepgram.SynthesizerOption{
		deepgram.WithVoice(cfg.Deepgram.Voice),
		deepgram.WithEncoding(miniaudio.Format, cfg.Audio.SampleRate),
		deepgram.WithLogger(logger),
	}
	if out != nil {
		onAudio = out.Play
		opts = append(opts,
			deepgram.WithClearCallback(out.Clear),
			deepgram.WithSpokenCallback(func(_ context.Context, text string) {
				out.Mark(text, func(text string) { logger.Info("played speech", "text", text) })
			}),
		)
	}

	synthesizer := deepgram.NewSynthesizer(cfg.Deepgram.APIKey, onAudio, opts...)
	return synthesizer.DataHandler(), synthesizer.Close
}
