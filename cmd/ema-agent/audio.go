package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"
)

const (
	chunkDuration = 100 * time.Millisecond
	// 16 kHz, 16 bit mono
	chunkSize = 16000 * 2 / 10
)

type audioSink interface {
	SendAudio(audio []byte) error
	Stop() error
}

// streamAudio feeds a raw audio file to sink in real time.
func streamAudio(ctx context.Context, sink audioSink, path string) error {
	file, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("failed to open audio: %w", err)
	}
	defer file.Close()

	ticker := time.NewTicker(chunkDuration)
	defer ticker.Stop()

	chunk := make([]byte, chunkSize)
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}

		n, err := io.ReadFull(file, chunk)
		if n > 0 {
			if err := sink.SendAudio(chunk[:n]); err != nil {
				return err
			}
		}
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return sink.Stop()
		}
		if err != nil {
			return fmt.Errorf("failed to read audio: %w", err)
		}
	}
}
