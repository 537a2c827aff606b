package deepgram

import "fmt"

type encodingInfo struct {
	SampleRate int
	Format     encodingFormat
}

type encodingFormat string

func (e encodingFormat) Name() string { return string(e) }

const (
	encodingLinear16 encodingFormat = "linear16"
	encodingALaw     encodingFormat = "alaw"
	encodingMulaw    encodingFormat = "mulaw"
)

func (e encodingInfo) validate() error {
	switch e.SampleRate {
	case 8000, 16000, 24000, 32000, 48000:
	default:
		return fmt.Errorf("unsupported sample rate %d", e.SampleRate)
	}

	switch e.Format {
	case encodingLinear16:
	case encodingALaw, encodingMulaw:
		if e.SampleRate != 8000 {
			return fmt.Errorf("unsupported sample rate %d for %s encoding", e.SampleRate, e.Format)
		}
	default:
		return fmt.Errorf("unsupported encoding %q", e.Format)
	}
	return nil
}
