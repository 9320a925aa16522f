package audio

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/go-audio/audio"
	"github.com/go-audio/wav"
)

// TargetSampleRate is the sample rate whisper models expect.
const TargetSampleRate = 16000

// ErrNotWAV is returned when a file is not a readable RIFF/WAVE file.
var ErrNotWAV = errors.New("not a valid wav file")

// IsWAV reports whether path has a .wav extension.
func IsWAV(path string) bool {
	return strings.EqualFold(filepath.Ext(path), ".wav")
}

// ProbeDuration returns the playback length of a WAV file in seconds.
func ProbeDuration(path string) (float64, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, fmt.Errorf("failed to open audio file: %w", err)
	}
	defer f.Close()

	decoder := wav.NewDecoder(f)
	if !decoder.IsValidFile() {
		return 0, fmt.Errorf("%s: %w", path, ErrNotWAV)
	}
	d, err := decoder.Duration()
	if err != nil {
		return 0, fmt.Errorf("failed to read wav duration: %w", err)
	}
	return d.Seconds(), nil
}

// NormalizeWAV rewrites src as 16 kHz mono PCM at dst, keeping the source bit depth.
func NormalizeWAV(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("failed to open audio file: %w", err)
	}
	defer in.Close()

	decoder := wav.NewDecoder(in)
	if !decoder.IsValidFile() {
		return fmt.Errorf("%s: %w", src, ErrNotWAV)
	}
	buffer, err := decoder.FullPCMBuffer()
	if err != nil {
		return fmt.Errorf("failed to decode WAV data: %w", err)
	}
	bitDepth := int(decoder.BitDepth)
	if bitDepth == 0 {
		bitDepth = 16
	}

	if buffer.Format.NumChannels > 1 {
		buffer = convertToMono(buffer)
	}
	if buffer.Format.SampleRate != TargetSampleRate {
		buffer = &audio.IntBuffer{
			Format: &audio.Format{NumChannels: 1, SampleRate: TargetSampleRate},
			Data:   resamplePCM(buffer.Data, buffer.Format.SampleRate, TargetSampleRate),
		}
	}
	buffer.SourceBitDepth = bitDepth

	out, err := os.Create(dst)
	if err != nil {
		return fmt.Errorf("failed to create output file: %w", err)
	}
	defer out.Close()

	encoder := wav.NewEncoder(out, TargetSampleRate, bitDepth, 1, 1)
	if err := encoder.Write(buffer); err != nil {
		return fmt.Errorf("failed to encode WAV data: %w", err)
	}
	if err := encoder.Close(); err != nil {
		return fmt.Errorf("failed to finalize WAV file: %w", err)
	}
	return nil
}

// Convert multi-channel audio to mono by averaging channels
func convertToMono(buffer *audio.IntBuffer) *audio.IntBuffer {
	if buffer.Format.NumChannels == 1 {
		return buffer
	}

	numChannels := buffer.Format.NumChannels
	numSamples := len(buffer.Data) / numChannels
	monoData := make([]int, numSamples)

	for i := 0; i < numSamples; i++ {
		sum := 0
		for ch := 0; ch < numChannels; ch++ {
			sum += buffer.Data[i*numChannels+ch]
		}
		monoData[i] = sum / numChannels
	}

	return &audio.IntBuffer{
		Format: &audio.Format{
			NumChannels: 1,
			SampleRate:  buffer.Format.SampleRate,
		},
		Data:           monoData,
		SourceBitDepth: buffer.SourceBitDepth,
	}
}

// Linear interpolation resampler.
func resamplePCM(pcmData []int, srcRate, dstRate int) []int {
	if len(pcmData) == 0 || srcRate <= 0 {
		return pcmData
	}
	ratio := float64(dstRate) / float64(srcRate)
	outputLength := int(float64(len(pcmData)) * ratio)
	output := make([]int, outputLength)

	for i := range output {
		srcIdx := float64(i) / ratio
		idx1 := int(srcIdx)
		if idx1 >= len(pcmData)-1 {
			output[i] = pcmData[len(pcmData)-1]
			continue
		}

		frac := srcIdx - float64(idx1)
		output[i] = int(float64(pcmData[idx1])*(1-frac) + float64(pcmData[idx1+1])*frac)
	}

	return output
}
