// Video probing and keyframe extraction are kept behind narrow interfaces:
// VideoProber and KeyframeExtractor are the contracts the pipeline calls
// against; FFProbeProber/FFmpegExtractor are thin os/exec wrappers around
// the ffprobe/ffmpeg binaries suitable for a reference deployment (see
// DESIGN.md for why this isn't a pure-Go video decoder instead).
package worker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"strconv"
)

// ProbeResult is the fixed record an external video prober returns.
type ProbeResult struct {
	Codec     string
	Container string
	Duration  float64
	FPS       float64
	Width     int
	Height    int
}

// VideoProber extracts codec/container/duration/fps/resolution from raw
// video bytes.
type VideoProber interface {
	Probe(ctx context.Context, data []byte) (ProbeResult, error)
}

// KeyframeExtractor samples K frames at uniform time offsets across the
// video's duration and returns them JPEG-encoded.
type KeyframeExtractor interface {
	Extract(ctx context.Context, data []byte, durationSec float64, k int) ([][]byte, error)
}

type ffprobeFormat struct {
	Streams []struct {
		CodecName  string `json:"codec_name"`
		CodecType  string `json:"codec_type"`
		Width      int    `json:"width"`
		Height     int    `json:"height"`
		RFrameRate string `json:"r_frame_rate"`
	} `json:"streams"`
	Format struct {
		FormatName string `json:"format_name"`
		Duration   string `json:"duration"`
	} `json:"format"`
}

// FFProbeProber shells out to ffprobe. It writes data to a temp file because
// ffprobe needs a seekable input for container/duration introspection.
type FFProbeProber struct{}

func (FFProbeProber) Probe(ctx context.Context, data []byte) (ProbeResult, error) {
	path, cleanup, err := writeTempVideo(data)
	if err != nil {
		return ProbeResult{}, err
	}
	defer cleanup()

	cmd := exec.CommandContext(ctx, "ffprobe", "-v", "quiet", "-print_format", "json",
		"-show_format", "-show_streams", path)
	var out bytes.Buffer
	cmd.Stdout = &out
	if err := cmd.Run(); err != nil {
		return ProbeResult{}, fmt.Errorf("ffprobe: %w", err)
	}

	var parsed ffprobeFormat
	if err := json.Unmarshal(out.Bytes(), &parsed); err != nil {
		return ProbeResult{}, fmt.Errorf("parse ffprobe output: %w", err)
	}

	result := ProbeResult{Container: parsed.Format.FormatName}
	if d, err := strconv.ParseFloat(parsed.Format.Duration, 64); err == nil {
		result.Duration = d
	}
	for _, s := range parsed.Streams {
		if s.CodecType != "video" {
			continue
		}
		result.Codec = s.CodecName
		result.Width = s.Width
		result.Height = s.Height
		result.FPS = parseFrameRate(s.RFrameRate)
		break
	}
	return result, nil
}

func parseFrameRate(rate string) float64 {
	var num, den float64
	if _, err := fmt.Sscanf(rate, "%f/%f", &num, &den); err == nil && den != 0 {
		return num / den
	}
	return 0
}

// FFmpegExtractor shells out to ffmpeg to sample K JPEG keyframes at
// uniform offsets across [0, durationSec).
type FFmpegExtractor struct{}

func (FFmpegExtractor) Extract(ctx context.Context, data []byte, durationSec float64, k int) ([][]byte, error) {
	if k <= 0 {
		return nil, nil
	}
	path, cleanup, err := writeTempVideo(data)
	if err != nil {
		return nil, err
	}
	defer cleanup()

	frames := make([][]byte, 0, k)
	for i := 0; i < k; i++ {
		offset := durationSec * float64(i) / float64(k)
		cmd := exec.CommandContext(ctx, "ffmpeg", "-y", "-ss", fmt.Sprintf("%.3f", offset),
			"-i", path, "-frames:v", "1", "-f", "image2pipe", "-vcodec", "mjpeg", "pipe:1")
		var out bytes.Buffer
		cmd.Stdout = &out
		if err := cmd.Run(); err != nil {
			return nil, fmt.Errorf("ffmpeg extract frame %d: %w", i, err)
		}
		frames = append(frames, out.Bytes())
	}
	return frames, nil
}

func writeTempVideo(data []byte) (string, func(), error) {
	f, err := os.CreateTemp("", "kibotos-video-*.mp4")
	if err != nil {
		return "", nil, fmt.Errorf("create temp video file: %w", err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(f.Name())
		return "", nil, fmt.Errorf("write temp video file: %w", err)
	}
	path := f.Name()
	f.Close()
	return path, func() { os.Remove(path) }, nil
}
