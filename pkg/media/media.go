// Package media wraps ffmpeg and ffprobe for every transcode the bot
// performs. All commands run at reduced scheduler priority and under hard
// timeouts; stderr is captured into returned errors so operators see the
// actual encoder complaint instead of an exit code.
package media

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"runtime"
	"strconv"
	"strings"
	"time"

	"github.com/dreamcatchered/dreamDownloader/pkg/logger"
)

// Transport limits. Files above the optimization threshold get re-encoded
// even when the codec is fine; the compress target sits just under the
// hard 50 MB cap to absorb container overhead.
const (
	TransportLimitBytes    = 50 * 1024 * 1024
	OptimizeThresholdBytes = 48 * 1024 * 1024
	CompressTargetMB       = 49
	ThumbnailMaxBytes      = 200 * 1024
	VideoNoteMaxSeconds    = 60
	audioBitrateBitsPerSec = 128 * 1024
	minVideoBitrateKbps    = 50
)

const (
	optimizeTimeout  = 600 * time.Second
	compressTimeout  = 900 * time.Second
	convertTimeout   = 300 * time.Second
	thumbnailTimeout = 120 * time.Second
	probeTimeout     = 60 * time.Second
)

// ProbeInfo is the subset of ffprobe output the pipeline decides on.
type ProbeInfo struct {
	Duration    float64
	Width       int
	Height      int
	VideoCodec  string
	AspectRatio string // display_aspect_ratio, "" when absent
	HasVideo    bool
	HasAudio    bool
}

type ffprobeOutput struct {
	Format struct {
		Duration string `json:"duration"`
	} `json:"format"`
	Streams []struct {
		CodecType          string `json:"codec_type"`
		CodecName          string `json:"codec_name"`
		Width              int    `json:"width"`
		Height             int    `json:"height"`
		DisplayAspectRatio string `json:"display_aspect_ratio"`
	} `json:"streams"`
}

// niceCommand builds a command at lowered priority. Windows has no nice, so
// the command runs as-is there.
func niceCommand(ctx context.Context, niceness int, name string, args ...string) *exec.Cmd {
	if runtime.GOOS == "windows" {
		return exec.CommandContext(ctx, name, args...)
	}
	full := append([]string{"-n", strconv.Itoa(niceness), name}, args...)
	return exec.CommandContext(ctx, "nice", full...)
}

func runFFmpeg(ctx context.Context, timeout time.Duration, niceness int, args []string) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := niceCommand(ctx, niceness, "ffmpeg", args...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	start := time.Now()
	err := cmd.Run()
	if err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			return fmt.Errorf("ffmpeg timed out after %s: %s", timeout, tail(stderr.String()))
		}
		return fmt.Errorf("ffmpeg: %w: %s", err, tail(stderr.String()))
	}
	logger.DebugCF("media", "ffmpeg finished", map[string]any{
		"args":    strings.Join(args, " "),
		"elapsed": time.Since(start).String(),
	})
	return nil
}

// tail keeps the last lines of encoder output, where the actual error is.
func tail(s string) string {
	s = strings.TrimSpace(s)
	lines := strings.Split(s, "\n")
	if len(lines) > 5 {
		lines = lines[len(lines)-5:]
	}
	return strings.Join(lines, "\n")
}

// Probe reads duration, dimensions and codec of a media file.
func Probe(ctx context.Context, path string) (*ProbeInfo, error) {
	ctx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, "ffprobe",
		"-v", "quiet",
		"-print_format", "json",
		"-show_format",
		"-show_streams",
		path)
	out, err := cmd.Output()
	if err != nil {
		return nil, fmt.Errorf("ffprobe %s: %w", path, err)
	}

	var raw ffprobeOutput
	if err := json.Unmarshal(out, &raw); err != nil {
		return nil, fmt.Errorf("parse ffprobe output: %w", err)
	}

	info := &ProbeInfo{}
	if raw.Format.Duration != "" {
		info.Duration, _ = strconv.ParseFloat(raw.Format.Duration, 64)
	}
	for _, s := range raw.Streams {
		switch s.CodecType {
		case "video":
			info.HasVideo = true
			info.VideoCodec = s.CodecName
			info.Width = s.Width
			info.Height = s.Height
			info.AspectRatio = s.DisplayAspectRatio
		case "audio":
			info.HasAudio = true
		}
	}
	return info, nil
}

// NeedsTransportOptimization decides whether a video must be re-encoded
// before upload. Size above the threshold, a non-h264 codec, or portrait
// dimensions without an explicit aspect ratio (players render those
// sideways) all force it. A nil info means probing failed, and the
// conservative answer is to re-encode.
func NeedsTransportOptimization(info *ProbeInfo, sizeBytes int64) bool {
	if sizeBytes > OptimizeThresholdBytes {
		return true
	}
	if info == nil {
		return true
	}
	if info.HasVideo && info.VideoCodec != "h264" {
		return true
	}
	if info.HasVideo && info.Height > info.Width && info.AspectRatio == "" {
		return true
	}
	return false
}

func optimizeArgs(src, dst string) []string {
	return []string{
		"-y", "-i", src,
		"-c:v", "libx264",
		"-preset", "superfast",
		"-crf", "26",
		"-profile:v", "main",
		"-pix_fmt", "yuv420p",
		"-vf", "scale=ceil(iw/2)*2:ceil(ih/2)*2,setsar=1",
		"-c:a", "aac",
		"-b:a", "128k",
		"-ac", "2",
		"-movflags", "+faststart",
		"-metadata:s:v:0", "rotate=0",
		dst,
	}
}

// Optimize re-encodes a video to transport-safe h264/aac. Dimensions are
// rounded up to even values because yuv420p requires them.
func Optimize(ctx context.Context, src, dst string) error {
	logger.InfoCF("media", "Optimizing video for transport", map[string]any{"src": src})
	return runFFmpeg(ctx, optimizeTimeout, 15, optimizeArgs(src, dst))
}

// CompressBitrateKbps computes the video bitrate that fits targetMB after
// reserving 128 kbps for audio, with a 10% container margin and a floor
// below which the output would be unwatchable anyway.
func CompressBitrateKbps(targetMB int, durationSec float64) int {
	if durationSec <= 0 {
		return minVideoBitrateKbps
	}
	totalBits := float64(targetMB) * 8 * 1024 * 1024
	audioBits := float64(audioBitrateBitsPerSec) * durationSec
	kbps := (totalBits - audioBits) / durationSec / 1024 * 0.9
	if kbps < minVideoBitrateKbps {
		return minVideoBitrateKbps
	}
	return int(kbps)
}

func compressArgs(src, dst string, bitrateKbps int) []string {
	br := strconv.Itoa(bitrateKbps)
	return []string{
		"-y", "-i", src,
		"-c:v", "libx264",
		"-preset", "medium",
		"-b:v", br + "k",
		"-maxrate", strconv.Itoa(bitrateKbps*3/2) + "k",
		"-bufsize", strconv.Itoa(bitrateKbps*2) + "k",
		"-c:a", "aac",
		"-b:a", "128k",
		"-movflags", "+faststart",
		dst,
	}
}

// Compress re-encodes a video to fit under the transport cap using a
// bitrate budget derived from its duration.
func Compress(ctx context.Context, src, dst string, durationSec float64) error {
	kbps := CompressBitrateKbps(CompressTargetMB, durationSec)
	logger.InfoCF("media", "Compressing oversized video", map[string]any{
		"src":      src,
		"duration": durationSec,
		"kbps":     kbps,
	})
	return runFFmpeg(ctx, compressTimeout, 15, compressArgs(src, dst, kbps))
}

// Thumbnail grabs a frame at the one-second mark, fitted into 320x320. If
// the result exceeds the transport's thumbnail cap it is recompressed at a
// lower quality; if even that fails the caller uploads without one.
func Thumbnail(ctx context.Context, src, dst string) error {
	args := []string{
		"-y", "-i", src,
		"-ss", "1",
		"-vf", "scale=320:320:force_original_aspect_ratio=decrease",
		"-frames:v", "1",
		"-q:v", "2",
		dst,
	}
	if err := runFFmpeg(ctx, thumbnailTimeout, 10, args); err != nil {
		return err
	}

	st, err := os.Stat(dst)
	if err != nil {
		return fmt.Errorf("stat thumbnail: %w", err)
	}
	if st.Size() <= ThumbnailMaxBytes {
		return nil
	}

	logger.DebugCF("media", "Thumbnail over size cap, recompressing", map[string]any{
		"size": st.Size(),
	})
	tmp := dst + ".small.jpg"
	args = []string{"-y", "-i", dst, "-q:v", "5", tmp}
	if err := runFFmpeg(ctx, thumbnailTimeout, 10, args); err != nil {
		return err
	}
	return os.Rename(tmp, dst)
}

// ToMP3 extracts the audio track at the encoder's best VBR quality.
func ToMP3(ctx context.Context, src, dst string) error {
	args := []string{"-y", "-i", src, "-q:a", "0", "-map", "a", dst}
	return runFFmpeg(ctx, convertTimeout, 10, args)
}

// ToVoice encodes the audio track as low-bitrate opus tuned for speech,
// the format voice messages use.
func ToVoice(ctx context.Context, src, dst string) error {
	args := []string{
		"-y", "-i", src,
		"-c:a", "libopus",
		"-b:a", "32k",
		"-vbr", "on",
		"-application", "voip",
		dst,
	}
	return runFFmpeg(ctx, convertTimeout, 10, args)
}

func videoNoteArgs(src, dst string, hasVideo bool) []string {
	if hasVideo {
		return []string{
			"-y", "-i", src,
			"-t", strconv.Itoa(VideoNoteMaxSeconds),
			"-vf", "crop='min(iw,ih)':'min(iw,ih)',scale=640:640,setsar=1",
			"-c:v", "libx264",
			"-preset", "fast",
			"-pix_fmt", "yuv420p",
			"-c:a", "aac",
			"-b:a", "64k",
			"-movflags", "+faststart",
			dst,
		}
	}
	// Audio-only input gets a dark still square so the circle player has
	// something to show.
	return []string{
		"-y",
		"-f", "lavfi", "-i", "color=c=0x1a1a1a:s=640x640:r=30",
		"-i", src,
		"-t", strconv.Itoa(VideoNoteMaxSeconds),
		"-tune", "stillimage",
		"-c:v", "libx264",
		"-preset", "fast",
		"-pix_fmt", "yuv420p",
		"-c:a", "aac",
		"-b:a", "64k",
		"-shortest",
		"-movflags", "+faststart",
		dst,
	}
}

// ToVideoNote produces a square 640x640 clip capped at 60 seconds. Video
// inputs are center-cropped; audio inputs get a generated background.
func ToVideoNote(ctx context.Context, src, dst string, hasVideo bool) error {
	return runFFmpeg(ctx, convertTimeout, 10, videoNoteArgs(src, dst, hasVideo))
}

// ToSpeechWAV prepares audio for the speech recognizer: mono 16 kHz PCM
// with rumble filtered out and levels normalized.
func ToSpeechWAV(ctx context.Context, src, dst string) error {
	args := []string{
		"-y", "-i", src,
		"-ar", "16000",
		"-ac", "1",
		"-c:a", "pcm_s16le",
		"-af", "highpass=f=80,dynaudnorm",
		dst,
	}
	return runFFmpeg(ctx, convertTimeout, 10, args)
}

// FixForTransport is the slower, quality-preserving re-encode used when a
// cached file turns out to be unplayable on some clients.
func FixForTransport(ctx context.Context, src, dst string) error {
	args := []string{
		"-y", "-i", src,
		"-c:v", "libx264",
		"-preset", "medium",
		"-crf", "23",
		"-pix_fmt", "yuv420p",
		"-c:a", "aac",
		"-b:a", "128k",
		"-movflags", "+faststart",
		dst,
	}
	return runFFmpeg(ctx, optimizeTimeout, 15, args)
}
