package video

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"image"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"time"
)

// DefaultFPS is used when the container does not report a usable frame rate
const DefaultFPS = 30.0

// Info describes the video stream of a file
type Info struct {
	Width    int           `json:"width"`
	Height   int           `json:"height"`
	FPS      float64       `json:"fps"`
	Frames   int64         `json:"frames"`
	Duration time.Duration `json:"duration"`
	Codec    string        `json:"codec"`
}

// Source yields decoded frames in order. Read returns io.EOF after the last frame.
type Source interface {
	Read() (image.Image, error)
	Close() error
}

// Opener probes and opens video files
type Opener interface {
	Probe(ctx context.Context, path string) (Info, error)
	Open(ctx context.Context, path string, info Info, size Size) (Source, error)
}

// FFmpegOpener decodes video by piping raw RGBA frames out of ffmpeg
type FFmpegOpener struct {
	FFmpegPath  string
	FFprobePath string
	HWAccel     HWAccelType
	resolver    *HWAccelResolver
	logger      *slog.Logger
}

// NewFFmpegOpener creates an opener. hwaccel may be empty, "auto" or an explicit type.
func NewFFmpegOpener(hwaccel HWAccelType) *FFmpegOpener {
	return &FFmpegOpener{
		FFmpegPath:  "ffmpeg",
		FFprobePath: "ffprobe",
		HWAccel:     hwaccel,
		resolver:    NewHWAccelResolver(),
		logger:      slog.Default().With("component", "ffmpeg"),
	}
}

// Probe reads stream metadata with ffprobe
func (o *FFmpegOpener) Probe(ctx context.Context, path string) (Info, error) {
	if _, err := os.Stat(path); err != nil {
		return Info{}, &MediaOpenError{Path: path, Err: err}
	}

	args := []string{
		"-v", "quiet",
		"-print_format", "json",
		"-show_format",
		"-show_streams",
		"-select_streams", "v:0",
		path,
	}

	output, err := exec.CommandContext(ctx, o.FFprobePath, args...).Output()
	if err != nil {
		return Info{}, &MediaOpenError{Path: path, Err: fmt.Errorf("ffprobe failed: %w", err)}
	}

	info, err := parseProbeOutput(output)
	if err != nil {
		return Info{}, &MediaOpenError{Path: path, Err: err}
	}
	return info, nil
}

func parseProbeOutput(output []byte) (Info, error) {
	var probeData struct {
		Format struct {
			Duration string `json:"duration"`
		} `json:"format"`
		Streams []struct {
			CodecType    string `json:"codec_type"`
			CodecName    string `json:"codec_name"`
			Width        int    `json:"width"`
			Height       int    `json:"height"`
			RFrameRate   string `json:"r_frame_rate"`
			AvgFrameRate string `json:"avg_frame_rate"`
			NbFrames     string `json:"nb_frames"`
		} `json:"streams"`
	}

	if err := json.Unmarshal(output, &probeData); err != nil {
		return Info{}, fmt.Errorf("failed to parse ffprobe output: %w", err)
	}

	var info Info
	found := false
	for _, stream := range probeData.Streams {
		if stream.CodecType != "video" {
			continue
		}
		found = true
		info.Codec = stream.CodecName
		info.Width = stream.Width
		info.Height = stream.Height
		info.FPS = parseFrameRate(stream.AvgFrameRate)
		if info.FPS <= 0 {
			info.FPS = parseFrameRate(stream.RFrameRate)
		}
		if n, err := strconv.ParseInt(stream.NbFrames, 10, 64); err == nil {
			info.Frames = n
		}
		break
	}
	if !found {
		return Info{}, errors.New("no video stream")
	}
	if info.Width <= 0 || info.Height <= 0 {
		return Info{}, fmt.Errorf("invalid frame size %dx%d", info.Width, info.Height)
	}
	if info.FPS <= 0 {
		info.FPS = DefaultFPS
	}

	if probeData.Format.Duration != "" {
		if d, err := strconv.ParseFloat(probeData.Format.Duration, 64); err == nil {
			info.Duration = time.Duration(d * float64(time.Second))
		}
	}
	if info.Frames == 0 && info.Duration > 0 {
		info.Frames = int64(info.Duration.Seconds() * info.FPS)
	}

	return info, nil
}

// parseFrameRate parses ffprobe rates such as "30000/1001" or "25"
func parseFrameRate(rate string) float64 {
	if rate == "" {
		return 0
	}
	num, den, ok := strings.Cut(rate, "/")
	n, err := strconv.ParseFloat(num, 64)
	if err != nil {
		return 0
	}
	if !ok {
		return n
	}
	d, err := strconv.ParseFloat(den, 64)
	if err != nil || d == 0 {
		return 0
	}
	return n / d
}

// Open starts ffmpeg decoding the file scaled to size
func (o *FFmpegOpener) Open(ctx context.Context, path string, info Info, size Size) (Source, error) {
	if size.Width <= 0 || size.Height <= 0 {
		size = Size{Width: info.Width, Height: info.Height}
	}

	args := o.buildArgs(ctx, path, size)
	cmd := exec.CommandContext(ctx, o.FFmpegPath, args...)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, &MediaOpenError{Path: path, Err: err}
	}
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	if err := cmd.Start(); err != nil {
		return nil, &MediaOpenError{Path: path, Err: fmt.Errorf("failed to start ffmpeg: %w", err)}
	}

	o.logger.Debug("Decoding video", "path", path, "size", size.String(), "fps", info.FPS)

	closeFn := func() error {
		if cmd.Process != nil {
			_ = cmd.Process.Kill()
		}
		err := cmd.Wait()
		if err != nil && stderr.Len() > 0 {
			o.logger.Debug("ffmpeg exited", "path", path, "error", err, "stderr", lastLine(stderr.String()))
		}
		return nil
	}

	return newRawSource(stdout, size, closeFn), nil
}

func (o *FFmpegOpener) buildArgs(ctx context.Context, path string, size Size) []string {
	args := []string{"-hide_banner", "-loglevel", "error", "-nostdin"}

	accel := o.HWAccel
	if o.resolver != nil {
		accel = o.resolver.Resolve(ctx, accel)
	}
	args = append(args, DecodeArgs(accel)...)

	args = append(args,
		"-i", path,
		"-an",
		"-vf", fmt.Sprintf("scale=%d:%d", size.Width, size.Height),
		"-f", "rawvideo",
		"-pix_fmt", "rgba",
		"-",
	)
	return args
}

func lastLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.LastIndexByte(s, '\n'); i >= 0 {
		return s[i+1:]
	}
	return s
}

// rawSource reads fixed-size RGBA frames from a stream
type rawSource struct {
	r       *bufio.Reader
	size    Size
	closeFn func() error

	once     sync.Once
	closeErr error
}

func newRawSource(r io.Reader, size Size, closeFn func() error) *rawSource {
	return &rawSource{
		r:       bufio.NewReaderSize(r, size.Width*size.Height*4),
		size:    size,
		closeFn: closeFn,
	}
}

func (s *rawSource) Read() (image.Image, error) {
	img := image.NewRGBA(image.Rect(0, 0, s.size.Width, s.size.Height))
	if _, err := io.ReadFull(s.r, img.Pix); err != nil {
		// A truncated trailing frame ends the stream
		if errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, io.EOF
		}
		return nil, err
	}
	return img, nil
}

func (s *rawSource) Close() error {
	s.once.Do(func() {
		if s.closeFn != nil {
			s.closeErr = s.closeFn()
		}
	})
	return s.closeErr
}
