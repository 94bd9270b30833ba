//go:build gocv

package video

import (
	"context"
	"errors"
	"image"
	"io"
	"os"

	"gocv.io/x/gocv"
)

func init() {
	decoders["gocv"] = func(HWAccelType) Opener { return &GoCVOpener{} }
}

// GoCVOpener decodes video in-process through OpenCV
type GoCVOpener struct{}

// Probe reads stream properties from an OpenCV capture
func (o *GoCVOpener) Probe(ctx context.Context, path string) (Info, error) {
	if _, err := os.Stat(path); err != nil {
		return Info{}, &MediaOpenError{Path: path, Err: err}
	}

	capture, err := gocv.OpenVideoCapture(path)
	if err != nil {
		return Info{}, &MediaOpenError{Path: path, Err: err}
	}
	defer capture.Close()

	if !capture.IsOpened() {
		return Info{}, &MediaOpenError{Path: path, Err: errors.New("capture not opened")}
	}

	info := Info{
		Width:  int(capture.Get(gocv.VideoCaptureFrameWidth)),
		Height: int(capture.Get(gocv.VideoCaptureFrameHeight)),
		FPS:    capture.Get(gocv.VideoCaptureFPS),
		Frames: int64(capture.Get(gocv.VideoCaptureFrameCount)),
		Codec:  capture.CodecString(),
	}
	if info.FPS <= 0 {
		info.FPS = DefaultFPS
	}
	return info, nil
}

// Open starts reading frames resized to size
func (o *GoCVOpener) Open(ctx context.Context, path string, info Info, size Size) (Source, error) {
	capture, err := gocv.OpenVideoCapture(path)
	if err != nil {
		return nil, &MediaOpenError{Path: path, Err: err}
	}
	return &gocvSource{capture: capture, size: size, mat: gocv.NewMat(), scaled: gocv.NewMat()}, nil
}

type gocvSource struct {
	capture *gocv.VideoCapture
	size    Size
	mat     gocv.Mat
	scaled  gocv.Mat
}

func (s *gocvSource) Read() (image.Image, error) {
	if ok := s.capture.Read(&s.mat); !ok || s.mat.Empty() {
		return nil, io.EOF
	}

	src := s.mat
	if s.size.Width > 0 && s.size.Height > 0 && (s.mat.Cols() != s.size.Width || s.mat.Rows() != s.size.Height) {
		gocv.Resize(s.mat, &s.scaled, image.Pt(s.size.Width, s.size.Height), 0, 0, gocv.InterpolationArea)
		src = s.scaled
	}
	return src.ToImage()
}

func (s *gocvSource) Close() error {
	s.mat.Close()
	s.scaled.Close()
	return s.capture.Close()
}
