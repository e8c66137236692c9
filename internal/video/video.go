// Package video streams decoded frames out of a video file in order.
package video

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"strconv"

	"github.com/andresmejia3/facefinder/internal/utils"
)

const megabyte = 1024 * 1024

var (
	JpegSOI = []byte{0xFF, 0xD8} // Start of Image
	JpegEOI = []byte{0xFF, 0xD9} // End of Image
)

// Source yields encoded frames sequentially from index 0. Next returns io.EOF
// after the last frame. The returned slice is only valid until the next call.
type Source interface {
	Next() ([]byte, error)
	Close() error
}

// Opener starts a Source for a file.
type Opener func(ctx context.Context, path string) (Source, error)

// FFmpegSource pipes ffmpeg's MJPEG output through a JPEG splitter.
type FFmpegSource struct {
	cmd     *utils.SafeCommand
	out     io.ReadCloser
	scanner *bufio.Scanner
	done    bool
	waitErr error
}

// OpenFFmpeg starts decoding path. Callers must Close the source.
func OpenFFmpeg(ctx context.Context, path string) (Source, error) {
	cmd := NewFFmpegCmd(ctx, path)
	out, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to create FFmpeg stdout pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start FFmpeg: %w", err)
	}

	scanner := bufio.NewScanner(out)
	scanner.Buffer(make([]byte, megabyte), 64*megabyte)
	scanner.Split(SplitJpeg)

	return &FFmpegSource{cmd: cmd, out: out, scanner: scanner}, nil
}

func (s *FFmpegSource) Next() ([]byte, error) {
	if s.done {
		return nil, io.EOF
	}
	if s.scanner.Scan() {
		return s.scanner.Bytes(), nil
	}

	// Check for scanner errors (e.g. token too long), then for FFmpeg failing to decode.
	if scanErr := s.scanner.Err(); scanErr != nil {
		// FFmpeg may be blocked writing to a pipe nobody reads any more.
		s.cmd.Process.Kill()
		s.wait()
		s.waitErr = fmt.Errorf("frame scanner failed: %w", scanErr)
		return nil, s.waitErr
	}
	if err := s.wait(); err != nil {
		return nil, err
	}
	return nil, io.EOF
}

// Close releases the decoder whether or not the stream was exhausted.
func (s *FFmpegSource) Close() error {
	if !s.done && s.cmd.Process != nil {
		s.cmd.Process.Kill()
		s.out.Close()
		s.wait()
		return nil
	}
	return s.waitErr
}

func (s *FFmpegSource) wait() error {
	if s.done {
		return s.waitErr
	}
	s.done = true
	if err := s.cmd.Wait(); err != nil {
		s.waitErr = fmt.Errorf("ffmpeg: %w: %s", err, bytes.TrimSpace(s.cmd.Stderr.Bytes()))
	}
	return s.waitErr
}

// SplitJpeg is the custom splitter for bufio.Scanner
// It locates the Start Of Image (FFD8) and End Of Image (FFD9) markers to extract full JPEG frames.
func SplitJpeg(data []byte, atEOF bool) (advance int, token []byte, err error) {
	if atEOF && len(data) == 0 {
		return 0, nil, nil
	}
	start := bytes.Index(data, JpegSOI)
	if start == -1 {
		return 0, nil, nil
	}
	end := bytes.Index(data[start:], JpegEOI)
	if end == -1 {
		return 0, nil, nil
	}
	return start + end + 2, data[start : start+end+2], nil
}

// NewFFmpegCmd creates a standard decoder pipe
// It configures FFmpeg to output raw MJPEG frames to Stdout for ingestion.
func NewFFmpegCmd(ctx context.Context, inputPath string) *utils.SafeCommand {
	// Using -vcodec mjpeg ensures we get JPEGs Go can split
	// -q:v 2 keeps re-encoding loss low enough not to disturb the face encoder
	return utils.NewSafeCommand(ctx, "ffmpeg", "-hide_banner", "-loglevel", "error", "-i", inputPath,
		"-f", "image2pipe", "-vcodec", "mjpeg", "-q:v", "2", "-")
}

// CountFrames uses ffprobe to read the frame count from container metadata.
// It returns 0 if ffprobe is missing or the count is unavailable.
func CountFrames(ctx context.Context, path string) int {
	if _, err := exec.LookPath("ffprobe"); err != nil {
		return 0
	}

	type ffprobeOutput struct {
		Streams []struct {
			NbFrames string `json:"nb_frames"`
		} `json:"streams"`
	}

	out, err := exec.CommandContext(ctx, "ffprobe", "-v", "error", "-select_streams", "v:0",
		"-show_entries", "stream=nb_frames", "-of", "json", path).Output()
	if err != nil {
		return 0
	}
	var res ffprobeOutput
	if json.Unmarshal(out, &res) != nil || len(res.Streams) == 0 {
		return 0
	}
	count, err := strconv.Atoi(res.Streams[0].NbFrames)
	if err != nil {
		return 0
	}
	return count
}

// ErrNoFFmpeg is returned by CheckFFmpeg when the decoder is not installed.
var ErrNoFFmpeg = errors.New("ffmpeg not found in PATH")

// CheckFFmpeg reports whether videos can be decoded on this host.
func CheckFFmpeg() error {
	if _, err := exec.LookPath("ffmpeg"); err != nil {
		return ErrNoFFmpeg
	}
	return nil
}
