package worker

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"image"
	"image/png"
	"io"
	"os"
	"sync"
	"time"

	"github.com/andresmejia3/facefinder/internal/types"
	"github.com/andresmejia3/facefinder/internal/utils" // Using the SafeCommand wrapper
)

// maxResponse guards against a corrupt length header allocating gigabytes.
const maxResponse = 64 * 1024 * 1024

// ErrBroken is returned once a worker has been killed or lost its pipes.
var ErrBroken = errors.New("worker is no longer usable")

// Config controls how a Python worker is launched.
type Config struct {
	Python      string        // interpreter, default python3
	Script      string        // worker script, default python/worker.py
	ReadTimeout time.Duration // per-frame deadline, 0 disables it
}

type PythonWorker struct {
	ID          int
	Cmd         *utils.SafeCommand
	Stdin       io.WriteCloser
	DataPipe    io.ReadCloser
	ReadTimeout time.Duration

	mu     sync.Mutex
	broken bool
}

func NewPythonWorker(ctx context.Context, id int, cfg Config) (*PythonWorker, error) {
	python := cfg.Python
	if python == "" {
		python = "python3"
	}
	script := cfg.Script
	if script == "" {
		script = "python/worker.py"
	}

	py := utils.NewSafeCommand(ctx, python, "-u", script)

	// Create a side-channel pipe (FD 3) for clean data transfer
	r, w, err := os.Pipe()
	if err != nil {
		return nil, fmt.Errorf("failed to create pipe: %w", err)
	}
	// Pass the write-end to the child process. It will appear as FD 3.
	py.Cmd.ExtraFiles = []*os.File{w}

	stdin, err := py.StdinPipe()
	if err != nil {
		w.Close()
		r.Close()
		return nil, fmt.Errorf("failed to create stdin pipe: %w", err)
	}

	if err := py.Start(); err != nil {
		w.Close()
		r.Close()
		return nil, fmt.Errorf("worker %d failed to start: %w", id, err)
	}

	// Close the write-end in the parent so only the child holds it
	w.Close()

	return &PythonWorker{
		ID:          id,
		Cmd:         py,
		Stdin:       stdin,
		DataPipe:    r,
		ReadTimeout: cfg.ReadTimeout,
	}, nil
}

// Communicate sends one framed request and waits for the framed reply.
// A timeout or cancellation kills the process and marks the worker broken.
func (w *PythonWorker) Communicate(ctx context.Context, data []byte) ([]byte, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.broken {
		return nil, ErrBroken
	}

	type reply struct {
		body []byte
		err  error
	}
	done := make(chan reply, 1)
	go func() {
		body, err := w.roundTrip(data)
		done <- reply{body, err}
	}()

	var timeout <-chan time.Time
	if w.ReadTimeout > 0 {
		t := time.NewTimer(w.ReadTimeout)
		defer t.Stop()
		timeout = t.C
	}

	select {
	case r := <-done:
		if r.err != nil {
			w.broken = true
		}
		return r.body, r.err
	case <-ctx.Done():
		w.kill()
		return nil, ctx.Err()
	case <-timeout:
		w.kill()
		return nil, fmt.Errorf("worker %d: no response within %s", w.ID, w.ReadTimeout)
	}
}

func (w *PythonWorker) roundTrip(data []byte) ([]byte, error) {
	// Protocol: [Length][Data]
	if err := binary.Write(w.Stdin, binary.BigEndian, uint32(len(data))); err != nil {
		return nil, err
	}
	if _, err := w.Stdin.Write(data); err != nil {
		return nil, err
	}

	header := make([]byte, 4)
	if _, err := io.ReadFull(w.DataPipe, header); err != nil {
		return nil, err // This is where we catch the "ModuleNotFoundError" crash
	}

	respLen := binary.BigEndian.Uint32(header)
	if respLen > maxResponse {
		return nil, fmt.Errorf("response of %d bytes exceeds limit", respLen)
	}
	respBody := make([]byte, respLen)
	_, err := io.ReadFull(w.DataPipe, respBody)
	return respBody, err
}

// ProcessFrame sends encoded image bytes and decodes the worker's face list.
func (w *PythonWorker) ProcessFrame(ctx context.Context, data []byte) ([]types.FaceResult, error) {
	resp, err := w.Communicate(ctx, data)
	if err != nil {
		return nil, err
	}

	var faces []types.FaceResult
	if err := json.Unmarshal(resp, &faces); err != nil {
		// Check if it's a Python error object (e.g. {"error": "..."})
		var errorResult types.ErrorResult
		if json.Unmarshal(resp, &errorResult) == nil && errorResult.Error != "" {
			return nil, fmt.Errorf("python worker error: %s", errorResult.Error)
		}
		return nil, fmt.Errorf("malformed worker response: %w", err)
	}
	return faces, nil
}

// Encode implements extractor.Encoder for a single worker.
func (w *PythonWorker) Encode(ctx context.Context, img image.Image) ([]types.Face, error) {
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return nil, fmt.Errorf("encode frame: %w", err)
	}
	results, err := w.ProcessFrame(ctx, buf.Bytes())
	if err != nil {
		return nil, err
	}
	return toFaces(results)
}

// Broken reports whether the worker must be replaced.
func (w *PythonWorker) Broken() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.broken
}

func (w *PythonWorker) kill() {
	w.broken = true
	if w.Cmd != nil && w.Cmd.Process != nil {
		w.Cmd.Process.Kill()
	}
	w.DataPipe.Close()
}

func (w *PythonWorker) Close() error {
	w.Stdin.Close()
	w.DataPipe.Close()
	if w.Cmd == nil {
		return nil
	}
	return w.Cmd.Wait()
}

func toFaces(results []types.FaceResult) ([]types.Face, error) {
	faces := make([]types.Face, 0, len(results))
	for i, r := range results {
		if len(r.Loc) != 4 {
			return nil, fmt.Errorf("face %d: location has %d values, want 4", i, len(r.Loc))
		}
		top, right, bottom, left := r.Loc[0], r.Loc[1], r.Loc[2], r.Loc[3]
		faces = append(faces, types.Face{
			Box:        image.Rect(left, top, right, bottom),
			Descriptor: types.Descriptor(r.Vec),
		})
	}
	return faces, nil
}
