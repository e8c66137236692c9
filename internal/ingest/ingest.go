// Package ingest walks the media root and turns every supported file into a
// MediaRecord.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/andresmejia3/facefinder/internal/extractor"
	"github.com/andresmejia3/facefinder/internal/types"
	"github.com/andresmejia3/facefinder/internal/utils"
	"github.com/andresmejia3/facefinder/internal/video"
)

// DefaultNthFrame is the video sampling interval.
const DefaultNthFrame = 10

// ErrUnsupportedMedia is returned for files whose extension is neither a
// known image nor a known video type.
var ErrUnsupportedMedia = errors.New("unsupported media type")

var (
	imageExts = map[string]bool{".jpg": true, ".jpeg": true, ".png": true}
	videoExts = map[string]bool{".mp4": true, ".avi": true, ".mov": true, ".mkv": true}
)

// Classify maps a file name to its media type by extension, ignoring case.
func Classify(name string, includeWebp bool) types.MediaType {
	ext := strings.ToLower(filepath.Ext(name))
	switch {
	case imageExts[ext], includeWebp && ext == ".webp":
		return types.Image
	case videoExts[ext]:
		return types.Video
	}
	return types.Unsupported
}

// List returns the regular files directly under root in lexical order.
// Sub-directories are not descended into.
func List(root string) ([]string, error) {
	entries, err := os.ReadDir(root)
	if err != nil {
		return nil, fmt.Errorf("failed to list media root: %w", err)
	}

	var files []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		path := filepath.Join(root, e.Name())
		// Stat rather than e.Type() so symlinked files are followed.
		info, err := os.Stat(path)
		if err != nil || !info.Mode().IsRegular() {
			continue
		}
		files = append(files, path)
	}
	sort.Strings(files)
	return files, nil
}

// Outcome is what happened to one file during a run.
type Outcome int

const (
	Indexed Outcome = iota
	NoFace
	Skipped
	Failed
)

func (o Outcome) String() string {
	switch o {
	case Indexed:
		return "indexed"
	case NoFace:
		return "no face"
	case Skipped:
		return "skipped"
	default:
		return "failed"
	}
}

// Report counts the outcomes of a run.
type Report struct {
	Files       int
	Records     int
	NoFace      int
	Unsupported int
	Failed      int
	// Errors holds one entry per failed file, in listing order.
	Errors []FileError
	// SkippedFiles lists the unsupported files, in listing order.
	SkippedFiles []string
}

// FileError is a per-file failure that did not stop the run.
type FileError struct {
	Path string
	Err  error
}

func (e FileError) Error() string { return e.Path + ": " + e.Err.Error() }
func (e FileError) Unwrap() error { return e.Err }

// Pipeline holds everything an ingestion run needs.
type Pipeline struct {
	Extractor   *extractor.Extractor
	Frames      video.Opener
	// CountFrames reports a video's frame count for debug logging; 0 means unknown.
	CountFrames func(ctx context.Context, path string) int
	NthFrame    int
	Engines     int
	IncludeWebp bool
	Logger      *slog.Logger
	// OnFile is called once per listed file, in completion order, from a single goroutine.
	OnFile func(path string, outcome Outcome)
}

// New returns a Pipeline with the default sampling interval and ffmpeg decoding.
func New(ex *extractor.Extractor, logger *slog.Logger) *Pipeline {
	return &Pipeline{
		Extractor:   ex,
		Frames:      video.OpenFFmpeg,
		CountFrames: video.CountFrames,
		NthFrame:    DefaultNthFrame,
		Engines:     1,
		IncludeWebp: true,
		Logger:      logger,
	}
}

// ProcessImage extracts every face of a still image.
func (p *Pipeline) ProcessImage(ctx context.Context, path string) ([]types.Descriptor, error) {
	return p.Extractor.ExtractFile(ctx, path)
}

// ProcessVideo samples frames 0, n, 2n... and concatenates their descriptors in
// frame order. Frames in between are read but never decoded.
func (p *Pipeline) ProcessVideo(ctx context.Context, path string) ([]types.Descriptor, error) {
	nth := p.NthFrame
	if nth < 1 {
		return nil, fmt.Errorf("invalid frame interval %d", nth)
	}

	src, err := p.Frames(ctx, path)
	if err != nil {
		return nil, err
	}
	defer src.Close()

	var out []types.Descriptor
	for index := 0; ; index++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		data, err := src.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("frame %d: %w", index, err)
		}
		if index%nth != 0 {
			continue
		}

		img, err := extractor.DecodeImage(data)
		if err != nil {
			return nil, fmt.Errorf("frame %d: %w", index, err)
		}
		descs, err := p.Extractor.Extract(ctx, img)
		if err != nil {
			return nil, fmt.Errorf("frame %d: %w", index, err)
		}
		out = append(out, descs...)
	}
	return out, nil
}

// fileTask is one listed file handed to an engine goroutine.
type fileTask struct {
	Index int
	Path  string
}

// fileResult wraps the output of an engine goroutine for the aggregator.
type fileResult struct {
	Index   int
	Path    string
	Type    types.MediaType
	Descs   []types.Descriptor
	Outcome Outcome
	Err     error
}

// Run ingests every file under root. A failing file is logged and counted but
// never aborts the run; only a listing failure or cancellation does. Records
// come back in listing order whatever the number of engines.
func (p *Pipeline) Run(ctx context.Context, root string) (Report, []types.MediaRecord, error) {
	var report Report

	files, err := List(root)
	if err != nil {
		return report, nil, err
	}
	report.Files = len(files)

	engines := max(p.Engines, 1)
	logger := p.logger()
	logger.Info("ingestion started", "root", root, "files", len(files), "engines", engines, "nth_frame", p.NthFrame)

	taskChan := make(chan fileTask, engines)
	resultsChan := make(chan fileResult, engines*2)
	var wg sync.WaitGroup

	// Aggregator must run concurrently to prevent deadlock on resultsChan.
	results := make([]fileResult, len(files))
	aggDone := make(chan struct{})
	go func() {
		for res := range resultsChan {
			results[res.Index] = res
			if p.OnFile != nil {
				p.OnFile(res.Path, res.Outcome)
			}
		}
		close(aggDone)
	}()

	for i := 0; i < engines; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for task := range taskChan {
				resultsChan <- p.processFile(ctx, task)
			}
		}()
	}

feed:
	for i, path := range files {
		select {
		case taskChan <- fileTask{Index: i, Path: path}:
		case <-ctx.Done():
			break feed
		}
	}
	close(taskChan)
	wg.Wait()
	close(resultsChan)
	<-aggDone

	if err := ctx.Err(); err != nil {
		return report, nil, err
	}

	records := make([]types.MediaRecord, 0, len(files))
	for _, res := range results {
		switch res.Outcome {
		case Indexed:
			rel, err := utils.RelSlash(root, res.Path)
			if err != nil {
				report.Failed++
				report.Errors = append(report.Errors, FileError{Path: res.Path, Err: err})
				continue
			}
			records = append(records, types.MediaRecord{Type: res.Type, Path: rel, Descriptors: res.Descs})
		case NoFace:
			report.NoFace++
		case Skipped:
			report.Unsupported++
			report.SkippedFiles = append(report.SkippedFiles, res.Path)
		case Failed:
			report.Failed++
			report.Errors = append(report.Errors, FileError{Path: res.Path, Err: res.Err})
		}
	}
	report.Records = len(records)

	logger.Info("ingestion finished",
		"records", report.Records, "no_face", report.NoFace,
		"unsupported", report.Unsupported, "failed", report.Failed)
	return report, records, nil
}

// ProcessFile classifies path and extracts its descriptors. An empty result
// with a nil error means no face was found.
func (p *Pipeline) ProcessFile(ctx context.Context, path string) (types.MediaType, []types.Descriptor, error) {
	t := Classify(path, p.IncludeWebp)
	switch t {
	case types.Image:
		descs, err := p.ProcessImage(ctx, path)
		return t, descs, err
	case types.Video:
		p.logVideo(ctx, path)
		descs, err := p.ProcessVideo(ctx, path)
		return t, descs, err
	}
	return t, nil, fmt.Errorf("%w: %q", ErrUnsupportedMedia, filepath.Ext(path))
}

func (p *Pipeline) processFile(ctx context.Context, task fileTask) (res fileResult) {
	res = fileResult{Index: task.Index, Path: task.Path}
	logger := p.logger().With("file", filepath.Base(task.Path))

	// A crashing decoder or encoder fails this file only.
	defer func() {
		if r := recover(); r != nil {
			res.Descs = nil
			res.Err = fmt.Errorf("panic: %v", r)
			res.Outcome = Failed
			logger.Error("file processing panicked", "err", res.Err)
		}
	}()

	res.Type, res.Descs, res.Err = p.ProcessFile(ctx, task.Path)
	switch {
	case errors.Is(res.Err, ErrUnsupportedMedia):
		logger.Info("skipping unsupported file")
		res.Outcome = Skipped
	case res.Err != nil:
		logger.Warn("failed to process file", "type", res.Type, "err", res.Err)
		res.Outcome = Failed
	case len(res.Descs) == 0:
		logger.Debug("no faces found", "type", res.Type)
		res.Outcome = NoFace
	default:
		logger.Debug("indexed", "type", res.Type, "faces", len(res.Descs))
		res.Outcome = Indexed
	}
	return res
}

func (p *Pipeline) logVideo(ctx context.Context, path string) {
	logger := p.logger()
	if p.CountFrames == nil || p.NthFrame < 1 || !logger.Enabled(ctx, slog.LevelDebug) {
		return
	}
	if n := p.CountFrames(ctx, path); n > 0 {
		logger.Debug("sampling video", "file", filepath.Base(path), "frames", n, "samples", (n+p.NthFrame-1)/p.NthFrame)
	}
}

func (p *Pipeline) logger() *slog.Logger {
	if p.Logger == nil {
		return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.Level(math.MaxInt)}))
	}
	return p.Logger
}
