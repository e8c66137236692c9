package ingest

import (
	"bytes"
	"context"
	"errors"
	"image"
	"image/color"
	"image/png"
	"io"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/andresmejia3/facefinder/internal/extractor"
	"github.com/andresmejia3/facefinder/internal/matcher"
	"github.com/andresmejia3/facefinder/internal/store"
	"github.com/andresmejia3/facefinder/internal/types"
	"github.com/andresmejia3/facefinder/internal/video"
)

// markerFrame encodes m into the red channel of a tiny PNG so the stub
// encoder can tell frames apart.
func markerFrame(t *testing.T, m uint8) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, 2, 2))
	img.Set(0, 0, color.RGBA{R: m, A: 255})
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatal(err)
	}
	return buf.Bytes()
}

// stubEncoder reports one face for every marker listed in faces and records
// every marker it was asked about.
type stubEncoder struct {
	mu    sync.Mutex
	faces map[uint8]bool
	seen  []uint8
}

func (s *stubEncoder) Encode(ctx context.Context, img image.Image) ([]types.Face, error) {
	r, _, _, _ := img.At(img.Bounds().Min.X, img.Bounds().Min.Y).RGBA()
	m := uint8(r >> 8)

	s.mu.Lock()
	s.seen = append(s.seen, m)
	s.mu.Unlock()

	if !s.faces[m] {
		return nil, nil
	}
	d := make(types.Descriptor, types.DescriptorDim)
	d[0] = float64(m)
	return []types.Face{{Box: image.Rect(0, 0, 1, 1), Descriptor: d}}, nil
}

type fakeSource struct {
	frames [][]byte
	pos    int
	closed *bool
}

func (f *fakeSource) Next() ([]byte, error) {
	if f.pos >= len(f.frames) {
		return nil, io.EOF
	}
	f.pos++
	return f.frames[f.pos-1], nil
}

func (f *fakeSource) Close() error {
	*f.closed = true
	return nil
}

func fakeOpener(videos map[string][][]byte, closed map[string]*bool) video.Opener {
	return func(ctx context.Context, path string) (video.Source, error) {
		frames, ok := videos[filepath.Base(path)]
		if !ok {
			return nil, errors.New("no such video")
		}
		c := new(bool)
		closed[filepath.Base(path)] = c
		return &fakeSource{frames: frames, closed: c}, nil
	}
}

func newPipeline(enc extractor.Encoder, videos map[string][][]byte, closed map[string]*bool) *Pipeline {
	p := New(extractor.New(enc), nil)
	p.Frames = fakeOpener(videos, closed)
	return p
}

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		webp bool
		want types.MediaType
	}{
		{"a.jpg", false, types.Image},
		{"A.JPEG", false, types.Image},
		{"shot.Png", false, types.Image},
		{"clip.MP4", false, types.Video},
		{"clip.avi", false, types.Video},
		{"clip.mov", false, types.Video},
		{"clip.mkv", false, types.Video},
		{"notes.txt", false, types.Unsupported},
		{"noext", false, types.Unsupported},
		{"pic.webp", false, types.Unsupported},
		{"pic.webp", true, types.Image},
	}
	for _, tt := range tests {
		if got := Classify(tt.name, tt.webp); got != tt.want {
			t.Errorf("Classify(%q, %v) = %s, want %s", tt.name, tt.webp, got, tt.want)
		}
	}
}

func TestList(t *testing.T) {
	root := t.TempDir()
	for _, name := range []string{"b.jpg", "a.jpg", "c.mp4"} {
		os.WriteFile(filepath.Join(root, name), []byte("x"), 0644)
	}
	os.MkdirAll(filepath.Join(root, "nested"), 0755)
	os.WriteFile(filepath.Join(root, "nested", "d.jpg"), []byte("x"), 0644)

	files, err := List(root)
	if err != nil {
		t.Fatal(err)
	}
	want := []string{"a.jpg", "b.jpg", "c.mp4"}
	if len(files) != len(want) {
		t.Fatalf("List() = %v, want %v", files, want)
	}
	for i, f := range files {
		if filepath.Base(f) != want[i] {
			t.Errorf("entry %d = %s, want %s", i, filepath.Base(f), want[i])
		}
	}
}

func TestList_MissingRoot(t *testing.T) {
	if _, err := List(filepath.Join(t.TempDir(), "nope")); err == nil {
		t.Fatal("Expected error for missing media root")
	}
}

func TestProcessVideo_SamplesEveryNthFrame(t *testing.T) {
	// 100 frames with faces only at 5 and 95: neither is sampled.
	frames := make([][]byte, 100)
	for i := range frames {
		if i%10 == 0 {
			frames[i] = markerFrame(t, uint8(i))
		} else {
			// Unsampled frames are never decoded, so garbage is fine.
			frames[i] = []byte("not an image")
		}
	}
	enc := &stubEncoder{faces: map[uint8]bool{5: true, 95: true}}
	closed := map[string]*bool{}
	p := newPipeline(enc, map[string][][]byte{"clip.mp4": frames}, closed)

	descs, err := p.ProcessVideo(context.Background(), "clip.mp4")
	if err != nil {
		t.Fatalf("ProcessVideo failed: %v", err)
	}
	if len(descs) != 0 {
		t.Errorf("Expected no descriptors, got %d", len(descs))
	}
	if len(enc.seen) != 10 {
		t.Fatalf("Expected 10 sampled frames, got %d: %v", len(enc.seen), enc.seen)
	}
	for i, m := range enc.seen {
		if int(m) != i*10 {
			t.Errorf("sample %d inspected frame %d, want %d", i, m, i*10)
		}
	}
	if !*closed["clip.mp4"] {
		t.Error("Frame source was not closed")
	}
}

func TestProcessVideo_ConcatenatesInFrameOrder(t *testing.T) {
	frames := make([][]byte, 25)
	for i := range frames {
		frames[i] = markerFrame(t, uint8(i))
	}
	enc := &stubEncoder{faces: map[uint8]bool{0: true, 7: true, 20: true}}
	p := newPipeline(enc, map[string][][]byte{"clip.mp4": frames}, map[string]*bool{})

	descs, err := p.ProcessVideo(context.Background(), "clip.mp4")
	if err != nil {
		t.Fatal(err)
	}
	if len(descs) != 2 || descs[0][0] != 0 || descs[1][0] != 20 {
		t.Errorf("Expected descriptors from frames 0 and 20, got %d", len(descs))
	}
}

func TestProcessVideo_UndecodableSampledFrame(t *testing.T) {
	frames := [][]byte{markerFrame(t, 0), []byte("x"), []byte("x")}
	closed := map[string]*bool{}
	p := newPipeline(&stubEncoder{}, map[string][][]byte{"clip.mp4": frames}, closed)
	p.NthFrame = 2

	_, err := p.ProcessVideo(context.Background(), "clip.mp4")
	if !errors.Is(err, extractor.ErrDecode) {
		t.Fatalf("Expected decode failure, got %v", err)
	}
	if !*closed["clip.mp4"] {
		t.Error("Frame source must be closed on failure")
	}
}

func TestProcessVideo_EmptyVideo(t *testing.T) {
	p := newPipeline(&stubEncoder{}, map[string][][]byte{"empty.mp4": nil}, map[string]*bool{})
	descs, err := p.ProcessVideo(context.Background(), "empty.mp4")
	if err != nil || len(descs) != 0 {
		t.Errorf("Expected no descriptors and no error, got %d, %v", len(descs), err)
	}
}

func writeMedia(t *testing.T, root string) {
	t.Helper()
	os.WriteFile(filepath.Join(root, "a.jpg"), markerFrame(t, 200), 0644)
	os.WriteFile(filepath.Join(root, "b.jpg"), markerFrame(t, 201), 0644)
	os.WriteFile(filepath.Join(root, "c.mp4"), []byte("container bytes"), 0644)
	os.WriteFile(filepath.Join(root, "notes.txt"), []byte("hello"), 0644)
	os.WriteFile(filepath.Join(root, "broken.png"), []byte("not a png"), 0644)
}

func TestRun_EndToEnd(t *testing.T) {
	for _, engines := range []int{1, 3} {
		root := t.TempDir()
		writeMedia(t, root)

		frames := make([][]byte, 30)
		for i := range frames {
			frames[i] = markerFrame(t, uint8(i))
		}
		enc := &stubEncoder{faces: map[uint8]bool{200: true, 10: true, 20: true}}
		p := newPipeline(enc, map[string][][]byte{"c.mp4": frames}, map[string]*bool{})
		p.Engines = engines

		var mu sync.Mutex
		outcomes := map[string]Outcome{}
		p.OnFile = func(path string, o Outcome) {
			mu.Lock()
			outcomes[filepath.Base(path)] = o
			mu.Unlock()
		}

		report, records, err := p.Run(context.Background(), root)
		if err != nil {
			t.Fatalf("engines=%d: Run failed: %v", engines, err)
		}

		if len(records) != 2 {
			t.Fatalf("engines=%d: expected 2 records, got %+v", engines, records)
		}
		if records[0].Path != "a.jpg" || records[0].Type != types.Image || len(records[0].Descriptors) != 1 {
			t.Errorf("engines=%d: unexpected first record %s %s", engines, records[0].Type, records[0].Path)
		}
		if records[1].Path != "c.mp4" || records[1].Type != types.Video || len(records[1].Descriptors) != 2 {
			t.Errorf("engines=%d: unexpected second record %s %s", engines, records[1].Type, records[1].Path)
		}

		want := Report{Files: 5, Records: 2, NoFace: 1, Unsupported: 1, Failed: 1}
		if report.Files != want.Files || report.Records != want.Records || report.NoFace != want.NoFace ||
			report.Unsupported != want.Unsupported || report.Failed != want.Failed {
			t.Errorf("engines=%d: report = %+v, want %+v", engines, report, want)
		}
		if len(report.Errors) != 1 || !errors.Is(report.Errors[0], extractor.ErrDecode) {
			t.Errorf("engines=%d: expected one decode error, got %v", engines, report.Errors)
		}

		// Querying with a.jpg's own descriptor finds exactly a.jpg.
		hits := matcher.Match(records[0].Descriptors[0], records, matcher.DefaultThreshold)
		if len(hits) != 1 || hits[0] != (types.Match{Type: types.Image, Path: "a.jpg"}) {
			t.Errorf("engines=%d: query for a.jpg returned %v", engines, hits)
		}

		if len(report.SkippedFiles) != 1 || filepath.Base(report.SkippedFiles[0]) != "notes.txt" {
			t.Errorf("engines=%d: expected notes.txt to be reported as skipped, got %v", engines, report.SkippedFiles)
		}

		if len(outcomes) != 5 || outcomes["b.jpg"] != NoFace || outcomes["notes.txt"] != Skipped || outcomes["broken.png"] != Failed {
			t.Errorf("engines=%d: unexpected outcomes %v", engines, outcomes)
		}
	}
}

func TestProcessFile_Unsupported(t *testing.T) {
	p := newPipeline(&stubEncoder{}, nil, nil)
	typ, _, err := p.ProcessFile(context.Background(), "notes.txt")
	if typ != types.Unsupported || !errors.Is(err, ErrUnsupportedMedia) {
		t.Fatalf("expected ErrUnsupportedMedia, got %s %v", typ, err)
	}
}

func TestRun_Cancelled(t *testing.T) {
	root := t.TempDir()
	writeMedia(t, root)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	p := newPipeline(&stubEncoder{}, map[string][][]byte{}, map[string]*bool{})
	if _, _, err := p.Run(ctx, root); !errors.Is(err, context.Canceled) {
		t.Fatalf("Expected context.Canceled, got %v", err)
	}
}

func TestRun_EmptyRoot(t *testing.T) {
	p := newPipeline(&stubEncoder{}, nil, nil)
	report, records, err := p.Run(context.Background(), t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	if report.Files != 0 || len(records) != 0 {
		t.Errorf("Expected nothing ingested, got %+v", report)
	}
}

// panicEncoder panics on the marker listed in bad and otherwise behaves like stubEncoder.
type panicEncoder struct {
	stubEncoder
	bad uint8
}

func (e *panicEncoder) Encode(ctx context.Context, img image.Image) ([]types.Face, error) {
	r, _, _, _ := img.At(img.Bounds().Min.X, img.Bounds().Min.Y).RGBA()
	if uint8(r>>8) == e.bad {
		panic("encoder blew up")
	}
	return e.stubEncoder.Encode(ctx, img)
}

func TestRun_PanicIsolatedToFile(t *testing.T) {
	root := t.TempDir()
	os.WriteFile(filepath.Join(root, "a.png"), markerFrame(t, 13), 0644)
	os.WriteFile(filepath.Join(root, "b.png"), markerFrame(t, 200), 0644)

	enc := &panicEncoder{stubEncoder: stubEncoder{faces: map[uint8]bool{200: true}}, bad: 13}
	p := newPipeline(enc, nil, nil)
	p.Engines = 2

	report, records, err := p.Run(context.Background(), root)
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if report.Failed != 1 || len(report.Errors) != 1 || filepath.Base(report.Errors[0].Path) != "a.png" {
		t.Errorf("expected a.png to fail alone, got %+v", report)
	}
	if len(records) != 1 || records[0].Path != "b.png" {
		t.Errorf("expected b.png to be indexed, got %+v", records)
	}
}

func TestRun_StoredPathsResolveToFiles(t *testing.T) {
	root := t.TempDir()
	names := []string{"e\u0301.png", "plain.png"}
	if filepath.Separator == '/' {
		names = append(names, `a\b.png`)
	}
	for _, name := range names {
		if err := os.WriteFile(filepath.Join(root, name), markerFrame(t, 200), 0644); err != nil {
			t.Fatal(err)
		}
	}

	p := newPipeline(&stubEncoder{faces: map[uint8]bool{200: true}}, nil, nil)
	_, records, err := p.Run(context.Background(), root)
	if err != nil {
		t.Fatal(err)
	}
	if len(records) != len(names) {
		t.Fatalf("expected %d records, got %+v", len(names), records)
	}
	if missing := store.Verify(root, records); len(missing) != 0 {
		t.Errorf("stored paths do not resolve: %q", missing)
	}

	// The same holds after a save and reload.
	s := store.NewJSONStore(filepath.Join(t.TempDir(), "Embeddings.json"))
	if err := s.Save(context.Background(), records); err != nil {
		t.Fatal(err)
	}
	loaded, err := s.Load(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if missing := store.Verify(root, loaded); len(missing) != 0 {
		t.Errorf("reloaded paths do not resolve: %q", missing)
	}
}
