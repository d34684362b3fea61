package imagegen

import (
	"errors"
	"os"
	"path/filepath"
	"regexp"
	"testing"
	"time"
)

func TestFilename(t *testing.T) {
	at := time.Unix(1700000000, 0)
	name := Filename("runwayml/stable-diffusion-v1-5", at)
	re := regexp.MustCompile(`^stable-diffusion-v1-5_1700000000_[0-9a-f]{8}\.png$`)
	if !re.MatchString(name) {
		t.Errorf("Filename = %q", name)
	}
	if Filename("a/b", at) == Filename("a/b", at) {
		t.Error("filenames should differ in their random suffix")
	}
	if name := Filename("weird/../mo del", at); !filenamePattern.MatchString(name) {
		t.Errorf("unsafe model name produced %q", name)
	}
}

func TestImageStore_SaveAndPath(t *testing.T) {
	store, err := NewImageStore(filepath.Join(t.TempDir(), "out"))
	if err != nil {
		t.Fatal(err)
	}
	name, path, err := store.Save("sdxl-turbo", []byte("png-bytes"), time.Now())
	if err != nil {
		t.Fatalf("Save() error = %v", err)
	}
	got, err := store.Path(name)
	if err != nil {
		t.Fatalf("Path() error = %v", err)
	}
	if got != path {
		t.Errorf("Path = %q, want %q", got, path)
	}
	data, _ := os.ReadFile(path)
	if string(data) != "png-bytes" {
		t.Errorf("content = %q", data)
	}

	entries, _ := os.ReadDir(store.Dir())
	if len(entries) != 1 {
		t.Errorf("expected only the final file, found %d entries", len(entries))
	}
}

func TestImageStore_PathRejectsTraversal(t *testing.T) {
	store, err := NewImageStore(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	for _, name := range []string{"../secret.png", "a/b.png", "..png", "x.jpg", "", `..\\x.png`} {
		if _, err := store.Path(name); !errors.Is(err, ErrInvalidFilename) {
			t.Errorf("Path(%q) = %v, want ErrInvalidFilename", name, err)
		}
	}
	if _, err := store.Path("missing_1_abcdef01.png"); !errors.Is(err, ErrImageNotFound) {
		t.Errorf("missing file: %v", err)
	}
}
