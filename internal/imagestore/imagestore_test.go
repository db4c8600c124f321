package imagestore

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"image"
	"image/color"
	"image/png"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"go.uber.org/zap"
)

func pngBytes(t *testing.T) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, 4, 3))
	img.Set(1, 1, color.RGBA{R: 255, A: 255})
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatalf("failed to encode png: %v", err)
	}
	return buf.Bytes()
}

func TestDecodeBase64AcceptsPNG(t *testing.T) {
	raw := pngBytes(t)
	img, err := DecodeBase64(base64.StdEncoding.EncodeToString(raw))
	if err != nil {
		t.Fatalf("expected image, got error: %v", err)
	}
	if img.Format != "png" || img.Width != 4 || img.Height != 3 {
		t.Fatalf("unexpected image: %+v", img)
	}
	if !bytes.Equal(img.Data, raw) {
		t.Fatalf("decoded bytes differ from the original")
	}
}

func TestDecodeBase64AcceptsDataURL(t *testing.T) {
	payload := "data:image/png;base64," + base64.StdEncoding.EncodeToString(pngBytes(t))
	if _, err := DecodeBase64(payload); err != nil {
		t.Fatalf("expected data url to decode, got %v", err)
	}
}

func TestDecodeBase64RejectsGarbage(t *testing.T) {
	if _, err := DecodeBase64("not base64!!"); !errors.Is(err, ErrInvalidBase64) {
		t.Fatalf("expected ErrInvalidBase64, got %v", err)
	}
	text := base64.StdEncoding.EncodeToString([]byte("hello, not an image"))
	if _, err := DecodeBase64(text); !errors.Is(err, ErrUnsupportedImage) {
		t.Fatalf("expected ErrUnsupportedImage, got %v", err)
	}
}

func TestImageExtForJPEG(t *testing.T) {
	if ext := (Image{Format: "jpeg"}).Ext(); ext != "jpg" {
		t.Fatalf("unexpected ext: %s", ext)
	}
}

func TestCanonicalNameIsConfinedAndDistinct(t *testing.T) {
	cases := []string{"../../etc/passwd", "a/b", "a_b", "..", "user 1"}
	seen := map[string]string{}
	for _, id := range cases {
		name := canonicalName(id, "png")
		if strings.ContainsAny(name, `/\ `) || strings.HasPrefix(name, "..") {
			t.Fatalf("unsafe name %q for %q", name, id)
		}
		if other, dup := seen[name]; dup {
			t.Fatalf("ids %q and %q share file name %q", id, other, name)
		}
		seen[name] = id
	}
	if got := canonicalName("alice-01", "jpg"); got != "alice-01.jpg" {
		t.Fatalf("plain ids must be kept as-is, got %s", got)
	}
}

func TestLocalStoreSavesAndRemoves(t *testing.T) {
	root := t.TempDir()
	store, err := NewLocalStore(root, zap.NewNop())
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	img, err := Decode(pngBytes(t))
	if err != nil {
		t.Fatalf("failed to decode: %v", err)
	}

	path, err := store.SaveCanonical(context.Background(), "u1", img)
	if err != nil {
		t.Fatalf("save failed: %v", err)
	}
	if path != filepath.Join(root, "images", "u1.png") {
		t.Fatalf("unexpected canonical path: %s", path)
	}
	data, err := os.ReadFile(path)
	if err != nil || !bytes.Equal(data, img.Data) {
		t.Fatalf("stored file does not resolve to the image: %v", err)
	}

	attempt, err := store.SaveAttempt(context.Background(), "verify", img)
	if err != nil {
		t.Fatalf("attempt save failed: %v", err)
	}
	if !strings.HasPrefix(filepath.Base(attempt), "verify_") || filepath.Ext(attempt) != ".png" {
		t.Fatalf("unexpected attempt path: %s", attempt)
	}

	if err := store.Remove(context.Background(), path); err != nil {
		t.Fatalf("remove failed: %v", err)
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Fatalf("expected file to be removed")
	}
	if err := store.Remove(context.Background(), filepath.Join(root, "outside.png")); err == nil {
		t.Fatal("expected refusal for path outside image dir")
	}
}
