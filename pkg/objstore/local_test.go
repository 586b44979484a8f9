package objstore_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/lucasvandyk/recapd/pkg/objstore"
)

func TestLocalStorePutAndPresign(t *testing.T) {
	root := t.TempDir()
	s, err := objstore.NewLocalStore(root)
	if err != nil {
		t.Fatal(err)
	}

	key := "realtime_captures/s1/frame-1.jpg"
	if err := s.Put(context.Background(), key, []byte("jpegdata"), "image/jpeg"); err != nil {
		t.Fatal(err)
	}

	data, err := os.ReadFile(filepath.Join(root, "realtime_captures", "s1", "frame-1.jpg"))
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != "jpegdata" {
		t.Errorf("stored bytes = %q", data)
	}

	uri, err := s.PresignGet(context.Background(), key, time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	if uri != "/files/"+key {
		t.Errorf("uri = %q", uri)
	}
}

func TestLocalStoreCreatesRoot(t *testing.T) {
	root := filepath.Join(t.TempDir(), "nested", "captures")
	if _, err := objstore.NewLocalStore(root); err != nil {
		t.Fatal(err)
	}
	info, err := os.Stat(root)
	if err != nil || !info.IsDir() {
		t.Fatalf("root not created: %v", err)
	}
}
