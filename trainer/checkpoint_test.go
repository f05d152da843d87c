package trainer

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/unixpickle/anynet"
	"github.com/unixpickle/anyvec/anyvec64"
)

func TestCheckpoint(t *testing.T) {
	c := anyvec64.DefaultCreator{}
	net := anynet.Net{anynet.NewFC(c, 3, 2), anynet.LogSoftmax}
	path := filepath.Join(t.TempDir(), "net_out")
	cp := &Checkpoint{Path: path}

	if err := cp.Observe(0.5, net); err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("first observation did not save: %s", err)
	}

	// A worse metric must not overwrite the save.
	if err := os.Remove(path); err != nil {
		t.Fatal(err)
	}
	if err := cp.Observe(0.4, net); err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(path); err == nil {
		t.Error("worse metric overwrote the checkpoint")
	}
	if err := cp.Observe(0.5, net); err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(path); err == nil {
		t.Error("equal metric overwrote the checkpoint")
	}

	if err := cp.Observe(0.75, net); err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(path); err != nil {
		t.Errorf("better metric did not save: %s", err)
	}
	if cp.Best() != 0.75 {
		t.Errorf("expected best 0.75 but got %f", cp.Best())
	}
}
