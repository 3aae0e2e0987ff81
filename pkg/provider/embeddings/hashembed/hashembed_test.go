package hashembed_test

import (
	"context"
	"math"
	"slices"
	"strings"
	"testing"

	"github.com/MrWong99/strata/pkg/provider/embeddings/hashembed"
)

func norm(v []float32) float64 {
	var s float64
	for _, x := range v {
		s += float64(x) * float64(x)
	}
	return math.Sqrt(s)
}

func TestVector(t *testing.T) {
	p, err := hashembed.New(768)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	v := p.Vector("the storm was terrifying")
	if len(v) != 768 {
		t.Fatalf("len = %d, want 768", len(v))
	}
	// Each 64-wide tile is a unit vector.
	if n := norm(v[:hashembed.Buckets]); math.Abs(n-1) > 1e-6 {
		t.Errorf("tile norm = %v, want 1", n)
	}
	if !slices.Equal(v[:64], v[64:128]) {
		t.Error("tiles differ")
	}
	if v[0] != 0 || v[1] != 0 {
		t.Errorf("reserved buckets set: %v %v", v[0], v[1])
	}
	if !slices.Equal(v, p.Vector("the storm was terrifying")) {
		t.Error("not deterministic")
	}
	if slices.Equal(v, p.Vector("the calm was soothing")) {
		t.Error("different texts collide")
	}

	t.Run("only the trailing window counts", func(t *testing.T) {
		tail := strings.Repeat("z", hashembed.Window)
		if !slices.Equal(p.Vector("aaaa"+tail), p.Vector("bbbb"+tail)) {
			t.Error("characters before the window changed the vector")
		}
	})

	t.Run("empty text is the zero vector", func(t *testing.T) {
		if n := norm(p.Vector("")); n != 0 {
			t.Errorf("norm = %v", n)
		}
	})
}

func TestProvider(t *testing.T) {
	if _, err := hashembed.New(10); err == nil {
		t.Fatal("New(10) succeeded")
	}
	p, _ := hashembed.New(100)
	if p.Dimensions() != 100 || p.ModelID() != "hashembed-100" {
		t.Errorf("Dimensions/ModelID = %d %q", p.Dimensions(), p.ModelID())
	}
	vecs, err := p.EmbedBatch(context.Background(), []string{"a", "b"})
	if err != nil || len(vecs) != 2 || len(vecs[1]) != 100 {
		t.Fatalf("EmbedBatch = %v, %v", vecs, err)
	}
	v, _ := p.Embed(context.Background(), "b")
	if !slices.Equal(v, vecs[1]) {
		t.Error("Embed and EmbedBatch disagree")
	}
}
