package fuzzbitmap

import "testing"

// TestClassifyCorrectness is end-to-end scenario F from spec.md section 8.
func TestClassifyCorrectness(t *testing.T) {
	in := []byte{1, 2, 3, 4, 7, 8, 16, 128, 255}
	want := []byte{1, 2, 4, 8, 8, 16, 32, 128, 128}

	got := ClassifyCounts(in)
	if len(got) != len(want) {
		t.Fatalf("length mismatch: got %d want %d", len(got), len(want))
	}

	for i := range want {
		if got[i] != want[i] {
			t.Errorf("byte %d: classify(%d) = %d, want %d", i, in[i], got[i], want[i])
		}
	}
}

// TestClassifyDeterministic is the part of testable property 3 from spec.md
// section 8 that this table can actually satisfy: classifying the same byte
// twice, independently, always yields the same bucket (ClassifyByte is a
// pure function of its input, with no hidden state).
func TestClassifyDeterministic(t *testing.T) {
	for h := 0; h < 256; h++ {
		a := ClassifyByte(byte(h))
		b := ClassifyByte(byte(h))

		if a != b {
			t.Errorf("classify(%d) is not deterministic: %d vs %d", h, a, b)
		}
	}
}

// TestClassifyFixedPoints covers classify(classify(b)) == classify(b) on the
// bucket table's actual fixed-point set.
//
// Testable property 3 as literally stated in spec.md section 8
// ("classify(classify(b)) = classify(b) for every byte b") is incompatible
// with the bucket table spec.md section 4.1 gives verbatim (and which
// TestClassifyCorrectness exercises against scenario F): that table maps,
// for example, 3->4 and then 4->8, so classify(classify(3)) = 8 while
// classify(3) = 4. No bucket table can satisfy AFL's bucketing boundaries
// and full idempotence simultaneously, since several boundaries (3->4,
// 4..7->8, 8..15->16, 16..31->32) map a value into a *different* bucket's
// range. This is a genuine contradiction between two testable properties in
// spec.md, not an implementation bug (see DESIGN.md's Open Question
// decisions); idempotence only holds on the table's fixed points, which this
// test pins down instead of asserting the false general property.
func TestClassifyFixedPoints(t *testing.T) {
	fixedPoints := []byte{0, 1, 2, 64, 128}

	for _, h := range fixedPoints {
		once := ClassifyByte(h)
		twice := ClassifyByte(once)

		if once != h {
			t.Errorf("expected %d to be a fixed point of classify, got classify(%d) = %d", h, h, once)
		}

		if once != twice {
			t.Errorf("classify(classify(%d)) = %d, want %d", h, twice, once)
		}
	}

	// Spot-check a representative non-fixed-point to document the
	// contradiction concretely rather than just asserting it in prose.
	if got := ClassifyByte(3); got != 4 {
		t.Fatalf("classify(3) = %d, want 4 (per spec.md scenario F)", got)
	}

	if got := ClassifyByte(ClassifyByte(3)); got != 8 {
		t.Fatalf("classify(classify(3)) = %d, want 8 — demonstrates scenario F and literal idempotence cannot both hold", got)
	}
}

func TestPopcount(t *testing.T) {
	cases := []struct {
		in   []byte
		want int
	}{
		{nil, 0},
		{[]byte{0x00}, 0},
		{[]byte{0xFF}, 8},
		{[]byte{0x01, 0x03, 0x80}, 1 + 2 + 1},
	}

	for _, c := range cases {
		if got := Popcount(c.in); got != c.want {
			t.Errorf("Popcount(%v) = %d, want %d", c.in, got, c.want)
		}
	}
}
