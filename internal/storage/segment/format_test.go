package segment

import (
	"errors"
	"testing"

	"github.com/aifocal/akidb/internal/doc"
	"github.com/aifocal/akidb/internal/vector"
)

func sampleData(n, dim int) *Data {
	d := &Data{}
	for i := 0; i < n; i++ {
		v := make(vector.Vector, dim)
		for j := range v {
			v[j] = float32(i*dim+j) * 0.25
		}
		d.IDs = append(d.IDs, doc.NewID())
		d.Vectors = append(d.Vectors, v)
		if i%3 == 0 {
			d.Payloads = append(d.Payloads, nil)
		} else {
			d.Payloads = append(d.Payloads, doc.Payload(`{"category":"news","rank":`+string(rune('0'+i%10))+`}`))
		}
	}
	d.Tombstones = []doc.ID{doc.NewID(), doc.NewID()}
	return d
}

func TestSerializeRoundTrip(t *testing.T) {
	in := sampleData(17, 8)

	b, err := Serialize(in, vector.MetricCosine, 8, DefaultLocalZstdLevel)
	if err != nil {
		t.Fatalf("serialize failed: %v", err)
	}

	out, info, err := Deserialize(b, 8)
	if err != nil {
		t.Fatalf("deserialize failed: %v", err)
	}

	if info.Dimension != 8 || info.Metric != vector.MetricCosine || info.VectorCount != 17 {
		t.Errorf("unexpected info: %+v", info)
	}
	if len(out.IDs) != len(in.IDs) {
		t.Fatalf("got %d ids, want %d", len(out.IDs), len(in.IDs))
	}
	for i := range in.IDs {
		if out.IDs[i] != in.IDs[i] {
			t.Errorf("id %d mismatch", i)
		}
		for j := range in.Vectors[i] {
			// Vector values must survive byte-exact.
			if out.Vectors[i][j] != in.Vectors[i][j] {
				t.Errorf("vector[%d][%d] = %v, want %v", i, j, out.Vectors[i][j], in.Vectors[i][j])
			}
		}
		if string(out.Payloads[i]) != string(in.Payloads[i]) {
			t.Errorf("payload %d mismatch: %q != %q", i, out.Payloads[i], in.Payloads[i])
		}
	}
	if len(out.Tombstones) != 2 {
		t.Errorf("got %d tombstones, want 2", len(out.Tombstones))
	}
}

func TestSerializeEmptySegment(t *testing.T) {
	b, err := Serialize(&Data{}, vector.MetricL2, 4, DefaultLocalZstdLevel)
	if err != nil {
		t.Fatalf("serialize failed: %v", err)
	}
	out, info, err := Deserialize(b, 4)
	if err != nil {
		t.Fatalf("deserialize failed: %v", err)
	}
	if info.VectorCount != 0 || len(out.IDs) != 0 {
		t.Errorf("expected empty segment, got %d rows", len(out.IDs))
	}
}

func TestSerializeValidation(t *testing.T) {
	if _, err := Serialize(&Data{}, vector.MetricL2, 0, 3); err == nil {
		t.Error("expected error for dimension 0")
	}

	bad := &Data{
		IDs:      []doc.ID{doc.NewID()},
		Vectors:  []vector.Vector{{1, 2}},
		Payloads: []doc.Payload{nil},
	}
	if _, err := Serialize(bad, vector.MetricL2, 4, 3); err == nil {
		t.Error("expected error for dimension mismatch")
	}
}

func TestDeserializeDimensionMismatch(t *testing.T) {
	b, err := Serialize(sampleData(3, 8), vector.MetricL2, 8, DefaultLocalZstdLevel)
	if err != nil {
		t.Fatalf("serialize failed: %v", err)
	}
	if _, _, err := Deserialize(b, 16); err == nil {
		t.Error("expected error for caller dimension mismatch")
	}
}

func TestCorruptionDetection(t *testing.T) {
	b, err := Serialize(sampleData(10, 4), vector.MetricDot, 4, DefaultLocalZstdLevel)
	if err != nil {
		t.Fatalf("serialize failed: %v", err)
	}

	if err := VerifyChecksum(b); err != nil {
		t.Fatalf("checksum of intact segment failed: %v", err)
	}

	// Flip one byte in the middle of the block region.
	corrupt := append([]byte(nil), b...)
	corrupt[len(corrupt)/2] ^= 0xFF

	err = VerifyChecksum(corrupt)
	if err == nil {
		t.Fatal("expected checksum failure on corrupted segment")
	}
	var ce *CorruptError
	if !errors.As(err, &ce) {
		t.Errorf("expected CorruptError, got %T", err)
	}

	if _, _, err := Deserialize(corrupt, 4); err == nil {
		t.Error("deserialize must reject corrupted bytes")
	}

	// Truncation must also be rejected.
	if err := VerifyChecksum(b[:len(b)-10]); err == nil {
		t.Error("expected checksum failure on truncated segment")
	}

	// Bad magic.
	badMagic := append([]byte(nil), b...)
	badMagic[0] = 'X'
	if err := VerifyChecksum(badMagic); err == nil {
		t.Error("expected failure on bad magic")
	}
}

func TestChecksumStable(t *testing.T) {
	in := sampleData(5, 4)
	b, err := Serialize(in, vector.MetricL2, 4, DefaultLocalZstdLevel)
	if err != nil {
		t.Fatalf("serialize failed: %v", err)
	}
	if Checksum(b) == "" {
		t.Fatal("empty checksum")
	}
	_, info, err := Deserialize(b, 4)
	if err != nil {
		t.Fatalf("deserialize failed: %v", err)
	}
	if info.Checksum != Checksum(b) {
		t.Errorf("info checksum %q != computed %q", info.Checksum, Checksum(b))
	}
}
