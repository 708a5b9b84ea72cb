package index

import (
	"encoding/binary"
	"fmt"
	"math"
	"math/rand"

	"github.com/aifocal/akidb/internal/doc"
	"github.com/aifocal/akidb/internal/vector"
	"github.com/zeebo/xxh3"
)

// Index Handle Envelope:
//   Magic "AKIX" (4B) │ Version (2B) │ Provider (1B) │ Metric (1B)
//   Dim (4B) │ Count (4B) │ Body │ XXH3 (8B, over everything before it)
// Bodies:
//   bruteforce: per doc {ID 16B, Vector dim×4B, PayloadLen 4B, Payload}
//   hnsw: M (4B) │ EfC (4B) │ EfSearch (4B) │ Entry (4B, int32) │ MaxLevel (4B)
//         then per node {ID, Vector, PayloadLen, Payload, Levels (4B),
//         per layer: NeighborCount (4B) + node indices (4B each)}

const (
	indexMagic   uint32 = 0x414b4958 // "AKIX"
	indexVersion uint16 = 1

	providerBruteForce uint8 = 1
	providerHNSW       uint8 = 2

	envelopeHeaderSize = 16
)

// Deserialize restores a handle of either provider from serialized bytes.
func Deserialize(b []byte) (Handle, error) {
	return deserializeHandle(b, 0)
}

func writeEnvelopeHeader(buf []byte, provider uint8, metric vector.Metric, dim uint32, count uint32) {
	binary.LittleEndian.PutUint32(buf[0:4], indexMagic)
	binary.LittleEndian.PutUint16(buf[4:6], indexVersion)
	buf[6] = provider
	buf[7] = byte(metric)
	binary.LittleEndian.PutUint32(buf[8:12], dim)
	binary.LittleEndian.PutUint32(buf[12:16], count)
}

func sealEnvelope(body []byte) []byte {
	sum := make([]byte, 8)
	binary.LittleEndian.PutUint64(sum, xxh3.Hash(body))
	return append(body, sum...)
}

func openEnvelope(b []byte) (provider uint8, metric vector.Metric, dim, count uint32, body []byte, err error) {
	if len(b) < envelopeHeaderSize+8 {
		return 0, 0, 0, 0, nil, fmt.Errorf("index bytes too short: %d", len(b))
	}
	payload, sum := b[:len(b)-8], binary.LittleEndian.Uint64(b[len(b)-8:])
	if xxh3.Hash(payload) != sum {
		return 0, 0, 0, 0, nil, fmt.Errorf("index checksum mismatch")
	}
	if binary.LittleEndian.Uint32(payload[0:4]) != indexMagic {
		return 0, 0, 0, 0, nil, fmt.Errorf("bad index magic")
	}
	if v := binary.LittleEndian.Uint16(payload[4:6]); v != indexVersion {
		return 0, 0, 0, 0, nil, fmt.Errorf("unsupported index version %d", v)
	}
	provider = payload[6]
	metric = vector.Metric(payload[7])
	dim = binary.LittleEndian.Uint32(payload[8:12])
	count = binary.LittleEndian.Uint32(payload[12:16])
	return provider, metric, dim, count, payload[envelopeHeaderSize:], nil
}

func appendDoc(buf []byte, d doc.Document) []byte {
	buf = append(buf, d.ID[:]...)
	for _, x := range d.Vector {
		buf = binary.LittleEndian.AppendUint32(buf, math.Float32bits(x))
	}
	buf = binary.LittleEndian.AppendUint32(buf, uint32(len(d.Payload)))
	buf = append(buf, d.Payload...)
	return buf
}

func readDoc(b []byte, dim uint32) (doc.Document, []byte, error) {
	need := 16 + int(dim)*4 + 4
	if len(b) < need {
		return doc.Document{}, nil, fmt.Errorf("truncated document record")
	}
	var d doc.Document
	copy(d.ID[:], b[:16])
	off := 16
	v := make(vector.Vector, dim)
	for i := range v {
		v[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[off:]))
		off += 4
	}
	d.Vector = v
	plen := int(binary.LittleEndian.Uint32(b[off:]))
	off += 4
	if len(b) < off+plen {
		return doc.Document{}, nil, fmt.Errorf("truncated document payload")
	}
	if plen > 0 {
		d.Payload = doc.Payload(append([]byte(nil), b[off:off+plen]...))
	}
	return d, b[off+plen:], nil
}

func serializeFlat(provider uint8, metric vector.Metric, dim uint32, docs []doc.Document) ([]byte, error) {
	buf := make([]byte, envelopeHeaderSize)
	writeEnvelopeHeader(buf, provider, metric, dim, uint32(len(docs)))
	for _, d := range docs {
		buf = appendDoc(buf, d)
	}
	return sealEnvelope(buf), nil
}

func serializeHNSW(h *hnswHandle) ([]byte, error) {
	buf := make([]byte, envelopeHeaderSize)
	writeEnvelopeHeader(buf, providerHNSW, h.metric, h.dim, uint32(len(h.nodes)))

	buf = binary.LittleEndian.AppendUint32(buf, uint32(h.m))
	buf = binary.LittleEndian.AppendUint32(buf, uint32(h.efC))
	buf = binary.LittleEndian.AppendUint32(buf, uint32(h.efSearch))
	buf = binary.LittleEndian.AppendUint32(buf, uint32(h.entry))
	buf = binary.LittleEndian.AppendUint32(buf, uint32(h.maxLevel))

	for _, n := range h.nodes {
		buf = appendDoc(buf, doc.Document{ID: n.id, Vector: n.vec, Payload: n.payload})
		buf = binary.LittleEndian.AppendUint32(buf, uint32(len(n.neighbors)))
		for _, layer := range n.neighbors {
			buf = binary.LittleEndian.AppendUint32(buf, uint32(len(layer)))
			for _, nb := range layer {
				buf = binary.LittleEndian.AppendUint32(buf, nb)
			}
		}
	}
	return sealEnvelope(buf), nil
}

func deserializeHandle(b []byte, wantProvider uint8) (Handle, error) {
	provider, metric, dim, count, body, err := openEnvelope(b)
	if err != nil {
		return nil, err
	}
	if wantProvider != 0 && provider != wantProvider {
		return nil, fmt.Errorf("index provider tag %d, want %d", provider, wantProvider)
	}

	switch provider {
	case providerBruteForce:
		handle, err := BruteForce{}.New(dim, metric)
		if err != nil {
			return nil, err
		}
		bh := handle.(*bruteHandle)
		for i := uint32(0); i < count; i++ {
			var d doc.Document
			d, body, err = readDoc(body, dim)
			if err != nil {
				return nil, err
			}
			fields, _ := d.Payload.Fields()
			// Vectors were normalized before serialization; store as-is.
			bh.docs[d.ID] = bruteEntry{vec: d.Vector, payload: d.Payload, fields: fields}
		}
		return bh, nil

	case providerHNSW:
		if len(body) < 20 {
			return nil, fmt.Errorf("truncated hnsw parameters")
		}
		m := int(binary.LittleEndian.Uint32(body[0:4]))
		efC := int(binary.LittleEndian.Uint32(body[4:8]))
		efSearch := int(binary.LittleEndian.Uint32(body[8:12]))
		entry := int32(binary.LittleEndian.Uint32(body[12:16]))
		maxLevel := int(binary.LittleEndian.Uint32(body[16:20]))
		body = body[20:]

		h := &hnswHandle{
			dim:      dim,
			metric:   metric,
			m:        m,
			maxM0:    m * 2,
			efC:      efC,
			efSearch: efSearch,
			ml:       1 / math.Log(float64(m)),
			entry:    entry,
			maxLevel: maxLevel,
			byID:     make(map[doc.ID]uint32, count),
			rng:      rand.New(rand.NewSource(hnswSeed)),
		}
		for i := uint32(0); i < count; i++ {
			var d doc.Document
			var err error
			d, body, err = readDoc(body, dim)
			if err != nil {
				return nil, err
			}
			if len(body) < 4 {
				return nil, fmt.Errorf("truncated hnsw node %d", i)
			}
			levels := binary.LittleEndian.Uint32(body)
			body = body[4:]
			neighbors := make([][]uint32, levels)
			for l := range neighbors {
				if len(body) < 4 {
					return nil, fmt.Errorf("truncated hnsw adjacency at node %d", i)
				}
				n := binary.LittleEndian.Uint32(body)
				body = body[4:]
				if len(body) < int(n)*4 {
					return nil, fmt.Errorf("truncated hnsw neighbor list at node %d", i)
				}
				layer := make([]uint32, n)
				for j := range layer {
					layer[j] = binary.LittleEndian.Uint32(body)
					body = body[4:]
				}
				neighbors[l] = layer
			}
			fields, _ := d.Payload.Fields()
			h.nodes = append(h.nodes, &hnswNode{
				id: d.ID, vec: d.Vector, payload: d.Payload, fields: fields, neighbors: neighbors,
			})
			h.byID[d.ID] = i
		}
		if int(count) != len(h.nodes) {
			return nil, fmt.Errorf("hnsw node count mismatch")
		}
		return h, nil

	default:
		return nil, fmt.Errorf("unknown index provider tag %d", provider)
	}
}
