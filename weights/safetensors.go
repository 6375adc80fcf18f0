package weights

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"

	"github.com/d4l3k/go-bfloat16"
	"github.com/x448/float16"
	"golang.org/x/exp/maps"
)

type safetensorMetadata struct {
	Type    string  `json:"dtype"`
	Shape   []int   `json:"shape"`
	Offsets []int64 `json:"data_offsets"`
}

func readSafetensors(path string) ([]Tensor, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var n int64
	if err := binary.Read(f, binary.LittleEndian, &n); err != nil {
		return nil, fmt.Errorf("read header size: %w", err)
	}

	b := bytes.NewBuffer(make([]byte, 0, n))
	if _, err := io.CopyN(b, f, n); err != nil {
		return nil, fmt.Errorf("read header: %w", err)
	}

	var headers map[string]safetensorMetadata
	if err := json.NewDecoder(b).Decode(&headers); err != nil {
		return nil, fmt.Errorf("decode header: %w", err)
	}

	// The remainder of the file is one data region addressed by the
	// per-tensor offsets.
	data, err := io.ReadAll(f)
	if err != nil {
		return nil, fmt.Errorf("read tensor data: %w", err)
	}

	keys := maps.Keys(headers)
	slices.Sort(keys)

	ts := make([]Tensor, 0, len(headers))
	for _, key := range keys {
		if key == "__metadata__" {
			continue
		}

		value := headers[key]
		t, err := decodeSafetensor(key, value, data)
		if err != nil {
			return nil, err
		}
		ts = append(ts, t)
	}

	slog.Debug("read safetensors checkpoint", "path", path, "tensors", len(ts))
	return ts, nil
}

func decodeSafetensor(name string, meta safetensorMetadata, data []byte) (Tensor, error) {
	t := Tensor{Name: name, Shape: meta.Shape}

	var width int64
	switch meta.Type {
	case "F32":
		width = 4
	case "F16", "BF16":
		width = 2
	default:
		return Tensor{}, fmt.Errorf("tensor %q: unknown data type: %s", name, meta.Type)
	}

	if len(meta.Offsets) != 2 {
		return Tensor{}, fmt.Errorf("tensor %q: malformed data offsets", name)
	}

	begin, end := meta.Offsets[0], meta.Offsets[1]
	if begin < 0 || end < begin || end > int64(len(data)) {
		return Tensor{}, fmt.Errorf("tensor %q: data offsets [%d, %d) out of bounds", name, begin, end)
	}

	if want := int64(t.Elements()) * width; end-begin != want {
		return Tensor{}, fmt.Errorf("tensor %q: have %d bytes, want %d for shape %v", name, end-begin, want, meta.Shape)
	}

	r := bytes.NewReader(data[begin:end])
	switch meta.Type {
	case "F32":
		t.Data = make([]float32, t.Elements())
		if err := binary.Read(r, binary.LittleEndian, t.Data); err != nil {
			return Tensor{}, fmt.Errorf("tensor %q: %w", name, err)
		}
	case "F16":
		u16s := make([]uint16, t.Elements())
		if err := binary.Read(r, binary.LittleEndian, u16s); err != nil {
			return Tensor{}, fmt.Errorf("tensor %q: %w", name, err)
		}

		t.Data = make([]float32, len(u16s))
		for i := range u16s {
			t.Data[i] = float16.Frombits(u16s[i]).Float32()
		}
	case "BF16":
		t.Data = bfloat16.DecodeFloat32(data[begin:end])
	}

	return t, nil
}
