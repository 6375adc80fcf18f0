package weights

import (
	"fmt"
	"log/slog"

	"github.com/nlpodyssey/gopickle/pytorch"
	"github.com/nlpodyssey/gopickle/types"
)

func readTorch(path string) ([]Tensor, error) {
	m, err := pytorch.Load(path)
	if err != nil {
		return nil, fmt.Errorf("unpickle %s: %w", path, err)
	}

	ts, err := flattenTorch(m, "")
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}

	slog.Debug("read torch checkpoint", "path", path, "tensors", len(ts))
	return ts, nil
}

// flattenTorch walks the unpickled object and collects every tensor it
// holds. Checkpoints are either a bare tensor or arbitrarily nested
// dicts of tensors; nested keys are joined with dots, so the conv
// weight of entry "q_proj" becomes "q_proj.weight".
func flattenTorch(obj any, prefix string) ([]Tensor, error) {
	switch v := obj.(type) {
	case *pytorch.Tensor:
		t, err := convertTorchTensor(v, prefix)
		if err != nil {
			return nil, err
		}
		return []Tensor{t}, nil
	case *types.Dict:
		var ts []Tensor
		for _, k := range v.Keys() {
			key, ok := k.(string)
			if !ok {
				return nil, fmt.Errorf("unexpected dict key type %T", k)
			}

			sub, err := flattenTorch(v.MustGet(k), joinName(prefix, key))
			if err != nil {
				return nil, err
			}
			ts = append(ts, sub...)
		}
		return ts, nil
	case *types.OrderedDict:
		var ts []Tensor
		for el := v.List.Back(); el != nil; el = el.Prev() {
			e := el.Value.(*types.OrderedDictEntry)
			key, ok := e.Key.(string)
			if !ok {
				return nil, fmt.Errorf("unexpected dict key type %T", e.Key)
			}

			sub, err := flattenTorch(e.Value, joinName(prefix, key))
			if err != nil {
				return nil, err
			}
			// walking Last to first reverses insertion order
			ts = append(sub, ts...)
		}
		return ts, nil
	default:
		return nil, fmt.Errorf("unsupported object %T in checkpoint", obj)
	}
}

func joinName(prefix, key string) string {
	if prefix == "" {
		return key
	}
	return prefix + "." + key
}

func convertTorchTensor(t *pytorch.Tensor, name string) (Tensor, error) {
	var f32s []float32
	switch s := t.Source.(type) {
	case *pytorch.FloatStorage:
		f32s = s.Data
	case *pytorch.HalfStorage:
		f32s = s.Data
	case *pytorch.BFloat16Storage:
		f32s = s.Data
	default:
		return Tensor{}, fmt.Errorf("tensor %q: unknown data type: %T", name, s)
	}

	out := Tensor{Name: name, Shape: append([]int(nil), t.Size...)}

	begin := t.StorageOffset
	end := begin + out.Elements()
	if begin < 0 || end > len(f32s) {
		return Tensor{}, fmt.Errorf("tensor %q: storage has %d elements, need %d", name, len(f32s), end)
	}

	out.Data = append([]float32(nil), f32s[begin:end]...)
	return out, nil
}
