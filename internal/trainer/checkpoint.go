package trainer

import (
	"errors"
	"fmt"
	"math"
	"os"

	"google.golang.org/protobuf/encoding/protowire"

	"github.com/chrisjihee/KLUE-baseline/internal/nn"
)

// ErrNoCheckpoint is returned when the best checkpoint is requested before one was saved.
var ErrNoCheckpoint = errors.New("no checkpoint saved")

// #region checkpoint
// Checkpoint is the on-disk training snapshot. It is encoded as a protobuf
// message:
//
//	1 epoch (varint)  2 global_step (varint)  3 monitor (string)
//	4 score (fixed64) 5 repeated param { 1 name (string) 2 values (packed fixed64) }
type Checkpoint struct {
	Epoch      int
	GlobalStep int
	Monitor    string
	Score      float64
	Params     map[string][]float64
}

// Snapshot captures the current parameter values.
func Snapshot(params []*nn.Param) map[string][]float64 {
	out := make(map[string][]float64, len(params))
	for _, p := range params {
		out[p.Name] = append([]float64(nil), p.Value...)
	}
	return out
}

// Restore copies checkpoint values into params. Every parameter must be present
// with a matching size.
func (c *Checkpoint) Restore(params []*nn.Param) error {
	for _, p := range params {
		vals, ok := c.Params[p.Name]
		if !ok {
			return fmt.Errorf("restore: parameter %s missing from checkpoint", p.Name)
		}
		if len(vals) != len(p.Value) {
			return fmt.Errorf("restore: parameter %s has %d values, checkpoint has %d", p.Name, len(p.Value), len(vals))
		}
		copy(p.Value, vals)
	}
	return nil
}

// Marshal encodes c in protobuf wire format. Parameters are written in the
// order of names.
func (c *Checkpoint) Marshal(names []string) []byte {
	var b []byte
	b = protowire.AppendTag(b, 1, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(c.Epoch))
	b = protowire.AppendTag(b, 2, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(c.GlobalStep))
	b = protowire.AppendTag(b, 3, protowire.BytesType)
	b = protowire.AppendString(b, c.Monitor)
	b = protowire.AppendTag(b, 4, protowire.Fixed64Type)
	b = protowire.AppendFixed64(b, math.Float64bits(c.Score))
	for _, name := range names {
		var p []byte
		p = protowire.AppendTag(p, 1, protowire.BytesType)
		p = protowire.AppendString(p, name)
		var packed []byte
		for _, v := range c.Params[name] {
			packed = protowire.AppendFixed64(packed, math.Float64bits(v))
		}
		p = protowire.AppendTag(p, 2, protowire.BytesType)
		p = protowire.AppendBytes(p, packed)

		b = protowire.AppendTag(b, 5, protowire.BytesType)
		b = protowire.AppendBytes(b, p)
	}
	return b
}

// UnmarshalCheckpoint decodes a checkpoint produced by Marshal.
func UnmarshalCheckpoint(b []byte) (*Checkpoint, error) {
	c := &Checkpoint{Params: make(map[string][]float64)}
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return nil, fmt.Errorf("decode tag: %w", protowire.ParseError(n))
		}
		b = b[n:]
		switch {
		case num == 1 && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return nil, fmt.Errorf("decode epoch: %w", protowire.ParseError(n))
			}
			c.Epoch, b = int(v), b[n:]
		case num == 2 && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return nil, fmt.Errorf("decode global_step: %w", protowire.ParseError(n))
			}
			c.GlobalStep, b = int(v), b[n:]
		case num == 3 && typ == protowire.BytesType:
			v, n := protowire.ConsumeString(b)
			if n < 0 {
				return nil, fmt.Errorf("decode monitor: %w", protowire.ParseError(n))
			}
			c.Monitor, b = v, b[n:]
		case num == 4 && typ == protowire.Fixed64Type:
			v, n := protowire.ConsumeFixed64(b)
			if n < 0 {
				return nil, fmt.Errorf("decode score: %w", protowire.ParseError(n))
			}
			c.Score, b = math.Float64frombits(v), b[n:]
		case num == 5 && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return nil, fmt.Errorf("decode param: %w", protowire.ParseError(n))
			}
			name, vals, err := decodeParam(v)
			if err != nil {
				return nil, err
			}
			c.Params[name], b = vals, b[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return nil, fmt.Errorf("skip field %d: %w", num, protowire.ParseError(n))
			}
			b = b[n:]
		}
	}
	return c, nil
}

func decodeParam(b []byte) (string, []float64, error) {
	var name string
	var vals []float64
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return "", nil, fmt.Errorf("decode param tag: %w", protowire.ParseError(n))
		}
		b = b[n:]
		switch {
		case num == 1 && typ == protowire.BytesType:
			v, n := protowire.ConsumeString(b)
			if n < 0 {
				return "", nil, fmt.Errorf("decode param name: %w", protowire.ParseError(n))
			}
			name, b = v, b[n:]
		case num == 2 && typ == protowire.BytesType:
			packed, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return "", nil, fmt.Errorf("decode param values: %w", protowire.ParseError(n))
			}
			if len(packed)%8 != 0 {
				return "", nil, fmt.Errorf("decode param values: %d bytes is not a multiple of 8", len(packed))
			}
			for len(packed) > 0 {
				v, m := protowire.ConsumeFixed64(packed)
				vals = append(vals, math.Float64frombits(v))
				packed = packed[m:]
			}
			b = b[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return "", nil, fmt.Errorf("skip param field %d: %w", num, protowire.ParseError(n))
			}
			b = b[n:]
		}
	}
	return name, vals, nil
}

// SaveCheckpoint writes params and training progress to path.
func SaveCheckpoint(path string, c *Checkpoint, params []*nn.Param) error {
	names := make([]string, len(params))
	for i, p := range params {
		names[i] = p.Name
	}
	if err := os.WriteFile(path, c.Marshal(names), 0o644); err != nil {
		return fmt.Errorf("write checkpoint: %w", err)
	}
	return nil
}

// LoadCheckpoint reads a checkpoint file.
func LoadCheckpoint(path string) (*Checkpoint, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read checkpoint: %w", err)
	}
	c, err := UnmarshalCheckpoint(b)
	if err != nil {
		return nil, fmt.Errorf("parse checkpoint %s: %w", path, err)
	}
	return c, nil
}

// #endregion checkpoint
