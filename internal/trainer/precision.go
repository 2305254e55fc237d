package trainer

import (
	"github.com/x448/float16"

	"github.com/chrisjihee/KLUE-baseline/internal/nn"
)

// #region precision
// roundToHalf snaps every parameter to the nearest float16 value, emulating
// half-precision weights on top of float64 arithmetic.
func roundToHalf(params []*nn.Param) {
	for _, p := range params {
		for i, v := range p.Value {
			p.Value[i] = float64(float16.Fromfloat32(float32(v)).Float32())
		}
	}
}

// #endregion precision
