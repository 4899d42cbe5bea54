// onnx.go
package diffuse

import (
	"fmt"
	"os"
	"sync"

	ort "github.com/yalue/onnxruntime_go"
)

var ortInit sync.Once

// findORTLibrary looks for libonnxruntime in common locations.
func findORTLibrary() string {
	candidates := []string{
		"/usr/lib/libonnxruntime.so",
		"/usr/local/lib/libonnxruntime.so",
		"/usr/local/lib/libonnxruntime.dylib",
		"/opt/homebrew/lib/libonnxruntime.dylib",
	}
	for _, p := range candidates {
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	return ""
}

func initORT() error {
	var err error
	ortInit.Do(func() {
		if !ort.IsInitialized() {
			if p := findORTLibrary(); p != "" {
				ort.SetSharedLibraryPath(p)
			}
			err = ort.InitializeEnvironment()
		}
	})
	return err
}

// ONNXPredictor adapts a noise/data predictor network exported to ONNX to
// the Predictor interface. The graph must take (sample, timestep) inputs,
// plus a condition input when CondShape is set, and emit one output of the
// sample's shape. A nil condition is fed as zeros, the suppressed branch
// of classifier-free guidance.
type ONNXPredictor struct {
	session   *ort.DynamicAdvancedSession
	condShape []int
}

// NewONNXPredictor loads the exported network. inputNames/outputNames name
// the graph tensors; condShape is the per-sample condition shape, nil for
// an unconditional network.
func NewONNXPredictor(modelPath string, inputNames, outputNames []string, condShape []int) (*ONNXPredictor, error) {
	if err := initORT(); err != nil {
		return nil, fmt.Errorf("onnxruntime init: %w", err)
	}
	opts, err := ort.NewSessionOptions()
	if err != nil {
		return nil, fmt.Errorf("session options: %w", err)
	}
	defer opts.Destroy()
	opts.SetGraphOptimizationLevel(ort.GraphOptimizationLevelEnableAll)

	session, err := ort.NewDynamicAdvancedSession(modelPath, inputNames, outputNames, opts)
	if err != nil {
		return nil, fmt.Errorf("load %s: %w", modelPath, err)
	}
	return &ONNXPredictor{session: session, condShape: condShape}, nil
}

func (p *ONNXPredictor) Close() error {
	return p.session.Destroy()
}

func ortShape(shape []int) ort.Shape {
	dims := make([]int64, len(shape))
	for i, s := range shape {
		dims[i] = int64(s)
	}
	return ort.NewShape(dims...)
}

// Predict runs one forward pass. The timestep is broadcast across the
// batch as a (n,) float32 tensor, matching the exported graphs' contract.
func (p *ONNXPredictor) Predict(_ EvalContext, x *Tensor, t float64, condition *Tensor) (*Tensor, error) {
	n := x.Shape[0]

	sample32 := make([]float32, x.Numel())
	for i, v := range x.Data {
		sample32[i] = float32(v)
	}
	sampleTensor, err := ort.NewTensor(ortShape(x.Shape), sample32)
	if err != nil {
		return nil, fmt.Errorf("sample tensor: %w", err)
	}
	defer sampleTensor.Destroy()

	ts := make([]float32, n)
	for i := range ts {
		ts[i] = float32(t)
	}
	tsTensor, err := ort.NewTensor(ort.NewShape(int64(n)), ts)
	if err != nil {
		return nil, fmt.Errorf("timestep tensor: %w", err)
	}
	defer tsTensor.Destroy()

	inputs := []ort.Value{sampleTensor, tsTensor}
	if p.condShape != nil {
		condData := make([]float32, n*numel(p.condShape))
		if condition != nil {
			if condition.Shape[0] != n {
				return nil, fmt.Errorf("condition batch %d does not match sample batch %d", condition.Shape[0], n)
			}
			for i, v := range condition.Data {
				condData[i] = float32(v)
			}
		}
		condTensor, err := ort.NewTensor(ortShape(append([]int{n}, p.condShape...)), condData)
		if err != nil {
			return nil, fmt.Errorf("condition tensor: %w", err)
		}
		defer condTensor.Destroy()
		inputs = append(inputs, condTensor)
	}

	// Run with nil outputs so ORT allocates them.
	outputs := make([]ort.Value, 1)
	if err := p.session.Run(inputs, outputs); err != nil {
		return nil, fmt.Errorf("predictor run: %w", err)
	}
	defer func() {
		for _, o := range outputs {
			if o != nil {
				o.Destroy()
			}
		}
	}()

	outTensor, ok := outputs[0].(*ort.Tensor[float32])
	if !ok {
		return nil, fmt.Errorf("unsupported output tensor type %T", outputs[0])
	}
	src := outTensor.GetData()
	if len(src) != x.Numel() {
		return nil, fmt.Errorf("predictor output has %d elements, want %d", len(src), x.Numel())
	}
	out := NewTensor(x.Shape...)
	for i, v := range src {
		out.Data[i] = float64(v)
	}
	return out, nil
}

func numel(shape []int) int {
	n := 1
	for _, s := range shape {
		n *= s
	}
	return n
}
