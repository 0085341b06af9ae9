package secondstage

// ONNXOptions configures the ONNX keyword verifier.
type ONNXOptions struct {
	ModelPath   string
	LibraryPath string  // onnxruntime shared library; empty uses the runtime default
	Threshold   float64 // Probability at which a window matches
	SampleRate  int
}
