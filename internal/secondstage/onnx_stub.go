//go:build !onnx

package secondstage

import "errors"

// ErrONNXUnavailable is returned when the binary was built without the onnx tag.
var ErrONNXUnavailable = errors.New("secondstage: onnx matcher not available (build with -tags onnx)")

// ONNXAvailable reports that no ONNX matcher is compiled in.
func ONNXAvailable() bool { return false }

// NewONNXMatcher returns [ErrONNXUnavailable].
func NewONNXMatcher(ONNXOptions) (Matcher, error) {
	return nil, ErrONNXUnavailable
}
