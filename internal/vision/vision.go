package vision

import (
	"context"
	"fmt"
)

// Prediction is a single concept returned by the vision provider.
// Confidence is a probability in [0,1].
type Prediction struct {
	Name       string  `json:"name"`
	Confidence float64 `json:"confidence"`
}

// Client exposes the subset of the provider's API used by the analysis flow.
type Client interface {
	AnalyzeBytes(ctx context.Context, imageBytes []byte) ([]Prediction, error)
	AnalyzeURL(ctx context.Context, imageURL string) ([]Prediction, error)
}

// ProviderError reports a failed inference call, either a non-success
// status returned by the provider or a transport failure reaching it.
type ProviderError struct {
	Code        int32
	Description string
	Err         error
}

// Error implements the error interface.
func (e *ProviderError) Error() string {
	if e == nil {
		return ""
	}
	if e.Code != 0 {
		return fmt.Sprintf("provider status %d: %s", e.Code, e.Description)
	}
	if e.Err != nil {
		return fmt.Sprintf("provider unreachable: %v", e.Err)
	}
	return "provider error"
}

// Unwrap returns the underlying transport error, if any.
func (e *ProviderError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}
