package clarifai

import (
	"context"
	"crypto/tls"

	clarifaiapi "github.com/Clarifai/clarifai-grpc-go/proto/clarifai/api"
	statuspb "github.com/Clarifai/clarifai-grpc-go/proto/clarifai/api/status"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/metadata"

	"github.com/example/image-analysis/internal/logging"
	"github.com/example/image-analysis/internal/vision"
)

// DefaultEndpoint is the provider's public gRPC endpoint.
const DefaultEndpoint = "api.clarifai.com:443"

// Config carries the provider credentials and model selection.
// ModelVersionID is optional; when empty the provider picks the latest version.
type Config struct {
	Endpoint       string
	PAT            string
	UserID         string
	AppID          string
	ModelID        string
	ModelVersionID string
}

// Dial connects to the provider and returns a ready-to-use vision client.
func Dial(ctx context.Context, cfg Config, logger *zap.Logger) (vision.Client, *grpc.ClientConn, error) {
	endpoint := cfg.Endpoint
	if endpoint == "" {
		endpoint = DefaultEndpoint
	}

	conn, err := grpc.DialContext(
		ctx,
		endpoint,
		grpc.WithTransportCredentials(credentials.NewTLS(&tls.Config{})),
	)
	if err != nil {
		wrapped := logging.NewOperationError("clarifai.dial", "", err)
		logger.Error("failed to dial vision provider", zap.Error(wrapped), zap.String("endpoint", endpoint))
		return nil, nil, wrapped
	}

	return &client{
		api:    clarifaiapi.NewV2Client(conn),
		cfg:    cfg,
		logger: logger.Named("clarifai"),
	}, conn, nil
}

type client struct {
	api    clarifaiapi.V2Client
	cfg    Config
	logger *zap.Logger
}

// AnalyzeBytes runs inference on a raw image payload.
func (c *client) AnalyzeBytes(ctx context.Context, imageBytes []byte) ([]vision.Prediction, error) {
	return c.analyze(ctx, &clarifaiapi.Image{Base64: imageBytes})
}

// AnalyzeURL runs inference on an image the provider fetches itself.
func (c *client) AnalyzeURL(ctx context.Context, imageURL string) ([]vision.Prediction, error) {
	return c.analyze(ctx, &clarifaiapi.Image{Url: imageURL})
}

func (c *client) analyze(ctx context.Context, image *clarifaiapi.Image) ([]vision.Prediction, error) {
	req := &clarifaiapi.PostModelOutputsRequest{
		UserAppId: &clarifaiapi.UserAppIDSet{UserId: c.cfg.UserID, AppId: c.cfg.AppID},
		ModelId:   c.cfg.ModelID,
		Inputs: []*clarifaiapi.Input{
			{Data: &clarifaiapi.Data{Image: image}},
		},
	}
	if c.cfg.ModelVersionID != "" {
		req.VersionId = c.cfg.ModelVersionID
	}

	callCtx := metadata.AppendToOutgoingContext(ctx, "authorization", "Key "+c.cfg.PAT)
	resp, err := c.api.PostModelOutputs(callCtx, req)
	if err != nil {
		provErr := &vision.ProviderError{Err: err}
		c.logger.Error("model outputs call failed", zap.Error(err))
		return nil, provErr
	}

	if code := resp.GetStatus().GetCode(); code != statuspb.StatusCode_SUCCESS {
		provErr := &vision.ProviderError{
			Code:        int32(code),
			Description: resp.GetStatus().GetDescription(),
		}
		c.logger.Error("provider returned non-success status",
			zap.Int32("code", int32(code)),
			zap.String("description", resp.GetStatus().GetDescription()),
		)
		return nil, provErr
	}

	if len(resp.GetOutputs()) == 0 {
		return nil, &vision.ProviderError{Description: "no outputs returned"}
	}

	return mapConcepts(resp.GetOutputs()), nil
}

// mapConcepts flattens provider concepts into the stable prediction shape.
func mapConcepts(outputs []*clarifaiapi.Output) []vision.Prediction {
	predictions := make([]vision.Prediction, 0)
	for _, output := range outputs {
		for _, concept := range output.GetData().GetConcepts() {
			predictions = append(predictions, vision.Prediction{
				Name:       concept.GetName(),
				Confidence: clampProbability(float64(concept.GetValue())),
			})
		}
	}
	return predictions
}

func clampProbability(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
