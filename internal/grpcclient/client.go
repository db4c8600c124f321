package grpcclient

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"github.com/example/face-check/internal/embedder"
	"github.com/example/face-check/internal/logging"
)

// EmbedMethod is the full gRPC method name served by the embedding model.
// It takes a google.protobuf.BytesValue image and answers with a
// google.protobuf.ListValue of numbers.
const EmbedMethod = "/facecheck.embedding.v1.EmbeddingService/Embed"

// EmbeddingProvider calls the external face-embedding model over gRPC.
type EmbeddingProvider struct {
	conn   *grpc.ClientConn
	health healthpb.HealthClient
	logger *zap.Logger
}

var (
	_ embedder.Provider      = (*EmbeddingProvider)(nil)
	_ embedder.HealthChecker = (*EmbeddingProvider)(nil)
)

// DialEmbeddingProvider returns a ready-to-use client for the model server.
func DialEmbeddingProvider(ctx context.Context, addr string, dialTimeout time.Duration, logger *zap.Logger, opts ...grpc.DialOption) (*EmbeddingProvider, *grpc.ClientConn, error) {
	dialCtx, cancel := context.WithTimeout(ctx, dialTimeout)
	defer cancel()

	dialOpts := append([]grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithBlock(),
	}, opts...)

	conn, err := grpc.DialContext(dialCtx, addr, dialOpts...)
	if err != nil {
		wrapped := logging.NewOperationError("grpcclient.dial_embedding_provider", "", err)
		logger.Error("failed to dial embedding provider", zap.Error(wrapped), zap.String("addr", addr))
		return nil, nil, wrapped
	}
	return NewEmbeddingProvider(conn, logger), conn, nil
}

// NewEmbeddingProvider wraps an existing connection.
func NewEmbeddingProvider(conn *grpc.ClientConn, logger *zap.Logger) *EmbeddingProvider {
	return &EmbeddingProvider{
		conn:   conn,
		health: healthpb.NewHealthClient(conn),
		logger: logger.Named("embedding_provider"),
	}
}

// Embed sends the image to the model and returns its embedding.
// A NotFound status or an empty vector means no face was detected.
func (p *EmbeddingProvider) Embed(ctx context.Context, image []byte) ([]float64, error) {
	out := &structpb.ListValue{}
	if err := p.conn.Invoke(ctx, EmbedMethod, wrapperspb.Bytes(image), out); err != nil {
		switch status.Code(err) {
		case codes.NotFound:
			return nil, embedder.ErrNoFaceDetected
		case codes.DeadlineExceeded:
			return nil, logging.NewOperationError("grpcclient.embed", "", context.DeadlineExceeded)
		case codes.Canceled:
			return nil, logging.NewOperationError("grpcclient.embed", "", context.Canceled)
		}
		wrapped := logging.NewOperationError("grpcclient.embed", "", err)
		p.logger.Error("embedding provider call failed", zap.Error(wrapped), zap.Int("image_bytes", len(image)))
		return nil, wrapped
	}

	values := out.GetValues()
	if len(values) == 0 {
		return nil, embedder.ErrNoFaceDetected
	}
	embedding := make([]float64, len(values))
	for i, v := range values {
		n, ok := v.GetKind().(*structpb.Value_NumberValue)
		if !ok {
			return nil, logging.NewOperationError("grpcclient.embed", "", fmt.Errorf("embedding element %d is not a number", i))
		}
		if math.IsNaN(n.NumberValue) || math.IsInf(n.NumberValue, 0) {
			return nil, logging.NewOperationError("grpcclient.embed", "", fmt.Errorf("embedding element %d is not finite: %v", i, n.NumberValue))
		}
		embedding[i] = n.NumberValue
	}
	return embedding, nil
}

// Ping asks the model server's health service whether it is serving.
func (p *EmbeddingProvider) Ping(ctx context.Context) error {
	resp, err := p.health.Check(ctx, &healthpb.HealthCheckRequest{})
	if err != nil {
		return logging.NewOperationError("grpcclient.ping", "", err)
	}
	if resp.GetStatus() != healthpb.HealthCheckResponse_SERVING {
		return logging.NewOperationError("grpcclient.ping", "", errors.New("embedding provider status "+resp.GetStatus().String()))
	}
	return nil
}
