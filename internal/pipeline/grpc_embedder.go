package pipeline

import (
	"context"
	"time"

	"data-rsync/internal/errs"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"
)

// EmbedMethod 模型服务的 gRPC 方法, 请求/响应均为 google.protobuf.Struct:
// 请求 {text, model, dimension}, 响应 {vector: [number]}
const EmbedMethod = "/rsync.embedding.v1.EmbeddingService/Embed"

// GRPCEmbedder 调用外部模型服务生成向量
type GRPCEmbedder struct {
	conn    *grpc.ClientConn
	model   string
	timeout time.Duration
}

func DialGRPCEmbedder(host, model string, timeout time.Duration, opts ...grpc.DialOption) (*GRPCEmbedder, error) {
	// 设置 16MB 限制
	maxMsgSize := 16 * 1024 * 1024
	base := []grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(
			grpc.MaxCallRecvMsgSize(maxMsgSize),
			grpc.MaxCallSendMsgSize(maxMsgSize),
		),
	}
	conn, err := grpc.NewClient(host, append(base, opts...)...)
	if err != nil {
		return nil, errs.Config("embedder.dial", err)
	}
	return NewGRPCEmbedder(conn, model, timeout), nil
}

func NewGRPCEmbedder(conn *grpc.ClientConn, model string, timeout time.Duration) *GRPCEmbedder {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &GRPCEmbedder{conn: conn, model: model, timeout: timeout}
}

func (e *GRPCEmbedder) Name() string { return "grpc:" + e.model }

func (e *GRPCEmbedder) Embed(ctx context.Context, text string, dim int) ([]float32, error) {
	if text == "" {
		return nil, errs.Dataf("embedder.embed", "empty text")
	}
	req, err := structpb.NewStruct(map[string]interface{}{
		"text":      text,
		"model":     e.model,
		"dimension": dim,
	})
	if err != nil {
		return nil, errs.Data("embedder.embed", err)
	}
	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	resp := &structpb.Struct{}
	if err := e.conn.Invoke(ctx, EmbedMethod, req, resp); err != nil {
		switch status.Code(err) {
		case codes.InvalidArgument, codes.FailedPrecondition, codes.OutOfRange:
			return nil, errs.Data("embedder.embed", err)
		case codes.Unimplemented, codes.PermissionDenied, codes.Unauthenticated:
			return nil, errs.Config("embedder.embed", err)
		}
		return nil, errs.Transient("embedder.embed", err)
	}
	list := resp.GetFields()["vector"].GetListValue()
	if list == nil {
		return nil, errs.Dataf("embedder.embed", "response has no vector")
	}
	vec := make([]float32, len(list.GetValues()))
	for i, v := range list.GetValues() {
		vec[i] = float32(v.GetNumberValue())
	}
	return vec, nil
}

func (e *GRPCEmbedder) Close() error {
	return e.conn.Close()
}
