package analysis

import (
	"context"
	"fmt"
	"log"
	"sync/atomic"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/keepalive"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"livecam/internal/pipeline"
)

const (
	analyzerServiceName = "livecam.analysis.v1.Analyzer"
	analyzeMethod       = "/" + analyzerServiceName + "/Analyze"
)

// GRPCAnalyzer sends frames to a remote analysis service over a unary gRPC call.
// The request is the JPEG frame as a BytesValue; the response is a Struct
// shaped like {faces: [{left, top, width, height, label, confidence, attributes}], tags: [{name, confidence}]}.
type GRPCAnalyzer struct {
	endpoint string
	conn     *grpc.ClientConn
	calls    atomic.Uint64
}

// GRPCConfig holds configuration for the gRPC analyzer
type GRPCConfig struct {
	Endpoint    string
	DialOptions []grpc.DialOption // Appended to the defaults
}

// NewGRPCAnalyzer creates a client for the analysis service. The connection is
// established lazily on the first call.
func NewGRPCAnalyzer(config GRPCConfig) (*GRPCAnalyzer, error) {
	if config.Endpoint == "" {
		return nil, fmt.Errorf("analysis service endpoint is required")
	}

	kacp := keepalive.ClientParameters{
		Time:                10 * time.Second,
		Timeout:             5 * time.Second,
		PermitWithoutStream: true,
	}

	opts := append([]grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithKeepaliveParams(kacp),
	}, config.DialOptions...)

	conn, err := grpc.NewClient(config.Endpoint, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create client: %w", err)
	}

	log.Printf("[GRPCAnalyzer] Using analysis service at %s", config.Endpoint)
	return &GRPCAnalyzer{endpoint: config.Endpoint, conn: conn}, nil
}

// Name returns the API name used in failure messages
func (a *GRPCAnalyzer) Name() string { return "Analysis service" }

// Calls returns the number of Analyze calls issued
func (a *GRPCAnalyzer) Calls() uint64 { return a.calls.Load() }

// Close closes the connection
func (a *GRPCAnalyzer) Close() error {
	return a.conn.Close()
}

// Analyze sends the frame and decodes the response Struct
func (a *GRPCAnalyzer) Analyze(ctx context.Context, frame *pipeline.VideoFrame) (Result, error) {
	data, err := encodeJPEG(frame.Image)
	if err != nil {
		return Result{}, err
	}

	a.calls.Add(1)
	out := new(structpb.Struct)
	if err := a.conn.Invoke(ctx, analyzeMethod, wrapperspb.Bytes(data), out); err != nil {
		return Result{}, a.convertError(err)
	}
	return ResultFromStruct(out)
}

// convertError reports errors raised by the service itself as APIError and
// leaves transport and cancellation errors as they are
func (a *GRPCAnalyzer) convertError(err error) error {
	st, ok := status.FromError(err)
	if !ok {
		return err
	}
	switch st.Code() {
	case codes.Unavailable, codes.Canceled, codes.DeadlineExceeded:
		return fmt.Errorf("analysis call failed: %w", err)
	}
	return &APIError{API: a.Name(), StatusCode: int(st.Code()), Code: st.Code().String(), Message: st.Message()}
}

// AnalyzerServer is implemented by processes serving the analysis contract
type AnalyzerServer interface {
	Analyze(ctx context.Context, image *wrapperspb.BytesValue) (*structpb.Struct, error)
}

// RegisterAnalyzerServer registers srv on s
func RegisterAnalyzerServer(s grpc.ServiceRegistrar, srv AnalyzerServer) {
	s.RegisterService(&analyzerServiceDesc, srv)
}

func analyzeHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(wrapperspb.BytesValue)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(AnalyzerServer).Analyze(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: analyzeMethod}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(AnalyzerServer).Analyze(ctx, req.(*wrapperspb.BytesValue))
	}
	return interceptor(ctx, in, info, handler)
}

var analyzerServiceDesc = grpc.ServiceDesc{
	ServiceName: analyzerServiceName,
	HandlerType: (*AnalyzerServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Analyze", Handler: analyzeHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "livecam/analysis/v1/analyzer.proto",
}

// ResultToStruct encodes a result in the wire shape of the analysis service
func ResultToStruct(r Result) (*structpb.Struct, error) {
	faces := make([]any, 0, len(r.Faces))
	for _, f := range r.Faces {
		attrs := make(map[string]any, len(f.Attributes))
		for k, v := range f.Attributes {
			attrs[k] = v
		}
		faces = append(faces, map[string]any{
			"left":       f.Rect.Left,
			"top":        f.Rect.Top,
			"width":      f.Rect.Width,
			"height":     f.Rect.Height,
			"label":      f.Label,
			"confidence": f.Confidence,
			"attributes": attrs,
		})
	}

	tags := make([]any, 0, len(r.Tags))
	for _, t := range r.Tags {
		tags = append(tags, map[string]any{"name": t.Name, "confidence": t.Confidence})
	}

	return structpb.NewStruct(map[string]any{"faces": faces, "tags": tags})
}

// ResultFromStruct decodes a response Struct. Missing fields are zero.
func ResultFromStruct(s *structpb.Struct) (Result, error) {
	var result Result
	if s == nil {
		return result, nil
	}
	m := s.AsMap()

	if raw, ok := m["faces"]; ok && raw != nil {
		list, ok := raw.([]any)
		if !ok {
			return Result{}, fmt.Errorf("faces: expected list, got %T", raw)
		}
		result.Faces = make([]pipeline.DetectedRegion, 0, len(list))
		for i, item := range list {
			face, ok := item.(map[string]any)
			if !ok {
				return Result{}, fmt.Errorf("faces[%d]: expected object, got %T", i, item)
			}
			region := pipeline.DetectedRegion{
				Rect: pipeline.Rect{
					Left:   intField(face, "left"),
					Top:    intField(face, "top"),
					Width:  intField(face, "width"),
					Height: intField(face, "height"),
				},
				Confidence: float32(floatField(face, "confidence")),
			}
			region.Label, _ = face["label"].(string)
			if attrs, ok := face["attributes"].(map[string]any); ok && len(attrs) > 0 {
				region.Attributes = make(map[string]string, len(attrs))
				for k, v := range attrs {
					region.Attributes[k] = fmt.Sprint(v)
				}
			}
			result.Faces = append(result.Faces, region)
		}
	}

	if raw, ok := m["tags"]; ok && raw != nil {
		list, ok := raw.([]any)
		if !ok {
			return Result{}, fmt.Errorf("tags: expected list, got %T", raw)
		}
		for i, item := range list {
			tag, ok := item.(map[string]any)
			if !ok {
				return Result{}, fmt.Errorf("tags[%d]: expected object, got %T", i, item)
			}
			name, _ := tag["name"].(string)
			result.Tags = append(result.Tags, Tag{Name: name, Confidence: float32(floatField(tag, "confidence"))})
		}
	}

	return result, nil
}

func floatField(m map[string]any, key string) float64 {
	v, _ := m[key].(float64)
	return v
}

func intField(m map[string]any, key string) int {
	return int(floatField(m, key))
}
