package encoder

import (
	"context"
	"fmt"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/protobuf/types/known/structpb"
)

// The encoder service exchanges google.protobuf.Struct messages so that any
// process serving a pretrained transformer can implement it without sharing
// generated stubs:
//
//	Encode       {"texts": [string], "dim": number} -> {"vectors": [[number]]}
//	EncodeTokens {"text": string,    "dim": number} -> {"vectors": [[number]]}
const (
	serviceName        = "klue.encoder.v1.Encoder"
	encodeMethod       = "/" + serviceName + "/Encode"
	encodeTokensMethod = "/" + serviceName + "/EncodeTokens"
)

// #region client
// GRPCEncoder calls a remote pretrained-transformer encoder.
type GRPCEncoder struct {
	conn *grpc.ClientConn
	dim  int
}

// NewGRPCEncoder connects to the encoder service at addr.
func NewGRPCEncoder(addr string, dim int, opts ...grpc.DialOption) (*GRPCEncoder, error) {
	if len(opts) == 0 {
		opts = []grpc.DialOption{grpc.WithTransportCredentials(insecure.NewCredentials())}
	}
	conn, err := grpc.NewClient(addr, opts...)
	if err != nil {
		return nil, fmt.Errorf("grpc dial %s: %w", addr, err)
	}
	return &GRPCEncoder{conn: conn, dim: dim}, nil
}

// Close shuts down the gRPC connection.
func (c *GRPCEncoder) Close() error {
	return c.conn.Close()
}

// Dim returns the vector size the service was asked for.
func (c *GRPCEncoder) Dim() int { return c.dim }

// Encode pools each text remotely.
func (c *GRPCEncoder) Encode(ctx context.Context, texts []string) ([][]float32, error) {
	items := make([]any, len(texts))
	for i, t := range texts {
		items[i] = t
	}
	req, err := structpb.NewStruct(map[string]any{"texts": items, "dim": float64(c.dim)})
	if err != nil {
		return nil, fmt.Errorf("build encode request: %w", err)
	}
	resp := new(structpb.Struct)
	if err := c.conn.Invoke(ctx, encodeMethod, req, resp); err != nil {
		return nil, fmt.Errorf("encode rpc: %w", err)
	}
	vecs, err := decodeVectors(resp, c.dim)
	if err != nil {
		return nil, fmt.Errorf("encode rpc: %w", err)
	}
	if len(vecs) != len(texts) {
		return nil, fmt.Errorf("encode rpc: expected %d vectors, got %d", len(texts), len(vecs))
	}
	return vecs, nil
}

// EncodeTokens returns one remote vector per rune of text.
func (c *GRPCEncoder) EncodeTokens(ctx context.Context, text string) ([][]float32, error) {
	req, err := structpb.NewStruct(map[string]any{"text": text, "dim": float64(c.dim)})
	if err != nil {
		return nil, fmt.Errorf("build encode tokens request: %w", err)
	}
	resp := new(structpb.Struct)
	if err := c.conn.Invoke(ctx, encodeTokensMethod, req, resp); err != nil {
		return nil, fmt.Errorf("encode tokens rpc: %w", err)
	}
	vecs, err := decodeVectors(resp, c.dim)
	if err != nil {
		return nil, fmt.Errorf("encode tokens rpc: %w", err)
	}
	if n := len([]rune(text)); len(vecs) != n {
		return nil, fmt.Errorf("encode tokens rpc: expected %d vectors, got %d", n, len(vecs))
	}
	return vecs, nil
}

// #endregion client

// #region wire
func decodeVectors(resp *structpb.Struct, dim int) ([][]float32, error) {
	field, ok := resp.GetFields()["vectors"]
	if !ok {
		return nil, fmt.Errorf("response has no vectors field")
	}
	rows := field.GetListValue().GetValues()
	out := make([][]float32, len(rows))
	for i, row := range rows {
		vals := row.GetListValue().GetValues()
		if len(vals) != dim {
			return nil, fmt.Errorf("vector %d has %d values, want %d", i, len(vals), dim)
		}
		vec := make([]float32, dim)
		for j, v := range vals {
			vec[j] = float32(v.GetNumberValue())
		}
		out[i] = vec
	}
	return out, nil
}

func encodeVectors(vecs [][]float32) (*structpb.Struct, error) {
	rows := make([]any, len(vecs))
	for i, vec := range vecs {
		row := make([]any, len(vec))
		for j, v := range vec {
			row[j] = float64(v)
		}
		rows[i] = row
	}
	return structpb.NewStruct(map[string]any{"vectors": rows})
}

// #endregion wire

// #region server
// Server is the service implementation registered with RegisterServer.
type Server interface {
	Encode(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
	EncodeTokens(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
}

// ServiceDesc describes the encoder service for grpc.Server.RegisterService.
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*Server)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Encode", Handler: encodeHandler},
		{MethodName: "EncodeTokens", Handler: encodeTokensHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "klue/encoder/v1/encoder.proto",
}

// RegisterServer registers srv with s.
func RegisterServer(s grpc.ServiceRegistrar, srv Server) {
	s.RegisterService(&ServiceDesc, srv)
}

func encodeHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(structpb.Struct)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(Server).Encode(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: encodeMethod}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(Server).Encode(ctx, req.(*structpb.Struct))
	}
	return interceptor(ctx, in, info, handler)
}

func encodeTokensHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(structpb.Struct)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(Server).EncodeTokens(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: encodeTokensMethod}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(Server).EncodeTokens(ctx, req.(*structpb.Struct))
	}
	return interceptor(ctx, in, info, handler)
}

// Service serves any Encoder over the encoder protocol.
type Service struct {
	Encoder Encoder
}

// Encode implements Server.
func (s *Service) Encode(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	vals := req.GetFields()["texts"].GetListValue().GetValues()
	texts := make([]string, len(vals))
	for i, v := range vals {
		texts[i] = v.GetStringValue()
	}
	vecs, err := s.Encoder.Encode(ctx, texts)
	if err != nil {
		return nil, err
	}
	return encodeVectors(vecs)
}

// EncodeTokens implements Server.
func (s *Service) EncodeTokens(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	vecs, err := s.Encoder.EncodeTokens(ctx, req.GetFields()["text"].GetStringValue())
	if err != nil {
		return nil, err
	}
	return encodeVectors(vecs)
}

// #endregion server
