package otlpexport

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/proto"

	collogspb "go.opentelemetry.io/proto/otlp/collector/logs/v1"
	colmetricspb "go.opentelemetry.io/proto/otlp/collector/metrics/v1"
)

// NewSender builds the configured transport.
func NewSender(cfg Config) (Sender, error) {
	switch cfg.Protocol {
	case "", "grpc":
		return newGRPCSender(cfg)
	case "http":
		return newHTTPSender(cfg), nil
	}
	return nil, fmt.Errorf("unknown otlp protocol %q (want grpc or http)", cfg.Protocol)
}

type grpcSender struct {
	conn    *grpc.ClientConn
	metrics colmetricspb.MetricsServiceClient
	logs    collogspb.LogsServiceClient
	headers map[string]string
}

func newGRPCSender(cfg Config) (*grpcSender, error) {
	target := strings.TrimPrefix(strings.TrimPrefix(cfg.Endpoint, "http://"), "grpc://")
	conn, err := grpc.NewClient(target, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, fmt.Errorf("otlp grpc dial %s: %w", target, err)
	}
	return &grpcSender{
		conn:    conn,
		metrics: colmetricspb.NewMetricsServiceClient(conn),
		logs:    collogspb.NewLogsServiceClient(conn),
		headers: cfg.Headers,
	}, nil
}

func (s *grpcSender) withHeaders(ctx context.Context) context.Context {
	if len(s.headers) == 0 {
		return ctx
	}
	return metadata.NewOutgoingContext(ctx, metadata.New(s.headers))
}

func (s *grpcSender) ExportMetrics(ctx context.Context, req *colmetricspb.ExportMetricsServiceRequest) error {
	_, err := s.metrics.Export(s.withHeaders(ctx), req)
	return classifyGRPC(err)
}

func (s *grpcSender) ExportLogs(ctx context.Context, req *collogspb.ExportLogsServiceRequest) error {
	_, err := s.logs.Export(s.withHeaders(ctx), req)
	return classifyGRPC(err)
}

func (s *grpcSender) Close() error { return s.conn.Close() }

// classifyGRPC marks transient status codes retryable.
func classifyGRPC(err error) error {
	if err == nil {
		return nil
	}
	st, ok := status.FromError(err)
	if !ok {
		return &ExportError{Err: err, Retryable: true}
	}
	switch st.Code() {
	case codes.Unavailable, codes.DeadlineExceeded, codes.ResourceExhausted, codes.Aborted:
		return &ExportError{Err: err, Retryable: true}
	}
	return &ExportError{Err: err, Retryable: false}
}

type httpSender struct {
	endpoint string
	client   *http.Client
	headers  map[string]string
}

func newHTTPSender(cfg Config) *httpSender {
	endpoint := strings.TrimSuffix(cfg.Endpoint, "/")
	return &httpSender{
		endpoint: endpoint,
		client:   &http.Client{Timeout: time.Duration(cfg.TimeoutSecs) * time.Second},
		headers:  cfg.Headers,
	}
}

func (s *httpSender) ExportMetrics(ctx context.Context, req *colmetricspb.ExportMetricsServiceRequest) error {
	return s.post(ctx, "/v1/metrics", req)
}

func (s *httpSender) ExportLogs(ctx context.Context, req *collogspb.ExportLogsServiceRequest) error {
	return s.post(ctx, "/v1/logs", req)
}

func (s *httpSender) Close() error {
	s.client.CloseIdleConnections()
	return nil
}

func (s *httpSender) post(ctx context.Context, path string, msg proto.Message) error {
	body, err := proto.Marshal(msg)
	if err != nil {
		return &ExportError{Err: err, Retryable: false}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.endpoint+path, bytes.NewReader(body))
	if err != nil {
		return &ExportError{Err: err, Retryable: false}
	}
	req.Header.Set("Content-Type", "application/x-protobuf")
	for k, v := range s.headers {
		req.Header.Set(k, v)
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return &ExportError{Err: err, Retryable: true}
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return &ExportError{Err: fmt.Errorf("otlp http status %d", resp.StatusCode), Retryable: true}
	}
	return &ExportError{Err: fmt.Errorf("otlp http status %d", resp.StatusCode), Retryable: false}
}
