package translator

import "context"

// RequestTransform converts a request payload from one schema to another.
type RequestTransform func(model string, rawJSON []byte, stream bool) []byte

// ResponseStreamTransform converts one upstream frame into zero or more
// outbound frames. Transform state survives across calls through param.
type ResponseStreamTransform func(ctx context.Context, model string, originalRequestRawJSON, requestRawJSON, rawJSON []byte, param *any) []string

// ResponseNonStreamTransform converts a buffered upstream response body.
type ResponseNonStreamTransform func(ctx context.Context, model string, originalRequestRawJSON, requestRawJSON, rawJSON []byte, param *any) string

// ResponseTokenCountTransform renders a token count in the target schema.
type ResponseTokenCountTransform func(ctx context.Context, count int64) string

// ResponseTransform groups streaming and non-streaming transforms.
type ResponseTransform struct {
	Stream     ResponseStreamTransform
	NonStream  ResponseNonStreamTransform
	TokenCount ResponseTokenCountTransform
}
