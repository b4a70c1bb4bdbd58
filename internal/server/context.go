package server

import (
	"context"
	"encoding/base64"
)

// ctxKey keys the request context stored in the router's context.
type ctxKey struct{}

func withRequestCtx(ctx context.Context, rc *RequestCtx) context.Context {
	return context.WithValue(ctx, ctxKey{}, rc)
}

func requestCtxFrom(ctx context.Context) *RequestCtx {
	rc, _ := ctx.Value(ctxKey{}).(*RequestCtx)
	return rc
}

// requestContext is the root context for one dispatched request.
func requestContext(*IncomingRequest) context.Context {
	return context.Background()
}

func base64Decode(s string) (string, error) {
	b, err := base64.StdEncoding.DecodeString(s)
	return string(b), err
}
