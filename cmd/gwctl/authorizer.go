package main

import (
	"context"
	"net/http"
	"time"

	"github.com/odin-gateway/gwctl/internal/config"
	"github.com/odin-gateway/gwctl/internal/envelope"
	"github.com/odin-gateway/gwctl/internal/ingress"
)

// noopAuthorizer allows every upgrade when routes.authorizer is unset.
type noopAuthorizer struct{}

func (noopAuthorizer) Authorize(ctx context.Context, req envelope.AuthorizerRequest) (map[string]any, error) {
	return nil, nil
}

// hookAuthorizer posts to the configured authorizer hook and returns its
// context blob, or an error on any non-200 response.
type hookAuthorizer struct {
	client *http.Client
	hook   *config.HookConfig
}

func newAuthorizer(hook *config.HookConfig) ingress.Authorizer {
	if hook == nil {
		return noopAuthorizer{}
	}
	return &hookAuthorizer{client: &http.Client{Timeout: 10 * time.Second}, hook: hook}
}

func (a *hookAuthorizer) Authorize(ctx context.Context, req envelope.AuthorizerRequest) (map[string]any, error) {
	var resp envelope.AuthorizerResponse
	if err := postJSON(ctx, a.client, a.hook.Endpoint, a.hook.Headers, req, &resp); err != nil {
		return nil, err
	}
	return resp.Context, nil
}
