package main

import (
	"context"
	"testing"

	"github.com/odin-gateway/gwctl/internal/config"
	"github.com/odin-gateway/gwctl/internal/envelope"
	"github.com/odin-gateway/gwctl/internal/routing"
	"github.com/rs/zerolog"
)

func TestToGatewayHookNilPassesThrough(t *testing.T) {
	if got := toGatewayHook(nil); got != nil {
		t.Fatalf("expected nil, got %+v", got)
	}
}

func TestToGatewayHookCopiesFields(t *testing.T) {
	h := &config.HookConfig{Endpoint: "http://connect", Headers: map[string]string{"x": "y"}}
	got := toGatewayHook(h)
	if got.Endpoint != h.Endpoint || got.Headers["x"] != "y" {
		t.Fatalf("expected fields copied, got %+v", got)
	}
}

func TestBuildWorkerRegexMode(t *testing.T) {
	cfg := &config.WorkerConfig{
		GroupID: "g1",
		EngineMode: config.EngineMode{
			Mode: "regex",
			Regex: []config.RegexRule{
				{Regex: "^ping$", Route: config.HookConfig{Endpoint: "http://dest/p"}},
			},
		},
	}
	w, err := buildWorker(cfg, zerolog.Nop())
	if err != nil {
		t.Fatalf("buildWorker: %v", err)
	}
	if w.RegexRouter == nil || w.RulesEngine != nil {
		t.Fatalf("expected regex router wired and no rules engine, got %+v", w)
	}
	dest, err := w.RegexRouter.Resolve("ping")
	if err != nil || dest.Endpoint != "http://dest/p" {
		t.Fatalf("expected resolved route, got %+v err=%v", dest, err)
	}
}

func TestBuildWorkerDSSMode(t *testing.T) {
	cfg := &config.WorkerConfig{
		GroupID: "g1",
		EngineMode: config.EngineMode{
			Mode:        "dss",
			RulesEngine: &config.HookConfig{Endpoint: "http://rules"},
		},
	}
	w, err := buildWorker(cfg, zerolog.Nop())
	if err != nil {
		t.Fatalf("buildWorker: %v", err)
	}
	if w.RulesEngine == nil || w.RegexRouter != nil {
		t.Fatalf("expected rules engine wired and no regex router, got %+v", w)
	}
}

func TestBuildWorkerUnknownModeErrors(t *testing.T) {
	cfg := &config.WorkerConfig{GroupID: "g1", EngineMode: config.EngineMode{Mode: "bogus"}}
	if _, err := buildWorker(cfg, zerolog.Nop()); err == nil {
		t.Fatalf("expected error for unsupported engine mode")
	}
}

func TestNewAuthorizerNilHookAllowsAll(t *testing.T) {
	a := newAuthorizer(nil)
	authCtx, _ := a.Authorize(context.Background(), envelope.AuthorizerRequest{})
	if authCtx != nil {
		t.Fatalf("expected nil context from noop authorizer, got %+v", authCtx)
	}
}

var _ routing.Router = (*routing.RegexRouter)(nil)
