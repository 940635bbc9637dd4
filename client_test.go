package parley

import (
	"context"
	"errors"
	"testing"

	"github.com/parleyai/parley/core"
	"github.com/parleyai/parley/internal/testutil"
)

func userReq(model, text string) core.Request {
	return core.Request{Model: model, Turns: []core.Turn{core.UserTextTurn(text)}}
}

func TestClientRoutesModelString(t *testing.T) {
	mock := testutil.NewMockProvider()
	client := NewClient(WithProvider("mock", mock))

	reply, err := client.Generate(context.Background(), userReq("mock/test-model", "hi"))
	if err != nil {
		t.Fatalf("Generate failed: %v", err)
	}
	if reply.Text() != "mock response" {
		t.Fatalf("unexpected reply text %q", reply.Text())
	}
	if len(mock.Calls) != 1 {
		t.Fatalf("expected 1 provider call, got %d", len(mock.Calls))
	}
	if got := mock.Calls[0].Model; got != "test-model" {
		t.Fatalf("provider should receive the bare model id, got %q", got)
	}
}

func TestClientModelMayContainSlashes(t *testing.T) {
	mock := testutil.NewMockProvider()
	client := NewClient(WithProvider("mock", mock))

	if _, err := client.Generate(context.Background(), userReq("mock/meta-llama/llama-3-70b", "hi")); err != nil {
		t.Fatalf("Generate failed: %v", err)
	}
	if got := mock.Calls[0].Model; got != "meta-llama/llama-3-70b" {
		t.Fatalf("slash in model id lost: %q", got)
	}
}

func TestClientAliasAndDefault(t *testing.T) {
	mock := testutil.NewMockProvider()
	client := NewClient(
		WithProvider("mock", mock),
		WithAlias("fast", "mock/quick-model"),
		WithDefaultModel("mock/fallback-model"),
	)
	ctx := context.Background()

	if _, err := client.Generate(ctx, userReq("fast", "hi")); err != nil {
		t.Fatalf("alias generate failed: %v", err)
	}
	if got := mock.Calls[0].Model; got != "quick-model" {
		t.Fatalf("alias did not resolve, provider saw %q", got)
	}

	if _, err := client.Generate(ctx, userReq("", "hi")); err != nil {
		t.Fatalf("default generate failed: %v", err)
	}
	if got := mock.Calls[1].Model; got != "fallback-model" {
		t.Fatalf("default model did not apply, provider saw %q", got)
	}
}

func TestClientRuntimeAliases(t *testing.T) {
	mock := testutil.NewMockProvider()
	client := NewClient(WithProvider("mock", mock))

	client.SetAlias("m", "mock/runtime-model")
	if model, ok := client.GetAlias("m"); !ok || model != "mock/runtime-model" {
		t.Fatalf("GetAlias returned %q, %v", model, ok)
	}
	if _, err := client.Generate(context.Background(), userReq("m", "hi")); err != nil {
		t.Fatalf("aliased generate failed: %v", err)
	}

	client.RemoveAlias("m")
	if _, err := client.Generate(context.Background(), userReq("m", "hi")); !errors.Is(err, ErrInvalidModel) {
		t.Fatalf("removed alias should fail resolution, got %v", err)
	}
	if len(client.Aliases()) != 0 {
		t.Fatalf("aliases should be empty, got %v", client.Aliases())
	}
}

func TestClientModelErrors(t *testing.T) {
	client := NewClient(WithProvider("mock", testutil.NewMockProvider()))
	ctx := context.Background()

	if _, err := client.Generate(ctx, userReq("", "hi")); !errors.Is(err, ErrNoModel) {
		t.Fatalf("expected ErrNoModel, got %v", err)
	}
	if _, err := client.Generate(ctx, userReq("bare-model", "hi")); !errors.Is(err, ErrInvalidModel) {
		t.Fatalf("expected ErrInvalidModel, got %v", err)
	}

	_, err := client.Generate(ctx, userReq("ghost/model", "hi"))
	if !errors.Is(err, ErrNoProvider) {
		t.Fatalf("expected ErrNoProvider, got %v", err)
	}
	var modelErr *ModelError
	if !errors.As(err, &modelErr) {
		t.Fatalf("expected *ModelError, got %T", err)
	}
	if len(modelErr.Available) != 1 || modelErr.Available[0] != "mock" {
		t.Fatalf("expected configured providers in error, got %v", modelErr.Available)
	}
}

func TestClientStreamRoutes(t *testing.T) {
	mock := testutil.NewMockProvider()
	client := NewClient(WithProvider("mock", mock))

	stream, err := client.Stream(context.Background(), userReq("mock/test-model", "hi"))
	if err != nil {
		t.Fatalf("Stream failed: %v", err)
	}

	var text string
	for event := range stream.Events() {
		if event.Type == core.EventTextDelta {
			text += event.TextDelta
		}
	}
	if err := stream.Err(); err != nil {
		t.Fatalf("stream error: %v", err)
	}
	if text != "mock response" {
		t.Fatalf("unexpected streamed text %q", text)
	}
	if got := mock.Calls[0].Model; got != "test-model" {
		t.Fatalf("provider should receive the bare model id, got %q", got)
	}
}

func TestClientCapabilities(t *testing.T) {
	client := NewClient(WithProvider("mock", testutil.NewMockProvider()))

	caps, err := client.Capabilities("mock/any-model")
	if err != nil {
		t.Fatalf("Capabilities failed: %v", err)
	}
	if caps.Provider != "mock" || !caps.Streaming {
		t.Fatalf("unexpected capabilities: %+v", caps)
	}
}

func TestClientAutoConfigure(t *testing.T) {
	clearRegistry()
	t.Cleanup(clearRegistry)

	RegisterProvider("keyed", &fakeFactory{config: ProviderConfig{APIKey: "present"}})
	RegisterProvider("keyless", &fakeFactory{})

	client := NewClient()
	if !client.HasProvider("keyed") {
		t.Fatal("provider with an API key in its environment should auto-configure")
	}
	if client.HasProvider("keyless") {
		t.Fatal("provider without an API key should stay unconfigured")
	}

	names := client.Providers()
	if len(names) != 1 || names[0] != "keyed" {
		t.Fatalf("unexpected configured providers: %v", names)
	}
}

func TestClientExplicitBeatsAutoConfigure(t *testing.T) {
	clearRegistry()
	t.Cleanup(clearRegistry)

	factory := &fakeFactory{config: ProviderConfig{APIKey: "present"}}
	RegisterProvider("keyed", factory)

	mock := testutil.NewMockProvider()
	client := NewClient(WithProvider("keyed", mock))

	if factory.built != 0 {
		t.Fatalf("factory should not run when the provider is set explicitly, built %d", factory.built)
	}
	provider, ok := client.Provider("keyed")
	if !ok || provider != core.Provider(mock) {
		t.Fatal("explicit provider instance should win")
	}
}

func TestWithAPIKeySkipsUnregistered(t *testing.T) {
	clearRegistry()
	t.Cleanup(clearRegistry)

	RegisterProvider("known", &fakeFactory{})

	client := NewClient(
		WithAPIKey("known", "secret"),
		WithAPIKey("ghost", "secret"),
	)
	if !client.HasProvider("known") {
		t.Fatal("registered provider should configure from WithAPIKey")
	}
	if client.HasProvider("ghost") {
		t.Fatal("unregistered provider should be skipped silently")
	}
}

func TestClientChatRoutes(t *testing.T) {
	mock := testutil.NewMockProvider()
	client := NewClient(WithProvider("mock", mock))

	chat, err := client.Chat("mock/chat-model", WithSystem("be brief"))
	if err != nil {
		t.Fatalf("Chat failed: %v", err)
	}
	if chat.Model() != "chat-model" {
		t.Fatalf("chat should hold the bare model id, got %q", chat.Model())
	}

	if _, err := client.Chat("ghost/model"); !errors.Is(err, ErrNoProvider) {
		t.Fatalf("expected ErrNoProvider, got %v", err)
	}
}
