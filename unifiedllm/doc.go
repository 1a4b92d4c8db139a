// Package unifiedllm is the model boundary of the engine.
//
// # Layers
//
//   - ProviderAdapter: one model backend (GollmAdapter wraps
//     github.com/teilomillet/gollm; llmtest.Scripted replays canned turns).
//   - Client: routes a Request to an adapter and applies middleware.
//   - Collect: folds a stream of events into one Response, assembling tool
//     call fragments and repairing malformed argument JSON.
//   - ModelClient: runs Client.Stream plus Collect under a retry policy so
//     the caller only ever sees complete turns or a classified error.
//
// # Errors
//
// Errors follow a typed hierarchy rooted at SDKError. IsRetryable decides
// whether ModelClient tries again: rate limits, server errors, network
// failures and interrupted streams are retried; GuardrailError and other
// request-level rejections are not.
//
// # Usage
//
//	adapter, _ := unifiedllm.NewGollmAdapter("anthropic", os.Getenv("ANTHROPIC_API_KEY"))
//	client := unifiedllm.NewClient(unifiedllm.WithProvider("anthropic", adapter))
//	mc := unifiedllm.NewModelClient(client)
//
//	resp, err := mc.Turn(ctx, unifiedllm.Request{
//	    Model:    "claude-sonnet-4-5",
//	    Messages: []unifiedllm.Message{unifiedllm.UserMessage("Hello")},
//	}, unifiedllm.TurnHooks{OnDelta: func(s string) { fmt.Print(s) }})
package unifiedllm
