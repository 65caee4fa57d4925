// Package observability provides metrics and structured logging for the
// turn engine.
//
// # Overview
//
// Two pillars are implemented here:
//
//  1. Metrics - Quantitative measurements using Prometheus
//  2. Logging - Structured logs with sensitive data redaction
//
// Distributed tracing is deliberately absent: nothing in this module
// has a transport or multi-service boundary for a trace to cross. The
// six-kind event envelope a turn emits to its caller lives in
// internal/eventstream instead.
//
// # Metrics
//
// Metrics are implemented using Prometheus client libraries and track:
//   - LLM API request latency and token usage
//   - Tool execution performance
//   - Error rates by component and type
//   - Context window utilization per turn
//
// Example usage:
//
//	metrics := observability.NewMetrics()
//
//	// Track one model round
//	start := time.Now()
//	// ... stream the completion ...
//	metrics.RecordLLMRequest("model", modelName, "ok",
//	    time.Since(start).Seconds(), promptTokens, completionTokens)
//
//	// Track one tool invocation
//	start = time.Now()
//	// ... invoke the tool ...
//	metrics.RecordToolExecution("read_file", "ok", time.Since(start).Seconds())
//
// Tests construct with NewMetricsWith and a private registry.
//
// # Logging
//
// Logging is built on Go's slog package with enhancements for:
//   - Turn/thread/user correlation fields pulled from context
//   - Sensitive data redaction (API keys, passwords, tokens)
//   - JSON output for production, text for development
//   - Configurable log levels
//
// Example usage:
//
//	logger := observability.NewLogger(observability.LogConfig{
//	    Level:  "info",
//	    Format: "json",
//	})
//
//	// The orchestrator annotates each turn's context once...
//	ctx := observability.WithTurnID(ctx, turnCorrelationID)
//	ctx = observability.WithThreadID(ctx, threadID)
//	ctx = observability.WithUserID(ctx, userID)
//
//	// ...and every log call through that context carries the ids.
//	logger.Info(ctx, "round started", "round", round)
//
//	// Error logging with automatic redaction
//	logger.Error(ctx, "model request failed",
//	    "error", err,
//	    "api_key", apiKey, // Automatically redacted
//	)
//
// # Security Considerations
//
// The logging component automatically redacts:
//   - Vendor and generic API keys
//   - Passwords and secrets
//   - JWT and bearer tokens
//   - Custom patterns via configuration
//
// Sensitive fields in maps are also redacted:
//   - password, passwd, pwd
//   - secret, api_key, apikey
//   - token, auth, authorization
//   - private_key, privatekey
package observability
