// Package ai — context overflow detection.
//
// Overflow is the one transport failure the runtime may act on itself (by
// compacting and retrying), so it gets dedicated detection beyond the Kind
// a transport reports. Three strategies, in order:
//
//  1. Error message pattern matching — covers all known provider formats.
//  2. HTTP status matching — providers that return 400/413 with no body.
//  3. Silent overflow — reported usage.Input exceeds the known context
//     window (providers that accept over-long requests without erroring).
//
// Strategy 1 is string matching; if a provider changes its wording the
// pattern list needs updating. Strategy 3 requires the caller to know the
// model's context window.
package ai

import "regexp"

func compilePatterns(exprs ...string) []*regexp.Regexp {
	out := make([]*regexp.Regexp, len(exprs))
	for i, e := range exprs {
		out[i] = regexp.MustCompile(e)
	}
	return out
}

// overflowPatterns matches the error message every known provider returns
// when the input exceeds the model's context window.
var overflowPatterns = compilePatterns(
	`(?i)prompt is too long`,                     // Anthropic
	`(?i)input is too long for requested model`,  // Amazon Bedrock
	`(?i)exceed.*context window`,                 // OpenAI
	`(?i)input token count.*exceeds the maximum`, // Google Gemini
	`(?i)maximum prompt length is \d+`,           // xAI
	`(?i)reduce the length of the messages`,      // Groq
	`(?i)maximum context length is \d+ tokens`,   // OpenRouter
	`(?i)exceeds the limit of \d+`,               // GitHub Copilot
	`(?i)exceeds the available context size`,     // llama.cpp
	`(?i)greater than the context length`,        // LM Studio
	`(?i)context window exceeds limit`,           // MiniMax
	`(?i)exceeded model token limit`,             // Kimi
	`(?i)context[_ ]length[_ ]exceeded`,          // generic
	`(?i)too many tokens`,                        // generic
	`(?i)token limit exceeded`,                   // generic
)

// statusOverflowPattern matches Cerebras and Mistral, which return a 400 or
// 413 with no body on overflow (distinct from 429 rate limiting).
var statusOverflowPattern = compilePatterns(`(?i)^4(00|13)\s*(status code)?\s*\(no body\)`)[0]

// matchesOverflow reports whether an error string looks like a context
// overflow. Shared by Classify and IsContextOverflow.
func matchesOverflow(msg string) bool {
	if msg == "" {
		return false
	}
	for _, re := range overflowPatterns {
		if re.MatchString(msg) {
			return true
		}
	}
	return statusOverflowPattern.MatchString(msg)
}

// IsContextOverflow reports whether msg represents a context-window
// overflow, either as an explicit error or as a silent over-long success.
// Pass contextWindow = 0 to skip the silent-overflow check.
func IsContextOverflow(msg *AssistantMessage, contextWindow int) bool {
	if msg == nil {
		return false
	}

	if msg.StopReason == StopReasonError && matchesOverflow(msg.ErrorMessage) {
		return true
	}

	// Silent overflow: the call succeeded but the provider counted more
	// input tokens than the window holds.
	if contextWindow > 0 && msg.StopReason == StopReasonStop {
		if msg.Usage.Input+msg.Usage.CacheRead > contextWindow {
			return true
		}
	}

	return false
}
