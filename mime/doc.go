// Package mime implements a Discord bot that forwards messages mentioning
// the bot to a local, OpenAI-compatible inference server (llama.cpp server,
// Ollama, vLLM, ...) and replies with the generated text.
//
// Key components of the package include:
//
//   - Mime: The main struct that encapsulates the bot's core functionality.
//   - Discord: Handles the Discord gateway connection and message events.
//   - LLM: Manages requests to the inference server.
//   - InferenceQueue: Queues inbound messages for serialized inference.
//   - API: Provides a small HTTP API for monitoring and control.
//
// The bot answers messages whose first @mention is the bot user. Mentions
// and platform control characters are stripped from the message content,
// which is then wrapped in an instruction prompt and sent to the inference
// server. Responses that exceed Discord's message size limit are delivered
// as a file attachment instead of a plain reply.
//
// Inference requests are processed one at a time, in the order received.
// There is no conversation state: each message/reply pair is independent,
// and nothing is persisted beyond a transcript file holding the most
// recent inference output.
package mime
