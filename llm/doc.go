// Package llm defines the canonical request/response model and the backend
// adapter contract for the gateway core.
//
// Every backend (chat, completion, translation, vision, image generation,
// embeddings, transcription) is reached through the same shapes: callers
// build canonical Messages, a Registry selects an Adapter for the declared
// backend type, and the adapter produces a Response envelope or a stream of
// canonical deltas regardless of the vendor wire format.
package llm
