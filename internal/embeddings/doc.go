// Package embeddings turns section text and queries into vectors.
//
// Three providers are available: any OpenAI-compatible endpoint through
// langchaingo, the native text-embeddings-inference /embed API, and a
// deterministic hashing embedder for offline use and tests. Every provider
// is wrapped so that vectors of the wrong dimension are rejected and
// generation is measured.
package embeddings
