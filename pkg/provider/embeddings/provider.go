// Package embeddings defines the Provider interface for speaker embedding
// backends.
//
// A speaker embedding provider wraps a model that maps a short window of
// speech to a dense float32 vector summarising the voice (an x-vector,
// ECAPA or similar). The diarisation engine compares these vectors with
// cosine similarity as an alternative to the built-in hand-crafted features.
//
// Implementations must be safe for concurrent use.
package embeddings

import "context"

// Provider is the abstraction over any speaker-embedding backend.
//
// All vectors returned by a single Provider instance share the same
// dimensionality (returned by Dimensions). Vectors from different
// providers must not be compared.
type Provider interface {
	// Embed computes the embedding of a mono float sample window at
	// sampleRate. A failure here never aborts a session: callers treat the
	// window as belonging to an unknown speaker.
	Embed(ctx context.Context, samples []float32, sampleRate int) ([]float32, error)

	// Dimensions returns the fixed length of every embedding vector, or 0 if
	// it is not known yet.
	Dimensions() int

	// ModelID returns the provider-specific model identifier.
	ModelID() string
}
