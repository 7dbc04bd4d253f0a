// Package services wires the docmatch components from a loaded
// configuration and hands them out through a Registry.
//
// Open builds, in order: telemetry, the logger, the store, the embedding
// provider, the optional section index, the secret scrubber and the
// search and ingest services. Registry.Close releases them in reverse.
package services
