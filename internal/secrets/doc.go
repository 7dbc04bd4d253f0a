// Package secrets redacts credentials from document content with the
// gitleaks rule set before it is stored or sent to an embedding provider.
//
// Each secret is replaced by a [REDACTED:<rule-id>] marker so a section
// still reads naturally. A .gitleaks.toml allowlist in the ingested
// directory is honoured.
package secrets
