// Package artifacts implements the stores the reconciler reads the
// executor's outputs from (a local directory tree or a remote SFTP
// share) and the evidence sink validated artifacts are ingested into.
package artifacts
