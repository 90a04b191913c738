// Package status persists the per-device status document.
//
// The daemon is the single writer; any number of readers (the CLI, other
// tools) load it. Every save replaces the file atomically, so a reader
// sees either the previous document or the new one, never a mix.
//
// The document, not the lock file, decides health:
//
//	doc, err := repo.Load(ctx)
//	os.Exit(status.ExitCode(doc, err))
package status
