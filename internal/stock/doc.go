// Package stock fetches the upstream stock document and turns it into
// announcements.
//
// The pipeline for one poll is Source.Fetch -> Filter -> Differ.Diff ->
// Format. Only Fetch performs I/O.
package stock
