// Package cli implements the command-line interface for snis.
//
// The cli package provides the Cobra-based CLI that drives the scraper
// pipeline: "variables" refreshes the catalog, "download" collects the
// remaining entries, "format" melts raw files into clean ones, "release"
// packages them, and "run" does all four. It coordinates the config,
// portal, catalog, download, storage, tidy and release packages and reports
// each step as text, JSON or markdown.
//
// Exit codes: 0 on success, 1 on error, 2 when entries are left remaining
// after a download.
package cli
