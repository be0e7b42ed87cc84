// Package ui implements an interactive terminal dashboard using bubbletea's Elm architecture.
//
// The dashboard renders the engine's persisted state snapshot as a browsable
// list of tracked books with per-side positions, last results, and watchlist
// recency. It polls the snapshot file on a short interval, so it can run
// alongside a live daemon without sharing memory with it.
//
// Keyboard navigation uses vim-style bindings (j/k, r, q) with contextual help
// displayed via charmbracelet/bubbles/help.
package ui
