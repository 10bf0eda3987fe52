package web

import "embed"

// staticFiles holds the control page served at / (preview, buttons,
// live statistics from the event stream).
//
//go:embed static/*
var staticFiles embed.FS
