package scoutwebui

import "embed"

// TemplateFS contains the embedded HTML templates of the web interface, split into layouts, pages,
// and partial views.
//
//go:embed templates/*
var TemplateFS embed.FS

// StaticFS contains the embedded static assets of the web interface.
//
//go:embed static/*
var StaticFS embed.FS
