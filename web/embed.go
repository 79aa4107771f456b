package web

import "embed"

// FS contains the embedded configurator page.
//
//go:embed index.html
var FS embed.FS
