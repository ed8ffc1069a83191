package web

import "embed"

// FS holds the browser terminal served at /.
//
//go:embed *.html *.css *.js
var FS embed.FS
