package prompts

import "embed"

//go:embed templates
var embeddedFS embed.FS
