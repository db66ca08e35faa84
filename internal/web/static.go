package web

import (
	"embed"
	"fmt"
	"io/fs"
	"net/http"
	"os"

	"github.com/rs/zerolog/log"
)

//go:embed static/*
var content embed.FS

// staticHandler serves files from dir, or the embedded control page when dir is
// empty or missing.
func staticHandler(dir string) http.Handler {
	var fileSystem http.FileSystem

	if dir != "" {
		if info, err := os.Stat(dir); err == nil && info.IsDir() {
			fileSystem = http.Dir(dir)
		} else {
			log.Warn().Str("document_root", dir).Msg("Document root not found, serving embedded page")
		}
	}

	if fileSystem == nil {
		staticFS, err := fs.Sub(content, "static")
		if err != nil {
			panic(fmt.Sprintf("web: failed to load embedded static files: %v", err))
		}
		fileSystem = http.FS(staticFS)
	}

	return http.FileServer(fileSystem)
}
