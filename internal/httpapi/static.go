package httpapi

import (
	"net/http"
	"os"
)

// newStaticHandler serves the browser client from dir. A missing directory
// leaves only the API routes.
func newStaticHandler(dir string) http.Handler {
	if dir == "" {
		return http.NotFoundHandler()
	}
	info, err := os.Stat(dir)
	if err != nil || !info.IsDir() {
		return http.NotFoundHandler()
	}
	return http.FileServer(http.Dir(dir))
}
