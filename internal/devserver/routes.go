package devserver

import (
	"bytes"
	"context"
	_ "embed"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/a-h/templ"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

//go:embed static/client.js
var clientJS []byte

func (s *Server) routes() chi.Router {
	r := chi.NewMux()
	r.Use(
		middleware.RealIP,
		s.requestLogger,
		middleware.Recoverer,
		s.endpoint.Middleware,
	)

	p := s.endpoint.Path()
	r.Get(p+"/client.js", s.handleClientJS)
	if s.cfg.Overlay.Enabled {
		r.Get(p+"/overlay", s.handleOverlay)
		r.Get(p+"/overlay/state", s.handleOverlayState)
		r.Post(p+"/overlay/{action}", s.handleOverlayAction)
		r.Post(p+"/runtime-error", s.handleRuntimeError)
	}
	if s.cfg.HMR.Enabled {
		r.Handle(p+"/hmr", s.hub)
	}
	r.Handle(strings.TrimRight(s.cfg.Build.PublicPath, "/")+"/*", s.assets)
	r.Get("/*", s.handleStatic)
	return r
}

// requestLogger logs each request once it completes.
func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

		next.ServeHTTP(ww, r)

		s.logger.Debug(r.Context(), "HTTP request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration", time.Since(start))
	})
}

func (s *Server) handleClientJS(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/javascript; charset=utf-8")
	w.Header().Set("Cache-Control", "no-cache")
	_, _ = w.Write(clientJS)
}

// clientScript is the tag injected into served pages.
func (s *Server) clientScript() string {
	return fmt.Sprintf(`<script src="%s/client.js?timeout=%d"></script>`,
		s.endpoint.Path(), s.cfg.Client.Timeout.Milliseconds())
}

func (s *Server) handleOverlay(w http.ResponseWriter, r *http.Request) {
	s.doc.Load()
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Header().Set("Cache-Control", "no-store")
	if err := s.doc.Component().Render(r.Context(), w); err != nil {
		s.logger.Warn(r.Context(), err, "Failed to render overlay")
	}
}

func (s *Server) handleOverlayState(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.overlay.State())
}

func (s *Server) handleOverlayAction(w http.ResponseWriter, r *http.Request) {
	switch chi.URLParam(r, "action") {
	case "clear":
		s.doc.Clear()
		s.forgetErrors()
	case "minimize":
		s.doc.Minimize()
	case "expand":
		s.overlay.Expand()
	case "prev":
		s.doc.Prev()
	case "next":
		s.doc.Next()
	default:
		http.NotFound(w, r)
		return
	}
	http.Redirect(w, r, s.endpoint.Path()+"/overlay", http.StatusSeeOther)
}

// handleStatic serves the static directory, injecting the client into HTML
// pages. Without an index.html a page loading the bundle is generated.
func (s *Server) handleStatic(w http.ResponseWriter, r *http.Request) {
	root := filepath.Join(s.dir, s.cfg.Server.Static)
	name := path.Clean("/" + r.URL.Path)
	if strings.HasSuffix(name, "/") || name == "/" {
		name = path.Join(name, "index.html")
	}
	file := filepath.Join(root, filepath.FromSlash(name))

	info, err := os.Stat(file)
	if err == nil && info.IsDir() {
		file = filepath.Join(file, "index.html")
		info, err = os.Stat(file)
	}
	if err != nil {
		if path.Base(name) == "index.html" {
			s.serveIndex(w, r)
			return
		}
		http.NotFound(w, r)
		return
	}

	if filepath.Ext(file) != ".html" {
		http.ServeFile(w, r, file)
		return
	}
	body, err := os.ReadFile(file)
	if err != nil {
		http.Error(w, "cannot read page", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Header().Set("Cache-Control", "no-cache")
	_, _ = w.Write(injectScript(body, s.clientScript()))
}

// injectScript places tag before </body>, or appends it.
func injectScript(page []byte, tag string) []byte {
	i := bytes.LastIndex(bytes.ToLower(page), []byte("</body>"))
	if i < 0 {
		return append(append([]byte{}, page...), tag...)
	}
	out := make([]byte, 0, len(page)+len(tag))
	out = append(out, page[:i]...)
	out = append(out, tag...)
	return append(out, page[i:]...)
}

func (s *Server) serveIndex(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Header().Set("Cache-Control", "no-cache")
	if err := s.indexPage().Render(r.Context(), w); err != nil {
		s.logger.Warn(r.Context(), err, "Failed to render index")
	}
}

func (s *Server) indexPage() templ.Component {
	scripts, styles := s.assets.Entries()
	title := s.cfg.Build.Name
	return templ.ComponentFunc(func(_ context.Context, w io.Writer) error {
		var b strings.Builder
		b.WriteString(`<!DOCTYPE html><html><head><meta charset="utf-8"><title>`)
		b.WriteString(templ.EscapeString(title))
		b.WriteString(`</title>`)
		for _, href := range styles {
			fmt.Fprintf(&b, `<link rel="stylesheet" href="%s">`, templ.EscapeString(href))
		}
		b.WriteString(`</head><body><div id="root"></div>`)
		for _, src := range scripts {
			fmt.Fprintf(&b, `<script src="%s"></script>`, templ.EscapeString(src))
		}
		b.WriteString(s.clientScript())
		b.WriteString(`</body></html>`)
		_, err := io.WriteString(w, b.String())
		return err
	})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
