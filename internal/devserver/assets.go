package devserver

import (
	"mime"
	"net/http"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/conneroisu/devloop/internal/compiler"
	"github.com/conneroisu/devloop/internal/hmr"
)

type asset struct {
	body []byte
	hash string
}

// maxBuilds bounds how many past builds a page can be updated from.
const maxBuilds = 32

// Assets serves the latest bundle from memory and tells the hot update hub
// what changed between the build a page runs and the current one. A failed
// build keeps the previous files.
type Assets struct {
	publicPath string
	outdir     string

	mu    sync.RWMutex
	files map[string]asset
	hash  string
	// builds maps a build hash to the content hash of every file it served.
	builds map[string]map[string]string
	order  []string
}

var _ hmr.Source = (*Assets)(nil)

// NewAssets serves files written under outdir (absolute) at publicPath.
func NewAssets(publicPath, outdir string) *Assets {
	return &Assets{
		publicPath: strings.TrimRight(publicPath, "/"),
		outdir:     outdir,
		files:      make(map[string]asset),
		builds:     make(map[string]map[string]string),
	}
}

// Apply records the outputs of a build.
func (a *Assets) Apply(result *compiler.Result) {
	if result == nil {
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()

	a.hash = result.Hash
	if !result.HasErrors() || len(result.Outputs) > 0 {
		files := make(map[string]asset, len(result.Outputs))
		for _, out := range result.Outputs {
			hash := out.Hash
			if hash == "" {
				hash = compiler.ContentHash(out.Contents)
			}
			files[a.url(out.Path)] = asset{body: out.Contents, hash: hash}
		}
		a.files = files
	}
	a.remember(result.Hash)
}

// remember records what the build identified by hash serves.
func (a *Assets) remember(hash string) {
	if hash == "" {
		return
	}
	served := make(map[string]string, len(a.files))
	for url, f := range a.files {
		served[url] = f.hash
	}
	if _, ok := a.builds[hash]; !ok {
		a.order = append(a.order, hash)
	}
	a.builds[hash] = served
	for len(a.order) > maxBuilds {
		delete(a.builds, a.order[0])
		a.order = a.order[1:]
	}
}

func (a *Assets) url(file string) string {
	rel, err := filepath.Rel(a.outdir, file)
	if err != nil || strings.HasPrefix(rel, "..") {
		rel = filepath.Base(file)
	}
	return a.publicPath + "/" + filepath.ToSlash(rel)
}

// Get returns the body served at urlPath.
func (a *Assets) Get(urlPath string) ([]byte, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	f, ok := a.files[urlPath]
	return f.body, ok
}

// Entries returns the served scripts and stylesheets, excluding source maps.
func (a *Assets) Entries() (scripts, styles []string) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	for url := range a.files {
		switch path.Ext(url) {
		case ".js", ".mjs":
			scripts = append(scripts, url)
		case ".css":
			styles = append(styles, url)
		}
	}
	sort.Strings(scripts)
	sort.Strings(styles)
	return scripts, styles
}

// Update implements hmr.Source. Files are compared against what base
// served, so builds a page skipped are accounted for.
func (a *Assets) Update(base, hash string) (hmr.Update, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if hash == "" || hash != a.hash {
		return hmr.Update{}, false
	}
	update := hmr.Update{Hash: hash}
	before, ok := a.builds[base]
	if !ok {
		update.Unknown = true
		return update, true
	}
	for url, f := range a.files {
		if prev, ok := before[url]; ok && prev == f.hash {
			continue
		}
		switch path.Ext(url) {
		case ".css":
			update.CSS = append(update.CSS, url)
		case ".js", ".mjs":
			update.JS = append(update.JS, url)
		}
	}
	sort.Strings(update.CSS)
	sort.Strings(update.JS)
	return update, true
}

func (a *Assets) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	a.mu.RLock()
	f, ok := a.files[r.URL.Path]
	a.mu.RUnlock()
	if !ok {
		http.NotFound(w, r)
		return
	}

	etag := `"` + f.hash + `"`
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("ETag", etag)
	if r.Header.Get("If-None-Match") == etag {
		w.WriteHeader(http.StatusNotModified)
		return
	}
	ctype := mime.TypeByExtension(path.Ext(r.URL.Path))
	if strings.HasSuffix(r.URL.Path, ".map") {
		ctype = "application/json"
	}
	if ctype == "" {
		ctype = "application/octet-stream"
	}
	w.Header().Set("Content-Type", ctype)
	_, _ = w.Write(f.body)
}
