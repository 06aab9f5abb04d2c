//go:build property
// +build property

package watcher

import (
	"path/filepath"
	"strings"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
)

func TestFilterProperties(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.Rng.Seed(9876)
	parameters.MinSuccessfulTests = 200

	properties := gopter.NewProperties(parameters)

	name := gen.Identifier().SuchThat(func(s string) bool { return s != "" })
	ext := gen.OneConstOf("ts", "tsx", "js", "css", "go", "md")

	properties.Property("extension filter ignores case", prop.ForAll(
		func(base, ext string) bool {
			filter := ExtensionFilter(ext)
			return filter(base+"."+ext) && filter(base+"."+strings.ToUpper(ext))
		},
		name, ext,
	))

	properties.Property("extension filter rejects other extensions", prop.ForAll(
		func(base, ext string) bool {
			return !ExtensionFilter(ext)(base + "." + ext + "x")
		},
		name, ext,
	))

	properties.Property("ignored directories hide every descendant", prop.ForAll(
		func(dir, sub, file string) bool {
			path := filepath.Join("/project", dir, sub, file+".ts")
			return !IgnoreFilter(dir)(path)
		},
		name, name, name,
	))

	properties.Property("an empty ignore list accepts everything", prop.ForAll(
		func(dir, file string) bool {
			return IgnoreFilter()(filepath.Join("/project", dir, file+".ts"))
		},
		name, name,
	))

	properties.TestingRun(t)
}
