package testutil

import (
	"fmt"
	"path/filepath"
	"strings"
	"testing"
)

// Package describes a test formula whose artifacts are written under the
// root's artifact directory. Every package installs bin/<name> and
// share/<name>/always.txt; share/<name>/optional.txt is only produced by a
// source build with --with-optional.
type Package struct {
	Name string
	// Version defaults to 0.1.
	Version string
	Deps    []string
	// BuildDeps are needed only when building from source.
	BuildDeps []string
	Bottle    bool
	NoSource  bool
	KegOnly   bool
	// HeadRepo is a git repository to declare as the head.
	HeadRepo string
}

// PackageFiles locates what AddPackage wrote.
type PackageFiles struct {
	Formula string
	Source  string
	Bottle  string
}

// AddPackage writes the source tarball, the optional bottle and the formula
// file of p.
func (r *Root) AddPackage(t *testing.T, p Package) PackageFiles {
	t.Helper()
	if p.Version == "" {
		p.Version = "0.1"
	}
	var files PackageFiles
	var b strings.Builder
	fmt.Fprintf(&b, "formula %q {\n  version = %q\n", p.Name, p.Version)
	if p.KegOnly {
		b.WriteString("  keg_only        = true\n  keg_only_reason = \"it shadows a system library\"\n")
	}
	for _, d := range p.Deps {
		fmt.Fprintf(&b, "  depends_on %q {}\n", d)
	}
	for _, d := range p.BuildDeps {
		fmt.Fprintf(&b, "  depends_on %q {\n    build = true\n  }\n", d)
	}
	b.WriteString("  option \"with-optional\" {\n    description = \"Install the optional file\"\n  }\n")

	if !p.NoSource {
		dir := p.Name + "-" + p.Version
		files.Source = WriteTarball(t, filepath.Join(r.Artifact, dir+".tar.gz"), Gzip, map[string]string{
			dir + "/bin/" + p.Name: "#!/bin/sh\necho " + p.Name + "\n",
			dir + "/README":        p.Name,
		})
		fmt.Fprintf(&b, "  source {\n    url    = %q\n    sha256 = %q\n  }\n", FileURL(files.Source), SHA256File(t, files.Source))
	}
	if p.Bottle {
		root := p.Name + "/" + p.Version
		files.Bottle = WriteTarball(t, filepath.Join(r.Artifact, p.Name+"-"+p.Version+".all.bottle.tar.xz"), Xz, map[string]string{
			root + "/bin/" + p.Name:                   "#!/bin/sh\necho " + p.Name + "\n",
			root + "/share/" + p.Name + "/always.txt": "always " + p.Version,
		})
		fmt.Fprintf(&b, "  bottle \"all\" {\n    url    = %q\n    sha256 = %q\n  }\n", FileURL(files.Bottle), SHA256File(t, files.Bottle))
	}
	if p.HeadRepo != "" {
		fmt.Fprintf(&b, "  head {\n    url = %q\n  }\n", FileURL(p.HeadRepo))
	}

	b.WriteString(`  build {
    step "install" {
      from = ["bin/*"]
      to   = bin
    }
    step "write" {
      path    = "${share}/${name}/always.txt"
      content = "always ${version}"
    }
    step "write" {
      path    = "${share}/${name}/optional.txt"
      content = "optional"
      only_if = "with-optional"
    }
  }
}
`)
	files.Formula = r.WriteFormula(t, p.Name, b.String())
	return files
}
