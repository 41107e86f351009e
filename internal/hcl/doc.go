// Package hcl loads formula descriptors from HCL files.
//
// A file may declare any number of formula blocks:
//
//	formula "testball" {
//	  version  = "0.1"
//	  desc     = "Test ball"
//	  homepage = "https://example.com"
//
//	  depends_on "zlib" {
//	    version = ">= 1.2"
//	    options = ["with-shared"]
//	  }
//	  depends_on "cmake" { build = true }
//
//	  option "with-foo" { description = "Build with foo" }
//
//	  source {
//	    url    = "https://example.com/testball-0.1.tar.gz"
//	    sha256 = "..."
//	  }
//	  bottle "darwin_arm64" {
//	    url    = "https://example.com/testball-0.1.arm64.tar.gz"
//	    sha256 = "..."
//	  }
//	  head { url = "https://example.com/testball.git" }
//
//	  build {
//	    step "run" { argv = ["./configure", "--prefix=${prefix}"] }
//	    step "install" {
//	      from    = ["bin/*"]
//	      to      = bin
//	      only_if = "with-foo"
//	    }
//	  }
//	}
//
// Step attributes other than only_if and unless are kept as unevaluated
// expressions; the build package evaluates them against the build's
// directories and options.
package hcl
