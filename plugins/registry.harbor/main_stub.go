//go:build !tinygo

package main

import (
	"fmt"
	"os"
)

// The plugin only does real work as a WASM module. Building it with
// the standard toolchain produces this stub so go build and go test
// keep working on the host.
func main() {
	fmt.Fprintln(os.Stderr, "registry.harbor is a WASM plugin; build it with tinygo (see README.md)")
	os.Exit(1)
}
