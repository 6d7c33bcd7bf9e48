// Command toolgate runs the tool gateway.
package main

import "github.com/i2y/toolgate/internal/cli"

// version is set at build time via -ldflags.
var version = "dev"

func main() {
	cli.Execute(version)
}
