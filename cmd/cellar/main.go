// Command cellar manages cellar databases and imports data files into them.
package main

import "github.com/mesh-intelligence/cellar/internal/cli"

func main() {
	cli.Execute()
}
