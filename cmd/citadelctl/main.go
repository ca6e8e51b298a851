// Citadelctl -- admin CLI for the citadeld daemon.
package main

import "github.com/meshcitadel/meshcitadel/cmd/citadelctl/commands"

func main() {
	commands.Execute()
}
