// slimhubctl -- CLI client for the slimhub daemon.
package main

import "github.com/slimhive/slimhub/cmd/slimhubctl/commands"

func main() {
	commands.Execute()
}
