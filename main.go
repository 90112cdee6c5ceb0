// The main package for the harvester executable.
package main

import "github.com/sourcehound/harvester/cmd"

func main() {
	cmd.Execute()
}
