// The main package for the spidermind executable.
package main

import (
	"os"

	"github.com/ianWYHH/Spidermind/cmd"
)

func main() {
	os.Exit(cmd.Execute())
}
