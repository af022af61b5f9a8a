package main

import (
	"github.com/priyxstudio/forge/cmd"
)

func main() {
	cmd.Execute()
}
