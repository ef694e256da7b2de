package main

import (
	"github.com/0xPolygon/covtrace/command/root"
)

func main() {
	root.NewRootCommand().Execute()
}
