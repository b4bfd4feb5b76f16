package main

import "github.com/Lean-Agent-Protocol/Lap-benchmark-docs/internal/cli"

func main() {
	cli.Execute()
}
