package main

import "github.com/nghyane/llm-rotor/internal/cli"

func main() {
	cli.Execute()
}
