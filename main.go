package main

import "github.com/braianuc/p3facereco/cmd"

func main() {
	cmd.Execute()
}
