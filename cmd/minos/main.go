package main

import "github.com/tartarus-sandbox/minos/cmd/minos/cmd"

func main() {
	cmd.Execute()
}
