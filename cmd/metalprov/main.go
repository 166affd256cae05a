package main

import "github.com/fly-io/metalprov/cmd/metalprov/commands"

func main() {
	commands.Execute()
}
