package main

import "github.com/bryanchriswhite/OverlayCam/cmd/overlaycam/commands"

func main() {
	commands.Execute()
}
