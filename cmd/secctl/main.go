package main

import "hospsurvey/cmd/secctl/commands"

func main() {
	commands.Execute()
}
