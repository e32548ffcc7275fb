package main

import "github.com/schovi/shellcrew/cmd"

func main() {
	cmd.Execute()
}
