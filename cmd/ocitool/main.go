package main

import "github.com/aweris/ocitool/cmd/ocitool/cmd"

func main() {
	cmd.Execute()
}
