package main

import "github.com/nextlevelbuilder/hybridmem/cmd"

func main() {
	cmd.Execute()
}
