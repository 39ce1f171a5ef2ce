package main

import "github.com/nextlevelbuilder/wecomrelay/cmd"

func main() {
	cmd.Execute()
}
