package main

import "cmacal/cmd/cmacal/cmd"

func main() {
	cmd.Execute()
}
