package main

import "github.com/markb/rentrt/cmd"

func main() {
	cmd.Execute()
}
