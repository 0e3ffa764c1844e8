package main

import "async-network/cmd"

func main() {
	cmd.Execute()
}
