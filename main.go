package main

import "github.com/AvaProtocol/ap-gasless/cmd"

func main() {
	cmd.Execute()
}
