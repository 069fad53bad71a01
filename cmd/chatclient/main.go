package main

import "github.com/npezzotti/go-teamchat/cmd/chatclient/cmd"

func main() {
	cmd.Execute()
}
