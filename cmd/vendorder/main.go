package main

import "github.com/buildtall-systems/vendorder/internal/cli"

func main() {
	cli.Execute()
}
