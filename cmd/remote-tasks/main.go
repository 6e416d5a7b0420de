package main

import "github.com/omasakun/remote-tasks/internal/cli"

func main() {
	cli.Execute()
}
