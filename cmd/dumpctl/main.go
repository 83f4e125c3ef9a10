package main

import "github.com/oshokin/dump-fetcher/cmd/dumpctl/cmd"

func main() {
	cmd.Execute()
}
