package main

import "mini-varlink/cli"

func main() {
	cli.Execute()
}
