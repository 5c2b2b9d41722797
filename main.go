package main

import "github.com/andresmejia3/pulse/cmd"

func main() {
	cmd.Execute()
}
