package main

import "camfeed/cmd"

func main() {
	cmd.Execute()
}
