package main

import (
	"fmt"
	"os"
)

func main() {
	rootcmd.AddCommand(hubcmd)
	rootcmd.AddCommand(watchcmd)
	rootcmd.AddCommand(sendcmd)
	rootcmd.AddCommand(devicescmd)
	rootcmd.AddCommand(initcmd)

	if err := rootcmd.Execute(); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}
