// Command chatd runs the lounge chat coordinator and its maintenance tools.
package main

import "os"

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
