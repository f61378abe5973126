// Command autopilot runs agent sessions from the terminal or serves them
// over HTTP.
package main

func main() {
	Execute()
}
