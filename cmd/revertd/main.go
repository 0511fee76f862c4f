// Revertd - dead-man's-switch for configuration changes
// Change. Confirm. Or it comes back.
package main

func main() {
	Execute()
}
