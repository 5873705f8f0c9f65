// Vahti - Cloud Security Posture Engine
// Observe. Evaluate. Reconcile.
package main

func main() {
	Execute()
}
