// Command turnrelayd runs a STUN (RFC 5389) and TURN (RFC 5766) relay
// server.
package main

import "github.com/turnrelay/turnrelayd/internal/cli"

func main() {
	cli.Execute()
}
