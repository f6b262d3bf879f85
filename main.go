// Command gatewaybot runs the chat-bot gateway: adapter fan-in, trigger
// evaluation, session gating, and scheduled group pushes.
package main

import "github.com/nextlevelbuilder/gatewaybot/cmd"

func main() {
	cmd.Execute()
}
