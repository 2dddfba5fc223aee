// supportagent is a voice customer support agent.
//
// Usage:
//
//	supportagent serve                 # voice sessions over websockets
//	supportagent voice                 # talk to the agent on this machine
//	supportagent console               # type to the agent in the terminal
//	supportagent transcripts list      # archived conversations
//
// API keys are read from OPENAI_API_KEY and DEEPGRAM_API_KEY.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := newRootCmd().ExecuteContext(ctx)
	stop()
	if err != nil {
		os.Exit(1)
	}
}
