package main

// Drives a scripted three-way exchange against a locally running gateway
// so the envelope flow can be eyeballed end to end:
//
//	scripts/dev.sh                            # terminal 1
//	go run scripts/simulate_participant.go    # terminal 2
//
// An assistant reasons and proposes a tool call, the human approves it,
// and the tool server answers. The assistant never holds mcp/request;
// everything it achieves goes through the proposal lifecycle.

import (
	"context"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/mewlab/mew-go/pkg/client"
	"github.com/mewlab/mew-go/pkg/protocol"
)

func main() {
	gatewayURL := envOr("MEW_GATEWAY", "http://localhost:8080")

	fmt.Printf("📡 Connecting three participants to %s (space dev)...\n", gatewayURL)

	human := dial(gatewayURL, "human-dev-token")
	defer human.Close()
	tools := dial(gatewayURL, "tools-dev-token")
	defer tools.Close()
	assistant := dial(gatewayURL, "assistant-dev-token")
	defer assistant.Close()

	fmt.Printf("✅ Joined: %s, %s, %s\n\n", human.SelfID(), tools.SelfID(), assistant.SelfID())

	// The tool server answers any request addressed to it.
	tools.OnRequest(func(req *protocol.Envelope, body protocol.MCPPayload) {
		fmt.Printf("🔧 tools: executing %s for %s\n", body.Method, req.From)
		if err := tools.Respond(req, map[string]interface{}{
			"content": []map[string]string{{"type": "text", "text": "42 files, none modified"}},
		}); err != nil {
			log.Printf("tools: respond failed: %v", err)
		}
	})

	// The human approves proposals after a glance.
	human.OnProposal(func(proposal *protocol.Envelope, body protocol.MCPPayload) {
		fmt.Printf("🧑 human: reviewing proposal %s from %s (%s)\n", proposal.ID, proposal.From, body.Method)
		time.Sleep(500 * time.Millisecond)

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		result, err := human.Fulfill(ctx, proposal)
		if err != nil {
			log.Printf("human: fulfillment failed: %v", err)
			return
		}
		fmt.Printf("🧑 human: tool result %s\n", result)
	})

	// The assistant watches the whole exchange; addressing never hides
	// traffic from it.
	assistant.OnMessage(func(env *protocol.Envelope) {
		if env.From == assistant.SelfID() {
			return
		}
		switch protocol.Classify(env.Kind) {
		case protocol.ClassRequest, protocol.ClassResponse, protocol.ClassProposal:
			fmt.Printf("👁  assistant observes %s from %s\n", env.Kind, env.From)
		}
	})
	human.OnChat(func(env *protocol.Envelope, msg protocol.ChatPayload) {
		fmt.Printf("💬 %s: %s\n", env.From, msg.Text)
	})

	// Scripted assistant turn: narrate, reason, propose.
	if err := assistant.Chat("I want to check the workspace before we deploy."); err != nil {
		log.Fatalf("chat failed: %v", err)
	}

	reasoning, err := assistant.StartReasoning("Deciding how to inspect the workspace")
	if err != nil {
		log.Fatalf("reasoning failed: %v", err)
	}
	reasoning.Thought("A plain file listing is enough; no writes needed.")
	reasoning.Conclude("Proposing a read-only tools/call.")

	proposalID, err := assistant.Propose("tools", "tools/call", map[string]interface{}{
		"name":      "list_files",
		"arguments": map[string]string{"path": "."},
	})
	if err != nil {
		log.Fatalf("propose failed: %v", err)
	}
	fmt.Printf("🤖 assistant: proposed %s, waiting for a human...\n", proposalID)

	// Let the approval, execution and response play out.
	time.Sleep(3 * time.Second)

	if p, ok := assistant.Proposals().Get(proposalID); ok {
		fmt.Printf("\n🏁 Proposal %s finished in state %q.\n", proposalID, p.State)
	}
}

func dial(gatewayURL, token string) *client.Client {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	c, err := client.Dial(ctx, client.Config{
		Gateway: gatewayURL,
		Space:   "dev",
		Token:   token,
	})
	if err != nil {
		log.Fatalf("❌ connect failed (%s): %v", token, err)
	}
	return c
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
