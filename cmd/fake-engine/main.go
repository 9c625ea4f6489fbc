// ABOUTME: Scripted stand-in for the agent engine, for local development.
// ABOUTME: Speaks the JSON-line protocol: prompts in on stdin, messages out on stdout.

// The fake engine echoes each prompt back as a short scripted turn. With
// --ask it inserts an ask_user suspension before replying, so the question
// rendezvous can be exercised end to end without a real engine.
//
// Flags mirror the ones the gateway passes to the real engine: --resume and
// --agent are accepted and echoed into the turn output.
package main

import (
	"bufio"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
)

type inboundFrame struct {
	Type       string            `json:"type"`
	Text       string            `json:"text,omitempty"`
	QuestionID string            `json:"question_id,omitempty"`
	Answers    map[string]string `json:"answers,omitempty"`
}

type outboundMessage struct {
	Type      string          `json:"type"`
	SessionID string          `json:"session_id,omitempty"`
	Text      string          `json:"text,omitempty"`
	Question  json.RawMessage `json:"question,omitempty"`
	Result    json.RawMessage `json:"result,omitempty"`
	Error     string          `json:"error,omitempty"`
}

func main() {
	resume := flag.String("resume", "", "session id to resume")
	agent := flag.String("agent", "", "persona name")
	ask := flag.Bool("ask", false, "suspend with an ask_user question each turn")
	delay := flag.Duration("delay", 50*time.Millisecond, "pause between text fragments")
	flag.Parse()

	sessionID := *resume
	if sessionID == "" {
		sessionID = "fake-" + uuid.NewString()
	}

	out := json.NewEncoder(os.Stdout)
	scanner := bufio.NewScanner(os.Stdin)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	emit := func(msg outboundMessage) {
		if err := out.Encode(msg); err != nil {
			fmt.Fprintf(os.Stderr, "fake-engine: write failed: %v\n", err)
			os.Exit(1)
		}
	}

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		var frame inboundFrame
		if err := json.Unmarshal(line, &frame); err != nil {
			fmt.Fprintf(os.Stderr, "fake-engine: bad frame: %v\n", err)
			continue
		}

		switch frame.Type {
		case "prompt":
			runTurn(emit, scanner, sessionID, *agent, frame.Text, *ask, *delay)
		case "answer":
			// Answer outside a turn; stale after a timeout resume. Drop it.
			fmt.Fprintf(os.Stderr, "fake-engine: stray answer for %s\n", frame.QuestionID)
		default:
			fmt.Fprintf(os.Stderr, "fake-engine: unknown frame type %q\n", frame.Type)
		}
	}
}

// runTurn plays one scripted turn. When ask is set it emits an ask_user
// suspension and reads frames inline until the matching answer arrives.
func runTurn(emit func(outboundMessage), scanner *bufio.Scanner, sessionID, agent, prompt string, ask bool, delay time.Duration) {
	emit(outboundMessage{Type: "init", SessionID: sessionID})

	if ask {
		questionID := uuid.NewString()
		question, _ := json.Marshal(map[string]any{
			"question_id": questionID,
			"items": []map[string]any{{
				"question": "Proceed with the echo?",
				"options":  []string{"yes", "no"},
			}},
		})
		emit(outboundMessage{Type: "ask_user", Question: question})

		got := awaitAnswer(scanner, questionID)
		emit(outboundMessage{Type: "text", Text: fmt.Sprintf("(answered: %v) ", got)})
		time.Sleep(delay)
	}

	reply := "You said: " + prompt
	if agent != "" {
		reply = fmt.Sprintf("[%s] %s", agent, reply)
	}

	// Two fragments so clients see real streaming.
	half := len(reply) / 2
	emit(outboundMessage{Type: "text", Text: reply[:half]})
	time.Sleep(delay)
	emit(outboundMessage{Type: "text", Text: reply[half:]})

	result, _ := json.Marshal(map[string]any{
		"num_turns":   1,
		"duration_ms": delay.Milliseconds() * 2,
		"usage": map[string]int64{
			"input_tokens":  int64(len(prompt)),
			"output_tokens": int64(len(reply)),
		},
	})
	emit(outboundMessage{Type: "result", Result: result})
}

// awaitAnswer reads stdin frames until the answer for questionID shows up.
func awaitAnswer(scanner *bufio.Scanner, questionID string) map[string]string {
	for scanner.Scan() {
		var frame inboundFrame
		if err := json.Unmarshal(scanner.Bytes(), &frame); err != nil {
			continue
		}
		if frame.Type == "answer" && frame.QuestionID == questionID {
			return frame.Answers
		}
	}
	return nil
}
