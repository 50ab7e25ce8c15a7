package agent

import (
	"fmt"
	"strings"

	"github.com/loqalabs/loqa-rover/internal/command"
)

const systemPromptTemplate = `You are driving a small four-wheeled robot car. Every user message comes with
the current image from the car's front camera.

Goal: %s

Look at the image, decide the next move or moves toward the goal and reply with
exactly one JSON object and no other text:
{"thought": "what you see and why you chose these moves", "actions": ["FORWARD", "LEFT"]}

Allowed actions: %s.
Each action is a short pulse of the wheels; the car stops after every action.
Reply with an empty actions list, {"thought": "...", "actions": []}, only when the
goal has been reached. If the image is unclear, make your best guess.`

const (
	firstPromptTemplate = "The goal is: %s\nWhat do you see? What should be the next move?"
	followUpPrompt      = "After the previous move, what do you see now? What's the next move?"
)

func systemPrompt(goal string) string {
	moves := command.Movements()
	names := make([]string, len(moves))
	for i, m := range moves {
		names[i] = m.String()
	}
	return fmt.Sprintf(systemPromptTemplate, goal, strings.Join(names, ", "))
}

// userPrompt states the goal when the history is empty and otherwise refers
// back to the previous move.
func userPrompt(goal string, h History) string {
	if h.Len() == 0 {
		return fmt.Sprintf(firstPromptTemplate, goal)
	}
	return followUpPrompt
}
