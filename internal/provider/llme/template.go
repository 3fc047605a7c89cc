package llme

import (
	"strings"

	"chatrelay/internal/models"
)

// Template flattens a role-tagged conversation into a single prompt for one model family.
type Template func(messages []models.ChatMessage) string

// TemplateFor picks the prompt template by model family prefix. Unknown families use the
// LLaMA instruction format.
func TemplateFor(model string) Template {
	family := strings.ToLower(model)
	switch {
	case strings.HasPrefix(family, "qwen"):
		return ChatML
	case strings.HasPrefix(family, "gemma"):
		return Gemma
	default:
		return Llama
	}
}

// ChatML renders the <|im_start|> format used by Qwen models and opens an assistant turn.
func ChatML(messages []models.ChatMessage) string {
	var b strings.Builder
	for _, msg := range messages {
		role := msg.Role
		switch role {
		case models.RoleSystem, models.RoleUser, models.RoleAssistant:
		default:
			role = models.RoleUser
		}
		b.WriteString("<|im_start|>")
		b.WriteString(role)
		b.WriteString("\n")
		b.WriteString(msg.Content)
		b.WriteString("<|im_end|>\n")
	}
	b.WriteString("<|im_start|>assistant\n")
	return b.String()
}

// Gemma renders <start_of_turn> blocks; the assistant speaks as "model".
func Gemma(messages []models.ChatMessage) string {
	turns := make([]string, 0, len(messages)+1)
	for _, msg := range messages {
		role := models.RoleUser
		switch msg.Role {
		case models.RoleSystem:
			role = models.RoleSystem
		case models.RoleAssistant:
			role = "model"
		}
		turns = append(turns, "<start_of_turn>"+role+"\n"+msg.Content+"<end_of_turn>")
	}
	turns = append(turns, "<start_of_turn>model\n")
	return strings.Join(turns, "\n")
}

// Llama renders the [INST] instruction format.
func Llama(messages []models.ChatMessage) string {
	var b strings.Builder
	for _, msg := range messages {
		switch msg.Role {
		case models.RoleSystem:
			b.WriteString("<s>[INST] <<SYS>>\n")
			b.WriteString(msg.Content)
			b.WriteString("\n<</SYS>>\n\n")
		case models.RoleUser:
			b.WriteString(msg.Content)
			b.WriteString(" [/INST] ")
		case models.RoleAssistant:
			b.WriteString(msg.Content)
			b.WriteString("</s>")
		default:
			b.WriteString(msg.Content)
			b.WriteString(" ")
		}
	}
	return b.String()
}
