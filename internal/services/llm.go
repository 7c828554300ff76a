package services

import "github.com/MegaGrindStone/scout-web-ui/internal/models"

// LLMParameters holds the optional sampling parameters passed to the providers that support them.
// A nil field means the provider default.
type LLMParameters struct {
	Temperature      *float32       `yaml:"temperature"`
	TopP             *float32       `yaml:"topP"`
	Stop             []string       `yaml:"stop"`
	PresencePenalty  *float32       `yaml:"presencePenalty"`
	Seed             *int           `yaml:"seed"`
	FrequencyPenalty *float32       `yaml:"frequencyPenalty"`
	LogitBias        map[string]int `yaml:"logitBias"`
	Logprobs         *bool          `yaml:"logprobs"`
	TopLogprobs      *int           `yaml:"topLogprobs"`
}

const errLoggerKey = "err"

// toolCallMarker formats the in-band marker announcing a tool invocation inside the text stream.
func toolCallMarker(name string) string {
	return "\n\n< TOOL CALL: " + name + " >\n\n"
}

// history keeps the messages that can be replayed to a provider: user and assistant text. Failed
// replies and tool notices are dropped.
func history(messages []models.Message) []models.Message {
	msgs := make([]models.Message, 0, len(messages))
	for _, msg := range messages {
		switch msg.Kind {
		case models.KindUser, models.KindAssistant:
			if msg.Content == "" {
				continue
			}
			msgs = append(msgs, msg)
		}
	}
	return msgs
}

const titlePrompt = "Generate a short title, at most six words, for a data analysis conversation that " +
	"starts with the following message. Answer with the title only."
