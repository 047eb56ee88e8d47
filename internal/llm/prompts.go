package llm

import _ "embed"

var (
	//go:embed prompts/v1.txt
	promptV1 string
	//go:embed prompts/v2.txt
	promptV2 string
)

// PromptTemplate returns the prompt template text and whether the version was recognized.
func PromptTemplate(version string) (string, bool) {
	switch version {
	case "v2":
		return promptV2, true
	case "v1":
		return promptV1, true
	default:
		return promptV2, false
	}
}
