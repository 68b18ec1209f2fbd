package skew

import "strings"

// DefaultEndpoint labels operations with no known mapping.
const DefaultEndpoint = "chat.completions"

// operation paths whose leaf name alone is ambiguous
var pathEndpoints = map[string]string{
	"chat.completions.create":     "chat.completions",
	"completions.create":          "completions",
	"embeddings.create":           "embeddings",
	"moderations.create":          "moderations",
	"images.generate":             "images.generate",
	"images.edit":                 "images.edit",
	"images.create_variation":     "images.variations",
	"audio.transcriptions.create": "audio.transcriptions",
	"audio.translations.create":   "audio.translations",
	"audio.speech.create":         "audio.speech",
	"responses.create":            "responses",
}

var methodEndpoints = map[string]string{
	"create":         "chat.completions",
	"generate":       "images.generate",
	"transcriptions": "audio.transcriptions",
	"translations":   "audio.translations",
	"embeddings":     "embeddings",
	"moderations":    "moderations",
}

// EndpointFor maps an operation path to the endpoint label reported in
// telemetry. The longest known path suffix wins, then the leaf name.
func EndpointFor(path ...string) string {
	if len(path) == 0 {
		return DefaultEndpoint
	}
	for i := 0; i < len(path)-1; i++ {
		if label, ok := pathEndpoints[strings.Join(path[i:], ".")]; ok {
			return label
		}
	}
	if label, ok := methodEndpoints[path[len(path)-1]]; ok {
		return label
	}
	return DefaultEndpoint
}
