package protocol

import (
	"errors"
	"strconv"
	"strings"

	"fair-chat/go-client/pkg/models"
)

const (
	ProtocolName    = "FairAI"
	ProtocolVersion = "2.0"

	OperationInferenceRequest  = "Inference Request"
	OperationInferenceResponse = "Inference Response"
	OperationConversationStart = "Conversation Start"
)

const (
	TagProtocolName           = "Protocol-Name"
	TagProtocolVersion        = "Protocol-Version"
	TagOperationName          = "Operation-Name"
	TagConversationIdentifier = "Conversation-Identifier"
	TagRequestTransaction     = "Request-Transaction"
	TagSolutionTransaction    = "Solution-Transaction"
	TagSolutionOperator       = "Solution-Operator"
	TagUnixTime               = "Unix-Time"
	TagContentType            = "Content-Type"
	TagFileName               = "File-Name"
	TagNImages                = "N-Images"
	TagModelName              = "Model-Name"
	TagNegativePrompt         = "Negative-Prompt"
	TagDescription            = "Description"
	TagUserCustomTags         = "User-Custom-Tags"
	TagGenerateAssets         = "Generate-Assets"
	TagAssetNames             = "Asset-Names"
	TagPrivateMode            = "Private-Mode"
	TagUserPublicKey          = "User-Public-Key"
	TagEncDataForOperator     = "Enc-Data-For-Operator"
	TagPromptHistory          = "Prompt-History"
	TagContextFileURL         = "Context-File-Url"
)

const (
	OutputConfigurationStableDiffusion = "stable-diffusion"
	OutputText                         = "text"

	// DefaultImages is the response multiplicity assumed for multi-image solutions
	// when the request carries no N-Images tag.
	DefaultImages = 1
)

var ErrMalformedRecord = errors.New("malformed ledger record")

// FindTag returns the first value of name in tags.
func FindTag(tags []models.Tag, name string) (string, bool) {
	for _, tag := range tags {
		if tag.Name == name {
			return tag.Value, true
		}
	}
	return "", false
}

// ParseConversationID accepts both plain ("5") and compound ("scriptId-5") identifiers
// and returns the numeric conversation part. Script ids may contain dashes, so the
// number is whatever follows the last one.
func ParseConversationID(raw string) (int, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0, ErrMalformedRecord
	}
	if i := strings.LastIndexByte(raw, '-'); i > 0 {
		raw = raw[i+1:]
	}
	id, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil || id <= 0 {
		return 0, ErrMalformedRecord
	}
	return id, nil
}

// ConversationIDFromTags reads and parses the Conversation-Identifier tag.
func ConversationIDFromTags(tags []models.Tag) (int, error) {
	raw, ok := FindTag(tags, TagConversationIdentifier)
	if !ok {
		return 0, ErrMalformedRecord
	}
	return ParseConversationID(raw)
}

// DirectionFromTags resolves the record kind from the Operation-Name tag.
func DirectionFromTags(tags []models.Tag) (models.Direction, error) {
	op, _ := FindTag(tags, TagOperationName)
	switch op {
	case OperationInferenceRequest:
		return models.DirectionRequest, nil
	case OperationInferenceResponse:
		return models.DirectionResponse, nil
	default:
		return "", ErrMalformedRecord
	}
}

// UnixTimeFromTags parses the Unix-Time tag; fractional seconds are truncated.
func UnixTimeFromTags(tags []models.Tag) (int64, bool) {
	raw, ok := FindTag(tags, TagUnixTime)
	if !ok {
		return 0, false
	}
	v, err := strconv.ParseFloat(strings.TrimSpace(raw), 64)
	if err != nil || v <= 0 {
		return 0, false
	}
	return int64(v), true
}

func IsPrivate(tags []models.Tag) bool {
	v, _ := FindTag(tags, TagPrivateMode)
	return strings.EqualFold(strings.TrimSpace(v), "true")
}

// BaseTags returns the protocol tags every query and submission carries.
func BaseTags(operation string) []models.Tag {
	return []models.Tag{
		{Name: TagProtocolName, Value: ProtocolName},
		{Name: TagProtocolVersion, Value: ProtocolVersion},
		{Name: TagOperationName, Value: operation},
	}
}
