package protocol

import (
	"encoding/json"
	"strconv"
	"strings"
	"time"

	"fair-chat/go-client/pkg/models"
)

// Solution describes the service definition a conversation is scoped to.
type Solution struct {
	ID                  string `yaml:"id" json:"id"`
	Name                string `yaml:"name" json:"name"`
	Output              string `yaml:"output" json:"output"`
	OutputConfiguration string `yaml:"outputConfiguration" json:"output_configuration"`
	AllowFiles          bool   `yaml:"allowFiles" json:"allow_files"`
	RequiresModel       bool   `yaml:"requiresModel" json:"requires_model"`
}

// MultiAsset reports whether one request yields several response records.
func (s Solution) MultiAsset() bool {
	return s.OutputConfiguration == OutputConfigurationStableDiffusion
}

func (s Solution) TextOutput() bool {
	return s.Output == OutputText
}

type Operator struct {
	Address   string `yaml:"address" json:"address"`
	PublicKey string `yaml:"publicKey" json:"public_key"`
}

// Configuration holds the user adjustable request settings of one solution.
type Configuration struct {
	ModelName      string       `json:"model_name,omitempty"`
	NImages        int          `json:"n_images,omitempty"`
	NegativePrompt string       `json:"negative_prompt,omitempty"`
	Description    string       `json:"description,omitempty"`
	GenerateAssets string       `json:"generate_assets,omitempty"`
	AssetNames     []string     `json:"asset_names,omitempty"`
	CustomTags     []models.Tag `json:"custom_tags,omitempty"`
	PrivateMode    bool         `json:"private_mode,omitempty"`
	ContextFileURL string       `json:"context_file_url,omitempty"`
}

// ExpectedResponses is fixed when a request is created and never recomputed from
// observed responses.
func ExpectedResponses(solution Solution, requestTags []models.Tag) int {
	if !solution.MultiAsset() {
		return 1
	}
	raw, ok := FindTag(requestTags, TagNImages)
	if !ok {
		return DefaultImages
	}
	n, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil || n <= 0 {
		return DefaultImages
	}
	return n
}

type RequestParams struct {
	Solution           Solution
	Operator           Operator
	ConversationID     int
	ContentType        string
	FileName           string
	Config             Configuration
	UserPublicKey      string
	EncDataForOperator string
	PromptHistory      string
	Now                time.Time
}

func BuildRequestTags(params RequestParams) []models.Tag {
	tags := BaseTags(OperationInferenceRequest)
	tags = append(tags,
		models.Tag{Name: TagSolutionTransaction, Value: params.Solution.ID},
		models.Tag{Name: TagSolutionOperator, Value: params.Operator.Address},
		models.Tag{Name: TagConversationIdentifier, Value: strconv.Itoa(params.ConversationID)},
		models.Tag{Name: TagUnixTime, Value: unixTime(params.Now)},
	)
	contentType := params.ContentType
	if contentType == "" {
		contentType = "text/plain"
	}
	tags = append(tags, models.Tag{Name: TagContentType, Value: contentType})
	if params.FileName != "" {
		tags = append(tags, models.Tag{Name: TagFileName, Value: params.FileName})
	}

	cfg := params.Config
	if cfg.ModelName != "" {
		tags = append(tags, models.Tag{Name: TagModelName, Value: cfg.ModelName})
	}
	if params.Solution.MultiAsset() {
		n := cfg.NImages
		if n <= 0 {
			n = DefaultImages
		}
		tags = append(tags, models.Tag{Name: TagNImages, Value: strconv.Itoa(n)})
		if cfg.NegativePrompt != "" {
			tags = append(tags, models.Tag{Name: TagNegativePrompt, Value: cfg.NegativePrompt})
		}
	}
	if cfg.Description != "" {
		tags = append(tags, models.Tag{Name: TagDescription, Value: cfg.Description})
	}
	if cfg.GenerateAssets != "" && cfg.GenerateAssets != "none" {
		tags = append(tags, models.Tag{Name: TagGenerateAssets, Value: cfg.GenerateAssets})
		if len(cfg.AssetNames) > 0 {
			tags = append(tags, models.Tag{Name: TagAssetNames, Value: mustJSON(cfg.AssetNames)})
		}
	}
	if len(cfg.CustomTags) > 0 {
		tags = append(tags, models.Tag{Name: TagUserCustomTags, Value: mustJSON(cfg.CustomTags)})
	}
	if cfg.ContextFileURL != "" {
		tags = append(tags, models.Tag{Name: TagContextFileURL, Value: cfg.ContextFileURL})
	}
	if cfg.PrivateMode {
		tags = append(tags,
			models.Tag{Name: TagPrivateMode, Value: "true"},
			models.Tag{Name: TagUserPublicKey, Value: params.UserPublicKey},
		)
		if params.EncDataForOperator != "" {
			tags = append(tags, models.Tag{Name: TagEncDataForOperator, Value: params.EncDataForOperator})
		}
	} else if params.PromptHistory != "" {
		// private requests carry history inside the operator envelope only
		tags = append(tags, models.Tag{Name: TagPromptHistory, Value: params.PromptHistory})
	}
	return tags
}

func BuildConversationStartTags(solution Solution, conversationID int, now time.Time) []models.Tag {
	tags := BaseTags(OperationConversationStart)
	return append(tags,
		models.Tag{Name: TagSolutionTransaction, Value: solution.ID},
		models.Tag{Name: TagConversationIdentifier, Value: strconv.Itoa(conversationID)},
		models.Tag{Name: TagUnixTime, Value: unixTime(now)},
	)
}

// SettingsFromTags re-derives a Configuration from a previously sent request.
// Unparseable values are skipped.
func SettingsFromTags(tags []models.Tag) Configuration {
	var cfg Configuration
	for _, tag := range tags {
		switch tag.Name {
		case TagModelName:
			cfg.ModelName = tag.Value
		case TagNImages:
			if n, err := strconv.Atoi(tag.Value); err == nil && n > 0 {
				cfg.NImages = n
			}
		case TagNegativePrompt:
			cfg.NegativePrompt = tag.Value
		case TagDescription:
			cfg.Description = tag.Value
		case TagGenerateAssets:
			cfg.GenerateAssets = tag.Value
		case TagAssetNames:
			var names []string
			if err := json.Unmarshal([]byte(tag.Value), &names); err == nil {
				cfg.AssetNames = names
			}
		case TagUserCustomTags:
			var custom []models.Tag
			if err := json.Unmarshal([]byte(tag.Value), &custom); err == nil {
				cfg.CustomTags = custom
			}
		case TagPrivateMode:
			cfg.PrivateMode = strings.EqualFold(tag.Value, "true")
		}
	}
	return cfg
}

func unixTime(now time.Time) string {
	if now.IsZero() {
		now = time.Now()
	}
	return strconv.FormatInt(now.Unix(), 10)
}

func mustJSON(v any) string {
	data, err := json.Marshal(v)
	if err != nil {
		return ""
	}
	return string(data)
}
