// Package metadata implements typed CRUD over the single SQLite database
// that holds every non-corpus entity in the system.
package metadata

import "time"

// ExtractType is how an import record or knowledge base turns a file
// into text.
type ExtractType string

const (
	ExtractText       ExtractType = "text"
	ExtractOCR        ExtractType = "ocr"
	ExtractVisionModel ExtractType = "vision_model"
)

// KnowledgeBaseConfig controls retrieval behavior for a knowledge base.
type KnowledgeBaseConfig struct {
	SearchMinScore   float64 `json:"search_min_score"`
	SearchLimit      int     `json:"search_limit"`
	SearchExtendSize int     `json:"search_extend_size"`
	IsRerank         bool    `json:"is_rerank"`
	RerankLimit      int     `json:"rerank_limit"`
}

// DefaultKnowledgeBaseConfig returns the baseline per-kb configuration.
func DefaultKnowledgeBaseConfig() KnowledgeBaseConfig {
	return KnowledgeBaseConfig{
		SearchMinScore:   0.7,
		SearchLimit:      10,
		SearchExtendSize: 1,
		IsRerank:         false,
		RerankLimit:      3,
	}
}

// KnowledgeBase is a named corpus: a vector table, a relational DB, a
// chat history, and configuration governing how it is searched.
type KnowledgeBase struct {
	ID                      int64               `json:"id"`
	Name                    string              `json:"name"`
	TableName               string              `json:"table_name"`
	NaturalLanguageDesc     string              `json:"natural_language_description"`
	Config                  KnowledgeBaseConfig `json:"config"`
	McpServerIDs            []int64             `json:"mcp_server_ids"`
	ModelID                 int64               `json:"model_id"`
	FileContentExtractType  ExtractType         `json:"file_content_extract_type"`
	FileContentVisionModel  int64               `json:"file_content_vision_model_id,omitempty"`
	CreateTime              time.Time           `json:"create_time"`
	UpdateTime              time.Time           `json:"update_time"`
}

// ImportSource is where an ImportRecord's bytes originally came from.
type ImportSource string

const (
	SourceLocalFile  ImportSource = "local_file"
	SourceURL        ImportSource = "url"
	SourceCustomText ImportSource = "custom_text"
)

// FileContentType distinguishes narrative documents from tabular imports.
type FileContentType string

const (
	ContentDocument FileContentType = "document"
	ContentTable    FileContentType = "table"
)

// ImportStatus is an ImportRecord's lifecycle state.
type ImportStatus string

const (
	StatusWaiting   ImportStatus = "waiting"
	StatusImporting ImportStatus = "importing"
	StatusSuccess   ImportStatus = "success"
	StatusFailed    ImportStatus = "failed"
)

// ImportRecord is one ingested source.
type ImportRecord struct {
	ID                     int64
	KnowledgeBaseID        int64
	Source                 ImportSource
	Title                  string
	FilePath               string
	FileSize               int64
	FileContentType        FileContentType
	FileContentExtractType ExtractType
	Status                 ImportStatus
	StatusMsg              string
	StartTime              time.Time
	EndTime                time.Time
}

// ChatRole identifies who authored a ChatMessage.
type ChatRole string

const (
	RoleSystem    ChatRole = "system"
	RoleUser      ChatRole = "user"
	RoleAssistant ChatRole = "assistant"
)

// ChatStatus is a ChatMessage's lifecycle state.
type ChatStatus string

const (
	ChatPending  ChatStatus = "pending"
	ChatFinished ChatStatus = "finished"
	ChatError    ChatStatus = "error"
)

// ChatMessage is one conversation turn.
type ChatMessage struct {
	ID              int64
	KnowledgeBaseID int64
	MessageID       int64
	ParentMessageID int64
	Role            ChatRole
	Content         string
	Status          ChatStatus
	CreateTime      time.Time
	UpdateTime      time.Time
}

// UserEnvelope is the JSON shape stored in ChatMessage.Content for user
// turns.
type UserEnvelope struct {
	Text    string   `json:"text"`
	Images  []string `json:"images,omitempty"`
	Audios  []string `json:"audios,omitempty"`
	Videos  []string `json:"videos,omitempty"`
	Files   []string `json:"files,omitempty"`
	Rules   []string `json:"rules,omitempty"`
	Command string   `json:"command,omitempty"`
}

// ModelSource is where a Model definition came from.
type ModelSource string

const (
	ModelBuiltIn ModelSource = "built_in"
	ModelCustom  ModelSource = "custom"
	ModelLocal   ModelSource = "local"
)

// ModelTaskType is what a Model is used for.
type ModelTaskType string

const (
	TaskTextGen  ModelTaskType = "text_gen"
	TaskVisionQA ModelTaskType = "vision_qa"
)

// ModelStatus is a Model's lifecycle/health state.
type ModelStatus string

const (
	ModelDisabled  ModelStatus = "disabled"
	ModelEnabled   ModelStatus = "enabled"
	ModelError     ModelStatus = "error"
	ModelInstalling ModelStatus = "installing"
	ModelStarting  ModelStatus = "starting"
)

// Model is a language or vision model usable for chat or extraction.
type Model struct {
	ID       int64
	Name     string
	Source   ModelSource
	BaseURL  string
	APIKey   string
	TaskType ModelTaskType
	Status   ModelStatus
}

// McpServerStatus is a McpServer's lifecycle/health state.
type McpServerStatus string

const (
	McpNotRunning McpServerStatus = "not_running"
	McpOK         McpServerStatus = "ok"
	McpError      McpServerStatus = "error"
	McpInstalling McpServerStatus = "installing"
	McpStarting   McpServerStatus = "starting"
	McpStopping   McpServerStatus = "stopping"
	McpUpgrading  McpServerStatus = "upgrading"
)

// McpServer is a tool server definition.
type McpServer struct {
	ID               int64
	Name             string
	ConfigJSON       string
	Source           ModelSource
	Status           McpServerStatus
	StatusMsg        string
	InstalledVersion string
	LatestVersion    string
}

// Note is a user markdown note attached to a knowledge base.
type Note struct {
	ID              int64
	KnowledgeBaseID int64
	Title           string
	Content         string
	CreateTime      time.Time
	UpdateTime      time.Time
}

// UserProfile is the single-row settings record. It holds no reference
// to the on-disk encrypted YAML blob.
type UserProfile struct {
	EnableProfileMemory  bool
	ProfileMemoryModelID int64
}
