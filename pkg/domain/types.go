package domain

// Principal is the verified caller identity attached to each request.
type Principal struct {
	Subject  string `json:"subject"`
	Name     string `json:"name"`
	Username string `json:"username"`
	TenantID string `json:"tenantId"`
	Token    string `json:"-"`
}

// SettingDef describes one configurable key as delivered by the backend.
type SettingDef struct {
	Type          string   `json:"type"`
	NameDE        string   `json:"name_de"`
	NameEN        string   `json:"name_en"`
	DescriptionDE string   `json:"description_de"`
	DescriptionEN string   `json:"description_en"`
	Values        []string `json:"values,omitempty"`
	Default       any      `json:"default"`
}

// TenantSettings groups the setting definitions of one usecase type.
type TenantSettings struct {
	ID         string                `json:"id"`
	General    map[string]SettingDef `json:"general"`
	Indices    map[string]SettingDef `json:"indices"`
	Categories map[string]SettingDef `json:"categories"`
	Chat       map[string]SettingDef `json:"chat"`
	Overrides  map[string]SettingDef `json:"overrides"`
}

type MetadataOption struct {
	ID            string `json:"id"`
	DisplayNameDE string `json:"display_name_de"`
	DisplayNameEN string `json:"display_name_en"`
}

// Metadata holds the selectable model and temperature options.
type Metadata struct {
	Temperature []MetadataOption `json:"temperature"`
	Model       []MetadataOption `json:"model"`
}

type Index struct {
	ID            string     `json:"id"`
	NameDE        string     `json:"name_de"`
	NameEN        string     `json:"name_en"`
	DescriptionDE string     `json:"description_de"`
	DescriptionEN string     `json:"description_en"`
	Logo          string     `json:"logo,omitempty"`
	Categories    []Category `json:"categories,omitempty"`
}

type Category struct {
	ID            string    `json:"id"`
	NameDE        string    `json:"name_de"`
	NameEN        string    `json:"name_en"`
	DescriptionDE string    `json:"description_de"`
	DescriptionEN string    `json:"description_en"`
	Logo          string    `json:"logo,omitempty"`
	SystemPrompt  string    `json:"system_prompt"`
	Temperature   string    `json:"temperature"`
	Model         string    `json:"model"`
	Files         []FileRef `json:"files"`
}

// FileRef identifies one persisted attachment of a category.
type FileRef struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// ChatTurn is one question/answer pair. Bot is nil for the turn that is
// currently being asked.
type ChatTurn struct {
	User string  `json:"user"`
	Bot  *string `json:"bot,omitempty"`
}

// ChatRequest is the payload sent to the backend chat endpoint.
type ChatRequest struct {
	History         []ChatTurn     `json:"history"`
	Approach        string         `json:"approach"`
	Overrides       map[string]any `json:"overrides"`
	NewConversation bool           `json:"new_conversation"`
}

// AskResponse is the backend answer to one chat turn.
type AskResponse struct {
	Answer              string        `json:"answer"`
	DataPoints          []string      `json:"data_points"`
	Thoughts            string        `json:"thoughts"`
	ConversationDetails *HistoryEntry `json:"conversation_details,omitempty"`
}

// AnswerRecord pairs a question with the response it produced.
type AnswerRecord struct {
	Question string      `json:"question"`
	Response AskResponse `json:"response"`
}

// HistoryEntry is one conversation in the sidebar list. Timestamp is unix
// seconds as delivered by the backend.
type HistoryEntry struct {
	ConversationID string `json:"conversation_id"`
	Timestamp      int64  `json:"timestamp"`
	Topic          string `json:"topic"`
}
