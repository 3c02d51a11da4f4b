package conversation

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
	"usecasehub/internal/settings"
	"usecasehub/internal/store"
	"usecasehub/internal/util"
	"usecasehub/pkg/domain"
)

// Phase is the lifecycle state of a conversation view.
type Phase string

const (
	PhaseIdle     Phase = "idle"
	PhaseLoading  Phase = "loading"
	PhaseAnswered Phase = "answered"
	PhaseErrored  Phase = "errored"
)

// ErrSuperseded is returned when a response arrives for a request that a
// clear or refresh has already made obsolete. The result is discarded.
var ErrSuperseded = errors.New("request superseded")

// Backend is the subset of the knowledge backend client the view needs.
type Backend interface {
	Ask(ctx context.Context, p domain.Principal, tenantID, indexID, categoryID, conversationID string, req domain.ChatRequest) (domain.AskResponse, error)
	Conversations(ctx context.Context, p domain.Principal, tenantID, indexID, categoryID string) ([]domain.HistoryEntry, error)
	ExampleQuestions(ctx context.Context, p domain.Principal, tenantID, indexID, categoryID string) ([]string, error)
	Conversation(ctx context.Context, p domain.Principal, tenantID, indexID, categoryID, conversationID string) ([]string, error)
	DeleteConversation(ctx context.Context, p domain.Principal, tenantID, indexID, categoryID, conversationID string) error
}

// Scope identifies the category a view talks to.
type Scope struct {
	TenantID   string
	IndexID    string
	CategoryID string
}

// PanelState is the citation/analysis panel of a view.
type PanelState struct {
	Open           bool   `json:"open"`
	ActiveCitation string `json:"activeCitation,omitempty"`
	ActiveTab      string `json:"activeTab,omitempty"`
	SelectedAnswer int    `json:"selectedAnswer"`
}

// Snapshot is the view state handed to the presentation layer.
type Snapshot struct {
	Phase            Phase                 `json:"phase"`
	ConversationID   string                `json:"conversationId"`
	NewConversation  bool                  `json:"newConversation"`
	Answers          []domain.AnswerRecord `json:"answers"`
	LastQuestion     string                `json:"lastQuestion"`
	Error            string                `json:"error,omitempty"`
	ExampleQuestions []string              `json:"exampleQuestions"`
	Panel            PanelState            `json:"panel"`
}

// View is the conversation state of one user in one category. Asks are
// serialized per view; a generation counter discards responses that a clear
// or refresh has made stale.
type View struct {
	backend  Backend
	settings *settings.Store
	history  store.HistoryCache
	scope    Scope

	askMu sync.Mutex

	mu               sync.Mutex
	generation       uint64
	phase            Phase
	answers          []domain.AnswerRecord
	lastQuestion     string
	lastError        error
	conversationID   string
	newConversation  bool
	exampleQuestions []string
	panel            PanelState
}

func newView(backend Backend, st *settings.Store, history store.HistoryCache, scope Scope) *View {
	return &View{
		backend:         backend,
		settings:        st,
		history:         history,
		scope:           scope,
		phase:           PhaseIdle,
		conversationID:  uuid.NewString(),
		newConversation: true,
	}
}

// Initialize loads tenant settings, example questions and the conversation
// list concurrently and resets the view to idle.
func (v *View) Initialize(ctx context.Context, p domain.Principal) error {
	g, gctx := errgroup.WithContext(ctx)
	var conversations []domain.HistoryEntry
	var questions []string

	g.Go(func() error {
		return v.settings.Load(gctx, p)
	})
	g.Go(func() error {
		qs, err := v.backend.ExampleQuestions(gctx, p, v.scope.TenantID, v.scope.IndexID, v.scope.CategoryID)
		if err != nil {
			// Example questions are decorative, a failure must not block the view.
			util.LoggerFromContext(ctx).Warn("load example questions failed", "error", err)
			return nil
		}
		questions = qs
		return nil
	})
	g.Go(func() error {
		entries, err := v.backend.Conversations(gctx, p, v.scope.TenantID, v.scope.IndexID, v.scope.CategoryID)
		if err != nil {
			return fmt.Errorf("load conversations: %w", err)
		}
		conversations = entries
		return nil
	})
	if err := g.Wait(); err != nil {
		return err
	}
	if err := v.history.PutConversations(p.Subject, v.scope.CategoryID, conversations); err != nil {
		return fmt.Errorf("cache conversations: %w", err)
	}

	v.mu.Lock()
	v.generation++
	v.resetLocked()
	v.exampleQuestions = questions
	v.mu.Unlock()
	return nil
}

// Ask sends one question. The request history contains all answered turns
// plus the new turn without a bot entry; approach and overrides come from the
// tenant settings. On failure the answer list stays untouched and the failed
// question remains the last question so the user can retry it.
//
// Override values supplied by the caller are accepted but not forwarded; the
// backend always receives the tenant's configured defaults.
func (v *View) Ask(ctx context.Context, p domain.Principal, question string, requested map[string]any) (domain.AskResponse, error) {
	question = strings.TrimSpace(question)
	if question == "" {
		return domain.AskResponse{}, errors.New("question is required")
	}
	if len(requested) > 0 {
		util.LoggerFromContext(ctx).Debug("ignoring caller-supplied overrides", "count", len(requested))
	}

	v.askMu.Lock()
	defer v.askMu.Unlock()

	v.mu.Lock()
	v.generation++
	gen := v.generation
	v.phase = PhaseLoading
	v.lastQuestion = question
	v.lastError = nil
	history := make([]domain.ChatTurn, 0, len(v.answers)+1)
	for _, rec := range v.answers {
		bot := rec.Response.Answer
		history = append(history, domain.ChatTurn{User: rec.Question, Bot: &bot})
	}
	history = append(history, domain.ChatTurn{User: question})
	req := domain.ChatRequest{
		History:         history,
		Approach:        v.settings.Approach(v.scope.TenantID),
		Overrides:       v.settings.OverrideDefaults(v.scope.TenantID),
		NewConversation: v.newConversation,
	}
	conversationID := v.conversationID
	v.mu.Unlock()

	resp, err := v.backend.Ask(ctx, p, v.scope.TenantID, v.scope.IndexID, v.scope.CategoryID, conversationID, req)

	v.mu.Lock()
	defer v.mu.Unlock()
	if v.generation != gen {
		return domain.AskResponse{}, ErrSuperseded
	}
	if err != nil {
		v.phase = PhaseErrored
		v.lastError = err
		return domain.AskResponse{}, err
	}
	v.answers = append(v.answers, domain.AnswerRecord{Question: question, Response: resp})
	v.phase = PhaseAnswered
	v.newConversation = false
	v.panel.SelectedAnswer = len(v.answers) - 1
	if resp.ConversationDetails != nil {
		if cacheErr := v.history.UpsertConversation(p.Subject, v.scope.CategoryID, *resp.ConversationDetails); cacheErr != nil {
			util.LoggerFromContext(ctx).Warn("cache conversation details failed", "error", cacheErr)
		}
	}
	return resp, nil
}

// Clear drops the answers and panel state but keeps the conversation id.
// Any in-flight Ask is superseded.
func (v *View) Clear() {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.generation++
	v.resetLocked()
}

// Refresh starts a fresh conversation: a new id is minted and marked as not
// yet used, the view is cleared and the conversation list is reloaded. The
// returned id doubles as the new-conversation marker for the view URL.
func (v *View) Refresh(ctx context.Context, p domain.Principal) (string, error) {
	v.mu.Lock()
	v.generation++
	v.resetLocked()
	v.conversationID = uuid.NewString()
	v.newConversation = true
	id := v.conversationID
	v.mu.Unlock()

	entries, err := v.backend.Conversations(ctx, p, v.scope.TenantID, v.scope.IndexID, v.scope.CategoryID)
	if err != nil {
		return id, fmt.Errorf("reload conversations: %w", err)
	}
	if err := v.history.PutConversations(p.Subject, v.scope.CategoryID, entries); err != nil {
		return id, fmt.Errorf("cache conversations: %w", err)
	}
	return id, nil
}

// Resume loads a stored conversation into the view. The raw alternating
// history is paired into turns; the most recent question becomes the last
// question again.
func (v *View) Resume(ctx context.Context, p domain.Principal, conversationID string) error {
	raw, err := v.backend.Conversation(ctx, p, v.scope.TenantID, v.scope.IndexID, v.scope.CategoryID, conversationID)
	if err != nil {
		return err
	}
	turns, err := PairHistory(raw)
	if err != nil {
		return fmt.Errorf("resume conversation %s: %w", conversationID, err)
	}

	answers := make([]domain.AnswerRecord, 0, len(turns))
	for _, turn := range turns {
		if turn.Bot == nil {
			continue
		}
		answers = append(answers, domain.AnswerRecord{
			Question: turn.User,
			Response: domain.AskResponse{Answer: *turn.Bot},
		})
	}

	v.mu.Lock()
	defer v.mu.Unlock()
	v.generation++
	v.resetLocked()
	v.conversationID = conversationID
	v.newConversation = false
	v.answers = answers
	v.lastQuestion = lastUserEntry(raw)
	if len(answers) > 0 {
		v.phase = PhaseAnswered
		v.panel.SelectedAnswer = len(answers) - 1
	}
	return nil
}

// DeleteConversation removes a conversation upstream and from the cache.
// Deleting the active conversation behaves like Refresh.
func (v *View) DeleteConversation(ctx context.Context, p domain.Principal, conversationID string) error {
	if err := v.backend.DeleteConversation(ctx, p, v.scope.TenantID, v.scope.IndexID, v.scope.CategoryID, conversationID); err != nil {
		return err
	}
	if err := v.history.RemoveConversation(p.Subject, v.scope.CategoryID, conversationID); err != nil {
		util.LoggerFromContext(ctx).Warn("remove cached conversation failed", "error", err)
	}

	v.mu.Lock()
	active := v.conversationID == conversationID
	v.mu.Unlock()
	if active {
		if _, err := v.Refresh(ctx, p); err != nil {
			return err
		}
	}
	return nil
}

// ShowCitation toggles the panel on a citation. Selecting the citation that
// is already active for the same answer closes the panel; any other selection
// opens or re-points it. Reports whether the panel is open afterwards.
func (v *View) ShowCitation(citation string, answerIndex int) bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	next := PanelState{Open: true, ActiveCitation: citation, SelectedAnswer: answerIndex}
	if v.panel == next {
		v.panel = PanelState{SelectedAnswer: answerIndex}
		return false
	}
	v.panel = next
	return true
}

// ToggleTab toggles the panel on an analysis tab, with the same
// close-on-repeat behavior as ShowCitation.
func (v *View) ToggleTab(tab string, answerIndex int) bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	next := PanelState{Open: true, ActiveTab: tab, SelectedAnswer: answerIndex}
	if v.panel == next {
		v.panel = PanelState{SelectedAnswer: answerIndex}
		return false
	}
	v.panel = next
	return true
}

// GroupedHistory returns the cached conversation list grouped by local
// calendar day, fetching from the backend on a cache miss.
func (v *View) GroupedHistory(ctx context.Context, p domain.Principal, loc *time.Location) ([]DayGroup, error) {
	entries, ok, err := v.history.GetConversations(p.Subject, v.scope.CategoryID)
	if err != nil {
		return nil, fmt.Errorf("read cached conversations: %w", err)
	}
	if !ok {
		entries, err = v.backend.Conversations(ctx, p, v.scope.TenantID, v.scope.IndexID, v.scope.CategoryID)
		if err != nil {
			return nil, err
		}
		if cacheErr := v.history.PutConversations(p.Subject, v.scope.CategoryID, entries); cacheErr != nil {
			util.LoggerFromContext(ctx).Warn("cache conversations failed", "error", cacheErr)
		}
	}
	return GroupByDay(entries, loc), nil
}

// Snapshot returns a copy of the current view state.
func (v *View) Snapshot() Snapshot {
	v.mu.Lock()
	defer v.mu.Unlock()
	answers := make([]domain.AnswerRecord, len(v.answers))
	copy(answers, v.answers)
	questions := make([]string, len(v.exampleQuestions))
	copy(questions, v.exampleQuestions)
	snap := Snapshot{
		Phase:            v.phase,
		ConversationID:   v.conversationID,
		NewConversation:  v.newConversation,
		Answers:          answers,
		LastQuestion:     v.lastQuestion,
		ExampleQuestions: questions,
		Panel:            v.panel,
	}
	if v.lastError != nil {
		snap.Error = v.lastError.Error()
	}
	return snap
}

// LastError returns the typed error of the most recent failed Ask.
func (v *View) LastError() error {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.lastError
}

// resetLocked clears answers, errors and panel state. Callers hold v.mu.
func (v *View) resetLocked() {
	v.phase = PhaseIdle
	v.answers = nil
	v.lastQuestion = ""
	v.lastError = nil
	v.panel = PanelState{}
}
