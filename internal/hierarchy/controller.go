package hierarchy

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"usecasehub/internal/backend"
	"usecasehub/internal/settings"
	"usecasehub/internal/store"
	"usecasehub/pkg/domain"
)

// Backend is the subset of the knowledge backend client the controllers use.
type Backend interface {
	ListIndices(ctx context.Context, p domain.Principal, tenantID string) ([]domain.Index, error)
	CreateIndex(ctx context.Context, p domain.Principal, tenantID string, form *backend.Form) error
	UpdateIndex(ctx context.Context, p domain.Principal, tenantID, indexID string, payload any) error
	DeleteIndex(ctx context.Context, p domain.Principal, tenantID, indexID string) error
	ListCategories(ctx context.Context, p domain.Principal, tenantID, indexID string) ([]domain.Category, error)
	CreateCategory(ctx context.Context, p domain.Principal, tenantID, indexID string, form *backend.Form) error
	UpdateCategory(ctx context.Context, p domain.Principal, tenantID, indexID, categoryID string, form *backend.Form) error
	DeleteCategory(ctx context.Context, p domain.Principal, tenantID, indexID, categoryID string) error
}

// Staging holds draft attachments between upload and submit.
type Staging interface {
	Stage(ctx context.Context, categoryID, filename string, content []byte) (domain.FileRef, error)
	Fetch(ctx context.Context, categoryID, id string) ([]byte, error)
	Discard(ctx context.Context, categoryID, id string) error
}

// Controller turns structured index/category submissions into the backend's
// id-correlated multipart format and manages draft persistence.
type Controller struct {
	backend  Backend
	staging  Staging
	drafts   store.DraftStore
	settings *settings.Store
}

// NewController wires the hierarchy controller.
func NewController(b Backend, staging Staging, drafts store.DraftStore, st *settings.Store) *Controller {
	return &Controller{backend: b, staging: staging, drafts: drafts, settings: st}
}

// ListIndices returns the indices of a usecase type.
func (c *Controller) ListIndices(ctx context.Context, p domain.Principal, tenantID string) ([]domain.Index, error) {
	return c.backend.ListIndices(ctx, p, tenantID)
}

// CreateIndex submits a new index, optionally with inline categories. Ids
// for the new entities are minted here so the multipart field names can
// correlate parts per entity.
func (c *Controller) CreateIndex(ctx context.Context, p domain.Principal, tenantID string, draft IndexDraft) (string, error) {
	if draft.ID == "" {
		draft.ID = uuid.NewString()
	}
	for i := range draft.Categories {
		if draft.Categories[i].ID == "" {
			draft.Categories[i].ID = uuid.NewString()
		}
	}
	form := backend.NewForm()
	c.appendIndexFields(form, draft)
	for _, cat := range draft.Categories {
		if err := c.appendCategoryFields(ctx, form, cat, false); err != nil {
			return "", err
		}
	}
	if err := c.backend.CreateIndex(ctx, p, tenantID, form); err != nil {
		return "", err
	}
	return draft.ID, nil
}

// UpdateIndex submits index field edits as JSON. Category and file changes
// go through the category operations.
func (c *Controller) UpdateIndex(ctx context.Context, p domain.Principal, tenantID string, draft IndexDraft) error {
	if draft.ID == "" {
		return errors.New("index id is required")
	}
	payload := map[string]string{
		"name_de":        draft.NameDE,
		"name_en":        draft.NameEN,
		"description_de": draft.DescriptionDE,
		"description_en": draft.DescriptionEN,
	}
	if draft.Logo != "" {
		payload["logo"] = draft.Logo
	}
	return c.backend.UpdateIndex(ctx, p, tenantID, draft.ID, payload)
}

// DeleteIndex removes an index.
func (c *Controller) DeleteIndex(ctx context.Context, p domain.Principal, tenantID, indexID string) error {
	return c.backend.DeleteIndex(ctx, p, tenantID, indexID)
}

// ListCategories returns the categories of an index.
func (c *Controller) ListCategories(ctx context.Context, p domain.Principal, tenantID, indexID string) ([]domain.Category, error) {
	return c.backend.ListCategories(ctx, p, tenantID, indexID)
}

// CreateCategory submits a new category.
func (c *Controller) CreateCategory(ctx context.Context, p domain.Principal, tenantID, indexID string, draft CategoryDraft) (string, error) {
	if draft.ID == "" {
		draft.ID = uuid.NewString()
	}
	form := backend.NewForm()
	if err := c.appendCategoryFields(ctx, form, draft, false); err != nil {
		return "", err
	}
	if err := c.backend.CreateCategory(ctx, p, tenantID, indexID, form); err != nil {
		return "", err
	}
	c.cleanupDraft(ctx, p.Subject, draft)
	return draft.ID, nil
}

// UpdateCategory submits a category edit, including the queued file
// deletions.
func (c *Controller) UpdateCategory(ctx context.Context, p domain.Principal, tenantID, indexID string, draft CategoryDraft) error {
	if draft.ID == "" {
		return errors.New("category id is required")
	}
	form := backend.NewForm()
	if err := c.appendCategoryFields(ctx, form, draft, true); err != nil {
		return err
	}
	if err := c.backend.UpdateCategory(ctx, p, tenantID, indexID, draft.ID, form); err != nil {
		return err
	}
	c.cleanupDraft(ctx, p.Subject, draft)
	return nil
}

// DeleteCategory removes a category.
func (c *Controller) DeleteCategory(ctx context.Context, p domain.Principal, tenantID, indexID, categoryID string) error {
	return c.backend.DeleteCategory(ctx, p, tenantID, indexID, categoryID)
}

// StageAttachment validates and stages one uploaded file for a draft and
// records it as a new file on the stored draft.
func (c *Controller) StageAttachment(ctx context.Context, userID, draftID, filename string, content []byte) (domain.FileRef, error) {
	ref, err := c.staging.Stage(ctx, draftID, filename, content)
	if err != nil {
		return domain.FileRef{}, err
	}
	draft, ok, err := c.LoadCategoryDraft(userID, draftID)
	if err != nil {
		return domain.FileRef{}, err
	}
	if !ok {
		draft = CategoryDraft{ID: draftID}
	}
	draft.NewFiles = append(draft.NewFiles, ref)
	if err := c.SaveCategoryDraft(userID, draft); err != nil {
		return domain.FileRef{}, err
	}
	return ref, nil
}

// RemoveAttachment removes one file from a stored draft, discarding the
// staged object for not-yet-uploaded files.
func (c *Controller) RemoveAttachment(ctx context.Context, userID, draftID, fileID string) (CategoryDraft, error) {
	draft, ok, err := c.LoadCategoryDraft(userID, draftID)
	if err != nil {
		return CategoryDraft{}, err
	}
	if !ok {
		return CategoryDraft{}, fmt.Errorf("draft %s not found", draftID)
	}
	if staged := draft.RemoveFile(fileID); staged {
		if err := c.staging.Discard(ctx, draftID, fileID); err != nil {
			return CategoryDraft{}, err
		}
	}
	if err := c.SaveCategoryDraft(userID, draft); err != nil {
		return CategoryDraft{}, err
	}
	return draft, nil
}

// SaveCategoryDraft persists a draft document.
func (c *Controller) SaveCategoryDraft(userID string, draft CategoryDraft) error {
	if draft.ID == "" {
		return errors.New("draft id is required")
	}
	payload, err := json.Marshal(draft)
	if err != nil {
		return fmt.Errorf("encode draft: %w", err)
	}
	return c.drafts.SaveDraft(userID, draft.ID, payload)
}

// LoadCategoryDraft returns a persisted draft document.
func (c *Controller) LoadCategoryDraft(userID, draftID string) (CategoryDraft, bool, error) {
	payload, ok, err := c.drafts.GetDraft(userID, draftID)
	if err != nil || !ok {
		return CategoryDraft{}, false, err
	}
	var draft CategoryDraft
	if err := json.Unmarshal(payload, &draft); err != nil {
		return CategoryDraft{}, false, fmt.Errorf("decode draft: %w", err)
	}
	return draft, true, nil
}

// DiscardCategoryDraft drops a draft and its staged attachments.
func (c *Controller) DiscardCategoryDraft(ctx context.Context, userID, draftID string) error {
	draft, ok, err := c.LoadCategoryDraft(userID, draftID)
	if err != nil {
		return err
	}
	if ok {
		for _, f := range draft.NewFiles {
			if err := c.staging.Discard(ctx, draftID, f.ID); err != nil {
				return err
			}
		}
	}
	return c.drafts.DeleteDraft(userID, draftID)
}

func (c *Controller) appendIndexFields(form *backend.Form, draft IndexDraft) {
	form.AddEntityField("index", draft.ID, "name_de", draft.NameDE)
	form.AddEntityField("index", draft.ID, "name_en", draft.NameEN)
	form.AddEntityField("index", draft.ID, "description_de", draft.DescriptionDE)
	form.AddEntityField("index", draft.ID, "description_en", draft.DescriptionEN)
	if draft.Logo != "" {
		form.AddEntityField("index", draft.ID, "logo", draft.Logo)
	}
}

// appendCategoryFields encodes one category into the form. Every category
// carries exactly one temperature and one model part.
func (c *Controller) appendCategoryFields(ctx context.Context, form *backend.Form, draft CategoryDraft, includeDeletes bool) error {
	if err := c.validateSelections(draft); err != nil {
		return err
	}
	form.AddEntityField("category", draft.ID, "name_de", draft.NameDE)
	form.AddEntityField("category", draft.ID, "name_en", draft.NameEN)
	form.AddEntityField("category", draft.ID, "description_de", draft.DescriptionDE)
	form.AddEntityField("category", draft.ID, "description_en", draft.DescriptionEN)
	if draft.Logo != "" {
		form.AddEntityField("category", draft.ID, "logo", draft.Logo)
	}
	form.AddEntityField("category", draft.ID, "system_prompt", draft.SystemPrompt)
	form.AddEntityField("category", draft.ID, "temperature", draft.TemperatureID)
	form.AddEntityField("category", draft.ID, "model", draft.ModelID)

	for _, f := range draft.NewFiles {
		content, err := c.staging.Fetch(ctx, draft.ID, f.ID)
		if err != nil {
			return err
		}
		form.AddEntityFile("category", draft.ID, "file", f.Name, content)
	}

	if includeDeletes {
		deletes := make([]fileDeletion, 0, len(draft.FilesToDelete))
		for _, f := range draft.FilesToDelete {
			deletes = append(deletes, fileDeletion{ID: f.ID})
		}
		payload, err := json.Marshal(deletes)
		if err != nil {
			return fmt.Errorf("encode filesToDelete: %w", err)
		}
		form.AddField("filesToDelete", string(payload))
	}
	return nil
}

// fileDeletion is the wire shape of one queued deletion: the id only.
type fileDeletion struct {
	ID string `json:"id"`
}

// validateSelections requires the temperature and model selections and, when
// the metadata store is populated, checks them against the known options.
func (c *Controller) validateSelections(draft CategoryDraft) error {
	if draft.TemperatureID == "" {
		return errors.New("category temperature selection is required")
	}
	if draft.ModelID == "" {
		return errors.New("category model selection is required")
	}
	if c.settings == nil || !c.settings.Populated() {
		return nil
	}
	meta := c.settings.Metadata()
	if len(meta.Temperature) > 0 && !hasOption(meta.Temperature, draft.TemperatureID) {
		return fmt.Errorf("unknown temperature option %q", draft.TemperatureID)
	}
	if len(meta.Model) > 0 && !hasOption(meta.Model, draft.ModelID) {
		return fmt.Errorf("unknown model option %q", draft.ModelID)
	}
	return nil
}

func hasOption(options []domain.MetadataOption, id string) bool {
	for _, o := range options {
		if o.ID == id {
			return true
		}
	}
	return false
}

func (c *Controller) cleanupDraft(ctx context.Context, userID string, draft CategoryDraft) {
	for _, f := range draft.NewFiles {
		_ = c.staging.Discard(ctx, draft.ID, f.ID)
	}
	_ = c.drafts.DeleteDraft(userID, draft.ID)
}
