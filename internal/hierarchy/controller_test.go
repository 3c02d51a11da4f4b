package hierarchy

import (
	"context"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"strings"
	"testing"

	"usecasehub/internal/backend"
	"usecasehub/internal/settings"
	"usecasehub/internal/store"
	"usecasehub/pkg/domain"
)

type fakeHierarchyBackend struct {
	createdIndexForms    []*backend.Form
	createdCategoryForms []*backend.Form
	updatedCategoryForms []*backend.Form
	updatedIndexPayloads []any
	deletedIndices       []string
	deletedCategories    []string
}

func (f *fakeHierarchyBackend) ListIndices(context.Context, domain.Principal, string) ([]domain.Index, error) {
	return []domain.Index{{ID: "idx-1", NameEN: "Handbook"}}, nil
}

func (f *fakeHierarchyBackend) CreateIndex(_ context.Context, _ domain.Principal, _ string, form *backend.Form) error {
	f.createdIndexForms = append(f.createdIndexForms, form)
	return nil
}

func (f *fakeHierarchyBackend) UpdateIndex(_ context.Context, _ domain.Principal, _, _ string, payload any) error {
	f.updatedIndexPayloads = append(f.updatedIndexPayloads, payload)
	return nil
}

func (f *fakeHierarchyBackend) DeleteIndex(_ context.Context, _ domain.Principal, _, indexID string) error {
	f.deletedIndices = append(f.deletedIndices, indexID)
	return nil
}

func (f *fakeHierarchyBackend) ListCategories(context.Context, domain.Principal, string, string) ([]domain.Category, error) {
	return nil, nil
}

func (f *fakeHierarchyBackend) CreateCategory(_ context.Context, _ domain.Principal, _, _ string, form *backend.Form) error {
	f.createdCategoryForms = append(f.createdCategoryForms, form)
	return nil
}

func (f *fakeHierarchyBackend) UpdateCategory(_ context.Context, _ domain.Principal, _, _, _ string, form *backend.Form) error {
	f.updatedCategoryForms = append(f.updatedCategoryForms, form)
	return nil
}

func (f *fakeHierarchyBackend) DeleteCategory(_ context.Context, _ domain.Principal, _, _, categoryID string) error {
	f.deletedCategories = append(f.deletedCategories, categoryID)
	return nil
}

type fakeStaging struct {
	objects   map[string][]byte
	discarded []string
}

func newFakeStaging() *fakeStaging {
	return &fakeStaging{objects: make(map[string][]byte)}
}

func (f *fakeStaging) key(categoryID, id string) string { return categoryID + "/" + id }

func (f *fakeStaging) Stage(_ context.Context, categoryID, filename string, content []byte) (domain.FileRef, error) {
	ref := domain.FileRef{ID: fmt.Sprintf("file-%d", len(f.objects)+1), Name: filename}
	f.objects[f.key(categoryID, ref.ID)] = content
	return ref, nil
}

func (f *fakeStaging) Fetch(_ context.Context, categoryID, id string) ([]byte, error) {
	content, ok := f.objects[f.key(categoryID, id)]
	if !ok {
		return nil, fmt.Errorf("staged file %s not found", id)
	}
	return content, nil
}

func (f *fakeStaging) Discard(_ context.Context, categoryID, id string) error {
	delete(f.objects, f.key(categoryID, id))
	f.discarded = append(f.discarded, id)
	return nil
}

type metadataLoader struct{}

func (metadataLoader) Landing(context.Context, domain.Principal) (backend.LandingResponse, error) {
	return backend.LandingResponse{
		Metadata: domain.Metadata{
			Temperature: []domain.MetadataOption{{ID: "precise"}, {ID: "creative"}},
			Model:       []domain.MetadataOption{{ID: "gpt-4"}, {ID: "gpt-35"}},
		},
	}, nil
}

func newTestController(t *testing.T) (*Controller, *fakeHierarchyBackend, *fakeStaging) {
	t.Helper()
	st := settings.NewStore(metadataLoader{})
	if err := st.Load(context.Background(), domain.Principal{}); err != nil {
		t.Fatalf("load settings: %v", err)
	}
	fb := &fakeHierarchyBackend{}
	staging := newFakeStaging()
	return NewController(fb, staging, store.NewMemoryStore(), st), fb, staging
}

// decodeForm parses an encoded multipart body into value fields and file
// parts (name -> filename).
func decodeForm(t *testing.T, form *backend.Form) (map[string][]string, map[string][]string) {
	t.Helper()
	data, contentType, err := form.Encode()
	if err != nil {
		t.Fatalf("encode form: %v", err)
	}
	_, params, err := mime.ParseMediaType(contentType)
	if err != nil {
		t.Fatalf("parse content type: %v", err)
	}
	reader := multipart.NewReader(strings.NewReader(string(data)), params["boundary"])
	values := make(map[string][]string)
	files := make(map[string][]string)
	for {
		part, err := reader.NextPart()
		if err == io.EOF {
			break
		}
		if err != nil {
			t.Fatalf("next part: %v", err)
		}
		content, err := io.ReadAll(part)
		if err != nil {
			t.Fatalf("read part: %v", err)
		}
		if part.FileName() != "" {
			files[part.FormName()] = append(files[part.FormName()], part.FileName())
		} else {
			values[part.FormName()] = append(values[part.FormName()], string(content))
		}
	}
	return values, files
}

func sampleCategoryDraft() CategoryDraft {
	return CategoryDraft{
		ID:            "cat-1",
		NameDE:        "Handbuch",
		NameEN:        "Handbook",
		DescriptionDE: "Beschreibung",
		DescriptionEN: "Description",
		SystemPrompt:  "You answer from the handbook.",
		TemperatureID: "precise",
		ModelID:       "gpt-4",
	}
}

func TestCreateCategoryEncodesIDCorrelatedFields(t *testing.T) {
	c, fb, staging := newTestController(t)

	draft := sampleCategoryDraft()
	ref, err := staging.Stage(context.Background(), draft.ID, "manual.pdf", []byte("pdf"))
	if err != nil {
		t.Fatalf("stage: %v", err)
	}
	draft.NewFiles = []domain.FileRef{ref}

	id, err := c.CreateCategory(context.Background(), domain.Principal{Subject: "u1"}, "tenant-1", "idx-1", draft)
	if err != nil {
		t.Fatalf("create category: %v", err)
	}
	if id != "cat-1" {
		t.Fatalf("id = %q", id)
	}
	if len(fb.createdCategoryForms) != 1 {
		t.Fatalf("forms = %d", len(fb.createdCategoryForms))
	}

	values, files := decodeForm(t, fb.createdCategoryForms[0])
	if got := values["category<cat-1>:name_de"]; len(got) != 1 || got[0] != "Handbuch" {
		t.Fatalf("name_de = %v", got)
	}
	if got := values["category<cat-1>:system_prompt"]; len(got) != 1 || got[0] != "You answer from the handbook." {
		t.Fatalf("system_prompt = %v", got)
	}
	// Exactly one temperature and one model part per category.
	if got := values["category<cat-1>:temperature"]; len(got) != 1 || got[0] != "precise" {
		t.Fatalf("temperature parts = %v", got)
	}
	if got := values["category<cat-1>:model"]; len(got) != 1 || got[0] != "gpt-4" {
		t.Fatalf("model parts = %v", got)
	}
	if got := files["category<cat-1>:file"]; len(got) != 1 || got[0] != "manual.pdf" {
		t.Fatalf("file parts = %v", got)
	}
	// Create carries no deletion list.
	if _, ok := values["filesToDelete"]; ok {
		t.Fatal("create must not send filesToDelete")
	}
}

func TestUpdateCategorySendsFilesToDeleteJSON(t *testing.T) {
	c, fb, _ := newTestController(t)

	draft := sampleCategoryDraft()
	draft.Files = []domain.FileRef{{ID: "old-1", Name: "old.pdf"}, {ID: "old-2", Name: "keep.pdf"}}
	draft.RemoveFile("old-1")

	if err := c.UpdateCategory(context.Background(), domain.Principal{Subject: "u1"}, "tenant-1", "idx-1", draft); err != nil {
		t.Fatalf("update category: %v", err)
	}
	values, _ := decodeForm(t, fb.updatedCategoryForms[0])

	raw, ok := values["filesToDelete"]
	if !ok || len(raw) != 1 {
		t.Fatalf("filesToDelete parts = %v", raw)
	}
	// The list carries the id of each queued deletion and nothing else.
	if raw[0] != `[{"id":"old-1"}]` {
		t.Fatalf("filesToDelete = %s", raw[0])
	}
}

func TestUpdateCategoryWithoutRemovalsSendsEmptyList(t *testing.T) {
	c, fb, _ := newTestController(t)
	if err := c.UpdateCategory(context.Background(), domain.Principal{Subject: "u1"}, "tenant-1", "idx-1", sampleCategoryDraft()); err != nil {
		t.Fatalf("update category: %v", err)
	}
	values, _ := decodeForm(t, fb.updatedCategoryForms[0])
	if got := values["filesToDelete"]; len(got) != 1 || got[0] != "[]" {
		t.Fatalf("filesToDelete = %v, want empty JSON list", got)
	}
}

func TestCreateIndexWithInlineCategoriesMintsIDs(t *testing.T) {
	c, fb, _ := newTestController(t)

	draft := IndexDraft{
		NameDE: "Index DE", NameEN: "Index EN",
		Categories: []CategoryDraft{
			{NameEN: "c1", TemperatureID: "precise", ModelID: "gpt-4"},
			{NameEN: "c2", TemperatureID: "creative", ModelID: "gpt-35"},
		},
	}
	id, err := c.CreateIndex(context.Background(), domain.Principal{Subject: "u1"}, "tenant-1", draft)
	if err != nil {
		t.Fatalf("create index: %v", err)
	}
	if id == "" {
		t.Fatal("expected minted index id")
	}

	values, _ := decodeForm(t, fb.createdIndexForms[0])
	if got := values["index<"+id+">:name_de"]; len(got) != 1 || got[0] != "Index DE" {
		t.Fatalf("index name_de = %v", got)
	}

	// Two distinct category ids, each with exactly one temperature and model.
	categoryIDs := map[string]bool{}
	for name := range values {
		if strings.HasPrefix(name, "category<") && strings.HasSuffix(name, ">:temperature") {
			cid := strings.TrimSuffix(strings.TrimPrefix(name, "category<"), ">:temperature")
			categoryIDs[cid] = true
			if len(values[name]) != 1 {
				t.Fatalf("temperature parts for %s = %v", cid, values[name])
			}
			if got := values["category<"+cid+">:model"]; len(got) != 1 {
				t.Fatalf("model parts for %s = %v", cid, got)
			}
		}
	}
	if len(categoryIDs) != 2 {
		t.Fatalf("category ids = %v, want 2 distinct", categoryIDs)
	}
}

func TestCategoryValidationRejectsUnknownSelections(t *testing.T) {
	c, _, _ := newTestController(t)

	draft := sampleCategoryDraft()
	draft.TemperatureID = "volcanic"
	if _, err := c.CreateCategory(context.Background(), domain.Principal{}, "tenant-1", "idx-1", draft); err == nil {
		t.Fatal("expected error for unknown temperature")
	}

	draft = sampleCategoryDraft()
	draft.ModelID = ""
	if _, err := c.CreateCategory(context.Background(), domain.Principal{}, "tenant-1", "idx-1", draft); err == nil {
		t.Fatal("expected error for missing model")
	}
}

func TestDraftAttachmentLifecycle(t *testing.T) {
	c, _, staging := newTestController(t)
	ctx := context.Background()

	draft := sampleCategoryDraft()
	if err := c.SaveCategoryDraft("u1", draft); err != nil {
		t.Fatalf("save draft: %v", err)
	}

	ref, err := c.StageAttachment(ctx, "u1", draft.ID, "manual.pdf", []byte("pdf"))
	if err != nil {
		t.Fatalf("stage attachment: %v", err)
	}
	loaded, ok, err := c.LoadCategoryDraft("u1", draft.ID)
	if err != nil || !ok || len(loaded.NewFiles) != 1 || loaded.NewFiles[0].ID != ref.ID {
		t.Fatalf("draft after stage = %+v ok=%v err=%v", loaded, ok, err)
	}

	// Removing a staged file drops it entirely and discards the object.
	loaded, err = c.RemoveAttachment(ctx, "u1", draft.ID, ref.ID)
	if err != nil {
		t.Fatalf("remove staged: %v", err)
	}
	if len(loaded.NewFiles) != 0 || len(loaded.FilesToDelete) != 0 {
		t.Fatalf("draft after staged removal = %+v", loaded)
	}
	if len(staging.discarded) != 1 || staging.discarded[0] != ref.ID {
		t.Fatalf("discarded = %v", staging.discarded)
	}
}

func TestDiscardCategoryDraftDropsStagedFiles(t *testing.T) {
	c, _, staging := newTestController(t)
	ctx := context.Background()

	draft := sampleCategoryDraft()
	if err := c.SaveCategoryDraft("u1", draft); err != nil {
		t.Fatalf("save draft: %v", err)
	}
	ref, err := c.StageAttachment(ctx, "u1", draft.ID, "doc.pdf", []byte("pdf"))
	if err != nil {
		t.Fatalf("stage: %v", err)
	}
	if err := c.DiscardCategoryDraft(ctx, "u1", draft.ID); err != nil {
		t.Fatalf("discard draft: %v", err)
	}
	if _, ok, _ := c.LoadCategoryDraft("u1", draft.ID); ok {
		t.Fatal("draft should be gone")
	}
	if len(staging.discarded) != 1 || staging.discarded[0] != ref.ID {
		t.Fatalf("discarded = %v", staging.discarded)
	}
}
