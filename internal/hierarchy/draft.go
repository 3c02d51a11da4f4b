package hierarchy

import (
	"usecasehub/pkg/domain"
)

// IndexDraft is the structured submission payload for index create/edit.
// New entities leave ID empty; the controller mints one on submit.
type IndexDraft struct {
	ID            string          `json:"id,omitempty"`
	NameDE        string          `json:"name_de"`
	NameEN        string          `json:"name_en"`
	DescriptionDE string          `json:"description_de"`
	DescriptionEN string          `json:"description_en"`
	Logo          string          `json:"logo,omitempty"`
	Categories    []CategoryDraft `json:"categories,omitempty"`
}

// CategoryDraft is the structured submission payload for category
// create/edit. TemperatureID and ModelID reference metadata options.
type CategoryDraft struct {
	ID            string           `json:"id,omitempty"`
	NameDE        string           `json:"name_de"`
	NameEN        string           `json:"name_en"`
	DescriptionDE string           `json:"description_de"`
	DescriptionEN string           `json:"description_en"`
	Logo          string           `json:"logo,omitempty"`
	SystemPrompt  string           `json:"system_prompt"`
	TemperatureID string           `json:"temperature"`
	ModelID       string           `json:"model"`
	Files         []domain.FileRef `json:"files"`
	NewFiles      []domain.FileRef `json:"newFiles,omitempty"`
	FilesToDelete []domain.FileRef `json:"filesToDelete,omitempty"`
}

// BeginCategoryDraft copies a persisted category into an editable draft.
// The copy is deep, so cancelling an edit never mutates the listed entity.
func BeginCategoryDraft(c domain.Category) CategoryDraft {
	files := make([]domain.FileRef, len(c.Files))
	copy(files, c.Files)
	return CategoryDraft{
		ID:            c.ID,
		NameDE:        c.NameDE,
		NameEN:        c.NameEN,
		DescriptionDE: c.DescriptionDE,
		DescriptionEN: c.DescriptionEN,
		Logo:          c.Logo,
		SystemPrompt:  c.SystemPrompt,
		TemperatureID: c.Temperature,
		ModelID:       c.Model,
		Files:         files,
	}
}

// RemoveFile takes one attachment out of the draft. A not-yet-uploaded file
// simply disappears from the draft (the staged object should then be
// discarded, which the returned flag signals); a persisted file is queued
// for deletion on submit.
func (d *CategoryDraft) RemoveFile(fileID string) (staged bool) {
	for i, f := range d.NewFiles {
		if f.ID == fileID {
			d.NewFiles = append(d.NewFiles[:i], d.NewFiles[i+1:]...)
			return true
		}
	}
	for i, f := range d.Files {
		if f.ID == fileID {
			d.Files = append(d.Files[:i], d.Files[i+1:]...)
			d.FilesToDelete = append(d.FilesToDelete, domain.FileRef{ID: fileID})
			return false
		}
	}
	return false
}
