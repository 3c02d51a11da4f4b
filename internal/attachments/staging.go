package attachments

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"path"
	"strings"

	"github.com/google/uuid"
	"github.com/ledongthuc/pdf"
	"usecasehub/pkg/domain"
	"usecasehub/pkg/storage"
)

// ErrNotPDF is returned for uploads that do not parse as PDF documents.
var ErrNotPDF = errors.New("attachment is not a valid pdf")

// Staging holds draft attachments between upload and category submit. Files
// live in object storage under the draft's category so a cancelled edit can
// be discarded wholesale.
type Staging struct {
	objects  storage.ObjectStore
	validate func(content []byte) error
}

// NewStaging creates a staging area backed by the given object store.
func NewStaging(objects storage.ObjectStore) *Staging {
	return &Staging{objects: objects, validate: validatePDF}
}

// Stage validates and stores one uploaded file, returning its reference.
func (s *Staging) Stage(ctx context.Context, categoryID, filename string, content []byte) (domain.FileRef, error) {
	filename = path.Base(strings.TrimSpace(filename))
	if filename == "" || filename == "." {
		return domain.FileRef{}, errors.New("attachment filename is required")
	}
	if err := s.validate(content); err != nil {
		return domain.FileRef{}, err
	}
	ref := domain.FileRef{ID: uuid.NewString(), Name: filename}
	key := stagingKey(categoryID, ref.ID)
	if err := s.objects.Put(ctx, key, bytes.NewReader(content), int64(len(content)), "application/pdf"); err != nil {
		return domain.FileRef{}, fmt.Errorf("stage attachment: %w", err)
	}
	return ref, nil
}

// Fetch returns the staged content of one attachment.
func (s *Staging) Fetch(ctx context.Context, categoryID, id string) ([]byte, error) {
	data, err := s.objects.Get(ctx, stagingKey(categoryID, id))
	if err != nil {
		return nil, fmt.Errorf("fetch staged attachment: %w", err)
	}
	return data, nil
}

// Discard removes one staged attachment.
func (s *Staging) Discard(ctx context.Context, categoryID, id string) error {
	if err := s.objects.Delete(ctx, stagingKey(categoryID, id)); err != nil {
		return fmt.Errorf("discard staged attachment: %w", err)
	}
	return nil
}

func stagingKey(categoryID, id string) string {
	return fmt.Sprintf("drafts/%s/%s", categoryID, id)
}

func validatePDF(content []byte) (err error) {
	// The pdf library panics on some malformed inputs.
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: %v", ErrNotPDF, r)
		}
	}()
	reader, err := pdf.NewReader(bytes.NewReader(content), int64(len(content)))
	if err != nil {
		return fmt.Errorf("%w: %s", ErrNotPDF, err)
	}
	if reader.NumPage() < 1 {
		return ErrNotPDF
	}
	return nil
}
