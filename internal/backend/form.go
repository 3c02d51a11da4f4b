package backend

import (
	"bytes"
	"fmt"
	"mime/multipart"
)

// Form accumulates multipart fields and file parts in insertion order.
// Entity-scoped parts follow the id-correlated naming scheme
// "entity<id>:field" so one submission can carry several entities.
type Form struct {
	parts []formPart
}

type formPart struct {
	name     string
	value    string
	filename string
	content  []byte
	isFile   bool
}

// NewForm creates an empty form.
func NewForm() *Form {
	return &Form{}
}

// AddField appends a plain value field.
func (f *Form) AddField(name, value string) {
	f.parts = append(f.parts, formPart{name: name, value: value})
}

// AddEntityField appends a value field scoped to one entity.
func (f *Form) AddEntityField(entity, id, key, value string) {
	f.AddField(EntityFieldName(entity, id, key), value)
}

// AddEntityFile appends a file part scoped to one entity.
func (f *Form) AddEntityFile(entity, id, key, filename string, content []byte) {
	f.parts = append(f.parts, formPart{
		name:     EntityFieldName(entity, id, key),
		filename: filename,
		content:  content,
		isFile:   true,
	})
}

// FieldNames returns the part names in insertion order.
func (f *Form) FieldNames() []string {
	names := make([]string, 0, len(f.parts))
	for _, p := range f.parts {
		names = append(names, p.name)
	}
	return names
}

// Encode renders the form and returns the body with its content type.
func (f *Form) Encode() ([]byte, string, error) {
	body := &bytes.Buffer{}
	writer := multipart.NewWriter(body)
	for _, p := range f.parts {
		if p.isFile {
			part, err := writer.CreateFormFile(p.name, p.filename)
			if err != nil {
				return nil, "", fmt.Errorf("create file part %s: %w", p.name, err)
			}
			if _, err := part.Write(p.content); err != nil {
				return nil, "", fmt.Errorf("write file part %s: %w", p.name, err)
			}
			continue
		}
		if err := writer.WriteField(p.name, p.value); err != nil {
			return nil, "", fmt.Errorf("write field %s: %w", p.name, err)
		}
	}
	if err := writer.Close(); err != nil {
		return nil, "", fmt.Errorf("close form: %w", err)
	}
	return body.Bytes(), writer.FormDataContentType(), nil
}

// EntityFieldName builds the id-correlated part name "entity<id>:key".
func EntityFieldName(entity, id, key string) string {
	return fmt.Sprintf("%s<%s>:%s", entity, id, key)
}
